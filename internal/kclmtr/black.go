package kclmtr

import (
	"bytes"
	"encoding/binary"

	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/protocol"
)

const (
	blackValues   = 19
	blackMin      = 500
	blackMax      = 2500
	blackTokenOff = 41

	coefficientValues = 18
	coefficientScale  = 4096

	thermMin = 50
	thermMax = 200
)

// FlashBlackMatrix reads the black level stored in flash.
func (d *Device) FlashBlackMatrix() BlackMatrix {
	return d.readBlack(protocol.BlackCalFlash)
}

// RAMBlackMatrix reads the black level the device is currently using.
func (d *Device) RAMBlackMatrix() BlackMatrix {
	return d.readBlack(protocol.BlackCalRAM)
}

func (d *Device) readBlack(c protocol.Command) BlackMatrix {
	b, m := d.send(c)
	if m != errmask.None {
		return BlackMatrix{Err: m}
	}
	return decodeBlack(b)
}

// CaptureBlackLevel measures a new black level and stores it in flash. The
// sensor must be capped and at working temperature.
func (d *Device) CaptureBlackLevel() BlackMatrix {
	counts := d.NextCounts()
	if !thermOK(counts.TH1) || !thermOK(counts.TH2) {
		d.log.Warnf("black level not captured: TH1 %d TH2 %d", counts.TH1, counts.TH2)
		return BlackMatrix{Err: counts.Err | errmask.BlackStoringROM}
	}

	b, m := d.send(protocol.BlackCalNewRAM)
	if m != errmask.None {
		return BlackMatrix{Err: m}
	}
	black := decodeBlack(b)
	if black.Err != errmask.None {
		return black
	}

	b, m = d.send(protocol.BlackCalStore)
	if m != errmask.None {
		return BlackMatrix{Err: m}
	}
	if string(b) != protocol.BlackCalStore.Text {
		return BlackMatrix{Err: errmask.BlackStoringROM}
	}

	b, m = d.sendText(passwordFrame, 1, 3)
	if m != errmask.None {
		return BlackMatrix{Err: m}
	}
	if !bytes.HasPrefix(b, []byte("<0>")) {
		return BlackMatrix{Err: errmask.BlackStoringROM}
	}
	d.log.Infof("black level stored, therm %.0f", black.Therm)
	return black
}

func thermOK(v int) bool { return v >= thermMin && v <= thermMax }

// CoefficientMatrix reads the black level temperature coefficients.
func (d *Device) CoefficientMatrix() BlackMatrix {
	b, m := d.send(protocol.BlackCalCoefficients)
	if m != errmask.None {
		return BlackMatrix{Err: m}
	}
	var v [blackValues]float64
	for i := 0; i < coefficientValues; i++ {
		c := float64(binary.BigEndian.Uint16(b[(i+1)*2:]))
		if c > 32768 {
			c = 32768 - c
		}
		v[i] = c / coefficientScale
	}
	black := blackFromValues(v)
	black.Therm = 0
	return black
}

func decodeBlack(b []byte) BlackMatrix {
	if len(b) < protocol.BlackCalRAM.Expected {
		return BlackMatrix{Err: errmask.BlackParsingROM}
	}
	var (
		v    [blackValues]float64
		mask errmask.Mask
	)
	for i := range v {
		v[i] = float64(binary.BigEndian.Uint16(b[(i+1)*2:]))
		if v[i] < blackMin || v[i] > blackMax {
			mask |= errmask.BlackParsingROM
			v = [blackValues]float64{}
			break
		}
	}
	black := blackFromValues(v)
	black.Err = mask | errmask.FromToken(b[blackTokenOff])
	return black
}

// blackFromValues lays out the device order: range 6 first, therm last.
func blackFromValues(v [blackValues]float64) BlackMatrix {
	var black BlackMatrix
	for k := 0; k < 6; k++ {
		for c := 0; c < 3; c++ {
			black.Range[5-k][c] = v[3*k+c]
		}
	}
	black.Therm = v[18]
	return black
}
