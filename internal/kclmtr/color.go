package kclmtr

import (
	"math"

	"github.com/shaunagostinho/kclmtr/internal/average"
	"github.com/shaunagostinho/kclmtr/internal/codec"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/protocol"
)

const (
	colorReplyLen   = 15
	maxNoiseSamples = 512
	noiseFloor      = -0.02
)

func (d *Device) colorCommand() protocol.Command {
	switch d.SpeedMode() {
	case SpeedSlowest:
		return protocol.Color2PerSecond
	case SpeedSlow:
		return protocol.Color4PerSecond
	case SpeedFast:
		return protocol.Color16PerSecond
	}
	return protocol.Color8PerSecond
}

// StartMeasuring starts continuous color measurement. Any other
// acquisition is stopped first.
func (d *Device) StartMeasuring() error {
	box := average.NewBoxCar(d.MaxAverage(), d.averagingMultiplier())
	cmd := d.colorCommand()
	return d.startWorker(job{
		mode: ModeColor,
		step: func(w *worker) bool {
			b, m := d.exchange(cmd.Text, cmd.Timeout, cmd.Expected)
			if m != errmask.None {
				d.publishMeasurement(Measurement{Err: m})
				return false
			}
			if !w.stopping() {
				d.publishMeasurement(d.processColor(b, box, true))
			}
			return true
		},
	})
}

// StopMeasuring stops continuous color measurement.
func (d *Device) StopMeasuring() error {
	if d.activeMode() != ModeColor {
		return nil
	}
	return d.stopWorker()
}

// IsMeasuring reports whether continuous color measurement is running.
func (d *Device) IsMeasuring() bool { return d.activeMode() == ModeColor }

// Measurement returns the latest color reading and whether it is new since
// the previous call.
func (d *Device) Measurement() (Measurement, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fresh := d.measureFresh
	d.measureFresh = false
	return d.measurement, fresh
}

func (d *Device) publishMeasurement(m Measurement) {
	d.mu.Lock()
	d.measurement = m
	d.measureFresh = true
	d.mu.Unlock()
	d.m.Published(ModeColor.String())
}

// NextMeasurement takes one color reading averaged over n samples. With
// n < 1 it averages automatically up to the max average count.
func (d *Device) NextMeasurement(n int) Measurement {
	d.halt()
	cmd := d.colorCommand()
	// the first reply only clears the device pipeline
	if _, m := d.send(cmd); m != errmask.None {
		return Measurement{Err: m}
	}

	auto := n < 1
	window := n
	if auto {
		window = d.MaxAverage()
	}
	if window > average.MaxWindow {
		window = average.MaxWindow
	}
	box := average.NewBoxCar(window, d.averagingMultiplier())

	var meas Measurement
	for i := 0; i < window; i++ {
		b, m := d.send(cmd)
		if m != errmask.None {
			return Measurement{Err: m}
		}
		meas = d.processColor(b, box, auto)
		if auto && !meas.Err.Has(errmask.AveragingLowLight) {
			break
		}
	}
	return meas
}

// processColor decodes one color reply, folds it into box and applies the
// noise check and the calibration matrix.
func (d *Device) processColor(b []byte, box *average.BoxCar, auto bool) Measurement {
	if len(b) < colorReplyLen {
		return Measurement{Err: errmask.BadValues}
	}
	sample := [3]float64{
		codec.ParseKFloat(codec.Bytes3(b, 2)),
		codec.ParseKFloat(codec.Bytes3(b, 5)),
		codec.ParseKFloat(codec.Bytes3(b, 8)),
	}
	ranges := codec.ParseRange(b[11])
	mask := errmask.FromToken(b[13])

	avg := box.Add(sample, auto)
	mask |= avg.Mask
	raw := avg.Mean
	mask |= d.noiseCheck(&raw, avg.Count)

	d.mu.Lock()
	cal := d.cal
	d.mu.Unlock()
	xyz := cal.Apply(raw)
	x, y := chromaticity(xyz)

	return Measurement{
		XYZ:        xyz,
		Raw:        raw,
		Min:        avg.Min,
		Max:        avg.Max,
		ChromaX:    x,
		ChromaY:    y,
		AveragedBy: avg.Count,
		Ranges:     ranges,
		Err:        mask,
	}
}

// noiseCheck flags readings more negative than the noise floor for the
// amount of data averaged. With zero noise on, readings inside the floor are
// clamped to 0.
func (d *Device) noiseCheck(v *[3]float64, count int) errmask.Mask {
	samples := math.Min(d.SpeedMode().samples()*float64(count), maxNoiseSamples)
	base := 1 / d.sensitivity() / math.Sqrt(samples/32)
	zero := d.zeroNoise.Load()

	var m errmask.Mask
	for i := range v {
		multi := base
		if i != 1 {
			// X and Z are less sensitive than Y
			multi *= 3
		}
		threshold := noiseFloor * multi
		switch {
		case zero && v[i] < 0 && v[i] > threshold:
			v[i] = 0
		case v[i] <= threshold:
			m |= errmask.NegativeValues
		}
	}
	return m
}
