package kclmtr

import (
	"encoding/binary"

	"github.com/shaunagostinho/kclmtr/internal/codec"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/protocol"
)

// StartCounts starts continuous raw count reading. Any other acquisition
// is stopped first.
func (d *Device) StartCounts() error {
	c := protocol.Counts
	return d.startWorker(job{
		mode: ModeCounts,
		step: func(w *worker) bool {
			b, m := d.exchange(c.Text, c.Timeout, c.Expected)
			if m != errmask.None {
				d.publishCounts(Counts{Err: m})
				return false
			}
			if !w.stopping() {
				d.publishCounts(decodeCounts(b))
			}
			return true
		},
	})
}

// StopCounts stops continuous count reading.
func (d *Device) StopCounts() error {
	if d.activeMode() != ModeCounts {
		return nil
	}
	return d.stopWorker()
}

// IsCounting reports whether continuous count reading is running.
func (d *Device) IsCounting() bool { return d.activeMode() == ModeCounts }

// Counts returns the latest count reading and whether it is new since the
// previous call.
func (d *Device) Counts() (Counts, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fresh := d.countsFresh
	d.countsFresh = false
	return d.counts, fresh
}

func (d *Device) publishCounts(c Counts) {
	d.mu.Lock()
	d.counts = c
	d.countsFresh = true
	d.mu.Unlock()
	d.m.Published(ModeCounts.String())
}

// NextCounts takes one count reading.
func (d *Device) NextCounts() Counts {
	d.halt()
	if _, m := d.send(protocol.Counts); m != errmask.None {
		return Counts{Err: m}
	}
	b, m := d.send(protocol.Counts)
	if m != errmask.None {
		return Counts{Err: m}
	}
	return decodeCounts(b)
}

func decodeCounts(b []byte) Counts {
	if len(b) < protocol.Counts.Expected {
		return Counts{Err: errmask.BadValues}
	}
	var c Counts
	for i := 0; i < 3; i++ {
		c.Top[i] = int(binary.BigEndian.Uint16(b[2*i:]))
		c.Bottom[i] = int(binary.BigEndian.Uint16(b[6+2*i:]))
	}
	c.Therm = int(binary.BigEndian.Uint16(b[12:]))
	c.TH1 = int(b[14])
	c.TH2 = int(b[15])
	c.Ranges = codec.ParseRange(b[16])
	c.Err = errmask.FromToken(b[18])
	return c
}
