package kclmtr

import (
	"errors"
	"strings"
	"time"

	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/flicker"
	"github.com/shaunagostinho/kclmtr/internal/protocol"
	"github.com/shaunagostinho/kclmtr/internal/transport"
)

const (
	firmwareOff     = 19
	firmwareLen     = 7
	rangeCalOff     = 26
	unhealthyRange  = 100
	baudSettle      = 5 * time.Millisecond
	streamSettle    = 10 * time.Millisecond
	noPreviousRange = -1
)

// flickerStream is the state of one flicker stream. It belongs to whoever
// runs the stream: the worker or NextFlicker.
type flickerStream struct {
	ripple    *flicker.Ripple
	framer    flicker.Framer
	numPass   int
	count     int
	lastRange int
	fast      bool
	single    bool
}

func (s *flickerStream) reset(samples int) {
	if s.ripple == nil {
		s.ripple = flicker.NewRipple(samples)
	} else {
		s.ripple.Reset(samples)
	}
	s.framer.Reset()
	s.numPass = samples / flicker.BurstSize
	s.count = 0
	s.lastRange = noPreviousRange
	s.fast = false
	s.single = false
}

// FlickerSettings returns a copy of the flicker settings.
func (d *Device) FlickerSettings() flicker.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings.Clone()
}

// SetFlickerSettings replaces the flicker settings. Speed and corrections
// follow the device and are kept. A running stream restarts when the sample
// count changes.
func (d *Device) SetFlickerSettings(s flicker.Settings) errmask.Mask {
	if !flicker.ValidSamples(s.Samples) {
		return errmask.FFTBadSamples
	}
	s = s.Clone()

	d.mu.Lock()
	changed := s.Samples != d.settings.Samples
	s.Speed = d.settings.Speed
	s.Corrections = d.settings.Corrections
	d.settings = s
	d.mu.Unlock()

	if changed && d.IsFlickering() {
		return maskOf(d.StartFlicker())
	}
	return errmask.None
}

// HasRangeCal reports whether the flicker range calibration is loaded.
func (d *Device) HasRangeCal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rangeCal != nil
}

// StartFlicker starts the continuous flicker stream. Any other acquisition
// is stopped first.
func (d *Device) StartFlicker() error {
	if m := d.prepareFlicker(); m != errmask.None {
		return &MaskError{Op: "start flicker", Mask: m}
	}
	return d.startWorker(job{
		mode: ModeFlicker,
		setup: func(w *worker) {
			if m := d.beginStream(); m != errmask.None {
				d.publishFlicker(&flicker.Result{Err: m})
				w.requestStop()
			}
		},
		step: func(w *worker) bool {
			frame, m := d.nextFrame()
			if m != errmask.None {
				d.publishFlicker(&flicker.Result{Err: m})
				return false
			}
			if frame == nil {
				return true
			}
			res := d.processFrame(frame)
			d.m.FlickerFrame()
			if w.stopping() {
				return true
			}
			d.publishFlicker(res)
			return !res.Err.ShouldStop(errmask.FlickerTolerated)
		},
		teardown: d.endStream,
	})
}

// StopFlicker stops the flicker stream.
func (d *Device) StopFlicker() error {
	if d.activeMode() != ModeFlicker {
		return nil
	}
	return d.stopWorker()
}

// IsFlickering reports whether the flicker stream is running.
func (d *Device) IsFlickering() bool { return d.activeMode() == ModeFlicker }

// Flicker returns the latest flicker result and whether it is new since the
// previous call. The result is nil before the first one.
func (d *Device) Flicker() (*flicker.Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fresh := d.flickFresh
	d.flickFresh = false
	return d.flick, fresh
}

func (d *Device) publishFlicker(r *flicker.Result) {
	d.mu.Lock()
	d.flick = r
	d.flickFresh = true
	d.mu.Unlock()
	d.m.Published(ModeFlicker.String())
}

// NextFlicker streams until the ripple window holds a full set of samples
// and returns that spectrum.
func (d *Device) NextFlicker() *flicker.Result {
	if m := d.prepareFlicker(); m != errmask.None {
		return &flicker.Result{Err: m}
	}
	d.fs.single = true
	if m := d.beginStream(); m != errmask.None {
		d.endStream()
		return &flicker.Result{Err: m}
	}
	time.Sleep(streamSettle)

	// every pass may take a read to fill the frame plus one to resync
	reads := 2*d.fs.numPass + 4
	res := &flicker.Result{Err: errmask.FFTBadString}
	for reads > 0 {
		frame, m := d.nextFrame()
		if m != errmask.None {
			res = &flicker.Result{Err: m}
			break
		}
		if frame == nil {
			reads--
			continue
		}
		res = d.processFrame(frame)
		d.m.FlickerFrame()
		if d.fs.numPass <= 0 || res.Err.ShouldStop(errmask.FlickerTolerated) {
			break
		}
	}
	d.endStream()
	return res
}

// prepareFlicker stops any acquisition, resets the stream and makes sure
// the range calibration is loaded.
func (d *Device) prepareFlicker() errmask.Mask {
	d.halt()
	d.mu.Lock()
	d.fs.reset(d.settings.Samples)
	d.mu.Unlock()

	if strings.HasPrefix(d.Model(), "KV-") {
		return errmask.FFTNotSupported
	}
	if !d.HasRangeCal() {
		b, m := d.send(protocol.FlickerInfo)
		if m != errmask.None {
			return m
		}
		fw := strings.TrimSpace(string(b[firmwareOff : firmwareOff+firmwareLen]))
		cal, cm := flicker.LoadRangeCal(b[rangeCalOff : rangeCalOff+flicker.RangeCalSize])
		if cm != errmask.None {
			d.log.Warnf("flicker range calibration rejected: %v", cm)
		}
		d.mu.Lock()
		d.firmware = fw
		d.rangeCal = cal
		d.mu.Unlock()
	}
	if !d.HasRangeCal() {
		return errmask.FFTRangeCal
	}
	return errmask.None
}

func (d *Device) fastFlicker() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fastOK && d.firmware > fastFirmware
}

// beginStream starts the device streaming, at 384 samples per second and
// double baud when the firmware allows it.
func (d *Device) beginStream() errmask.Mask {
	fast := d.fastFlicker()
	d.mu.Lock()
	d.fs.fast = fast
	d.settings.Speed = flicker.SpeedNormal
	if fast {
		d.settings.Speed = flicker.SpeedFast
	}
	d.mu.Unlock()

	if !fast {
		_, m := d.exchange(protocol.Flicker256.Text, protocol.Flicker256.Timeout, protocol.Flicker256.Expected)
		return m
	}
	if _, m := d.exchange(protocol.Flicker384.Text, protocol.Flicker384.Timeout, protocol.Flicker384.Expected); m != errmask.None {
		return m
	}
	time.Sleep(baudSettle)
	if err := d.t.Configure(transport.FastBaud); err != nil {
		d.log.Warnf("switch to %d baud: %v", transport.FastBaud, err)
		return errmask.LostConnection
	}
	return errmask.None
}

// endStream stops the device streaming, restores the baud rate and drops
// whatever is still queued.
func (d *Device) endStream() {
	x9 := protocol.Dummy
	d.exchange(x9.Text, x9.Timeout, x9.Expected)
	d.exchange(x9.Text, x9.Timeout, x9.Expected)
	if d.fs.fast {
		time.Sleep(baudSettle)
		if err := d.t.Configure(transport.DefaultBaud); err != nil {
			d.log.Warnf("restore %d baud: %v", transport.DefaultBaud, err)
		}
	} else {
		time.Sleep(streamSettle)
		d.exchange(x9.Text, x9.Timeout, x9.Expected)
	}
	time.Sleep(streamSettle)
	if d.t.IsOpen() {
		d.eng.Drain()
	}

	d.mu.Lock()
	d.fs.reset(d.settings.Samples)
	d.mu.Unlock()
}

// nextFrame returns the next verified frame. When less than a frame is
// buffered it reads more of the stream and returns a nil frame.
func (d *Device) nextFrame() ([]byte, errmask.Mask) {
	frame, dropped := d.fs.framer.Next()
	if dropped > 0 {
		d.m.FlickerDesync(dropped)
		d.log.Debugf("flicker stream out of sync, dropped %d bytes", dropped)
	}
	if frame != nil {
		return frame, errmask.None
	}
	b, m := d.readMore(nil, flicker.FrameSize-d.fs.framer.Buffered(), flickerTimeout)
	d.fs.framer.Write(b)
	return nil, m
}

// processFrame pushes one frame into the ripple window and computes the
// spectrum.
func (d *Device) processFrame(b []byte) *flicker.Result {
	f := flicker.DecodeFrame(b)
	if f.Mask.Has(errmask.FFTBadString) {
		return &flicker.Result{Err: errmask.FFTBadString}
	}
	s := &d.fs
	s.ripple.Push(f.Samples)
	mask := f.Mask
	if !f.Healthy() {
		s.lastRange = unhealthyRange
	}

	d.mu.Lock()
	y := d.cal.Row(1, f.XYZ)
	if int(f.Range) != s.lastRange {
		if s.lastRange != noPreviousRange {
			mask |= errmask.FFTPreviousRange
			if !s.single {
				s.numPass = d.settings.Speed / flicker.BurstSize
			}
		}
		s.lastRange = int(f.Range)
		d.settings.Corrections = d.rangeCal.Corrections(f.Range)
	}
	settings := d.settings.Clone()
	d.mu.Unlock()

	s.count++
	res := flicker.Compute(settings, s.ripple.Values(), s.count, y)
	res.Range = f.Range
	res.Err |= mask

	s.numPass--
	if s.numPass > 0 {
		res.Err |= errmask.FFTInsufficientData
	}
	return res
}

// maskOf flattens a lifecycle error into the mask reported to callers.
func maskOf(err error) errmask.Mask {
	if err == nil {
		return errmask.None
	}
	var me *MaskError
	if errors.As(err, &me) {
		return me.Mask
	}
	if errors.Is(err, ErrStopTimeout) {
		return errmask.TimedOut
	}
	return errmask.LostConnection
}
