// Package kclmtr is the session facade of the Klein colorimeter driver.
//
// A Device owns one transport. It identifies the instrument, manages its
// calibration files, range and black level, and runs at most one continuous
// acquisition (color, counts or flicker) on a background worker. Results are
// delivered through a poll API: the latest value plus a fresh flag.
package kclmtr

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/kclmtr/internal/average"
	"github.com/shaunagostinho/kclmtr/internal/calib"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/flicker"
	"github.com/shaunagostinho/kclmtr/internal/metrics"
	"github.com/shaunagostinho/kclmtr/internal/protocol"
	"github.com/shaunagostinho/kclmtr/internal/transport"
)

var (
	// ErrNotConnected is returned when an operation needs an open session.
	ErrNotConnected = errors.New("kclmtr: not connected")
	// ErrUnknownModel is returned when the device does not identify as a
	// Klein colorimeter.
	ErrUnknownModel = errors.New("kclmtr: unknown model")
	// ErrStopTimeout is returned when the worker did not stop in time. The
	// transport has been closed to unblock it.
	ErrStopTimeout = errors.New("kclmtr: worker did not stop")
)

// MaskError carries the device condition behind a failed lifecycle step.
type MaskError struct {
	Op   string
	Mask errmask.Mask
}

func (e *MaskError) Error() string {
	return fmt.Sprintf("kclmtr: %s: %v", e.Op, e.Mask)
}

// Options are the session settings applied on Connect.
type Options struct {
	CalFileID          int
	MaxAverage         int
	SpeedMode          SpeedMode
	ZeroNoise          bool
	DeviceFlickerSpeed bool
	Flicker            flicker.Settings
	StopTimeout        time.Duration
}

// DefaultOptions returns the settings the instrument powers up with.
func DefaultOptions() Options {
	return Options{
		MaxAverage:         average.DefaultMax,
		SpeedMode:          SpeedNormal,
		DeviceFlickerSpeed: true,
		Flicker:            flicker.DefaultSettings(),
		StopTimeout:        5 * time.Second,
	}
}

const (
	listEntries  = 96
	listEntryLen = 20

	identityLen    = 21
	clearIdentity  = 131
	calFileReply   = 131
	passwordFrame  = "{00000000}@%#\r"
	fastFirmware   = "01.09fh"
	closedSuffix   = "CLOSED"
	flickerTimeout = 2
)

// Device is one colorimeter session.
type Device struct {
	t   transport.Transport
	eng *protocol.Engine
	log *zap.SugaredLogger
	m   *metrics.Collector

	stopTimeout time.Duration
	zeroNoise   atomic.Bool

	mu       sync.Mutex
	w        *worker
	open     bool
	model    string
	serial   string
	firmware string
	rng      int
	speed    SpeedMode
	maxAvg   int
	fastOK   bool
	calID    int
	calName  string
	cal      calib.Matrix3
	calList  []CalFile
	settings flicker.Settings
	rangeCal *flicker.RangeCal
	initCal  int

	measurement  Measurement
	measureFresh bool
	counts       Counts
	countsFresh  bool
	flick        *flicker.Result
	flickFresh   bool

	fs flickerStream
}

// New returns a closed session on t. log and m may be nil.
func New(t transport.Transport, opts Options, log *zap.SugaredLogger, m *metrics.Collector) *Device {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultOptions().StopTimeout
	}
	if opts.MaxAverage < 1 || opts.MaxAverage > average.MaxWindow {
		opts.MaxAverage = average.DefaultMax
	}
	if !flicker.ValidSamples(opts.Flicker.Samples) {
		opts.Flicker = flicker.DefaultSettings()
	}
	d := &Device{
		t:           t,
		eng:         protocol.NewEngine(t, log.Named("protocol"), m),
		log:         log,
		m:           m,
		stopTimeout: opts.StopTimeout,
		rng:         -1,
		speed:       opts.SpeedMode,
		maxAvg:      opts.MaxAverage,
		fastOK:      opts.DeviceFlickerSpeed,
		calName:     FactoryCalName,
		cal:         calib.Identity,
		settings:    opts.Flicker.Clone(),
		initCal:     opts.CalFileID,
	}
	d.zeroNoise.Store(opts.ZeroNoise)
	d.fs.reset(d.settings.Samples)
	return d
}

// Engine exposes the protocol engine, mainly to tune its timings.
func (d *Device) Engine() *protocol.Engine { return d.eng }

// Connect opens the transport, identifies the instrument and loads its
// calibration file list.
func (d *Device) Connect() error {
	if err := d.t.Open(); err != nil {
		return fmt.Errorf("kclmtr: open: %w", err)
	}
	model, serial, err := identify(d.eng)
	if err != nil {
		d.t.Close()
		return err
	}

	d.mu.Lock()
	d.open = true
	d.model = model
	d.serial = serial
	d.mu.Unlock()

	b, m := d.send(protocol.CalFileList)
	if m != errmask.None {
		d.Close()
		return &MaskError{Op: "read cal file list", Mask: m}
	}
	d.setCalList(parseCalList(b))

	d.log.Infof("connected to %s serial %s", model, serial)

	d.mu.Lock()
	id := d.initCal
	d.mu.Unlock()
	if m := d.SetCalFile(id); m != errmask.None {
		d.log.Warnf("cal file %d not loaded: %v", id, m)
	}
	d.SetRange(-1)
	return nil
}

// Probe opens t, reads the model and serial number and closes it again.
func Probe(t transport.Transport, log *zap.SugaredLogger) (model, serial string, err error) {
	if err := t.Open(); err != nil {
		return "", "", fmt.Errorf("kclmtr: open: %w", err)
	}
	defer t.Close()
	return identify(protocol.NewEngine(t, log, nil))
}

func identify(eng *protocol.Engine) (model, serial string, err error) {
	b, m := eng.Exchange(protocol.DeviceInfo)
	if m == errmask.None && bytes.HasPrefix(b, []byte("/////")) {
		// a half-sent reply is still queued in the device
		eng.Send(protocol.DeviceInfo.Text, 1, clearIdentity)
		b, m = eng.Exchange(protocol.DeviceInfo)
	}
	if m != errmask.None {
		return "", "", &MaskError{Op: "identify", Mask: m}
	}
	if len(b) < identityLen {
		return "", "", &MaskError{Op: "identify", Mask: errmask.BadValues}
	}
	model = strings.TrimSpace(string(b[2:9]))
	serial = strings.TrimSpace(string(b[9:18]))
	if !strings.HasPrefix(model, "K-") && !strings.HasPrefix(model, "KV-") {
		return "", "", fmt.Errorf("%w %q", ErrUnknownModel, model)
	}
	return model, serial, nil
}

// Close stops any acquisition, closes the transport and forgets the
// instrument. Model keeps the last model with a CLOSED suffix.
func (d *Device) Close() error {
	stopErr := d.stopWorker()
	err := d.t.Close()

	d.mu.Lock()
	wasOpen := d.open
	d.open = false
	if !strings.HasSuffix(d.model, closedSuffix) {
		d.model += closedSuffix
	}
	d.serial = ""
	d.calList = nil
	d.calName = ""
	d.calID = 0
	d.cal = calib.Matrix3{}
	d.rng = -1
	d.rangeCal = nil
	d.fs.reset(d.settings.Samples)
	d.mu.Unlock()

	if wasOpen {
		d.log.Infof("session closed")
	}
	if stopErr != nil {
		return stopErr
	}
	if err != nil {
		return fmt.Errorf("kclmtr: close: %w", err)
	}
	return nil
}

// IsOpen reports whether the transport is still open. A session whose
// transport went away is closed.
func (d *Device) IsOpen() bool {
	ok := d.t.IsOpen()
	d.mu.Lock()
	wasOpen := d.open
	d.mu.Unlock()
	if wasOpen && !ok {
		d.log.Warnf("connection lost, closing session")
		d.Close()
	}
	return ok
}

// Model returns the model name read on Connect.
func (d *Device) Model() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model
}

// SerialNumber returns the serial number read on Connect.
func (d *Device) SerialNumber() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serial
}

// Firmware returns the firmware version. It is read with the flicker
// calibration and is empty until flicker has been started once.
func (d *Device) Firmware() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmware
}

// SetRange fixes the measurement range: 0 holds the current range, 1..6
// select one, anything else returns to auto ranging (-1).
func (d *Device) SetRange(r int) errmask.Mask {
	var m errmask.Mask
	switch {
	case r == 0:
		_, m = d.send(protocol.RangeFixCurrent)
	case r >= 1 && r <= 6:
		_, m = d.send(protocol.RangeFixCurrent)
		c, _ := protocol.RangeFixed(r)
		_, m2 := d.send(c)
		m |= m2
	default:
		r = -1
		_, m = d.send(protocol.RangeAuto)
	}
	d.mu.Lock()
	d.rng = r
	d.mu.Unlock()
	return m
}

// Range returns the range last set, -1 for auto.
func (d *Device) Range() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng
}

// SetAimingLights switches the aiming lights on models that have them.
func (d *Device) SetAimingLights(on bool) errmask.Mask {
	model := d.Model()
	if !strings.HasPrefix(model, "K-10") && !strings.HasPrefix(model, "KV-10") && !strings.HasPrefix(model, "K-80") {
		return errmask.None
	}
	c := protocol.AimingLightsOff
	if on {
		c = protocol.AimingLightsOn
	}
	_, m := d.send(c)
	return m
}

// SetSpeedMode changes the color measurement rate. A running color
// measurement is stopped.
func (d *Device) SetSpeedMode(s SpeedMode) {
	if d.IsMeasuring() {
		d.halt()
	}
	d.mu.Lock()
	d.speed = s
	d.mu.Unlock()
}

// SpeedMode returns the color measurement rate.
func (d *Device) SpeedMode() SpeedMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

// SetMaxAverage changes the box-car window. It reports false when n is out
// of range or unchanged. A running color measurement is stopped.
func (d *Device) SetMaxAverage(n int) bool {
	d.mu.Lock()
	cur := d.maxAvg
	d.mu.Unlock()
	if n == cur || n < 1 || n > average.MaxWindow {
		return false
	}
	if d.IsMeasuring() {
		d.halt()
	}
	d.mu.Lock()
	d.maxAvg = n
	d.mu.Unlock()
	return true
}

// MaxAverage returns the box-car window.
func (d *Device) MaxAverage() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxAvg
}

// SetZeroNoise clamps small negative readings within the noise floor to 0.
func (d *Device) SetZeroNoise(on bool) { d.zeroNoise.Store(on) }

// ZeroNoise reports whether noise clamping is on.
func (d *Device) ZeroNoise() bool { return d.zeroNoise.Load() }

// SetDeviceFlickerSpeed allows the 384 samples per second stream on
// firmware that supports it.
func (d *Device) SetDeviceFlickerSpeed(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fastOK = on
}

// DeviceFlickerSpeed reports whether the fast flicker stream is allowed.
func (d *Device) DeviceFlickerSpeed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fastOK
}

func (d *Device) sensitivity() float64 {
	switch d.Model() {
	case "K-1":
		return 30
	case "K-10-A", "K-10A":
		return 3
	case "K-8":
		return 1.0 / 8
	case "K-80":
		return 2
	}
	return 1
}

func (d *Device) averagingMultiplier() float64 {
	return 1 / d.sensitivity() * d.SpeedMode().multiplier()
}

// send stops whichever acquisition c would interleave with and exchanges it.
func (d *Device) send(c protocol.Command) ([]byte, errmask.Mask) {
	return d.sendText(c.Text, c.Timeout, c.Expected)
}

func (d *Device) sendText(text string, timeout, expected int) ([]byte, errmask.Mask) {
	switch d.activeMode() {
	case ModeColor:
		if !protocol.IsColor(text) {
			d.halt()
		}
	case ModeCounts:
		if text != protocol.Counts.Text {
			d.halt()
		}
	case ModeFlicker:
		if expected != -1 && !protocol.IsFlicker(text) {
			d.halt()
		}
	}
	return d.exchange(text, timeout, expected)
}

// exchange talks to the wire without touching the worker. The worker uses
// it directly.
func (d *Device) exchange(text string, timeout, expected int) ([]byte, errmask.Mask) {
	b, m := d.eng.Send(text, timeout, expected)
	if m.Has(errmask.LostConnection) {
		d.dropTransport()
	}
	return b, m
}

func (d *Device) readMore(buf []byte, expected, timeout int) ([]byte, errmask.Mask) {
	b, m := d.eng.ReadMore(buf, expected, timeout)
	if m.Has(errmask.LostConnection) {
		d.dropTransport()
	}
	return b, m
}

// dropTransport closes a transport that failed. The session itself is
// closed by the next IsOpen or Close from the controlling goroutine.
func (d *Device) dropTransport() {
	if err := d.t.Close(); err != nil {
		d.log.Debugf("close after lost connection: %v", err)
	}
}

// halt stops the running worker and logs a stop timeout.
func (d *Device) halt() {
	if err := d.stopWorker(); err != nil {
		d.log.Errorf("stop acquisition: %v", err)
	}
}
