// Package sim is an in-memory colorimeter that speaks the serial protocol.
// It backs the demo mode of the CLI and service and the end-to-end tests.
package sim

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/shaunagostinho/kclmtr/internal/calib"
	"github.com/shaunagostinho/kclmtr/internal/codec"
	"github.com/shaunagostinho/kclmtr/internal/flicker"
)

// ErrClosed is returned by I/O on a closed simulator.
var ErrClosed = errors.New("sim: device closed")

// Options describe the simulated instrument.
type Options struct {
	Model    string
	Serial   string
	Firmware string
	// Luminance is the mean Y in cd/m².
	Luminance float64
	// FlickerHz and FlickerDepth shape the light modulation.
	FlickerHz    float64
	FlickerDepth float64
	Seed         int64
}

// DefaultOptions is a K-10 looking at a white panel with 30 Hz ripple.
func DefaultOptions() Options {
	return Options{
		Model:        "K-10",
		Serial:       "20190042",
		Firmware:     "01.10aa",
		Luminance:    120,
		FlickerHz:    30,
		FlickerDepth: 0.08,
		Seed:         1,
	}
}

const (
	listSlots    = 96
	whiteX       = 0.3127
	whiteY       = 0.3290
	countsPerNit = 150.0
	maxHistory   = 256
)

// colorRate is the measurement rate of each color command.
var colorRate = map[byte]float64{'7': 2, '6': 4, '5': 8, '4': 16}

type state int

const (
	stateCommand state = iota
	stateCalID
	stateStore
)

// Device simulates a colorimeter behind a Transport.
type Device struct {
	mu   sync.Mutex
	opts Options
	log  *zap.SugaredLogger
	rnd  *rand.Rand

	open    bool
	baud    int
	state   state
	in      []byte
	pending []byte

	t        float64 // virtual seconds
	stream   int     // samples per second, 0 when idle
	fixed    int
	lights   bool
	files    [listSlots + 1][]byte
	blackRAM [19]uint16
	blackROM [19]uint16
	commands []string
}

// New returns a closed simulator.
func New(opts Options, log *zap.SugaredLogger) *Device {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Device{
		opts: opts,
		log:  log,
		rnd:  rand.New(rand.NewSource(opts.Seed)),
		baud: 9600,
	}
	for i := 1; i <= listSlots; i++ {
		d.files[i] = calib.BlankUserMatrix()
	}
	d.files[1], _ = calib.PackUserMatrix("Demo Panel", calib.Matrix3{{1.02, 0, 0}, {0, 1, 0}, {0, 0, 0.98}})
	for i := range d.blackROM {
		d.blackROM[i] = uint16(1000 + 10*i)
	}
	d.blackRAM = d.blackROM
	return d
}

// SetLuminance changes the simulated light level.
func (d *Device) SetLuminance(y float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.Luminance = y
}

// Streaming reports whether a flicker stream is running.
func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream != 0
}

// AimingLights reports the aiming light state.
func (d *Device) AimingLights() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lights
}

// Baud returns the configured line speed.
func (d *Device) Baud() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}

// Commands returns every command received so far.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	d.baud = 9600
	d.log.Infof("simulated %s %s opened", d.opts.Model, d.opts.Serial)
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.stream = 0
	d.state = stateCommand
	d.in, d.pending = nil, nil
	return nil
}

func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *Device) Configure(baud int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrClosed
	}
	d.baud = baud
	return nil
}

func (d *Device) Write(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return 0, ErrClosed
	}
	d.in = append(d.in, b...)
	d.process()
	return len(b), nil
}

// ReadAvailable returns pending replies. While streaming every call also
// yields the next flicker frame.
func (d *Device) ReadAvailable() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, ErrClosed
	}
	if d.stream != 0 {
		d.pending = d.appendFrame(d.pending)
	}
	out := d.pending
	d.pending = nil
	return out, nil
}

func (d *Device) process() {
	for len(d.in) > 0 {
		switch d.state {
		case stateCalID:
			id := int(d.in[0])
			d.in = d.in[1:]
			d.in = bytes.TrimPrefix(d.in, []byte{'\r'})
			d.state = stateCommand
			d.replyCalFile(id)
		case stateStore:
			// MAT<id>(<128 bytes>)\r
			const frameLen = 3 + 1 + 1 + calib.UserMatrixSize + 1
			if len(d.in) < frameLen {
				return
			}
			frame := d.in[:frameLen]
			d.in = bytes.TrimPrefix(d.in[frameLen:], []byte{'\r'})
			d.state = stateCommand
			d.store(frame)
		default:
			i := bytes.IndexByte(d.in, '\r')
			if i < 0 {
				return
			}
			cmd := string(d.in[:i])
			d.in = d.in[i+1:]
			d.command(cmd)
		}
	}
}

func (d *Device) command(cmd string) {
	if len(d.commands) == maxHistory {
		d.commands = d.commands[1:]
	}
	d.commands = append(d.commands, cmd)
	d.log.Debugf("command %q", cmd)

	if d.stream != 0 && cmd != "T1" && cmd != "T2" {
		d.stream = 0
	}

	switch {
	case cmd == "P0":
		d.reply(d.identity("P0", 21))
	case cmd == "P4":
		d.reply(d.flickerInfo())
	case cmd == "D7":
		d.reply(d.fileList())
	case cmd == "D1":
		d.reply([]byte("D1"))
		d.state = stateCalID
	case cmd == "D9":
		d.reply([]byte("D9"))
		d.state = stateStore
	case len(cmd) == 2 && cmd[0] == 'N' && cmd[1] >= '4' && cmd[1] <= '7':
		d.reply(d.color(cmd))
	case cmd == "M6":
		d.reply(d.counts())
	case cmd == "T1":
		d.stream = flicker.SpeedFast
	case cmd == "T2":
		d.stream = flicker.SpeedNormal
	case len(cmd) == 2 && cmd[0] == 'J':
		switch n := int(cmd[1] - '0'); {
		case n >= 1 && n <= 6:
			d.fixed = n
		case n == 8:
			d.fixed = 0
		}
		d.reply([]byte{'0'})
	case cmd == "L0" || cmd == "L1":
		d.lights = cmd == "L1"
	case cmd == "B4":
		d.reply(d.black("B4", d.blackRAM))
	case cmd == "B8":
		d.reply(d.black("B8", d.blackROM))
	case cmd == "B9":
		for i := range d.blackRAM {
			d.blackRAM[i] = uint16(1000 + 10*i + d.rnd.Intn(5))
		}
		d.reply(d.black("B9", d.blackRAM))
	case cmd == "B7":
		d.reply([]byte("B7"))
	case cmd == "{00000000}@%#":
		d.blackROM = d.blackRAM
		d.reply([]byte("<0>"))
	case cmd == "S0":
		d.reply(d.coefficients())
	case cmd == "X9":
	default:
		d.log.Debugf("ignoring unknown command %q", cmd)
	}
}

func (d *Device) reply(b []byte) {
	d.pending = append(d.pending, b...)
}

// luminance advances virtual time by dt and returns the light level.
func (d *Device) luminance(dt float64) float64 {
	d.t += dt
	drift := 1 + 0.02*math.Sin(d.t*0.3)
	return d.opts.Luminance * drift * (1 + d.rnd.NormFloat64()*0.001)
}

func (d *Device) xyz(y float64) [3]float64 {
	return [3]float64{
		whiteX / whiteY * y,
		y,
		(1 - whiteX - whiteY) / whiteY * y,
	}
}

func padded(s string, n int) []byte {
	b := bytes.Repeat([]byte{' '}, n)
	copy(b, s)
	return b
}

// header is the echo followed by the model and serial number fields.
func (d *Device) header(echo string) []byte {
	b := make([]byte, 0, 32)
	b = append(b, echo...)
	b = append(b, padded(d.opts.Model, 7)...)
	return append(b, padded(d.opts.Serial, 9)...)
}

func (d *Device) identity(echo string, n int) []byte {
	b := d.header(echo)
	for len(b) < n-3 {
		b = append(b, ' ')
	}
	return append(b, "<0>"...)
}

func (d *Device) flickerInfo() []byte {
	b := d.header("P4")
	b = append(b, ' ')
	b = append(b, padded(d.opts.Firmware, 7)...)
	b = append(b, rangeCal()...)
	for len(b) < 610 {
		b = append(b, ' ')
	}
	return append(b, "<0>"...)
}

// rangeCal encodes a sensor whose gain rises linearly with frequency.
func rangeCal() []byte {
	b := make([]byte, 0, flicker.RangeCalSize)
	for r := 0; r < 3; r++ {
		for j := 0; j < 128; j += 2 {
			v := uint16(math.Round(32768 / (1 + 0.5*float64(j))))
			b = append(b, byte(v>>8), byte(v))
		}
	}
	return b
}

func (d *Device) fileList() []byte {
	b := make([]byte, 0, 1925)
	b = append(b, "D7"...)
	for i := 1; i <= listSlots; i++ {
		b = append(b, d.files[i][:20]...)
	}
	return append(b, "<0>"...)
}

func (d *Device) replyCalFile(id int) {
	if id < 1 || id > listSlots {
		d.reply([]byte("<e>"))
		return
	}
	d.reply(d.files[id])
	d.reply([]byte("<0>"))
}

func (d *Device) store(frame []byte) {
	id := int(frame[3])
	if !bytes.HasPrefix(frame, []byte("MAT")) || frame[4] != '(' || frame[len(frame)-1] != ')' ||
		id < 1 || id > listSlots {
		d.reply([]byte("<e>"))
		return
	}
	d.files[id] = append([]byte(nil), frame[5:5+calib.UserMatrixSize]...)
	d.log.Debugf("stored cal file %d", id)
	d.reply([]byte("<0>"))
}

func (d *Device) rangeByte() byte {
	if d.fixed != 0 {
		// same range on every channel
		base := byte((d.fixed - 1) / 2)
		b := base*9 + base*3 + base
		if d.fixed%2 == 0 {
			b |= 0xe0
		}
		return b
	}
	return 0x0d // 3 on every channel
}

func (d *Device) color(cmd string) []byte {
	v := d.xyz(d.luminance(1 / colorRate[cmd[1]]))
	b := make([]byte, 0, 15)
	b = append(b, cmd...)
	for _, c := range v {
		k, _ := codec.EncodeKFloat(c)
		b = append(b, k[:]...)
	}
	b = append(b, d.rangeByte(), ' ', d.token(), '>')
	return b
}

func (d *Device) token() byte {
	if d.lights {
		return 'L'
	}
	return '0'
}

func (d *Device) counts() []byte {
	y := d.luminance(0.25)
	v := d.xyz(y)
	b := make([]byte, 20)
	for i, c := range v {
		top := uint16(math.Min(c*countsPerNit, 65535))
		bottom := uint16(math.Min(c*countsPerNit/8, 65535))
		b[2*i], b[2*i+1] = byte(top>>8), byte(top)
		b[6+2*i], b[7+2*i] = byte(bottom>>8), byte(bottom)
	}
	therm := uint16(2800 + d.rnd.Intn(20))
	b[12], b[13] = byte(therm>>8), byte(therm)
	b[14], b[15] = 120, 118
	b[16] = d.rangeByte()
	b[17] = ' '
	b[18] = d.token()
	b[19] = '>'
	return b
}

func (d *Device) black(echo string, m [19]uint16) []byte {
	b := make([]byte, 43)
	copy(b, echo)
	for i, v := range m {
		b[(i+1)*2], b[(i+1)*2+1] = byte(v>>8), byte(v)
	}
	b[40] = ' '
	b[41] = '0'
	b[42] = '>'
	return b
}

func (d *Device) coefficients() []byte {
	b := make([]byte, 133)
	copy(b, "S0")
	for i := 0; i < 18; i++ {
		v := uint16(4096 + 64*i)
		if i%4 == 3 {
			// negative coefficients are sent offset from 32768
			v = 32768 + uint16(128*i)
		}
		b[(i+1)*2], b[(i+1)*2+1] = byte(v>>8), byte(v)
	}
	copy(b[130:], "<0>")
	return b
}

func (d *Device) appendFrame(dst []byte) []byte {
	speed := float64(d.stream)
	y := d.luminance(0)
	var samples [flicker.BurstSize]uint16
	for i := range samples {
		ts := d.t + float64(i)/speed
		level := y * countsPerNit * (1 + d.opts.FlickerDepth*math.Sin(2*math.Pi*d.opts.FlickerHz*ts))
		samples[i] = uint16(math.Max(0, math.Min(level+d.rnd.NormFloat64()*2, 65535)))
	}
	d.t += flicker.BurstSize / speed

	var xyz [3][3]byte
	for i, c := range d.xyz(y) {
		xyz[i], _ = codec.EncodeKFloat(c)
	}
	return flicker.AppendFrame(dst, samples, xyz, d.rangeByte(), d.token())
}
