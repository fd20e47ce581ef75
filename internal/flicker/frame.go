package flicker

import (
	"bytes"

	"github.com/shaunagostinho/kclmtr/internal/codec"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
)

// FrameSize is the length of one streamed flicker frame.
const FrameSize = 96

// Every third byte of a frame is a marker or a byte of the embedded color
// reading; the two bytes in between carry one 16-bit luminance sample.
const (
	frameStart     = 'T'
	frameModeDigit = '2'
	frameEnd       = '>'
	frameFill      = '_'

	offMode  = 3
	offX     = 6
	offY     = 15
	offZ     = 24
	offRange = 33
	offToken = 39
	offEnd   = 42
	offFill  = 45

	// Samples above this are clipped by the sensor.
	saturation = 61000
)

// VerifyFrame reports whether b starts with a well-formed frame.
func VerifyFrame(b []byte) bool {
	if len(b) < FrameSize {
		return false
	}
	if b[0] != frameStart || b[offMode] != frameModeDigit || b[offEnd] != frameEnd {
		return false
	}
	for j := offFill; j < FrameSize; j += 3 {
		if b[j] != frameFill {
			return false
		}
	}
	return true
}

// Frame is a decoded flicker frame.
type Frame struct {
	Samples [BurstSize]float64
	XYZ     [3]float64
	Range   codec.Range
	// TokenByte is the raw status character, '0' when healthy.
	TokenByte byte
	Mask      errmask.Mask
}

// DecodeFrame decodes a verified frame. A malformed frame yields
// FFTBadString and no samples.
func DecodeFrame(b []byte) Frame {
	var f Frame
	if !VerifyFrame(b) {
		f.Mask = errmask.FFTBadString
		return f
	}
	for i := 0; i < BurstSize; i++ {
		v := int(b[3*i+1])<<8 | int(b[3*i+2])
		if v > saturation {
			f.Mask |= errmask.FFTOverSaturated
		}
		f.Samples[i] = float64(v)
	}
	for c, off := range [3]int{offX, offY, offZ} {
		f.XYZ[c] = codec.ParseKFloat([3]byte{b[off], b[off+3], b[off+6]})
	}
	f.Range = codec.ParseRange(b[offRange])[1]
	f.TokenByte = b[offToken]
	f.Mask |= errmask.FromToken(f.TokenByte)
	return f
}

// Healthy reports whether the status character says the reading is usable.
func (f Frame) Healthy() bool {
	return f.TokenByte == '0' || f.TokenByte == 'L'
}

// Framer cuts a byte stream into verified frames.
type Framer struct {
	buf []byte
}

// Write appends stream bytes.
func (f *Framer) Write(b []byte) {
	f.buf = append(f.buf, b...)
}

// Buffered returns the number of bytes waiting.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset drops everything buffered.
func (f *Framer) Reset() { f.buf = f.buf[:0] }

// Next returns the next verified frame, or nil when more bytes are needed.
// dropped counts bytes skipped to regain alignment.
func (f *Framer) Next() (frame []byte, dropped int) {
	for len(f.buf) >= FrameSize {
		if VerifyFrame(f.buf) {
			frame = append([]byte(nil), f.buf[:FrameSize]...)
			f.buf = f.buf[FrameSize:]
			return frame, dropped
		}
		skip := len(f.buf)
		if i := bytes.IndexByte(f.buf[1:], frameStart); i >= 0 {
			skip = i + 1
		}
		dropped += skip
		f.buf = f.buf[skip:]
	}
	return nil, dropped
}

// AppendFrame appends one frame in the device's wire layout to dst. xyz are
// encoded K-floats and rangeByte is the raw range byte.
func AppendFrame(dst []byte, samples [BurstSize]uint16, xyz [3][3]byte, rangeByte, token byte) []byte {
	var b [FrameSize]byte
	for i, s := range samples {
		b[3*i+1] = byte(s >> 8)
		b[3*i+2] = byte(s)
	}
	for j := offFill; j < FrameSize; j += 3 {
		b[j] = frameFill
	}
	b[0] = frameStart
	b[offMode] = frameModeDigit
	for c, off := range [3]int{offX, offY, offZ} {
		b[off], b[off+3], b[off+6] = xyz[c][0], xyz[c][1], xyz[c][2]
	}
	b[offRange] = rangeByte
	b[offRange+3] = '0'
	b[offToken] = token
	b[offEnd] = frameEnd
	return append(dst, b[:]...)
}
