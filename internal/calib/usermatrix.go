package calib

import (
	"bytes"

	"github.com/shaunagostinho/kclmtr/internal/codec"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
)

// UserMatrixSize is the length of one calibration file slot on the device.
const UserMatrixSize = 128

// Slot layout of a stored calibration file.
const (
	nameLen       = 20
	calManFlagOff = 21
	calManOff     = 24
	whiteSpecOff  = 59
	rgbMatrixOff  = 74
	colorOff      = 101
)

// DefaultRGBMatrix is written when a file carries only a color matrix.
var DefaultRGBMatrix = Matrix3{
	{3.85266, -1.7702026, -0.59213258},
	{-1.09594727, 2.027709961, 0.020358086},
	{0.05136680603, -0.190895080566, 0.9453125},
}

// defaultWhiteSpec is X, Y, Z of the white point followed by the xy and Y
// tolerances.
var defaultWhiteSpec = [5]float64{95.043, 100, 108.890, 0.005, 5}

// PackUserMatrix lays out a calibration file slot. CalConvertBinary is
// returned when a value has no K-float encoding.
func PackUserMatrix(name string, color Matrix3) ([]byte, errmask.Mask) {
	b := make([]byte, UserMatrixSize)
	copy(b, bytes.Repeat([]byte{' '}, nameLen))
	if len(name) > nameLen {
		name = name[:nameLen]
	}
	copy(b, name)
	b[20], b[21] = '/', '/'

	var m errmask.Mask
	put := func(off int, v float64) {
		k, ok := codec.PackKFloat(v)
		if !ok {
			m |= errmask.CalConvertBinary
		}
		copy(b[off:], k[:])
	}
	for i, v := range defaultWhiteSpec {
		put(whiteSpecOff+3*i, v)
	}
	for i, v := range DefaultRGBMatrix.Values() {
		put(rgbMatrixOff+3*i, v)
	}
	for i, v := range color.Values() {
		put(colorOff+3*i, v)
	}
	return b, m
}

// BlankUserMatrix is what an erased slot holds.
func BlankUserMatrix() []byte {
	return bytes.Repeat([]byte{0xff}, UserMatrixSize)
}

// ParseUserMatrix extracts the color matrix from a calibration file as read
// back from the device. Files written by CalMan flag byte 21 with 'C' and
// store 8-byte floats instead of K-floats.
func ParseUserMatrix(b []byte) (Matrix3, errmask.Mask) {
	if len(b) < UserMatrixSize {
		return Matrix3{}, errmask.CalConvertBinary
	}
	var v [9]float64
	if b[calManFlagOff] == 'C' {
		for i := range v {
			v[i] = codec.ParseExtFloat(codec.Bytes8(b, calManOff+8*i))
		}
	} else {
		for i := range v {
			v[i] = codec.UnpackKFloat(codec.Bytes3(b, colorOff+3*i))
		}
	}
	return FromValues(v), errmask.None
}

// IsBlankName reports whether a cal file list entry marks an empty slot.
func IsBlankName(entry []byte) bool {
	return len(entry) > 10 && entry[10] == 0xff
}
