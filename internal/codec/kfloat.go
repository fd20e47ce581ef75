// Package codec decodes the number formats found in colorimeter replies.
//
// The device packs floating point values into 3-byte "K-floats" (sign bit,
// 15-bit fraction, signed power-of-two exponent), stores some calibration
// matrices as truncated 8-byte doubles, and reports per-channel gain ranges in
// a single ternary-coded byte.
package codec

import (
	"encoding/binary"
	"math"
)

// ParseKFloat decodes a K-float from a live measurement or flicker frame.
// The fraction is taken over 2^16.
func ParseKFloat(b [3]byte) float64 {
	return kfloat(b, 65536)
}

// UnpackKFloat decodes a K-float from a stored calibration matrix. The
// fraction is taken over 2^15 and is the exact inverse of PackKFloat.
func UnpackKFloat(b [3]byte) float64 {
	return kfloat(b, 32768)
}

func kfloat(b [3]byte, scale float64) float64 {
	sign := 1.0
	hi := b[0]
	if hi&0x80 != 0 {
		sign = -1
		hi &= 0x7f
	}
	frac := float64(int(hi)<<8|int(b[1])) / scale
	return sign * math.Ldexp(frac, exponent(b[2]))
}

// exponent reads the two's complement exponent byte. 0x80 is +128, the
// device never sends -128.
func exponent(b byte) int {
	e := int(b)
	if e > 128 {
		e -= 256
	}
	return e
}

// PackKFloat encodes v so that UnpackKFloat returns it within 1/32768 of
// full scale. ok is false when the exponent cannot be represented.
func PackKFloat(v float64) (out [3]byte, ok bool) {
	if v == 0 || math.IsNaN(v) {
		return out, v == 0
	}
	neg := v < 0
	a := math.Abs(v)
	if math.IsInf(a, 0) {
		return out, false
	}

	exp := int(math.Floor(math.Log2(a))) + 1
	frac := int(math.Ldexp(a, -exp)*32768 + 0.5)
	if frac >= 32768 {
		frac /= 2
		exp++
	}
	if exp < -127 || exp > 128 {
		return out, false
	}

	out[0] = byte(frac >> 8)
	if neg {
		out[0] |= 0x80
	}
	out[1] = byte(frac)
	out[2] = byte(exp)
	return out, true
}

// ParseExtFloat decodes the 8-byte calibration float. It is a little-endian
// IEEE-754 double of which only the top 28 mantissa bits are kept.
func ParseExtFloat(b [8]byte) float64 {
	bits := binary.LittleEndian.Uint64(b[:]) &^ 0xffffff
	return math.Float64frombits(bits)
}

// PackExtFloat encodes v in the 8-byte calibration layout.
func PackExtFloat(v float64) [8]byte {
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], math.Float64bits(v)&^0xffffff)
	return out
}

// Bytes3 copies three bytes starting at off. The caller checks bounds.
func Bytes3(b []byte, off int) [3]byte {
	return [3]byte{b[off], b[off+1], b[off+2]}
}

// Bytes8 copies eight bytes starting at off. The caller checks bounds.
func Bytes8(b []byte, off int) [8]byte {
	var out [8]byte
	copy(out[:], b[off:off+8])
	return out
}

// EncodeKFloat is the inverse of ParseKFloat.
func EncodeKFloat(v float64) ([3]byte, bool) {
	return PackKFloat(2 * v)
}
