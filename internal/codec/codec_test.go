package codec

import (
	"math"
	"testing"
)

func TestParseRangeAlwaysOneToSix(t *testing.T) {
	for b := 0; b < 256; b++ {
		for i, r := range ParseRange(byte(b)) {
			if !r.Valid() {
				t.Fatalf("ParseRange(0x%02x)[%d] = %d, want 1..6", b, i, r)
			}
		}
	}
}

func TestParseRangeKnownBytes(t *testing.T) {
	tests := []struct {
		in   byte
		want [3]Range
	}{
		{0x00, [3]Range{1, 1, 1}},
		{0x80, [3]Range{2, 1, 1}},
		{0x01, [3]Range{1, 1, 3}},
		{0x03, [3]Range{1, 3, 1}},
		{0x09, [3]Range{3, 1, 1}},
		{0xff, [3]Range{2, 4, 4}},
	}
	for _, tt := range tests {
		if got := ParseRange(tt.in); got != tt.want {
			t.Errorf("ParseRange(0x%02x) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestKFloatZero(t *testing.T) {
	if got := ParseKFloat([3]byte{}); got != 0 {
		t.Errorf("ParseKFloat(zero) = %v, want 0", got)
	}
	if got := UnpackKFloat([3]byte{}); got != 0 {
		t.Errorf("UnpackKFloat(zero) = %v, want 0", got)
	}
}

func TestParseKFloatKnownValues(t *testing.T) {
	tests := []struct {
		in   [3]byte
		want float64
	}{
		{[3]byte{0x40, 0x00, 0x02}, 1},
		{[3]byte{0xc0, 0x00, 0x02}, -1},
		{[3]byte{0x60, 0x00, 0x05}, 12},
		{[3]byte{0x40, 0x00, 0xfe}, 0.0625},
		{[3]byte{0x40, 0x00, 0x80}, math.Ldexp(1, 126)},
		{[3]byte{0x40, 0x00, 0x81}, math.Ldexp(1, -129)},
		{[3]byte{0x40, 0x00, 0x7f}, math.Ldexp(1, 125)},
	}
	for _, tt := range tests {
		if got := ParseKFloat(tt.in); got != tt.want {
			t.Errorf("ParseKFloat(% x) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestKFloatRoundTrip(t *testing.T) {
	values := []float64{1, -1, 0.5, 95.043, 100, 108.89, -0.0042, 3.14159, 12345.678, 1e-6, -2.5e4}
	for _, v := range values {
		b, ok := PackKFloat(v)
		if !ok {
			t.Fatalf("PackKFloat(%v) not representable", v)
		}
		got := UnpackKFloat(b)
		if math.Abs(got-v) > math.Abs(v)/32768 {
			t.Errorf("round trip %v -> % x -> %v", v, b, got)
		}
		if half := ParseKFloat(b); math.Abs(half-got/2) > 1e-12*math.Abs(v) {
			t.Errorf("ParseKFloat(% x) = %v, want %v", b, half, got/2)
		}
	}
}

func TestPackKFloatOutOfRange(t *testing.T) {
	if _, ok := PackKFloat(math.Ldexp(1, 200)); ok {
		t.Error("PackKFloat(2^200) should not be representable")
	}
	if _, ok := PackKFloat(math.Ldexp(1, -129)); ok {
		t.Error("PackKFloat(2^-129) should not be representable")
	}
	b, ok := PackKFloat(math.Ldexp(1, 127))
	if !ok || b[2] != 0x80 || UnpackKFloat(b) != math.Ldexp(1, 127) {
		t.Errorf("PackKFloat(2^127) = % x, %v", b, ok)
	}
	if b, ok := PackKFloat(0); !ok || b != ([3]byte{}) {
		t.Errorf("PackKFloat(0) = % x, %v", b, ok)
	}
}

func TestExtFloatRoundTrip(t *testing.T) {
	for _, v := range []float64{1, -1, 0.98765, 1.2345e3, -0.000321, 0} {
		got := ParseExtFloat(PackExtFloat(v))
		if math.Abs(got-v) > math.Abs(v)*math.Ldexp(1, -27) {
			t.Errorf("ext round trip %v -> %v", v, got)
		}
	}
}

func TestParseExtFloatIgnoresLowBytes(t *testing.T) {
	b := PackExtFloat(2.5)
	b[0], b[1], b[2] = 0xff, 0xff, 0xff
	if got := ParseExtFloat(b); got != 2.5 {
		t.Errorf("ParseExtFloat = %v, want 2.5", got)
	}
}

func TestEncodeKFloatInvertsParse(t *testing.T) {
	for _, v := range []float64{1, -1, 12, 0.0625, 123.456, 0} {
		b, ok := EncodeKFloat(v)
		if !ok {
			t.Fatalf("EncodeKFloat(%v) not representable", v)
		}
		if got := ParseKFloat(b); math.Abs(got-v) > math.Abs(v)/16384 {
			t.Errorf("ParseKFloat(EncodeKFloat(%v)) = %v", v, got)
		}
	}
	if b, _ := EncodeKFloat(1); b != [3]byte{0x40, 0x00, 0x02} {
		t.Errorf("EncodeKFloat(1) = % x", b)
	}
}
