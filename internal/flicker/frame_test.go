package flicker

import (
	"testing"

	"github.com/shaunagostinho/kclmtr/internal/codec"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
)

var oneKFloat = [3]byte{0x40, 0x00, 0x02}

func testFrame(level uint16, token byte) []byte {
	var s [BurstSize]uint16
	for i := range s {
		s[i] = level + uint16(i)
	}
	return AppendFrame(nil, s, [3][3]byte{oneKFloat, oneKFloat, oneKFloat}, 0x03, token)
}

func TestVerifyFrame(t *testing.T) {
	good := testFrame(1000, '0')
	if !VerifyFrame(good) {
		t.Fatal("encoded frame does not verify")
	}

	tests := []struct {
		name string
		mut  func([]byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:FrameSize-1] }},
		{"start", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"mode", func(b []byte) []byte { b[offMode] = '1'; return b }},
		{"end", func(b []byte) []byte { b[offEnd] = '<'; return b }},
		{"fill", func(b []byte) []byte { b[FrameSize-3] = 'x'; return b }},
	}
	for _, tt := range tests {
		b := tt.mut(append([]byte(nil), good...))
		if VerifyFrame(b) {
			t.Errorf("%s: corrupted frame verified", tt.name)
		}
	}
}

func TestDecodeFrame(t *testing.T) {
	f := DecodeFrame(testFrame(1000, '0'))
	if f.Mask != errmask.None {
		t.Errorf("Mask = %v, want none", f.Mask)
	}
	for i, v := range f.Samples {
		if v != float64(1000+i) {
			t.Fatalf("Samples[%d] = %v, want %d", i, v, 1000+i)
		}
	}
	if f.XYZ != [3]float64{1, 1, 1} {
		t.Errorf("XYZ = %v, want 1,1,1", f.XYZ)
	}
	if f.Range != codec.Range(3) {
		t.Errorf("Range = %d, want 3", f.Range)
	}
	if !f.Healthy() {
		t.Error("token '0' should be healthy")
	}
}

func TestDecodeFrameFlags(t *testing.T) {
	f := DecodeFrame(testFrame(61500, 'u'))
	if !f.Mask.Has(errmask.FFTOverSaturated) {
		t.Error("samples above 61000 should flag saturation")
	}
	if !f.Mask.Has(errmask.BottomUnderRange) {
		t.Error("token should be mapped into the mask")
	}
	if f.Healthy() {
		t.Error("token 'u' should not be healthy")
	}

	bad := DecodeFrame([]byte("T2>"))
	if bad.Mask != errmask.FFTBadString {
		t.Errorf("bad frame mask = %v, want FFTBadString", bad.Mask)
	}
}

func TestFramerResync(t *testing.T) {
	var fr Framer
	fr.Write([]byte("xy"))
	fr.Write(testFrame(1000, '0')[:50])
	if got, _ := fr.Next(); got != nil {
		t.Fatal("partial frame returned")
	}

	rest := testFrame(1000, '0')[50:]
	fr.Write(rest)
	got, dropped := fr.Next()
	if got == nil {
		t.Fatal("no frame after completing it")
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if fr.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", fr.Buffered())
	}
}

func TestFramerSkipsCorruptFrame(t *testing.T) {
	broken := testFrame(1000, '0')
	broken[offEnd] = '?'

	var fr Framer
	fr.Write(broken)
	fr.Write(testFrame(2000, '0'))

	got, dropped := fr.Next()
	if got == nil {
		t.Fatal("good frame after a corrupt one was lost")
	}
	if dropped != FrameSize {
		t.Errorf("dropped = %d, want %d", dropped, FrameSize)
	}
	if f := DecodeFrame(got); f.Samples[0] != 2000 {
		t.Errorf("decoded the wrong frame: first sample %v", f.Samples[0])
	}
}

func TestRipplePushShiftsLeft(t *testing.T) {
	r := NewRipple(64)
	var a, b [BurstSize]float64
	for i := range a {
		a[i] = 1
		b[i] = 2
	}
	r.Push(a)
	r.Push(b)
	v := r.Values()
	if v[0] != 1 || v[31] != 1 || v[32] != 2 || v[63] != 2 {
		t.Errorf("window = %v", v)
	}

	r.Push(b)
	if v := r.Values(); v[0] != 2 {
		t.Errorf("oldest after third push = %v, want 2", v[0])
	}

	r.Reset(128)
	if r.Len() != 128 {
		t.Errorf("Len after Reset = %d", r.Len())
	}
	for _, x := range r.Values() {
		if x != 0 {
			t.Fatal("Reset left data behind")
		}
	}
}
