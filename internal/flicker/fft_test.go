package flicker

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"
)

func TestFFTImpulseIsFlat(t *testing.T) {
	x := make([]complex128, 16)
	x[0] = 1
	if err := FFT(x, false); err != nil {
		t.Fatal(err)
	}
	for i, v := range x {
		if cmplx.Abs(v-1) > 1e-12 {
			t.Errorf("bin %d = %v, want 1", i, v)
		}
	}
}

func TestFFTRoundTrip(t *testing.T) {
	const n = 64
	in := make([]complex128, n)
	for i := range in {
		in[i] = complex(math.Sin(float64(i))+float64(i%7), 0)
	}
	x := append([]complex128(nil), in...)
	if err := FFT(x, false); err != nil {
		t.Fatal(err)
	}
	if err := FFT(x, true); err != nil {
		t.Fatal(err)
	}
	for i := range x {
		if cmplx.Abs(x[i]/n-in[i]) > 1e-9 {
			t.Fatalf("sample %d = %v, want %v", i, x[i]/n, in[i])
		}
	}
}

func TestFFTSingleTone(t *testing.T) {
	const n, k = 128, 5
	x := make([]complex128, n)
	for i := range x {
		x[i] = complex(math.Cos(2*math.Pi*k*float64(i)/n), 0)
	}
	if err := FFT(x, false); err != nil {
		t.Fatal(err)
	}
	for i := 0; i <= n/2; i++ {
		want := 0.0
		if i == k {
			want = n / 2
		}
		if got := cmplx.Abs(x[i]); math.Abs(got-want) > 1e-9 {
			t.Errorf("|bin %d| = %v, want %v", i, got, want)
		}
	}
}

func TestFFTRejectsOddLengths(t *testing.T) {
	for _, n := range []int{0, 3, 100} {
		if err := FFT(make([]complex128, n), false); !errors.Is(err, ErrNotPowerOfTwo) {
			t.Errorf("FFT(len %d) = %v, want ErrNotPowerOfTwo", n, err)
		}
	}
}
