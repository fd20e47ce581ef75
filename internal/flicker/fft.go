package flicker

import (
	"errors"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrNotPowerOfTwo is returned by FFT for lengths it cannot transform.
var ErrNotPowerOfTwo = errors.New("flicker: FFT length must be a power of two")

// FFT transforms x in place. The forward transform uses the positive
// exponent; inverse flips the sign. Neither direction is scaled.
func FFT(x []complex128, inverse bool) error {
	n := len(x)
	if n == 0 || n&(n-1) != 0 {
		return ErrNotPowerOfTwo
	}

	t := fourier.NewCmplxFFT(n)
	if inverse {
		t.Coefficients(x, x)
	} else {
		t.Sequence(x, x)
	}
	return nil
}
