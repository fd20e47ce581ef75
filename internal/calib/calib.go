// Package calib holds the numeric calibration helpers the driver consumes:
// the 3x3 tristimulus correction matrix and the least squares polynomial fit
// used for the flicker range correction.
package calib

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Matrix3 is a row-major 3x3 correction matrix.
type Matrix3 [3][3]float64

// Identity is the factory calibration.
var Identity = Matrix3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

// Apply returns m·v.
func (m Matrix3) Apply(v [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2]
	}
	return out
}

// Row returns row i dotted with v.
func (m Matrix3) Row(i int, v [3]float64) float64 {
	return m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2]
}

// Values flattens m row by row.
func (m Matrix3) Values() [9]float64 {
	var out [9]float64
	for i := 0; i < 9; i++ {
		out[i] = m[i/3][i%3]
	}
	return out
}

// FromValues builds a matrix from nine row-major values.
func FromValues(v [9]float64) Matrix3 {
	var m Matrix3
	for i := 0; i < 9; i++ {
		m[i/3][i%3] = v[i]
	}
	return m
}

// Inverse returns m^-1.
func (m Matrix3) Inverse() (Matrix3, error) {
	d := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d.Set(i, j, m[i][j])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(d); err != nil {
		return Matrix3{}, fmt.Errorf("calib: invert: %w", err)
	}
	var out Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	return out, nil
}

// Singular reports whether m has no usable inverse.
func (m Matrix3) Singular() bool {
	_, err := m.Inverse()
	return err != nil
}

var errFitShape = errors.New("calib: x and y must have the same length and at least as many points as terms")

// PolyFit returns the coefficients c[0..terms-1] minimising
// Σ (y_i − Σ c_j·x_i^j)^2.
func PolyFit(x, y []float64, terms int) ([]float64, error) {
	if len(x) != len(y) || terms < 1 || len(x) < terms {
		return nil, errFitShape
	}
	a := mat.NewDense(len(x), terms, nil)
	for i, xi := range x {
		p := 1.0
		for j := 0; j < terms; j++ {
			a.Set(i, j, p)
			p *= xi
		}
	}
	var c mat.VecDense
	if err := c.SolveVec(a, mat.NewVecDense(len(y), append([]float64(nil), y...))); err != nil {
		return nil, fmt.Errorf("calib: polynomial fit: %w", err)
	}
	out := make([]float64, terms)
	for j := range out {
		out[j] = c.AtVec(j)
	}
	return out, nil
}

// EvalPoly evaluates Σ c_j·x^j.
func EvalPoly(c []float64, x float64) float64 {
	sum := 0.0
	for j := len(c) - 1; j >= 0; j-- {
		sum = sum*x + c[j]
	}
	return sum
}
