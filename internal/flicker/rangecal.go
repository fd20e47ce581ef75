package flicker

import (
	"math"

	"github.com/shaunagostinho/kclmtr/internal/calib"
	"github.com/shaunagostinho/kclmtr/internal/codec"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
)

const (
	// RangeCalSize is the FFT calibration block length in the P4 reply.
	RangeCalSize  = 3 * rangeCalBlock
	rangeCalBlock = 128

	tablePoints = 71
	polyTerms   = 5
	fitPoints   = 100

	arrayFitEnd = 70
	polyFitEnd  = 151
)

// RangeCal is the per-range frequency response of the flicker sensor.
// Range pairs 1-2, 3-4 and 5-6 share one entry.
type RangeCal struct {
	Table [3][tablePoints]float64
	Poly  [3][polyTerms]float64
}

// LoadRangeCal parses the 384-byte calibration block. On any validation
// failure it returns nil and FFTRangeCal.
func LoadRangeCal(b []byte) (*RangeCal, errmask.Mask) {
	if len(b) != RangeCalSize {
		return nil, errmask.FFTRangeCal
	}

	cal := &RangeCal{}
	for r := 0; r < 3; r++ {
		gain := gainTable(b[r*rangeCalBlock : (r+1)*rangeCalBlock])
		if !validGain(gain) {
			return nil, errmask.FFTRangeCal
		}
		copy(cal.Table[r][:], gain[:tablePoints])

		x := make([]float64, fitPoints)
		y := make([]float64, fitPoints)
		for j := 1; j <= fitPoints; j++ {
			x[j-1] = float64(j)
			y[j-1] = gain[j]
		}
		coef, err := calib.PolyFit(x, y, polyTerms)
		if err != nil {
			return nil, errmask.FFTRangeCal
		}
		copy(cal.Poly[r][:], coef)
	}
	return cal, errmask.None
}

// gainTable expands 64 stored attenuations into a 129-point gain per Hz.
func gainTable(raw []byte) [129]float64 {
	var a [129]float64
	for j := 0; j < rangeCalBlock; j += 2 {
		v := float64(int(raw[j])<<8 | int(raw[j+1]))
		if v == 0 {
			v = 1e-7
		}
		a[j+1] = 32768 / v
	}
	a[0] = a[1]
	for j := 1; j < 126; j += 2 {
		a[j+1] = (a[j] + a[j+2]) / 2
	}

	// keep 100 and 101 on the line through 98 and 99
	if guess := 2*a[99] - a[98]; guess != 0 && math.Abs((a[100]-guess)/guess) > 0.02 {
		a[100] = guess
		a[101] = 2*guess - a[99]
	}
	if a[102] < 1 {
		for j := 102; j < len(a); j++ {
			a[j] = 0
		}
	}
	a[128] = a[127]
	return a
}

func validGain(a [129]float64) bool {
	if a[1] != 1 || a[99] > 150 || a[99] < 25 {
		return false
	}
	prev := a[1]
	for j := 2; j < 100; j++ {
		if a[j] <= prev*0.99 {
			return false
		}
		prev = a[j]
	}
	return true
}

// Corrections returns the correction list for a measurement range.
func (c *RangeCal) Corrections(r codec.Range) []Correction {
	if c == nil || !r.Valid() {
		return nil
	}
	i := (int(r) - 1) / 2
	return []Correction{
		{Start: 0, End: arrayFitEnd, Kind: ArrayFit, Values: append([]float64(nil), c.Table[i][:]...)},
		{Start: arrayFitEnd, End: polyFitEnd, Kind: PolyFit, Values: append([]float64(nil), c.Poly[i][:]...)},
	}
}
