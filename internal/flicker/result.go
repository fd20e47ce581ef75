package flicker

import (
	"math"

	"github.com/shaunagostinho/kclmtr/internal/codec"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
)

const (
	gainCosineSmoothed = 0.819
	gainDefault        = 1.046
	vesaOffsetDB       = 3.01
	floorDB            = -100
	smoothFrom         = 4
)

// Result is one flicker spectrum.
type Result struct {
	BigY         float64      `json:"bigY" msgpack:"big_y"`
	Range        codec.Range  `json:"range" msgpack:"range"`
	Counts       []Point      `json:"counts" msgpack:"counts"`
	Nits         []Point      `json:"nits" msgpack:"nits"`
	Amplitude    []Point      `json:"amplitude" msgpack:"amplitude"`
	Percent      []Point      `json:"percent" msgpack:"percent"`
	DB           []Point      `json:"db" msgpack:"db"`
	PercentPeaks []Point      `json:"percentPeaks" msgpack:"percent_peaks"`
	DBPeaks      []Point      `json:"dbPeaks" msgpack:"db_peaks"`
	FlickerIndex float64      `json:"flickerIndex" msgpack:"flicker_index"`
	Err          errmask.Mask `json:"errorCode" msgpack:"error_code"`
	Settings     Settings     `json:"settings" msgpack:"-"`
}

// Compute builds a spectrum from ripple, the samples window oldest first.
// section counts the bursts received so far and dates the time axis; bigY is
// the calibrated luminance the counts are scaled to.
func Compute(s Settings, ripple []float64, section int, bigY float64) *Result {
	n := len(ripple)
	res := &Result{BigY: bigY, Settings: s.Clone()}
	if !ValidSamples(n) || s.Speed <= 0 {
		res.Err = errmask.FFTBadSamples
		return res
	}
	if s.Samples != n {
		s.Samples = n
		res.Settings.Samples = n
	}

	speed := float64(s.Speed)
	timeBefore := float64(section*BurstSize-n) / speed

	var avg float64
	for _, v := range ripple[n-BurstSize:] {
		avg += v
	}
	avg /= BurstSize

	scale := 0.0
	if avg != 0 {
		scale = bigY / avg
	}

	res.Counts = make([]Point, n)
	res.Nits = make([]Point, n)
	var area1, area2 float64
	for i, v := range ripple {
		t := float64(i)/speed + timeBefore
		res.Counts[i] = Point{t, v}
		res.Nits[i] = Point{t, v * scale}
		if v > avg {
			area1 += v - avg
			area2 += avg
		} else {
			area2 += v
		}
	}
	if area1+area2 != 0 {
		res.FlickerIndex = area1 / (area1 + area2)
	}

	x := make([]complex128, n)
	for i, v := range ripple {
		if s.Cosine {
			v *= 1 + math.Cos(2*math.Pi*float64(i)/float64(n-1)+math.Pi)
		}
		x[i] = complex(v, 0)
	}
	if err := FFT(x, false); err != nil {
		res.Err = errmask.FFTBadSamples
		return res
	}

	bins := s.Bins()
	res.Amplitude = make([]Point, bins)
	res.Percent = make([]Point, bins)
	res.DB = make([]Point, bins)
	resolution := s.Resolution()

	amp := make([]float64, bins)
	var s1, s2, s3 float64
	for i := 0; i < bins; i++ {
		amp[i] = math.Hypot(real(x[i]), imag(x[i])) * s.CorrectionAt(float64(i)*resolution)
		if s.Smoothing && i >= smoothFrom {
			old := math.Sqrt(s1 + s2 + s3)
			s1, s2, s3 = amp[i-2]*amp[i-2], amp[i-1]*amp[i-1], amp[i]*amp[i]
			if i > smoothFrom {
				amp[i-2] = old
			}
		}
	}

	dc := amp[0]
	amp[0] = 1
	amp[1] = amp[2]
	res.Amplitude[0] = Point{0, 1}
	res.Percent[0] = Point{0, 100}
	res.DB[0] = Point{0, 0}
	if dc == 0 {
		res.Err |= errmask.FFTInsufficientData
		for i := 1; i < bins; i++ {
			hz := float64(i) * resolution
			res.Amplitude[i] = Point{hz, 0}
			res.Percent[i] = Point{hz, 0}
			res.DB[i] = Point{hz, floorDB}
		}
		return res
	}

	gain := gainDefault
	if s.Cosine && s.Smoothing {
		gain = gainCosineSmoothed
	}
	for i := 1; i < bins; i++ {
		hz := float64(i) * resolution
		a := amp[i] / dc * gain
		res.Amplitude[i] = Point{hz, a}

		pct := a * 100
		if s.Percent == PercentContrast {
			pct *= 4
		}
		if s.JEITADiscountPercent {
			pct *= jeitaWeight(hz)
		}
		res.Percent[i] = Point{hz, pct}

		db := float64(floorDB)
		if !s.JEITADiscountDB || hz < jeitaCutoff {
			w := 1.0
			if s.JEITADiscountDB {
				w = jeitaWeight(hz)
			}
			if v := math.Sqrt2 * w * a; v > 0 {
				db = 20 * math.Log10(v)
				if s.Decibel == DecibelVESA {
					db += vesaOffsetDB
				}
				db = math.Max(db, floorDB)
			}
		}
		res.DB[i] = Point{hz, db}
	}

	res.PercentPeaks = Peaks(res.Percent, s.Peaks, 0)
	res.DBPeaks = Peaks(res.DB, s.Peaks, floorDB)
	return res
}
