// Package flicker turns the colorimeter's 32-sample luminance bursts into a
// temporal flicker spectrum: ripple buffer, windowed FFT, per-range gain
// correction, percent and decibel conversion and peak extraction.
package flicker

import (
	"github.com/shaunagostinho/kclmtr/internal/calib"
)

// DecibelMode selects the flicker dB convention.
type DecibelMode int

const (
	// DecibelVESA is 20·log10(2·AC/DC), i.e. JEITA + 3.01 dB.
	DecibelVESA DecibelMode = iota
	// DecibelJEITA is 20·log10(√2·AC/DC).
	DecibelJEITA
)

func (m DecibelMode) String() string {
	if m == DecibelJEITA {
		return "jeita"
	}
	return "vesa"
}

// PercentMode selects the flicker percent convention.
type PercentMode int

const (
	// PercentContrast is AC/DC·100·4, peak to peak.
	PercentContrast PercentMode = iota
	// PercentNormalized is AC/DC·100.
	PercentNormalized
)

func (m PercentMode) String() string {
	if m == PercentNormalized {
		return "normalized"
	}
	return "contrast"
}

// CorrectionKind says how a Correction's values are used.
type CorrectionKind int

const (
	// ArrayFit values are per-Hz multipliers starting at 0 Hz.
	ArrayFit CorrectionKind = iota
	// PolyFit values are polynomial coefficients, constant term first.
	PolyFit
)

// Correction applies over Start <= hz < End.
type Correction struct {
	Start  float64        `json:"start" yaml:"start"`
	End    float64        `json:"end" yaml:"end"`
	Kind   CorrectionKind `json:"kind" yaml:"kind"`
	Values []float64      `json:"values" yaml:"values"`
}

// Settings controls one flicker computation.
type Settings struct {
	Samples              int          `json:"samples" yaml:"samples"`
	Speed                int          `json:"speed" yaml:"speed"`
	Peaks                int          `json:"peaks" yaml:"peaks"`
	Cosine               bool         `json:"cosine" yaml:"cosine"`
	Smoothing            bool         `json:"smoothing" yaml:"smoothing"`
	JEITADiscountDB      bool         `json:"jeitaDiscountDB" yaml:"jeita_discount_db"`
	JEITADiscountPercent bool         `json:"jeitaDiscountPercent" yaml:"jeita_discount_percent"`
	Decibel              DecibelMode  `json:"decibelMode" yaml:"decibel_mode"`
	Percent              PercentMode  `json:"percentMode" yaml:"percent_mode"`
	Corrections          []Correction `json:"corrections,omitempty" yaml:"corrections,omitempty"`
}

// Sample rates of the two flicker streams.
const (
	SpeedNormal = 256
	SpeedFast   = 384
)

// DefaultSettings matches the device driver's power-on flicker setup.
func DefaultSettings() Settings {
	return Settings{
		Samples:         256,
		Speed:           SpeedNormal,
		Peaks:           3,
		Cosine:          true,
		Smoothing:       true,
		JEITADiscountDB: true,
		Decibel:         DecibelVESA,
		Percent:         PercentContrast,
	}
}

// ValidSamples reports whether n is a power of two in 64..2048.
func ValidSamples(n int) bool {
	return n >= 64 && n <= 2048 && n&(n-1) == 0
}

// Resolution is the width of one FFT bin in Hz.
func (s Settings) Resolution() float64 {
	return float64(s.Speed) / float64(s.Samples)
}

// Bins is the number of spectrum bins reported, the band above the
// device's useful bandwidth is left out.
func (s Settings) Bins() int {
	return s.Samples/2 - 28*s.Samples/256 + 1
}

// Clone returns a copy that shares no slices with s.
func (s Settings) Clone() Settings {
	c := s
	if s.Corrections != nil {
		c.Corrections = make([]Correction, len(s.Corrections))
		for i, corr := range s.Corrections {
			corr.Values = append([]float64(nil), corr.Values...)
			c.Corrections[i] = corr
		}
	}
	return c
}

// CorrectionAt returns the gain correction for hz, or 1 when no correction
// covers it.
func (s Settings) CorrectionAt(hz float64) float64 {
	for _, c := range s.Corrections {
		if hz < c.Start || hz >= c.End {
			continue
		}
		switch c.Kind {
		case ArrayFit:
			i := int(hz)
			if i < 0 || i+1 >= len(c.Values) {
				return 1
			}
			return tableAt(c.Values, hz)
		case PolyFit:
			return calib.EvalPoly(c.Values, hz)
		}
	}
	return 1
}
