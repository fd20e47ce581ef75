// Package average implements the trailing box-car filter applied to raw
// tristimulus readings. The filter averages over as few samples as the light
// level allows and stops early when the signal changes under it.
package average

import (
	"math"

	"github.com/shaunagostinho/kclmtr/internal/errmask"
)

const (
	// DefaultMax is the window the device driver starts with.
	DefaultMax = 32
	// MaxWindow is the largest window accepted by SetMax.
	MaxWindow = 128

	divergence = 0.03
	// thresholdBase scales the auto mode light threshold 3·N/(N+1).
	thresholdBase = 16
)

// Result is the outcome of folding the newest sample into the window.
type Result struct {
	Mean  [3]float64
	Min   [3]float64
	Max   [3]float64
	Count int
	Mask  errmask.Mask
}

// BoxCar keeps the last max samples in a ring.
type BoxCar struct {
	max        int
	multiplier float64
	ring       [][3]float64
	last       int
}

// NewBoxCar returns a filter over max samples. multiplier scales the auto
// mode threshold by model sensitivity and speed.
func NewBoxCar(max int, multiplier float64) *BoxCar {
	if max < 1 || max > MaxWindow {
		max = DefaultMax
	}
	return &BoxCar{
		max:        max,
		multiplier: multiplier,
		ring:       make([][3]float64, max),
	}
}

// Max returns the window size.
func (b *BoxCar) Max() int { return b.max }

// Reset forgets all samples.
func (b *BoxCar) Reset() {
	b.last = 0
	clear(b.ring)
}

// Add stores s and averages backwards from it. In auto mode the walk also
// stops once enough light has been accumulated.
func (b *BoxCar) Add(s [3]float64, auto bool) Result {
	b.ring[b.last%b.max] = s

	var (
		res          Result
		sum          [3]float64
		thresholdMet bool
	)
	res.Min = [3]float64{10000, 10000, 10000}
	res.Max = [3]float64{-10000, -10000, -10000}

	for idx := b.last; idx >= 0 && res.Count < b.max; idx-- {
		v := b.ring[idx%b.max]
		if res.Count > 0 {
			running := (sum[0] + sum[1] + sum[2]) / float64(res.Count)
			total := v[0] + v[1] + v[2]
			if math.Abs(running-total)/(running+1) > divergence {
				res.Mask |= errmask.AveragingLowLight
				break
			}
		}

		for i := range sum {
			sum[i] += v[i]
			res.Min[i] = math.Min(res.Min[i], v[i])
			res.Max[i] = math.Max(res.Max[i], v[i])
		}
		res.Count++

		if auto {
			n := float64(res.Count)
			threshold := n * 3 * thresholdBase / (n + 1) * b.multiplier
			if sum[0]+sum[1]+sum[2] > threshold {
				thresholdMet = true
				break
			}
		}
	}

	for i := range sum {
		res.Mean[i] = sum[i] / float64(res.Count)
	}
	if !thresholdMet && res.Count != b.max {
		res.Mask |= errmask.AveragingLowLight
	}
	b.last++
	return res
}
