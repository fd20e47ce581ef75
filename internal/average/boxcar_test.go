package average

import (
	"testing"

	"github.com/shaunagostinho/kclmtr/internal/errmask"
)

func TestConstantInputFillsWindow(t *testing.T) {
	const max = 8
	b := NewBoxCar(max, 1)
	s := [3]float64{1.2, 3.4, 5.6}

	var r Result
	for i := 0; i < max; i++ {
		r = b.Add(s, false)
	}
	if r.Count != max {
		t.Errorf("Count = %d, want %d", r.Count, max)
	}
	for i := range s {
		if d := r.Mean[i] - s[i]; d > 1e-12 || d < -1e-12 {
			t.Errorf("Mean[%d] = %v, want %v", i, r.Mean[i], s[i])
		}
		if r.Min[i] != s[i] || r.Max[i] != s[i] {
			t.Errorf("envelope[%d] = %v..%v, want %v", i, r.Min[i], r.Max[i], s[i])
		}
	}
	if r.Mask.Has(errmask.AveragingLowLight) {
		t.Error("a full window should not flag low light")
	}
}

func TestPartialWindowFlagsLowLight(t *testing.T) {
	b := NewBoxCar(8, 1)
	r := b.Add([3]float64{1, 1, 1}, false)
	if r.Count != 1 || !r.Mask.Has(errmask.AveragingLowLight) {
		t.Errorf("first sample: Count = %d, mask = %v", r.Count, r.Mask)
	}
}

func TestDivergingSampleStopsEarly(t *testing.T) {
	b := NewBoxCar(16, 1)
	for i := 0; i < 5; i++ {
		b.Add([3]float64{10, 10, 10}, false)
	}
	r := b.Add([3]float64{20, 20, 20}, false)
	if r.Count != 1 {
		t.Errorf("Count = %d, want 1 after a step change", r.Count)
	}
	if r.Mean != [3]float64{20, 20, 20} {
		t.Errorf("Mean = %v, want the new level", r.Mean)
	}
	if !r.Mask.Has(errmask.AveragingLowLight) {
		t.Error("divergence should flag low light")
	}

	r = b.Add([3]float64{20, 20, 20}, false)
	if r.Count != 2 {
		t.Errorf("Count = %d, want 2 on the new plateau", r.Count)
	}
}

func TestAutoModeStopsOnBrightSignal(t *testing.T) {
	b := NewBoxCar(32, 1)
	r := b.Add([3]float64{100, 100, 100}, true)
	if r.Count != 1 {
		t.Errorf("Count = %d, want 1 for a bright sample", r.Count)
	}
	if r.Mask.Has(errmask.AveragingLowLight) {
		t.Error("meeting the threshold should not flag low light")
	}
}

func TestAutoModeAveragesDimSignal(t *testing.T) {
	b := NewBoxCar(4, 1)
	var r Result
	for i := 0; i < 6; i++ {
		r = b.Add([3]float64{1, 1, 1}, true)
	}
	if r.Count != 4 {
		t.Errorf("Count = %d, want the full window", r.Count)
	}
}

func TestRingWrapsAndReset(t *testing.T) {
	b := NewBoxCar(3, 1)
	for i := 0; i < 10; i++ {
		b.Add([3]float64{5, 5, 5}, false)
	}
	if r := b.Add([3]float64{5, 5, 5}, false); r.Count != 3 {
		t.Errorf("Count = %d, want 3", r.Count)
	}
	b.Reset()
	if r := b.Add([3]float64{5, 5, 5}, false); r.Count != 1 {
		t.Errorf("Count after reset = %d, want 1", r.Count)
	}
}

func TestInvalidMaxFallsBack(t *testing.T) {
	if got := NewBoxCar(0, 1).Max(); got != DefaultMax {
		t.Errorf("Max = %d, want %d", got, DefaultMax)
	}
	if got := NewBoxCar(MaxWindow+1, 1).Max(); got != DefaultMax {
		t.Errorf("Max = %d, want %d", got, DefaultMax)
	}
}
