package flicker

import (
	"math"
	"testing"

	"github.com/shaunagostinho/kclmtr/internal/errmask"
)

func toneSettings() Settings {
	return Settings{
		Samples: 256,
		Speed:   SpeedNormal,
		Peaks:   3,
		Decibel: DecibelVESA,
		Percent: PercentNormalized,
	}
}

func tone(n, k int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1000 + 500*math.Sin(2*math.Pi*float64(k*i)/float64(n))
	}
	return out
}

func TestComputeSingleTone(t *testing.T) {
	s := toneSettings()
	res := Compute(s, tone(256, 10), 8, 50)
	if res.Err != errmask.None {
		t.Fatalf("Err = %v", res.Err)
	}
	if len(res.Amplitude) != s.Bins() {
		t.Fatalf("len(Amplitude) = %d, want %d", len(res.Amplitude), s.Bins())
	}

	want := 0.25 * gainDefault
	if got := res.Amplitude[10]; got.X != 10 || math.Abs(got.Y-want) > 1e-9 {
		t.Errorf("Amplitude[10] = %+v, want {10 %v}", got, want)
	}
	for i := 1; i < len(res.Amplitude); i++ {
		if i != 10 && res.Amplitude[i].Y > 1e-9 {
			t.Errorf("Amplitude[%d] = %v, want ~0", i, res.Amplitude[i].Y)
		}
	}
	if res.Amplitude[0].Y != 1 || res.Percent[0].Y != 100 || res.DB[0].Y != 0 {
		t.Errorf("DC bin = %v %v %v", res.Amplitude[0], res.Percent[0], res.DB[0])
	}

	if got := res.Percent[10].Y; math.Abs(got-want*100) > 1e-6 {
		t.Errorf("Percent[10] = %v, want %v", got, want*100)
	}
	wantDB := 20*math.Log10(math.Sqrt2*want) + vesaOffsetDB
	if got := res.DB[10].Y; math.Abs(got-wantDB) > 1e-6 {
		t.Errorf("DB[10] = %v, want %v", got, wantDB)
	}

	if len(res.PercentPeaks) == 0 || res.PercentPeaks[0].X != 10 {
		t.Errorf("PercentPeaks = %v, want 10 Hz first", res.PercentPeaks)
	}
	if len(res.DBPeaks) != 1 || res.DBPeaks[0].X != 10 {
		t.Errorf("DBPeaks = %v, want only 10 Hz", res.DBPeaks)
	}
	for _, p := range res.DB {
		if math.IsInf(p.Y, 0) || math.IsNaN(p.Y) || p.Y < floorDB {
			t.Fatalf("dB point %v not finite above the floor", p)
		}
	}
}

func TestComputeTimeAxisAndNits(t *testing.T) {
	res := Compute(toneSettings(), tone(256, 10), 10, 50)
	if got, want := res.Counts[0].X, 64.0/256; got != want {
		t.Errorf("first sample time = %v, want %v", got, want)
	}
	if got, want := res.Counts[1].X-res.Counts[0].X, 1.0/256; math.Abs(got-want) > 1e-12 {
		t.Errorf("sample spacing = %v, want %v", got, want)
	}

	var avg float64
	for _, p := range res.Counts[256-32:] {
		avg += p.Y
	}
	avg /= 32
	if got := res.Nits[5].Y; math.Abs(got-res.Counts[5].Y*50/avg) > 1e-9 {
		t.Errorf("Nits[5] = %v, want counts scaled to 50 nits", got)
	}
	if res.FlickerIndex <= 0 || res.FlickerIndex >= 1 {
		t.Errorf("FlickerIndex = %v, want in (0,1)", res.FlickerIndex)
	}
}

func TestComputeContrastPercent(t *testing.T) {
	s := toneSettings()
	s.Percent = PercentContrast
	res := Compute(s, tone(256, 10), 8, 50)
	if got, want := res.Percent[10].Y, 0.25*gainDefault*400; math.Abs(got-want) > 1e-6 {
		t.Errorf("Percent[10] = %v, want %v", got, want)
	}
}

func TestComputeJEITADiscount(t *testing.T) {
	s := toneSettings()
	s.JEITADiscountDB = true
	s.JEITADiscountPercent = true
	s.Decibel = DecibelJEITA
	res := Compute(s, tone(256, 80), 8, 50)
	if got := res.DB[80].Y; got != floorDB {
		t.Errorf("DB[80] = %v, want %v", got, floorDB)
	}
	if got := res.Percent[80].Y; got != 0 {
		t.Errorf("Percent[80] = %v, want 0", got)
	}

	res = Compute(s, tone(256, 10), 8, 50)
	want := 20 * math.Log10(math.Sqrt2*0.25*gainDefault)
	if got := res.DB[10].Y; math.Abs(got-want) > 1e-6 {
		t.Errorf("DB[10] = %v, want %v with full weight below 20 Hz", got, want)
	}
}

func TestJEITAWeight(t *testing.T) {
	tests := []struct {
		hz, want float64
	}{
		{0, 1},
		{19, 1},
		{20, 0.970795},
		{21, 0.941589},
		{30, 0.687270},
		{30.5, (0.707946 + 0.687270) / 2},
		{61, 0.000316},
		{62, 0},
	}
	for _, tt := range tests {
		if got := jeitaWeight(tt.hz); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("jeitaWeight(%v) = %v, want %v", tt.hz, got, tt.want)
		}
	}
}

func TestComputeJEITAMidBand(t *testing.T) {
	s := toneSettings()
	s.JEITADiscountDB = true
	s.JEITADiscountPercent = true
	s.Decibel = DecibelJEITA
	res := Compute(s, tone(256, 30), 8, 50)

	a := 0.25 * gainDefault
	if got, want := res.Percent[30].Y, a*100*0.687270; math.Abs(got-want) > 1e-6 {
		t.Errorf("Percent[30] = %v, want %v", got, want)
	}
	if got, want := res.DB[30].Y, 20*math.Log10(math.Sqrt2*0.687270*a); math.Abs(got-want) > 1e-6 {
		t.Errorf("DB[30] = %v, want %v", got, want)
	}
}

func TestComputeDarkInput(t *testing.T) {
	res := Compute(toneSettings(), make([]float64, 256), 8, 0)
	if !res.Err.Has(errmask.FFTInsufficientData) {
		t.Errorf("Err = %v, want FFTInsufficientData", res.Err)
	}
	for _, p := range res.DB {
		if math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
			t.Fatalf("non-finite dB %v", p)
		}
	}
	if res.FlickerIndex != 0 {
		t.Errorf("FlickerIndex = %v, want 0", res.FlickerIndex)
	}
}

func TestComputeBadSamples(t *testing.T) {
	res := Compute(toneSettings(), make([]float64, 100), 8, 0)
	if res.Err != errmask.FFTBadSamples {
		t.Errorf("Err = %v, want FFTBadSamples", res.Err)
	}
}

func TestComputeSmoothingKeepsPeak(t *testing.T) {
	s := toneSettings()
	s.Cosine = true
	s.Smoothing = true
	res := Compute(s, tone(256, 20), 8, 50)
	if len(res.PercentPeaks) == 0 || res.PercentPeaks[0].X != 20 {
		t.Errorf("PercentPeaks = %v, want 20 Hz first", res.PercentPeaks)
	}
}

func TestPeaks(t *testing.T) {
	series := []Point{{0, 9}, {1, 1}, {2, 5}, {3, 2}, {4, 7}, {5, 3}, {6, 5}, {7, 5}, {8, 4}, {9, 6}}
	tests := []struct {
		k    int
		want []float64
	}{
		{1, []float64{4}},
		{2, []float64{4, 9}},
		{5, []float64{4, 9, 2}},
	}
	for _, tt := range tests {
		got := Peaks(series, tt.k, 0)
		if len(got) != len(tt.want) {
			t.Errorf("k=%d: %v", tt.k, got)
			continue
		}
		for i := range got {
			if got[i].X != tt.want[i] {
				t.Errorf("k=%d: peak %d at %v, want %v", tt.k, i, got[i].X, tt.want[i])
			}
		}
	}
}

func TestPeaksTiesKeepEarlier(t *testing.T) {
	series := []Point{{0, 0}, {1, 5}, {2, 0}, {3, 5}, {4, 0}}
	got := Peaks(series, 2, 0)
	if len(got) != 2 || got[0].X != 1 || got[1].X != 3 {
		t.Errorf("Peaks = %v, want 1 then 3", got)
	}
}

func TestPeaksFloor(t *testing.T) {
	series := []Point{{0, -100}, {1, -100}, {2, -90}, {3, -100}}
	if got := Peaks(series, 3, -100); len(got) != 1 || got[0].X != 2 {
		t.Errorf("Peaks = %v, want only 2", got)
	}
	if got := Peaks(series, 3, -80); len(got) != 0 {
		t.Errorf("Peaks above floor -80 = %v, want none", got)
	}
}
