package flicker

// Point is one sample of a two-column series.
type Point struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

// Peaks returns up to k local maxima of series ordered by descending Y.
// Index 0 is never a peak. The last point only has to exceed its left
// neighbour. Values not above floor are not reported, and on ties the
// earlier peak stays ahead.
func Peaks(series []Point, k int, floor float64) []Point {
	if k < 1 || len(series) < 2 {
		return nil
	}
	table := make([]Point, k)
	for i := range table {
		table[i] = Point{Y: floor}
	}
	found := 0

	last := len(series) - 1
	for i := 1; i <= last; i++ {
		y := series[i].Y
		if y <= series[i-1].Y {
			continue
		}
		if i < last && series[i+1].Y >= y {
			continue
		}
		for slot := 0; slot < k; slot++ {
			if table[slot].Y < y {
				copy(table[slot+1:], table[slot:k-1])
				table[slot] = series[i]
				if found < k {
					found++
				}
				break
			}
		}
	}
	return table[:found]
}
