package flicker

// BurstSize is the number of samples in one flicker frame.
const BurstSize = 32

// Ripple is the sliding window of the most recent raw luminance samples.
type Ripple struct {
	data []float64
}

// NewRipple returns a zeroed window of n samples.
func NewRipple(n int) *Ripple {
	return &Ripple{data: make([]float64, n)}
}

// Len returns the window size.
func (r *Ripple) Len() int { return len(r.data) }

// Push shifts the window left by one burst and appends it at the tail.
func (r *Ripple) Push(burst [BurstSize]float64) {
	n := len(r.data)
	if n <= BurstSize {
		copy(r.data, burst[BurstSize-n:])
		return
	}
	copy(r.data, r.data[BurstSize:])
	copy(r.data[n-BurstSize:], burst[:])
}

// Reset zeroes the window, resizing it to n samples.
func (r *Ripple) Reset(n int) {
	if n != len(r.data) {
		r.data = make([]float64, n)
		return
	}
	clear(r.data)
}

// Values returns a copy of the window, oldest first.
func (r *Ripple) Values() []float64 {
	return append([]float64(nil), r.data...)
}
