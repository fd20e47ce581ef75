package codec

// Range is a per-channel gain setting of the analog front end, 1..6.
type Range int

// Valid reports whether r is one of the six device ranges.
func (r Range) Valid() bool { return r >= 1 && r <= 6 }

// ParseRange decodes a range byte into the red, green and blue channel
// ranges. The top three bits add one step per channel and the low five bits
// carry one base-3 digit per channel, blue least significant.
func ParseRange(b byte) [3]Range {
	var out [3]Range
	for i := 0; i < 3; i++ {
		out[i] = Range(b >> (7 - i) & 1)
	}
	r := int(b & 0x1f)
	for i := 2; i >= 0; i-- {
		out[i] += Range(2 * (r % 3))
		r /= 3
	}
	for i := range out {
		out[i]++
	}
	return out
}
