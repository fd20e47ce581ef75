// Package errmask holds the colorimeter's composable error bitmask.
//
// Every device reply, decode step and acquisition result reports its
// condition as a Mask. Bits never overlap, so masks from several stages can
// be OR-ed together and filtered with an ignore mask before being shown to a
// user.
package errmask

import (
	"fmt"
	"strings"
)

// Mask is a set of independent error and event bits.
type Mask uint32

const (
	None Mask = 0

	// Transport
	NotOpen        Mask = 0x1
	TimedOut       Mask = 0x2
	LostConnection Mask = 0x4

	// Measurement
	BadValues         Mask = 0x8
	ConvertedNM       Mask = 0x10
	Kelvins           Mask = 0x20
	AimingLights      Mask = 0x40
	AveragingLowLight Mask = 0x80

	// Range events (informational)
	BottomUnderRange Mask = 0x100
	TopOverRange     Mask = 0x200
	OverHighRange    Mask = 0x400

	// Black level
	BlackZero       Mask = 0x800
	BlackOverdrive  Mask = 0x1000
	BlackExcessive  Mask = 0x2000
	BlackParsingROM Mask = 0x4000
	BlackStoringROM Mask = 0x8000

	// Calibration
	CalWhiteRGB      Mask = 0x10000
	CalStoring       Mask = 0x20000
	CalConvertBinary Mask = 0x40000

	// Flicker
	FFTBadString        Mask = 0x80000
	FFTRangeCal         Mask = 0x100000
	FFTNoXYZ            Mask = 0x200000
	FFTNoRange          Mask = 0x400000
	FFTInsufficientData Mask = 0x800000
	FFTPreviousRange    Mask = 0x1000000
	FFTNotSupported     Mask = 0x2000000
	FFTBadSamples       Mask = 0x4000000
	FFTOverSaturated    Mask = 0x8000000

	Firmware       Mask = 0x10000000
	NegativeValues Mask = 0x20000000
)

// RangeEvents groups the three range-switch bits.
const RangeEvents = BottomUnderRange | TopOverRange | OverHighRange

// FlickerTolerated are the bits a running flicker stream keeps going through.
const FlickerTolerated = FFTPreviousRange | FFTInsufficientData | FFTOverSaturated

// DefaultIgnore filters the cosmetic and informational bits.
const DefaultIgnore = RangeEvents | FlickerTolerated |
	ConvertedNM | Kelvins | AveragingLowLight | NegativeValues

// FromToken maps the single error character found in device replies.
func FromToken(c byte) Mask {
	switch c {
	case 'L':
		return AimingLights
	case 'u':
		return BottomUnderRange
	case 'v':
		return TopOverRange
	case 'w':
		return OverHighRange
	case 't':
		return BlackZero
	case 's':
		return BlackOverdrive
	case 'b':
		return BlackExcessive
	case 'X', 'B':
		return Firmware
	}
	return None
}

// Has reports whether any bit of b is set in m.
func (m Mask) Has(b Mask) bool { return m&b != 0 }

// ShouldStop reports whether m carries anything outside ignore.
func (m Mask) ShouldStop(ignore Mask) bool { return m&^ignore != 0 }

var messages = []struct {
	bits Mask
	text string
}{
	{NotOpen, "The port is not open."},
	{TimedOut, "The device timed out."},
	{LostConnection, "Lost connection with the device."},
	{BadValues, "The device returned values that could not be parsed."},
	{ConvertedNM, "The value was converted to nanometers."},
	{Kelvins, "Correlated color temperature is out of range."},
	{AimingLights, "The aiming lights are on."},
	{AveragingLowLight, "Low light: more averaging is needed."},
	{RangeEvents, "Event: The device switched ranges."},
	{BlackZero | BlackOverdrive | BlackExcessive | BlackParsingROM, "The black level could not be read or is out of bounds."},
	{BlackStoringROM, "Failed to store the black level; check the thermal readings."},
	{CalWhiteRGB, "The white/RGB values could not be used for calibration."},
	{CalStoring, "The device refused to store the calibration file."},
	{CalConvertBinary, "A value could not be converted to the device number format."},
	{FFTBadString, "Flicker: the frame from the device was malformed."},
	{FFTRangeCal, "Flicker: the range calibration is missing or invalid."},
	{FFTNoXYZ, "Flicker: no XYZ values were found in the frame."},
	{FFTNoRange, "Flicker: no range was found in the frame."},
	{FFTInsufficientData, "Flicker: not enough samples collected since the last range change."},
	{FFTPreviousRange, "Flicker: the range changed since the previous frame."},
	{FFTNotSupported, "Flicker is not supported by this model."},
	{FFTBadSamples, "Flicker: the sample count must be a power of two between 64 and 2048."},
	{FFTOverSaturated, "Flicker: the signal is over saturated."},
	{Firmware, "The device reported a firmware error."},
	{NegativeValues, "The measurement contains negative values beyond the noise floor."},
}

// Describe renders the bits of m not covered by ignore. It returns an empty
// string when nothing survives the filter.
func (m Mask) Describe(ignore Mask) string {
	m &^= ignore
	if m == None {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ErrorCode %d Reads:\n", uint32(m))
	for _, msg := range messages {
		if m&msg.bits != 0 {
			b.WriteString(msg.text)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// String implements fmt.Stringer without filtering.
func (m Mask) String() string {
	if m == None {
		return "none"
	}
	return fmt.Sprintf("0x%x", uint32(m))
}
