package kclmtr

import (
	"fmt"
	"strings"

	"github.com/shaunagostinho/kclmtr/internal/codec"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
)

// Mode is the continuous acquisition currently running.
type Mode int32

const (
	ModeNone Mode = iota
	ModeColor
	ModeCounts
	ModeFlicker
)

func (m Mode) String() string {
	switch m {
	case ModeColor:
		return "color"
	case ModeCounts:
		return "counts"
	case ModeFlicker:
		return "flicker"
	}
	return "idle"
}

// ParseMode accepts the names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "color", "measure":
		return ModeColor, nil
	case "counts":
		return ModeCounts, nil
	case "flicker":
		return ModeFlicker, nil
	case "idle", "none", "":
		return ModeNone, nil
	}
	return ModeNone, fmt.Errorf("kclmtr: unknown mode %q", s)
}

// SpeedMode selects the color measurement rate.
type SpeedMode int

const (
	SpeedNormal  SpeedMode = iota // 8 per second
	SpeedFast                     // 16 per second
	SpeedSlow                     // 4 per second
	SpeedSlowest                  // 2 per second
)

func (s SpeedMode) String() string {
	switch s {
	case SpeedFast:
		return "fast"
	case SpeedSlow:
		return "slow"
	case SpeedSlowest:
		return "slowest"
	}
	return "normal"
}

// ParseSpeedMode accepts the names printed by SpeedMode.String.
func ParseSpeedMode(s string) (SpeedMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "":
		return SpeedNormal, nil
	case "fast":
		return SpeedFast, nil
	case "slow":
		return SpeedSlow, nil
	case "slowest":
		return SpeedSlowest, nil
	}
	return SpeedNormal, fmt.Errorf("kclmtr: unknown speed mode %q", s)
}

// multiplier scales the data needed per measurement relative to 8/s.
func (s SpeedMode) multiplier() float64 {
	switch s {
	case SpeedSlowest:
		return 0.25
	case SpeedSlow:
		return 0.5
	case SpeedFast:
		return 2
	}
	return 1
}

// samples is the number of sensor samples behind one reading.
func (s SpeedMode) samples() float64 {
	return 32 / s.multiplier()
}

// Measurement is one calibrated color reading.
type Measurement struct {
	// XYZ is the tristimulus value after the calibration file is applied.
	XYZ [3]float64 `json:"xyz" msgpack:"xyz"`
	// Raw is the averaged reading before calibration.
	Raw [3]float64 `json:"raw" msgpack:"raw"`
	Min [3]float64 `json:"min" msgpack:"min"`
	Max [3]float64 `json:"max" msgpack:"max"`
	// ChromaX and ChromaY are the CIE 1931 chromaticity coordinates.
	ChromaX    float64        `json:"x" msgpack:"x"`
	ChromaY    float64        `json:"y" msgpack:"y"`
	AveragedBy int            `json:"averagedBy" msgpack:"averaged_by"`
	Ranges     [3]codec.Range `json:"ranges" msgpack:"ranges"`
	Err        errmask.Mask   `json:"errorCode" msgpack:"error_code"`
}

// Luminance returns Y in cd/m².
func (m Measurement) Luminance() float64 { return m.XYZ[1] }

func chromaticity(xyz [3]float64) (x, y float64) {
	sum := xyz[0] + xyz[1] + xyz[2]
	if sum == 0 {
		return 0, 0
	}
	return xyz[0] / sum, xyz[1] / sum
}

// Counts is one raw sensor reading in A/D counts.
type Counts struct {
	Top    [3]int         `json:"top" msgpack:"top"`
	Bottom [3]int         `json:"bottom" msgpack:"bottom"`
	Therm  int            `json:"therm" msgpack:"therm"`
	TH1    int            `json:"th1" msgpack:"th1"`
	TH2    int            `json:"th2" msgpack:"th2"`
	Ranges [3]codec.Range `json:"ranges" msgpack:"ranges"`
	Err    errmask.Mask   `json:"errorCode" msgpack:"error_code"`
}

// BlackMatrix is the dark level per range and channel.
type BlackMatrix struct {
	// Range is indexed by range-1 and channel.
	Range [6][3]float64 `json:"range" msgpack:"range"`
	Therm float64       `json:"therm" msgpack:"therm"`
	Err   errmask.Mask  `json:"errorCode" msgpack:"error_code"`
}

// CalFile is one entry of the device's calibration file list.
type CalFile struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Names of the pseudo calibration files.
const (
	FactoryCalName   = "Factory Cal File"
	TemporaryCalName = "Temporary Cal File"
	BlankCalName     = "Blank"
)
