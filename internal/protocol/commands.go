// Package protocol implements the colorimeter's request/response exchange:
// write a short ASCII mnemonic terminated by a carriage return, then poll the
// transport until the expected number of reply bytes has arrived or the
// command's timeout runs out.
package protocol

// Command is one entry of the device command table.
type Command struct {
	Text string
	// Expected is the reply length in bytes. Zero means no reply is read
	// and -1 marks a command that starts an unbounded stream.
	Expected int
	// Timeout is counted in ticks of PollsPerTick polls.
	Timeout int
}

// Streaming reports whether the reply is an unbounded stream.
func (c Command) Streaming() bool { return c.Expected == -1 }

var (
	BlackCalRAM          = Command{"B4", 43, 2}
	BlackCalStore        = Command{"B7", 2, 1}
	BlackCalFlash        = Command{"B8", 43, 2}
	BlackCalNewRAM       = Command{"B9", 43, 8}
	BlackCalCoefficients = Command{"S0", 133, 2}

	CalFileIncoming = Command{"D1", 2, 2}
	CalFileList     = Command{"D7", 1925, 6}
	CalFileSaving   = Command{"D9", 2, 2}

	AimingLightsOff = Command{"L0", 0, 0}
	AimingLightsOn  = Command{"L1", 0, 0}

	Counts = Command{"M6", 20, 2}

	Color2PerSecond  = Command{"N7", 15, 1}
	Color4PerSecond  = Command{"N6", 15, 1}
	Color8PerSecond  = Command{"N5", 15, 1}
	Color16PerSecond = Command{"N4", 15, 1}

	DeviceInfo  = Command{"P0", 21, 1}
	FlickerInfo = Command{"P4", 613, 5}

	Flicker256 = Command{"T2", -1, 2}
	Flicker384 = Command{"T1", -1, 2}

	RangeFixCurrent = Command{"J7", 1, 2}
	RangeAuto       = Command{"J8", 1, 2}

	Dummy = Command{"X9", -1, 1}
)

var rangeFixed = [6]Command{
	{"J1", 1, 2}, {"J2", 1, 2}, {"J3", 1, 2},
	{"J4", 1, 2}, {"J5", 1, 2}, {"J6", 1, 2},
}

// RangeFixed returns the command that locks the device to range r (1..6).
func RangeFixed(r int) (Command, bool) {
	if r < 1 || r > 6 {
		return Command{}, false
	}
	return rangeFixed[r-1], true
}

// IsColor reports whether text is one of the four color polling commands.
func IsColor(text string) bool {
	switch text {
	case Color2PerSecond.Text, Color4PerSecond.Text, Color8PerSecond.Text, Color16PerSecond.Text:
		return true
	}
	return false
}

// IsFlicker reports whether text starts a flicker stream.
func IsFlicker(text string) bool {
	return text == Flicker256.Text || text == Flicker384.Text
}
