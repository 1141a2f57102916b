package actuator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/camctl/internal/ipa"
)

var ErrNotFeedback = errors.New("actuator: not a feedback line")

// Feedback reports the exposure and gain the sensor actually applied to a
// frame. The MCU emits it as "A <sequence> <exposure lines> <gain>".
type Feedback struct {
	Sequence uint32
	Sensor   ipa.SensorState
}

// ParseFeedback parses one feedback line. Lines with another leading token
// return ErrNotFeedback.
func ParseFeedback(line string) (Feedback, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "A" {
		return Feedback{}, ErrNotFeedback
	}
	if len(fields) != 4 {
		return Feedback{}, fmt.Errorf("feedback %q: want 4 fields, got %d", line, len(fields))
	}
	seq, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Feedback{}, fmt.Errorf("feedback sequence: %w", err)
	}
	exp, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Feedback{}, fmt.Errorf("feedback exposure: %w", err)
	}
	gain, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return Feedback{}, fmt.Errorf("feedback gain: %w", err)
	}
	if gain <= 0 {
		return Feedback{}, fmt.Errorf("feedback gain %v not positive", gain)
	}
	return Feedback{Sequence: uint32(seq), Sensor: ipa.SensorState{Exposure: uint32(exp), Gain: gain}}, nil
}

// FormatControls renders the command lines for one set of sensor controls.
func FormatControls(c ipa.SensorControls) string {
	return fmt.Sprintf("S=%d\nE=%d\nG=%.4f\nF=%d\n", c.Sequence, c.ExposureLines, c.AnalogueGain, c.FocusStep)
}
