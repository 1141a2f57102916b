package agc

import (
	"time"

	"github.com/banshee-data/camctl/internal/config"
)

// Hardware limits applied on top of the session configuration.
const (
	MinAnalogueGain = 1.0
	MaxAnalogueGain = 8.0
	MaxShutter      = 60 * time.Millisecond

	histogramBins = 256
	// Upper bound on the gain one luminance iteration may apply.
	maxIterationGain = 10.0
)

// Config holds the AGC tuning.
type Config struct {
	StartupFrames           int
	EvGainTarget            float64
	RelativeLuminanceTarget float64
	FilterSpeed             float64
	FastBand                float64
	MaxShutter              time.Duration
	MinGain                 float64
	MaxGain                 float64
	LuminanceIterations     int
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		StartupFrames:           10,
		EvGainTarget:            0.5,
		RelativeLuminanceTarget: 0.16,
		FilterSpeed:             0.2,
		FastBand:                0.2,
		MaxShutter:              MaxShutter,
		MinGain:                 MinAnalogueGain,
		MaxGain:                 MaxAnalogueGain,
		LuminanceIterations:     8,
	}
}

// ConfigFromTuning builds an AGC configuration from the tuning file values.
func ConfigFromTuning(t *config.TuningConfig) Config {
	return Config{
		StartupFrames:           t.GetAGCStartupFrames(),
		EvGainTarget:            t.GetAGCEvGainTarget(),
		RelativeLuminanceTarget: t.GetAGCRelativeLuminanceTarget(),
		FilterSpeed:             t.GetAGCFilterSpeed(),
		FastBand:                t.GetAGCFastBand(),
		MaxShutter:              t.GetAGCMaxShutter(),
		MinGain:                 t.GetAGCMinGain(),
		MaxGain:                 t.GetAGCMaxGain(),
		LuminanceIterations:     t.GetAGCLuminanceIterations(),
	}
}
