// Package ipa holds the per-session state shared by the image processing
// algorithms: the session configuration, the frame context ring and the
// control outputs sent back to the device.
package ipa

// Context is passed explicitly to every algorithm call. There is one per
// camera session.
type Context struct {
	Configuration SessionConfiguration
	Frames        *FrameContextStore

	// AWBGains are applied to every new frame context. They are supplied
	// by the caller since this package does not run white balance.
	AWBGains RGB
}

// NewContext returns a context with a ring of frameContexts slots and
// neutral white balance.
func NewContext(frameContexts int) *Context {
	return &Context{
		Frames:   NewFrameContextStore(frameContexts),
		AWBGains: RGB{Red: 1, Green: 1, Blue: 1},
	}
}

// SensorControls are the values to apply to the sensor and lens for frame
// Sequence.
type SensorControls struct {
	Sequence      uint32
	ExposureLines uint32
	AnalogueGain  float64
	FocusStep     uint32
}

// ControlsFor extracts the sensor controls held by fc.
func ControlsFor(fc *FrameContext) SensorControls {
	return SensorControls{
		Sequence:      fc.Sequence,
		ExposureLines: fc.AGC.Exposure,
		AnalogueGain:  fc.AGC.Gain,
		FocusStep:     fc.AF.Focus,
	}
}
