package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds the control loop tuning. Every field is optional; the
// Get* accessors return the built-in default for fields left unset.
type TuningConfig struct {
	// Pipeline params
	PipelineDepth        *int `json:"pipeline_depth,omitempty"`
	FrameContextSlots    *int `json:"frame_context_slots,omitempty"`
	MaxInFlightRequests  *int `json:"max_in_flight_requests,omitempty"`
	ControllerQueueDepth *int `json:"controller_queue_depth,omitempty"`

	// AGC params
	AGCStartupFrames           *int     `json:"agc_startup_frames,omitempty"`
	AGCEvGainTarget            *float64 `json:"agc_ev_gain_target,omitempty"`
	AGCRelativeLuminanceTarget *float64 `json:"agc_relative_luminance_target,omitempty"`
	AGCFilterSpeed             *float64 `json:"agc_filter_speed,omitempty"`
	AGCFastBand                *float64 `json:"agc_fast_band,omitempty"`
	AGCMaxShutter              *string  `json:"agc_max_shutter,omitempty"` // duration string like "60ms"
	AGCMinGain                 *float64 `json:"agc_min_gain,omitempty"`
	AGCMaxGain                 *float64 `json:"agc_max_gain,omitempty"`
	AGCLuminanceIterations     *int     `json:"agc_luminance_iterations,omitempty"`

	// AF params
	AFSettleFrames          *int     `json:"af_settle_frames,omitempty"`
	AFDefocusDebounceFrames *int     `json:"af_defocus_debounce_frames,omitempty"`
	AFMaxChange             *float64 `json:"af_max_change,omitempty"`
	AFSearchStep            *int     `json:"af_search_step,omitempty"`
	AFMaxFocusSteps         *int     `json:"af_max_focus_steps,omitempty"`

	// Actuator link
	SerialBaudRate *int `json:"serial_baud_rate,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated
// with its built-in default.
func DefaultTuningConfig() *TuningConfig {
	e := EmptyTuningConfig()
	return &TuningConfig{
		PipelineDepth:              ptrInt(e.GetPipelineDepth()),
		FrameContextSlots:          ptrInt(e.GetFrameContextSlots()),
		MaxInFlightRequests:        ptrInt(e.GetMaxInFlightRequests()),
		ControllerQueueDepth:       ptrInt(e.GetControllerQueueDepth()),
		AGCStartupFrames:           ptrInt(e.GetAGCStartupFrames()),
		AGCEvGainTarget:            ptrFloat64(e.GetAGCEvGainTarget()),
		AGCRelativeLuminanceTarget: ptrFloat64(e.GetAGCRelativeLuminanceTarget()),
		AGCFilterSpeed:             ptrFloat64(e.GetAGCFilterSpeed()),
		AGCFastBand:                ptrFloat64(e.GetAGCFastBand()),
		AGCMaxShutter:              ptrString(e.GetAGCMaxShutter().String()),
		AGCMinGain:                 ptrFloat64(e.GetAGCMinGain()),
		AGCMaxGain:                 ptrFloat64(e.GetAGCMaxGain()),
		AGCLuminanceIterations:     ptrInt(e.GetAGCLuminanceIterations()),
		AFSettleFrames:             ptrInt(e.GetAFSettleFrames()),
		AFDefocusDebounceFrames:    ptrInt(e.GetAFDefocusDebounceFrames()),
		AFMaxChange:                ptrFloat64(e.GetAFMaxChange()),
		AFSearchStep:               ptrInt(e.GetAFSearchStep()),
		AFMaxFocusSteps:            ptrInt(e.GetAFMaxFocusSteps()),
		SerialBaudRate:             ptrInt(e.GetSerialBaudRate()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to their defaults, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/ipa/agc/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	positiveInts := []struct {
		name string
		v    *int
	}{
		{"pipeline_depth", c.PipelineDepth},
		{"frame_context_slots", c.FrameContextSlots},
		{"max_in_flight_requests", c.MaxInFlightRequests},
		{"controller_queue_depth", c.ControllerQueueDepth},
		{"agc_luminance_iterations", c.AGCLuminanceIterations},
		{"af_search_step", c.AFSearchStep},
		{"af_max_focus_steps", c.AFMaxFocusSteps},
		{"serial_baud_rate", c.SerialBaudRate},
	}
	for _, p := range positiveInts {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, *p.v)
		}
	}

	nonNegativeInts := []struct {
		name string
		v    *int
	}{
		{"agc_startup_frames", c.AGCStartupFrames},
		{"af_settle_frames", c.AFSettleFrames},
		{"af_defocus_debounce_frames", c.AFDefocusDebounceFrames},
	}
	for _, p := range nonNegativeInts {
		if p.v != nil && *p.v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", p.name, *p.v)
		}
	}

	// The ring must outlive the pipeline delay or every decision is stale
	// before it is applied.
	if c.GetFrameContextSlots() <= c.GetPipelineDepth() {
		return fmt.Errorf("frame_context_slots (%d) must exceed pipeline_depth (%d)",
			c.GetFrameContextSlots(), c.GetPipelineDepth())
	}

	if c.AGCFilterSpeed != nil && (*c.AGCFilterSpeed <= 0 || *c.AGCFilterSpeed > 1) {
		return fmt.Errorf("agc_filter_speed must be in (0, 1], got %f", *c.AGCFilterSpeed)
	}
	if c.AGCFastBand != nil && (*c.AGCFastBand < 0 || *c.AGCFastBand >= 1) {
		return fmt.Errorf("agc_fast_band must be in [0, 1), got %f", *c.AGCFastBand)
	}
	if c.AGCEvGainTarget != nil && (*c.AGCEvGainTarget <= 0 || *c.AGCEvGainTarget > 1) {
		return fmt.Errorf("agc_ev_gain_target must be in (0, 1], got %f", *c.AGCEvGainTarget)
	}
	if c.AGCRelativeLuminanceTarget != nil && (*c.AGCRelativeLuminanceTarget <= 0 || *c.AGCRelativeLuminanceTarget > 1) {
		return fmt.Errorf("agc_relative_luminance_target must be in (0, 1], got %f", *c.AGCRelativeLuminanceTarget)
	}
	if c.GetAGCMinGain() <= 0 || c.GetAGCMaxGain() < c.GetAGCMinGain() {
		return fmt.Errorf("agc gain range [%f, %f] is invalid", c.GetAGCMinGain(), c.GetAGCMaxGain())
	}
	if c.AGCMaxShutter != nil && *c.AGCMaxShutter != "" {
		d, err := time.ParseDuration(*c.AGCMaxShutter)
		if err != nil {
			return fmt.Errorf("invalid agc_max_shutter '%s': %w", *c.AGCMaxShutter, err)
		}
		if d <= 0 {
			return fmt.Errorf("agc_max_shutter must be positive, got %s", d)
		}
	}
	if c.AFMaxChange != nil && *c.AFMaxChange <= 0 {
		return fmt.Errorf("af_max_change must be positive, got %f", *c.AFMaxChange)
	}

	return nil
}

// GetPipelineDepth returns the number of frames between requesting a
// control and the sensor applying it.
func (c *TuningConfig) GetPipelineDepth() int {
	if c.PipelineDepth == nil {
		return 2
	}
	return *c.PipelineDepth
}

// GetFrameContextSlots returns the frame context ring size.
func (c *TuningConfig) GetFrameContextSlots() int {
	if c.FrameContextSlots == nil {
		return 16
	}
	return *c.FrameContextSlots
}

// GetMaxInFlightRequests returns the number of requests a camera may have
// queued to the device at once.
func (c *TuningConfig) GetMaxInFlightRequests() int {
	if c.MaxInFlightRequests == nil {
		return 4
	}
	return *c.MaxInFlightRequests
}

// GetControllerQueueDepth returns the statistics queue length of the
// controller goroutine.
func (c *TuningConfig) GetControllerQueueDepth() int {
	if c.ControllerQueueDepth == nil {
		return 8
	}
	return *c.ControllerQueueDepth
}

// GetAGCStartupFrames returns the agc_startup_frames value or the default.
func (c *TuningConfig) GetAGCStartupFrames() int {
	if c.AGCStartupFrames == nil {
		return 10
	}
	return *c.AGCStartupFrames
}

// GetAGCEvGainTarget returns the target for the top 2% of the histogram.
func (c *TuningConfig) GetAGCEvGainTarget() float64 {
	if c.AGCEvGainTarget == nil {
		return 0.5
	}
	return *c.AGCEvGainTarget
}

// GetAGCRelativeLuminanceTarget returns the agc_relative_luminance_target value or the default.
func (c *TuningConfig) GetAGCRelativeLuminanceTarget() float64 {
	if c.AGCRelativeLuminanceTarget == nil {
		return 0.16
	}
	return *c.AGCRelativeLuminanceTarget
}

// GetAGCFilterSpeed returns the agc_filter_speed value or the default.
func (c *TuningConfig) GetAGCFilterSpeed() float64 {
	if c.AGCFilterSpeed == nil {
		return 0.2
	}
	return *c.AGCFilterSpeed
}

// GetAGCFastBand returns the agc_fast_band value or the default.
func (c *TuningConfig) GetAGCFastBand() float64 {
	if c.AGCFastBand == nil {
		return 0.2
	}
	return *c.AGCFastBand
}

// GetAGCMaxShutter parses and returns AGCMaxShutter as a time.Duration.
func (c *TuningConfig) GetAGCMaxShutter() time.Duration {
	if c.AGCMaxShutter == nil || *c.AGCMaxShutter == "" {
		return 60 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.AGCMaxShutter)
	if err != nil {
		return 60 * time.Millisecond // default on parse error
	}
	return d
}

// GetAGCMinGain returns the agc_min_gain value or the default.
func (c *TuningConfig) GetAGCMinGain() float64 {
	if c.AGCMinGain == nil {
		return 1.0
	}
	return *c.AGCMinGain
}

// GetAGCMaxGain returns the agc_max_gain value or the default.
func (c *TuningConfig) GetAGCMaxGain() float64 {
	if c.AGCMaxGain == nil {
		return 8.0
	}
	return *c.AGCMaxGain
}

// GetAGCLuminanceIterations returns the agc_luminance_iterations value or the default.
func (c *TuningConfig) GetAGCLuminanceIterations() int {
	if c.AGCLuminanceIterations == nil {
		return 8
	}
	return *c.AGCLuminanceIterations
}

// GetAFSettleFrames returns the af_settle_frames value or the default.
func (c *TuningConfig) GetAFSettleFrames() int {
	if c.AFSettleFrames == nil {
		return 10
	}
	return *c.AFSettleFrames
}

// GetAFDefocusDebounceFrames returns the af_defocus_debounce_frames value or the default.
func (c *TuningConfig) GetAFDefocusDebounceFrames() int {
	if c.AFDefocusDebounceFrames == nil {
		return 60
	}
	return *c.AFDefocusDebounceFrames
}

// GetAFMaxChange returns the af_max_change value or the default.
func (c *TuningConfig) GetAFMaxChange() float64 {
	if c.AFMaxChange == nil {
		return 0.8
	}
	return *c.AFMaxChange
}

// GetAFSearchStep returns the af_search_step value or the default.
func (c *TuningConfig) GetAFSearchStep() int {
	if c.AFSearchStep == nil {
		return 5
	}
	return *c.AFSearchStep
}

// GetAFMaxFocusSteps returns the af_max_focus_steps value or the default.
func (c *TuningConfig) GetAFMaxFocusSteps() int {
	if c.AFMaxFocusSteps == nil {
		return 1023
	}
	return *c.AFMaxFocusSteps
}

// GetSerialBaudRate returns the serial_baud_rate value or the default.
func (c *TuningConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 115200
	}
	return *c.SerialBaudRate
}
