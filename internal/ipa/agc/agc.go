// Package agc implements automatic exposure and gain control.
//
// Each frame the controller estimates how much brighter the image needs to
// be from two measurements: the mean of the brightest 2% of green values and
// the Rec. 601 relative luminance. The larger estimate wins, the resulting
// total exposure is smoothed, then split into shutter time first and
// analogue gain second.
package agc

import (
	"math"
	"time"

	"github.com/banshee-data/camctl/internal/ipa"
	"github.com/banshee-data/camctl/internal/ipa/stats"
)

// Agc is the exposure controller for one camera session.
type Agc struct {
	cfg Config

	frameCount   int
	lineDuration time.Duration
	minShutter   time.Duration
	maxShutter   time.Duration
	minGain      float64
	maxGain      float64

	// Total exposure, shutter time multiplied by gain.
	filteredExposure time.Duration
	currentExposure  time.Duration
}

// New returns an AGC instance using cfg.
func New(cfg Config) *Agc {
	return &Agc{cfg: cfg}
}

// Name identifies the algorithm in logs.
func (a *Agc) Name() string { return "agc" }

// Configure resets the controller for a new session and seeds the first
// frame context with the shortest shutter at minimum gain.
func (a *Agc) Configure(ctx *ipa.Context, first *ipa.FrameContext) error {
	conf := ctx.Configuration
	a.frameCount = 0
	a.filteredExposure = 0
	a.currentExposure = 0
	a.lineDuration = conf.LineDuration

	a.minShutter = conf.MinShutter
	a.maxShutter = minDuration(conf.MaxShutter, a.cfg.MaxShutter)
	a.minGain = math.Max(conf.MinGain, a.cfg.MinGain)
	a.maxGain = math.Min(conf.MaxGain, a.cfg.MaxGain)
	if a.maxShutter < a.minShutter {
		ipa.Diagf("agc: max shutter %v below min %v, using min", a.maxShutter, a.minShutter)
		a.maxShutter = a.minShutter
	}
	if a.maxGain < a.minGain {
		ipa.Diagf("agc: max gain %.2f below min %.2f, using min", a.maxGain, a.minGain)
		a.maxGain = a.minGain
	}

	first.AGC.Gain = a.minGain
	first.AGC.Exposure = a.lines(a.minShutter)
	return nil
}

// Limits returns the effective shutter and gain bounds after Configure.
func (a *Agc) Limits() (minShutter, maxShutter time.Duration, minGain, maxGain float64) {
	return a.minShutter, a.maxShutter, a.minGain, a.maxGain
}

// Process computes the exposure for next from the statistics of frame,
// which carries the values the sensor actually applied.
func (a *Agc) Process(ctx *ipa.Context, frame, next *ipa.FrameContext, s *stats.Snapshot) {
	iqMean := a.measureBrightness(s)
	iqMeanGain := a.histogramGain(iqMean)

	yGain := 1.0
	for i := 0; i < a.cfg.LuminanceIterations; i++ {
		y := a.estimateLuminance(frame.AWB.Gains, s, yGain)
		extra := math.Min(maxIterationGain, a.cfg.RelativeLuminanceTarget/(y+0.001))
		yGain *= extra
		ipa.Tracef("agc frame %d: y %.4f target %.3f gain %.4f", frame.Sequence, y, a.cfg.RelativeLuminanceTarget, yGain)
		if extra < 1.01 {
			break
		}
	}

	a.computeExposure(frame, next, yGain, iqMeanGain)
	a.frameCount++
}

// measureBrightness returns the inter-quantile mean of the top 2% of the
// green histogram. Saturated cells are included.
func (a *Agc) measureBrightness(s *stats.Snapshot) float64 {
	bins := make([]uint32, histogramBins)
	for _, c := range s.Cells {
		bins[c.Green()]++
	}
	return NewHistogram(bins).InterQuantileMean(0.98, 1.0)
}

// histogramGain converts the measured top-quantile mean into a gain. An
// empty histogram asks for the largest exposure the sensor allows.
func (a *Agc) histogramGain(iqMean float64) float64 {
	if iqMean <= 0 || math.IsNaN(iqMean) {
		g := a.maxTotalRatio()
		ipa.Diagf("agc: %v (iqMean %.3f), requesting max gain %.2f", stats.ErrDegenerateStatistics, iqMean, g)
		return g
	}
	return a.cfg.EvGainTarget * histogramBins / iqMean
}

func (a *Agc) maxTotalRatio() float64 {
	if a.minShutter <= 0 || a.minGain <= 0 {
		return a.maxGain
	}
	return float64(a.maxShutter) * a.maxGain / (float64(a.minShutter) * a.minGain)
}

// estimateLuminance returns the relative luminance in [0, 1] of the frame
// as if gain had been applied, with each channel saturating at 255.
func (a *Agc) estimateLuminance(awb ipa.RGB, s *stats.Snapshot, gain float64) float64 {
	if len(s.Cells) == 0 {
		return 0
	}
	var redSum, greenSum, blueSum float64
	for _, c := range s.Cells {
		redSum += math.Min(float64(c.R)*gain, 255)
		greenSum += math.Min(float64(c.Green())*gain, 255)
		blueSum += math.Min(float64(c.B)*gain, 255)
	}
	ySum := redSum*awb.Red*0.299 + greenSum*awb.Green*0.587 + blueSum*awb.Blue*0.114
	return ySum / float64(len(s.Cells)) / 255
}

func (a *Agc) computeExposure(frame, next *ipa.FrameContext, yGain, iqMeanGain float64) {
	evGain := math.Max(yGain, iqMeanGain)
	if math.Abs(evGain-1.0) < 0.01 {
		ipa.Tracef("agc frame %d: well exposed (evGain %.4f)", frame.Sequence, evGain)
	}

	currentShutter := time.Duration(frame.Sensor.Exposure) * a.lineDuration
	effective := scale(currentShutter, frame.Sensor.Gain)
	a.currentExposure = scale(effective, evGain)

	maxTotal := scale(a.maxShutter, a.maxGain)
	if a.currentExposure > maxTotal {
		ipa.Diagf("agc frame %d: total exposure %v clamped to %v", frame.Sequence, a.currentExposure, maxTotal)
		a.currentExposure = maxTotal
	}
	ipa.Tracef("agc frame %d: shutter %v gain %.3f evGain %.4f target %v",
		frame.Sequence, currentShutter, frame.Sensor.Gain, evGain, a.currentExposure)

	a.filterExposure()

	shutter := clampDuration(scale(a.filteredExposure, 1/a.minGain), a.minShutter, a.maxShutter)
	gain := a.minGain
	if shutter > 0 {
		gain = clampFloat(float64(a.filteredExposure)/float64(shutter), a.minGain, a.maxGain)
	}

	next.AGC.Exposure = a.lines(shutter)
	next.AGC.Gain = gain
	ipa.Tracef("agc frame %d -> %d: shutter %v (%d lines) gain %.3f",
		frame.Sequence, next.Sequence, shutter, next.AGC.Exposure, gain)
}

// filterExposure smooths the target exposure. The filter tracks the target
// immediately during startup and speeds up once it is within the fast band.
func (a *Agc) filterExposure() {
	speed := a.cfg.FilterSpeed
	if a.frameCount < a.cfg.StartupFrames {
		speed = 1.0
	}
	if a.filteredExposure == 0 {
		a.filteredExposure = a.currentExposure
		return
	}
	cur := float64(a.currentExposure)
	filtered := float64(a.filteredExposure)
	if filtered < (1+a.cfg.FastBand)*cur && filtered > (1-a.cfg.FastBand)*cur {
		speed = math.Sqrt(speed)
	}
	a.filteredExposure = time.Duration(speed*cur + (1-speed)*filtered)
}

func (a *Agc) lines(d time.Duration) uint32 {
	if a.lineDuration <= 0 {
		return 0
	}
	return uint32(d / a.lineDuration)
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
