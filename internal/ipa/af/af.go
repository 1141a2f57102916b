// Package af implements contrast-detection autofocus.
//
// The lens is swept from position 0 in fixed steps while the variance of
// the AF filter response is tracked; once past the end of travel the lens
// returns to the position with the highest variance and the search is
// marked stable. A stable lens restarts the sweep when the variance moves
// too far from the recorded peak for long enough.
package af

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/camctl/internal/config"
	"github.com/banshee-data/camctl/internal/ipa"
	"github.com/banshee-data/camctl/internal/ipa/stats"
)

// Config holds the AF tuning.
type Config struct {
	// SettleFrames is the number of frames ignored before the first sweep
	// and after the lens parks on its peak. A stable lens also needs this
	// many consecutive out-of-focus frames before it rescans.
	SettleFrames int
	// DefocusDebounceFrames is the number of frames ignored once a
	// defocus has restarted the sweep.
	DefocusDebounceFrames int
	MaxChange             float64
	SearchStep            uint32
	MaxFocusSteps         uint32
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		SettleFrames:          10,
		DefocusDebounceFrames: 60,
		MaxChange:             0.8,
		SearchStep:            5,
		MaxFocusSteps:         1023,
	}
}

// ConfigFromTuning builds an AF configuration from the tuning file values.
func ConfigFromTuning(t *config.TuningConfig) Config {
	return Config{
		SettleFrames:          t.GetAFSettleFrames(),
		DefocusDebounceFrames: t.GetAFDefocusDebounceFrames(),
		MaxChange:             t.GetAFMaxChange(),
		SearchStep:            uint32(t.GetAFSearchStep()),
		MaxFocusSteps:         uint32(t.GetAFMaxFocusSteps()),
	}
}

// Af is the focus controller for one camera session.
type Af struct {
	cfg Config

	focus     uint32 // last requested sweep position
	goodFocus uint32 // applied position with the highest variance so far
	ignore    int
	variance  float64
}

// New returns an AF instance using cfg.
func New(cfg Config) *Af {
	return &Af{cfg: cfg, ignore: cfg.SettleFrames}
}

// Name identifies the algorithm in logs.
func (a *Af) Name() string { return "af" }

// Configure resets the search and parks the lens at position 0.
func (a *Af) Configure(ctx *ipa.Context, first *ipa.FrameContext) error {
	a.focus = 0
	a.goodFocus = 0
	a.ignore = a.cfg.SettleFrames
	a.variance = 0
	first.AF = ipa.AFState{}
	return nil
}

// Variance returns the contrast measured on the last processed frame.
func (a *Af) Variance() float64 { return a.variance }

// Process updates the focus decision held in next, which carries the
// latest search state, from the statistics of frame. Measurements are
// attributed to frame.AF.Focus, the lens position applied to that frame,
// since next is several frames ahead of it.
func (a *Af) Process(ctx *ipa.Context, frame, next *ipa.FrameContext, s *stats.Snapshot) {
	a.variance = Variance(s.AF)
	ipa.Tracef("af frame %d: variance %.2f", frame.Sequence, a.variance)

	st := &next.AF
	if st.Stable {
		a.checkFocus(frame, st)
		return
	}
	a.scan(frame, st)
}

// checkFocus watches a stable lens for a large change in contrast.
func (a *Af) checkFocus(frame *ipa.FrameContext, st *ipa.AFState) {
	seq := frame.Sequence
	if !frame.AF.Stable || frame.AF.Focus != st.Focus {
		// Captured before the lens reached its stable position.
		return
	}
	ratio := math.Abs(a.variance-st.MaxVariance) / st.MaxVariance
	if st.MaxVariance == 0 || math.IsNaN(ratio) {
		// No reference peak: nothing to compare against.
		ratio = 0
	}
	ipa.Tracef("af frame %d: change ratio %.3f focus %d", seq, ratio, st.Focus)

	if ratio <= a.cfg.MaxChange {
		a.ignore = a.cfg.SettleFrames
		return
	}
	if a.ignore > 0 {
		a.ignore--
		return
	}
	ipa.Diagf("af frame %d: out of focus (ratio %.3f), restarting scan", seq, ratio)
	*st = ipa.AFState{}
	a.focus = 0
	a.goodFocus = 0
	a.ignore = a.cfg.DefocusDebounceFrames
}

// scan advances the sweep. The settle counter is consumed first; the frame
// that brings it to zero is the first one evaluated.
func (a *Af) scan(frame *ipa.FrameContext, st *ipa.AFState) {
	seq := frame.Sequence
	if a.ignore > 0 {
		a.ignore--
		if a.ignore > 0 {
			return
		}
	}

	if a.variance > st.MaxVariance {
		st.MaxVariance = a.variance
		a.goodFocus = frame.AF.Focus
	}

	if a.focus > a.cfg.MaxFocusSteps {
		st.Stable = true
		st.Focus = a.goodFocus
		a.ignore = a.cfg.SettleFrames
		ipa.Diagf("af frame %d: focus stable at %d (variance %.2f)", seq, a.goodFocus, st.MaxVariance)
		return
	}
	a.focus += a.cfg.SearchStep
	st.Focus = a.focus
	ipa.Tracef("af frame %d: scan peak %.2f at %d, moving to %d", seq, st.MaxVariance, a.goodFocus, a.focus)
}

// Variance returns the population variance of the y2 responses. An empty
// table yields zero, which never registers as a new peak.
func Variance(items []stats.AFItem) float64 {
	if len(items) == 0 {
		return 0
	}
	y := make([]float64, len(items))
	for i, it := range items {
		y[i] = float64(it.Y2)
	}
	_, v := stat.PopMeanVariance(y, nil)
	return v
}
