package af

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/camctl/internal/ipa"
	"github.com/banshee-data/camctl/internal/ipa/stats"
)

// contrastItems returns a y-table whose y2 variance is d*d.
func contrastItems(d uint16) []stats.AFItem {
	const base = 1000
	items := make([]stats.AFItem, 0, 64)
	for i := 0; i < 32; i++ {
		items = append(items, stats.AFItem{Y1: 1, Y2: base - d}, stats.AFItem{Y1: 1, Y2: base + d})
	}
	return items
}

// lensResponse peaks at position peak and falls off linearly.
func lensResponse(focus, peak uint32) uint16 {
	dist := math.Abs(float64(focus) - float64(peak))
	return uint16(math.Max(1, 400-dist/2))
}

type harness struct {
	af  *Af
	ctx *ipa.Context
	seq uint32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{af: New(DefaultConfig()), ctx: ipa.NewContext(16)}
	first, err := h.ctx.Frames.Get(0)
	require.NoError(t, err)
	require.NoError(t, h.af.Configure(h.ctx, first))
	return h
}

// step feeds one frame and returns the decision for the next frame.
func (h *harness) step(t *testing.T, items []stats.AFItem) ipa.AFState {
	t.Helper()
	frame, err := h.ctx.Frames.Get(h.seq)
	require.NoError(t, err)
	next, err := h.ctx.Frames.Get(h.seq + 1)
	require.NoError(t, err)
	h.af.Process(h.ctx, frame, next, &stats.Snapshot{Sequence: h.seq, AF: items})
	h.seq++
	return next.AF
}

func (h *harness) runToStable(t *testing.T, peak uint32) ipa.AFState {
	t.Helper()
	var st ipa.AFState
	for i := 0; i < 400; i++ {
		st = h.step(t, contrastItems(lensResponse(st.Focus, peak)))
		if st.Stable {
			return st
		}
	}
	t.Fatal("AF never became stable")
	return st
}

func TestVariance(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, Variance(nil))
	assert.InDelta(t, 25.0, Variance(contrastItems(5)), 1e-9)
	assert.Equal(t, 0.0, Variance([]stats.AFItem{{Y2: 7}}))
}

func TestProcess_SettleFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for i := 1; i <= 9; i++ {
		st := h.step(t, contrastItems(uint16(i*10)))
		assert.Equal(t, uint32(0), st.Focus, "frame %d moved the lens during settle", i)
		assert.Equal(t, 0.0, st.MaxVariance)
	}
	st := h.step(t, contrastItems(50))
	assert.Equal(t, uint32(5), st.Focus, "10th frame starts the sweep")
	assert.Equal(t, 2500.0, st.MaxVariance)
}

func TestProcess_FindsPeak(t *testing.T) {
	t.Parallel()

	for _, peak := range []uint32{0, 137, 500, 1020} {
		h := newHarness(t)
		st := h.runToStable(t, peak)
		diff := math.Abs(float64(st.Focus) - float64(peak))
		assert.LessOrEqual(t, diff, float64(DefaultConfig().SearchStep), "peak %d: stable at %d", peak, st.Focus)
		assert.Greater(t, st.MaxVariance, 0.0)
	}
}

func TestProcess_RescanAfterDefocus(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	st := h.runToStable(t, 300)
	require.True(t, st.Stable)

	// Small contrast changes keep the lens where it is.
	for i := 0; i < 30; i++ {
		st = h.step(t, contrastItems(lensResponse(300, 300)-10))
		require.True(t, st.Stable, "small change triggered a rescan")
	}

	// A large drop must persist past the debounce before rescanning.
	for i := 0; i < DefaultConfig().SettleFrames; i++ {
		st = h.step(t, contrastItems(10))
		require.True(t, st.Stable, "rescanned after %d defocused frames", i+1)
	}
	st = h.step(t, contrastItems(10))
	assert.False(t, st.Stable)
	assert.Equal(t, uint32(0), st.Focus)
	assert.Equal(t, 0.0, st.MaxVariance)
	assert.Equal(t, DefaultConfig().DefocusDebounceFrames, h.af.ignore)
}

func TestProcess_DefocusInterruptedResetsDebounce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	st := h.runToStable(t, 300)
	inFocus := contrastItems(lensResponse(300, 300))
	st = h.step(t, inFocus)

	for round := 0; round < 5; round++ {
		for i := 0; i < DefaultConfig().SettleFrames-1; i++ {
			st = h.step(t, contrastItems(10))
		}
		st = h.step(t, inFocus)
	}
	assert.True(t, st.Stable, "intermittent defocus should not rescan")
	assert.Equal(t, DefaultConfig().SettleFrames, h.af.ignore)
}

func TestProcess_EmptyStatisticsDoNotMoveStableLens(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	frame, _ := h.ctx.Frames.Get(0)
	next, _ := h.ctx.Frames.Get(1)
	next.AF = ipa.AFState{Stable: true, Focus: 40}

	h.af.Process(h.ctx, frame, next, &stats.Snapshot{})
	assert.True(t, next.AF.Stable)
	assert.Equal(t, uint32(40), next.AF.Focus)
}
