package monitor

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/camctl/internal/ipa"
	"github.com/banshee-data/camctl/internal/ipa/controller"
	"github.com/banshee-data/camctl/internal/testutil"
)

type failingRecorder struct{ n int }

func (f *failingRecorder) RecordFrame(controller.FrameRecord) error {
	f.n++
	return errors.New("disk full")
}

func record(seq uint32) controller.FrameRecord {
	return controller.FrameRecord{
		Sequence: seq,
		Sensor:   ipa.SensorState{Exposure: 10 * seq, Gain: 1},
		Controls: ipa.SensorControls{Sequence: seq, ExposureLines: 10*seq + 20, AnalogueGain: 1.5, FocusStep: seq},
	}
}

func TestTrace_RingOrder(t *testing.T) {
	t.Parallel()

	tr := NewTrace(4, nil)
	for seq := uint32(0); seq < 6; seq++ {
		require.NoError(t, tr.RecordFrame(record(seq)))
	}
	assert.Equal(t, 4, tr.Len())

	var got []uint32
	for _, f := range tr.Frames(0) {
		got = append(got, f.Sequence)
	}
	assert.Equal(t, []uint32{2, 3, 4, 5}, got)

	last := tr.Frames(2)
	require.Len(t, last, 2)
	assert.Equal(t, uint32(4), last[0].Sequence)
	assert.Equal(t, uint32(5), last[1].Sequence)
}

func TestTrace_ForwardsToNext(t *testing.T) {
	t.Parallel()

	next := &failingRecorder{}
	tr := NewTrace(0, next)
	assert.Error(t, tr.RecordFrame(record(1)))
	assert.Equal(t, 1, next.n)
	assert.Equal(t, 1, tr.Len(), "frame is kept even when the next recorder fails")
}

func TestGeneratePlots(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "plots")
	tr := NewTrace(100, nil)

	n, err := tr.GeneratePlots(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for seq := uint32(0); seq < 50; seq++ {
		require.NoError(t, tr.RecordFrame(record(seq)))
	}
	n, err = tr.GeneratePlots(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	for _, name := range []string{"exposure.png", "gain.png", "focus.png", "contrast.png"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestChartRoute(t *testing.T) {
	t.Parallel()

	tr := NewTrace(10, nil)
	for seq := uint32(0); seq < 5; seq++ {
		require.NoError(t, tr.RecordFrame(record(seq)))
	}
	mux := http.NewServeMux()
	tr.AttachAdminRoutes(mux)

	rec := testutil.ServeDebug(mux, "/debug/controls?frames=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Exposure (lines)")

	assert.Equal(t, http.StatusBadRequest, testutil.ServeDebug(mux, "/debug/controls?frames=abc").Code)
	assert.Equal(t, http.StatusBadRequest, testutil.ServeDebug(mux, "/debug/controls?frames=11").Code)
}
