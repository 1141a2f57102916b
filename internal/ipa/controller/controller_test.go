package controller

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/camctl/internal/config"
	"github.com/banshee-data/camctl/internal/ipa"
	"github.com/banshee-data/camctl/internal/ipa/stats"
	"github.com/banshee-data/camctl/internal/testutil"
	"github.com/banshee-data/camctl/internal/timeutil"
)

func testConfigInfo() ipa.ConfigInfo {
	return ipa.ConfigInfo{
		Sensor:     ipa.SensorInfo{LineLength: 3000, PixelRate: 120_000_000}, // 25us lines
		BDSOutput:  ipa.Size{Width: 1280, Height: 720},
		MinShutter: 100 * time.Microsecond,
		MaxShutter: 66 * time.Millisecond,
		MinGain:    1,
		MaxGain:    16,
	}
}

type captureSink struct {
	mu       sync.Mutex
	controls []ipa.SensorControls
	err      error
}

func (s *captureSink) ApplyControls(c ipa.SensorControls) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, c)
	return s.err
}

func (s *captureSink) all() []ipa.SensorControls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ipa.SensorControls(nil), s.controls...)
}

type memRecorder struct {
	mu      sync.Mutex
	records []FrameRecord
}

func (r *memRecorder) RecordFrame(rec FrameRecord) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

func uniformStats(t *testing.T, c *Controller, seq uint32, v uint8) []byte {
	t.Helper()
	buf, err := stats.Encode(stats.Uniform(c.Configuration().Grid, seq, v, v, v))
	require.NoError(t, err)
	return buf
}

func newConfigured(t *testing.T, opts ...Option) (*Controller, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	c := New(DefaultConfig(), sink, opts...)
	require.NoError(t, c.Configure(testConfigInfo()))
	return c, sink
}

func TestConfigure_SendsInitialControls(t *testing.T) {
	t.Parallel()

	c, sink := newConfigured(t)
	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0), got[0].Sequence)
	assert.Equal(t, uint32(4), got[0].ExposureLines, "min shutter 100us over 25us lines")
	assert.Equal(t, 1.0, got[0].AnalogueGain)
	assert.Equal(t, uint32(0), got[0].FocusStep)

	conf := c.Configuration()
	assert.Equal(t, 25*time.Microsecond, conf.LineDuration)
	assert.Equal(t, ipa.Point{X: 576, Y: 296}, conf.AFOrigin)
}

func TestConfigure_Invalid(t *testing.T) {
	t.Parallel()

	c := New(DefaultConfig(), nil)
	info := testConfigInfo()
	info.Sensor.PixelRate = 0
	assert.ErrorIs(t, c.Configure(info), ipa.ErrInvalidConfig)
	assert.ErrorIs(t, c.Start(), ErrNotConfigured)
	assert.ErrorIs(t, c.Process(Event{}), ErrNotConfigured)
}

func TestProcess_WritesDecisionAheadByPipelineDepth(t *testing.T) {
	t.Parallel()

	c, sink := newConfigured(t)
	err := c.Process(Event{
		Sequence: 7,
		Stats:    uniformStats(t, c, 7, 127),
		Sensor:   ipa.SensorState{Exposure: 1000, Gain: 1},
	})
	require.NoError(t, err)

	got := sink.all()
	require.Len(t, got, 2)
	out := got[1]
	assert.Equal(t, uint32(9), out.Sequence)
	// A correctly exposed frame keeps the effective exposure, not the
	// 4-line initial request.
	assert.InDelta(t, 1003, float64(out.ExposureLines), 8)
	assert.Equal(t, 1.0, out.AnalogueGain)
}

func TestProcess_UsesEffectiveSensorValues(t *testing.T) {
	t.Parallel()

	run := func(exposure uint32) uint32 {
		c, sink := newConfigured(t)
		require.NoError(t, c.Process(Event{
			Sequence: 0,
			Stats:    uniformStats(t, c, 0, 64),
			Sensor:   ipa.SensorState{Exposure: exposure, Gain: 1},
		}))
		got := sink.all()
		return got[len(got)-1].ExposureLines
	}
	short, long := run(200), run(400)
	assert.InDelta(t, 2.0, float64(long)/float64(short), 0.02, "decision scales with applied exposure")
}

func TestProcess_StaleAndOutOfOrder(t *testing.T) {
	t.Parallel()

	c, _ := newConfigured(t)
	ev := func(seq uint32) Event {
		return Event{Sequence: seq, Stats: uniformStats(t, c, seq, 100), Sensor: ipa.SensorState{Exposure: 100, Gain: 1}}
	}
	require.NoError(t, c.Process(ev(5)))
	assert.ErrorIs(t, c.Process(ev(5)), ipa.ErrStaleContext)
	assert.ErrorIs(t, c.Process(ev(3)), ipa.ErrStaleContext)
	require.NoError(t, c.Process(ev(6)))
	// Far beyond the ring: the store keeps working.
	require.NoError(t, c.Process(ev(1000)))

	st := c.Status()
	assert.Equal(t, uint64(3), st.Counters.Processed)
	assert.Equal(t, uint64(2), st.Counters.Stale)
	assert.Equal(t, uint32(1000), st.LastSequence)
}

func TestProcess_DecodeError(t *testing.T) {
	t.Parallel()

	c, sink := newConfigured(t)
	released := false
	err := c.Process(Event{Sequence: 1, Stats: make([]byte, 10), Release: func() { released = true }})
	assert.ErrorIs(t, err, stats.ErrShortBuffer)
	assert.True(t, released)
	assert.Len(t, sink.all(), 1, "no controls for an undecodable frame")
	assert.Equal(t, uint64(1), c.Status().Counters.DecodeErrors)
}

func TestProcess_SinkErrorStillAdvances(t *testing.T) {
	t.Parallel()

	c, sink := newConfigured(t)
	sink.err = errors.New("link down")
	err := c.Process(Event{Sequence: 1, Stats: uniformStats(t, c, 1, 90), Sensor: ipa.SensorState{Exposure: 100, Gain: 1}})
	assert.Error(t, err)

	st := c.Status()
	assert.Equal(t, uint64(1), st.Counters.Processed)
	assert.Equal(t, uint64(1), st.Counters.SinkErrors)
	assert.Equal(t, uint32(3), st.LastControls.Sequence)
}

func TestProcess_ReentrantCallPanics(t *testing.T) {
	t.Parallel()

	var c *Controller
	armed := false
	sink := ActionSinkFunc(func(ipa.SensorControls) error {
		if armed {
			_ = c.Process(Event{Sequence: 99})
		}
		return nil
	})
	c = New(DefaultConfig(), sink)
	require.NoError(t, c.Configure(testConfigInfo()))
	armed = true

	assert.Panics(t, func() {
		_ = c.Process(Event{Sequence: 1, Stats: uniformStats(t, c, 1, 50)})
	})
}

// focusStats encodes a frame whose AF contrast peaks when the lens sits at
// peak.
func focusStats(t *testing.T, c *Controller, seq, focus, peak uint32) []byte {
	t.Helper()
	dist := math.Abs(float64(focus) - float64(peak))
	d := uint16(math.Max(1, 1000-8*dist))
	snap := stats.Uniform(c.Configuration().Grid, seq, 120, 120, 120)
	for i := 0; i < 32; i++ {
		snap.AF = append(snap.AF, stats.AFItem{Y1: 1, Y2: 2000 - d}, stats.AFItem{Y1: 1, Y2: 2000 + d})
	}
	buf, err := stats.Encode(snap)
	require.NoError(t, err)
	return buf
}

func TestProcess_FocusSettlesOnAppliedPeak(t *testing.T) {
	t.Parallel()

	const peak = 100
	cfg := DefaultConfig()
	cfg.PipelineDepth = 2
	cfg.AF.MaxFocusSteps = 200
	rec := &memRecorder{}
	sink := &captureSink{}
	c := New(cfg, sink, WithRecorder(rec))
	require.NoError(t, c.Configure(testConfigInfo()))

	// The lens position of frame seq is the newest control addressed to it
	// or to an earlier frame.
	applied := func(seq uint32) uint32 {
		var focus uint32
		for _, ctl := range sink.all() {
			if ctl.Sequence <= seq {
				focus = ctl.FocusStep
			}
		}
		return focus
	}

	const frames = 400
	for seq := uint32(0); seq < frames; seq++ {
		require.NoError(t, c.Process(Event{
			Sequence: seq,
			Stats:    focusStats(t, c, seq, applied(seq), peak),
			Sensor:   ipa.SensorState{Exposure: 1000, Gain: 1},
		}))
	}

	stableAt := -1
	for i, r := range rec.records {
		if r.AFStable {
			stableAt = i
			break
		}
	}
	require.NotEqual(t, -1, stableAt, "AF never became stable")
	for _, r := range rec.records[stableAt:] {
		require.True(t, r.AFStable, "frame %d left the stable state", r.Sequence)
		require.Equal(t, uint32(peak), r.Controls.FocusStep, "frame %d", r.Sequence)
	}
	assert.Less(t, stableAt, frames/2)
}

func TestRecorderReceivesFrames(t *testing.T) {
	t.Parallel()

	clk := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := &memRecorder{}
	c, _ := newConfigured(t, WithRecorder(rec), WithClock(clk))

	for seq := uint32(0); seq < 3; seq++ {
		require.NoError(t, c.Process(Event{Sequence: seq, Stats: uniformStats(t, c, seq, 120), Sensor: ipa.SensorState{Exposure: 500, Gain: 2}}))
	}
	require.Len(t, rec.records, 3)
	r := rec.records[2]
	assert.Equal(t, c.ID(), r.SessionID)
	assert.Equal(t, uint32(2), r.Sequence)
	assert.Equal(t, uint32(4), r.Controls.Sequence)
	assert.Equal(t, ipa.SensorState{Exposure: 500, Gain: 2}, r.Sensor)
	assert.True(t, r.Timestamp.Equal(clk.Now()))
}

func TestQueue_OrderedWorker(t *testing.T) {
	t.Parallel()

	c, sink := newConfigured(t)
	assert.ErrorIs(t, c.Queue(Event{Sequence: 0}), ErrNotRunning)
	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Configure(testConfigInfo()), ErrAlreadyConfigured)

	var mu sync.Mutex
	released := 0
	release := func() { mu.Lock(); released++; mu.Unlock() }

	for seq := uint32(0); seq < 5; seq++ {
		ev := Event{Sequence: seq, Stats: uniformStats(t, c, seq, 110), Sensor: ipa.SensorState{Exposure: 300, Gain: 1}, Release: release}
		for {
			err := c.Queue(ev)
			if !errors.Is(err, ErrQueueFull) {
				require.NoError(t, err)
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	err := c.Queue(Event{Sequence: 2, Release: release})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	c.Stop()

	mu.Lock()
	assert.GreaterOrEqual(t, released, 6, "every event is released")
	mu.Unlock()

	got := sink.all()
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Sequence, got[i-1].Sequence, "controls out of order at %d", i)
	}
	assert.False(t, c.Status().Running)

	// Reconfigure is allowed once stopped.
	require.NoError(t, c.Configure(testConfigInfo()))
}

func TestSetAWBGains(t *testing.T) {
	t.Parallel()

	c, _ := newConfigured(t)
	c.SetAWBGains(ipa.RGB{Red: 1.5, Green: 1, Blue: 2})
	assert.Equal(t, ipa.RGB{Red: 1.5, Green: 1, Blue: 2}, c.Status().AWBGains)
}

func TestConfigFromTuningDefaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultConfig(), ConfigFromTuning(config.EmptyTuningConfig()))
}

func TestAttachAdminRoutes(t *testing.T) {
	t.Parallel()

	c, _ := newConfigured(t)
	mux := http.NewServeMux()
	c.AttachAdminRoutes(mux)

	w := testutil.ServeDebug(mux, "/debug/controller")

	require.NotEqual(t, http.StatusNotFound, w.Code, "route should be registered")
	if w.Code == http.StatusOK {
		var st Status
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
		assert.Equal(t, c.ID(), st.ID)
		assert.True(t, st.Configured)
	}
}
