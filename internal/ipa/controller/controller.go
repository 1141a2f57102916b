// Package controller runs the per-camera 3A control loop.
//
// Statistics for frame N are handed to a single worker goroutine in
// sequence order. The worker decodes them, runs AGC then AF against the
// sensor values actually applied to frame N, stores the decision in the
// frame context for N+k and sends it to the device.
package controller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/camctl/internal/config"
	"github.com/banshee-data/camctl/internal/ipa"
	"github.com/banshee-data/camctl/internal/ipa/af"
	"github.com/banshee-data/camctl/internal/ipa/agc"
	"github.com/banshee-data/camctl/internal/ipa/stats"
	"github.com/banshee-data/camctl/internal/timeutil"
)

var (
	ErrAlreadyConfigured = errors.New("controller: already configured")
	ErrNotConfigured     = errors.New("controller: not configured")
	ErrNotRunning        = errors.New("controller: not running")
	ErrQueueFull         = errors.New("controller: statistics queue full")
	ErrOutOfOrder        = errors.New("controller: statistics out of order")
)

// Algorithm is one stage of the control loop.
type Algorithm interface {
	Name() string
	Configure(ctx *ipa.Context, first *ipa.FrameContext) error
	Process(ctx *ipa.Context, frame, next *ipa.FrameContext, s *stats.Snapshot)
}

// ActionSink applies sensor controls. It is the device-control side of the
// loop: a serial actuator, a V4L2 control writer or a simulator.
type ActionSink interface {
	ApplyControls(ipa.SensorControls) error
}

// ActionSinkFunc adapts a function to ActionSink.
type ActionSinkFunc func(ipa.SensorControls) error

func (f ActionSinkFunc) ApplyControls(c ipa.SensorControls) error { return f(c) }

// FrameRecord summarises one evaluated frame.
type FrameRecord struct {
	SessionID  uuid.UUID
	Sequence   uint32
	Timestamp  time.Time
	Sensor     ipa.SensorState
	Controls   ipa.SensorControls
	AFVariance float64
	AFStable   bool
	Elapsed    time.Duration
}

// Recorder persists frame records. Errors are logged, never fatal.
type Recorder interface {
	RecordFrame(FrameRecord) error
}

// Event carries the statistics of one frame to the controller.
type Event struct {
	Sequence uint32
	Stats    []byte
	// Sensor is the exposure and gain the sensor reports it applied.
	Sensor ipa.SensorState
	// Release, if set, is called once the statistics have been consumed
	// or dropped.
	Release func()
}

func (e Event) release() {
	if e.Release != nil {
		e.Release()
	}
}

// Config holds the controller tuning.
type Config struct {
	PipelineDepth int
	FrameContexts int
	QueueDepth    int
	AGC           agc.Config
	AF            af.Config
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		PipelineDepth: 2,
		FrameContexts: ipa.DefaultFrameContexts,
		QueueDepth:    8,
		AGC:           agc.DefaultConfig(),
		AF:            af.DefaultConfig(),
	}
}

// ConfigFromTuning builds a controller configuration from the tuning file.
func ConfigFromTuning(t *config.TuningConfig) Config {
	return Config{
		PipelineDepth: t.GetPipelineDepth(),
		FrameContexts: t.GetFrameContextSlots(),
		QueueDepth:    t.GetControllerQueueDepth(),
		AGC:           agc.ConfigFromTuning(t),
		AF:            af.ConfigFromTuning(t),
	}
}

// Option customises a Controller.
type Option func(*Controller)

// WithRecorder stores a FrameRecord for every evaluated frame.
func WithRecorder(r Recorder) Option { return func(c *Controller) { c.recorder = r } }

// WithClock replaces the wall clock used for record timestamps.
func WithClock(clk timeutil.Clock) Option { return func(c *Controller) { c.clock = clk } }

// Counters are cumulative event counts.
type Counters struct {
	Processed    uint64
	Stale        uint64
	Dropped      uint64
	DecodeErrors uint64
	SinkErrors   uint64
}

// Controller owns the frame context of one camera and is its only writer.
type Controller struct {
	cfg      Config
	id       uuid.UUID
	ctx      *ipa.Context
	agc      *agc.Agc
	af       *af.Af
	algos    []Algorithm
	sink     ActionSink
	recorder Recorder
	clock    timeutil.Clock

	busy atomic.Bool

	mu         sync.Mutex
	configured bool
	events     chan Event
	done       chan struct{}
	lastQueued uint32
	queuedAny  bool
	awbGains   ipa.RGB
	lastSeq    uint32
	haveLast   bool
	last       ipa.SensorControls
	counters   Counters
}

// New returns an unconfigured controller that sends its decisions to sink.
func New(cfg Config, sink ActionSink, opts ...Option) *Controller {
	if cfg.PipelineDepth < 0 {
		cfg.PipelineDepth = 0
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	c := &Controller{
		cfg:      cfg,
		id:       uuid.New(),
		ctx:      ipa.NewContext(cfg.FrameContexts),
		agc:      agc.New(cfg.AGC),
		af:       af.New(cfg.AF),
		sink:     sink,
		clock:    timeutil.RealClock{},
		awbGains: ipa.RGB{Red: 1, Green: 1, Blue: 1},
	}
	c.algos = []Algorithm{c.agc, c.af}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ID identifies the controller session in records and logs.
func (c *Controller) ID() uuid.UUID { return c.id }

// PipelineDepth returns the frame delay between a decision and its effect.
func (c *Controller) PipelineDepth() int { return c.cfg.PipelineDepth }

// Configure prepares the session and sends the initial controls for frame
// zero. It fails while the controller is running; stop it first to
// reconfigure.
func (c *Controller) Configure(info ipa.ConfigInfo) error {
	c.mu.Lock()
	if c.events != nil {
		c.mu.Unlock()
		return fmt.Errorf("configure while running: %w", ErrAlreadyConfigured)
	}
	initial, err := c.configureLocked(info)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if c.sink != nil {
		if err := c.sink.ApplyControls(initial); err != nil {
			c.count(func(n *Counters) { n.SinkErrors++ })
			ipa.Opsf("controller %s: initial controls: %v", c.id, err)
		}
	}
	return nil
}

func (c *Controller) configureLocked(info ipa.ConfigInfo) (ipa.SensorControls, error) {
	conf, err := ipa.NewSessionConfiguration(info)
	if err != nil {
		return ipa.SensorControls{}, err
	}
	c.ctx.Configuration = conf
	c.ctx.Frames.Reset()
	first, err := c.ctx.Frames.Get(0)
	if err != nil {
		return ipa.SensorControls{}, err
	}
	for _, a := range c.algos {
		if err := a.Configure(c.ctx, first); err != nil {
			return ipa.SensorControls{}, fmt.Errorf("configure %s: %w", a.Name(), err)
		}
	}
	c.configured = true
	c.haveLast = false
	c.queuedAny = false
	c.last = ipa.ControlsFor(first)
	ipa.Diagf("controller %s: configured grid %dx%d line %v, initial %d lines gain %.2f",
		c.id, conf.Grid.Width, conf.Grid.Height, conf.LineDuration, c.last.ExposureLines, c.last.AnalogueGain)
	return c.last, nil
}

// Configuration returns the active session configuration.
func (c *Controller) Configuration() ipa.SessionConfiguration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx.Configuration
}

// SetAWBGains sets the white balance gains applied to subsequent frames.
func (c *Controller) SetAWBGains(g ipa.RGB) {
	c.mu.Lock()
	c.awbGains = g
	c.mu.Unlock()
}

// Start launches the worker goroutine.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.configured {
		return ErrNotConfigured
	}
	if c.events != nil {
		return nil
	}
	c.events = make(chan Event, c.cfg.QueueDepth)
	c.done = make(chan struct{})
	go c.worker(c.events, c.done)
	return nil
}

// Stop drains the queue and waits for the worker to exit.
func (c *Controller) Stop() {
	c.mu.Lock()
	events, done := c.events, c.done
	c.events = nil
	c.mu.Unlock()
	if events == nil {
		return
	}
	close(events)
	<-done
}

// worker processes statistics sequentially so that a frame is never
// evaluated before the one preceding it has finished.
func (c *Controller) worker(events <-chan Event, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		if err := c.Process(ev); err != nil {
			ipa.Diagf("controller %s: frame %d: %v", c.id, ev.Sequence, err)
		}
	}
}

// Queue hands statistics to the worker without blocking. Sequences must be
// strictly increasing; a full queue drops the event.
func (c *Controller) Queue(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		ev.release()
		return ErrNotRunning
	}
	if c.queuedAny && ev.Sequence <= c.lastQueued {
		c.counters.Stale++
		ev.release()
		return fmt.Errorf("sequence %d after %d: %w", ev.Sequence, c.lastQueued, ErrOutOfOrder)
	}
	select {
	case c.events <- ev:
		c.lastQueued = ev.Sequence
		c.queuedAny = true
		return nil
	default:
		c.counters.Dropped++
		ipa.Opsf("controller %s: dropped statistics for frame %d: queue full", c.id, ev.Sequence)
		ev.release()
		return ErrQueueFull
	}
}

// Process evaluates one frame synchronously. It must not be called
// concurrently; the worker goroutine is normally the only caller.
func (c *Controller) Process(ev Event) error {
	if !c.busy.CompareAndSwap(false, true) {
		panic("controller: concurrent Process would break single-writer frame contexts")
	}
	defer c.busy.Store(false)
	defer ev.release()

	start := c.clock.Now()

	c.mu.Lock()
	if !c.configured {
		c.mu.Unlock()
		return ErrNotConfigured
	}
	if c.haveLast && ev.Sequence <= c.lastSeq {
		c.counters.Stale++
		c.mu.Unlock()
		return fmt.Errorf("sequence %d not after %d: %w", ev.Sequence, c.lastSeq, ipa.ErrStaleContext)
	}
	awb := c.awbGains
	c.mu.Unlock()

	frame, err := c.ctx.Frames.Get(ev.Sequence)
	if err != nil {
		c.count(func(n *Counters) { n.Stale++ })
		return err
	}
	frame.Sensor = ev.Sensor
	frame.AWB.Gains = awb

	snap, err := stats.Decode(ev.Stats, c.ctx.Configuration.Grid, ev.Sequence)
	if err != nil {
		c.count(func(n *Counters) { n.DecodeErrors++ })
		ipa.Opsf("controller %s: frame %d: %v", c.id, ev.Sequence, err)
		return err
	}

	next, err := c.ctx.Frames.Get(ev.Sequence + uint32(c.cfg.PipelineDepth))
	if err != nil {
		c.count(func(n *Counters) { n.Stale++ })
		return err
	}
	for _, a := range c.algos {
		a.Process(c.ctx, frame, next, snap)
	}
	controls := ipa.ControlsFor(next)
	ipa.Tracef("controller %s: frame %d sensor %d lines gain %.3f -> frame %d: %d lines gain %.3f focus %d",
		c.id, ev.Sequence, ev.Sensor.Exposure, ev.Sensor.Gain,
		controls.Sequence, controls.ExposureLines, controls.AnalogueGain, controls.FocusStep)

	var sinkErr error
	if c.sink != nil {
		if sinkErr = c.sink.ApplyControls(controls); sinkErr != nil {
			ipa.Opsf("controller %s: apply controls for frame %d: %v", c.id, controls.Sequence, sinkErr)
		}
	}

	c.mu.Lock()
	c.lastSeq = ev.Sequence
	c.haveLast = true
	c.last = controls
	c.counters.Processed++
	if sinkErr != nil {
		c.counters.SinkErrors++
	}
	c.mu.Unlock()

	if c.recorder != nil {
		rec := FrameRecord{
			SessionID:  c.id,
			Sequence:   ev.Sequence,
			Timestamp:  start,
			Sensor:     ev.Sensor,
			Controls:   controls,
			AFVariance: c.af.Variance(),
			AFStable:   next.AF.Stable,
			Elapsed:    c.clock.Since(start),
		}
		if err := c.recorder.RecordFrame(rec); err != nil {
			ipa.Opsf("controller %s: record frame %d: %v", c.id, ev.Sequence, err)
		}
	}
	if sinkErr != nil {
		return fmt.Errorf("apply controls: %w", sinkErr)
	}
	return nil
}

func (c *Controller) count(f func(*Counters)) {
	c.mu.Lock()
	f(&c.counters)
	c.mu.Unlock()
}

// Status is a point-in-time view of the controller.
type Status struct {
	ID           uuid.UUID
	Configured   bool
	Running      bool
	LastSequence uint32
	HaveLast     bool
	LastControls ipa.SensorControls
	AWBGains     ipa.RGB
	Counters     Counters
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ID:           c.id,
		Configured:   c.configured,
		Running:      c.events != nil,
		LastSequence: c.lastSeq,
		HaveLast:     c.haveLast,
		LastControls: c.last,
		AWBGains:     c.awbGains,
		Counters:     c.counters,
	}
}
