// Package pipeline connects capture devices, requests and the 3A controller
// for each camera.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/camctl/internal/framebuffer"
	"github.com/banshee-data/camctl/internal/ipa"
	"github.com/banshee-data/camctl/internal/ipa/controller"
	"github.com/banshee-data/camctl/internal/semaphore"
	"github.com/banshee-data/camctl/internal/timeutil"
)

// Capture stages a buffer moves through.
const (
	StageDevice     = "device"
	StageController = "controller"
)

// StatsStream is the stream carrying 3A statistics.
const StatsStream framebuffer.StreamID = "stats"

var (
	ErrStopped       = errors.New("pipeline: camera stopped")
	ErrNoBuffers     = errors.New("pipeline: request has no buffers")
	ErrUnknownBuffer = errors.New("pipeline: buffer not queued on this camera")
)

// Device is the capture device collaborator. Queue hands a request's
// buffers to hardware; results come back through Camera.BufferReady.
type Device interface {
	Queue(req *framebuffer.Request) error
}

// StatsReader exposes the bytes of a completed statistics buffer. release
// is called once the controller is done with them.
type StatsReader func(buf *framebuffer.FrameBuffer) (data []byte, release func(), err error)

// RequestRecord summarises a completed request.
type RequestRecord struct {
	CameraID    string
	RequestID   uuid.UUID
	Status      framebuffer.CompletionStatus
	Buffers     int
	QueuedAt    time.Time
	CompletedAt time.Time
}

// RequestRecorder persists request outcomes.
type RequestRecorder interface {
	RecordRequest(RequestRecord) error
}

// Result is what the device reports for one buffer.
type Result struct {
	Status    framebuffer.Status
	Sequence  uint32
	Timestamp uint64
	BytesUsed []uint32
	// Sensor is the exposure and gain applied to the frame, reported with
	// the statistics buffer.
	Sensor ipa.SensorState
}

// Option customises a Camera.
type Option func(*Camera)

// WithMaxInFlight bounds the number of requests queued to the device.
func WithMaxInFlight(n int) Option { return func(c *Camera) { c.maxInFlight = n } }

// WithStatsReader replaces the statistics buffer reader.
func WithStatsReader(r StatsReader) Option { return func(c *Camera) { c.readStats = r } }

// WithRequestCompleted sets the callback run for every completed request.
// It runs on the goroutine that completed the request's last buffer.
func WithRequestCompleted(fn func(*framebuffer.Request)) Option {
	return func(c *Camera) { c.onCompleted = fn }
}

// WithRequestRecorder stores a RequestRecord for each completed request.
func WithRequestRecorder(r RequestRecorder) Option { return func(c *Camera) { c.recorder = r } }

// WithClock replaces the wall clock used for request timestamps.
func WithClock(clk timeutil.Clock) Option { return func(c *Camera) { c.clock = clk } }

type inflight struct {
	req      *framebuffer.Request
	queuedAt time.Time
	owners   map[*framebuffer.FrameBuffer]*framebuffer.Owner
}

// Camera is one capture session.
type Camera struct {
	name        string
	device      Device
	ctrl        *controller.Controller
	maxInFlight int
	sem         *semaphore.Semaphore
	readStats   StatsReader
	onCompleted func(*framebuffer.Request)
	recorder    RequestRecorder
	clock       timeutil.Clock

	mu       sync.Mutex
	running  bool
	requests map[uuid.UUID]*inflight
	byBuffer map[*framebuffer.FrameBuffer]*inflight
}

// NewCamera creates a stopped camera named name.
func NewCamera(name string, dev Device, ctrl *controller.Controller, opts ...Option) *Camera {
	c := &Camera{
		name:        name,
		device:      dev,
		ctrl:        ctrl,
		maxInFlight: 4,
		readStats:   MappedStats,
		clock:       timeutil.RealClock{},
		requests:    make(map[uuid.UUID]*inflight),
		byBuffer:    make(map[*framebuffer.FrameBuffer]*inflight),
	}
	for _, o := range opts {
		o(c)
	}
	c.sem = semaphore.New(c.maxInFlight)
	return c
}

func (c *Camera) Name() string { return c.name }

// Controller returns the camera's 3A controller.
func (c *Camera) Controller() *controller.Controller { return c.ctrl }

// InFlight returns the number of requests queued to the device.
func (c *Camera) InFlight() int { return c.maxInFlight - c.sem.Available() }

// Start configures the controller and begins accepting requests.
func (c *Camera) Start(info ipa.ConfigInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if err := c.ctrl.Configure(info); err != nil {
		return fmt.Errorf("camera %s: %w", c.name, err)
	}
	if err := c.ctrl.Start(); err != nil {
		return fmt.Errorf("camera %s: %w", c.name, err)
	}
	c.running = true
	diagf("camera %s started (max %d in flight)", c.name, c.maxInFlight)
	return nil
}

// Stop cancels every in-flight request and stops the controller. Requests
// complete as cancelled without waiting for the device.
func (c *Camera) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	pending := make([]*framebuffer.Request, 0, len(c.requests))
	for _, f := range c.requests {
		pending = append(pending, f.req)
	}
	c.mu.Unlock()

	for _, r := range pending {
		r.Cancel()
	}
	c.ctrl.Stop()
	diagf("camera %s stopped, %d requests cancelled", c.name, len(pending))
}

// QueueRequest waits for an in-flight slot and submits req to the device.
func (c *Camera) QueueRequest(ctx context.Context, req *framebuffer.Request) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("camera %s: queue request %s: %w", c.name, req.ID(), err)
	}
	return c.submit(req)
}

// TryQueueRequest submits req only if an in-flight slot is free now.
func (c *Camera) TryQueueRequest(req *framebuffer.Request) error {
	if !c.sem.TryAcquire(1) {
		return fmt.Errorf("camera %s: queue request %s: %w", c.name, req.ID(), semaphore.ErrPermitExhausted)
	}
	return c.submit(req)
}

// submit runs with one permit held; the permit is returned when the
// request completes or submission fails.
func (c *Camera) submit(req *framebuffer.Request) error {
	if req.NumBuffers() == 0 {
		c.sem.Release(1)
		return ErrNoBuffers
	}
	if req.Status() != framebuffer.RequestPending {
		c.sem.Release(1)
		return fmt.Errorf("camera %s: request %s: %w", c.name, req.ID(), framebuffer.ErrRequestComplete)
	}

	f := &inflight{req: req, queuedAt: c.clock.Now(), owners: make(map[*framebuffer.FrameBuffer]*framebuffer.Owner)}
	for _, s := range req.Streams() {
		buf := req.Buffer(s)
		o, err := buf.Claim(StageDevice)
		if err != nil {
			for _, o := range f.owners {
				_ = o.Release()
			}
			c.sem.Release(1)
			return fmt.Errorf("camera %s: request %s stream %s: %w", c.name, req.ID(), s, err)
		}
		f.owners[buf] = o
	}

	req.OnComplete(c.requestComplete)

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		for _, o := range f.owners {
			_ = o.Release()
		}
		c.sem.Release(1)
		return ErrStopped
	}
	c.requests[req.ID()] = f
	for buf := range f.owners {
		c.byBuffer[buf] = f
	}
	c.mu.Unlock()

	if err := c.device.Queue(req); err != nil {
		opsf("camera %s: device rejected request %s: %v", c.name, req.ID(), err)
		req.Cancel()
		return fmt.Errorf("camera %s: device queue: %w", c.name, err)
	}
	tracef("camera %s: queued request %s (%d buffers)", c.name, req.ID(), len(f.owners))
	return nil
}

// BufferReady records the device result for buf. Statistics buffers that
// completed successfully are passed to the controller.
func (c *Camera) BufferReady(buf *framebuffer.FrameBuffer, res Result) error {
	c.mu.Lock()
	f, ok := c.byBuffer[buf]
	var owner *framebuffer.Owner
	if ok {
		owner = f.owners[buf]
		delete(c.byBuffer, buf)
	}
	c.mu.Unlock()
	if !ok {
		return ErrUnknownBuffer
	}

	isStats := f.req.Buffer(StatsStream) == buf
	if isStats && res.Status == framebuffer.StatusSuccess {
		ctlOwner, err := owner.Transfer(StageController)
		if err != nil {
			return fmt.Errorf("camera %s: %w", c.name, err)
		}
		c.forwardStats(ctlOwner, res)
		return nil
	}

	err := owner.Complete(res.Status, res.Sequence, res.Timestamp, res.BytesUsed...)
	_ = owner.Release()
	if err != nil && !errors.Is(err, framebuffer.ErrAlreadyTerminal) {
		return fmt.Errorf("camera %s: %w", c.name, err)
	}
	tracef("camera %s: buffer %d %s seq %d", c.name, buf.Cookie(), res.Status, res.Sequence)
	return nil
}

// forwardStats hands a statistics buffer to the controller. The buffer is
// completed, and its request with it, only once the controller releases the
// statistics, so the application never sees a buffer the controller is
// still reading.
func (c *Camera) forwardStats(owner *framebuffer.Owner, res Result) {
	finish := func() {
		err := owner.CompleteAndRelease(res.Status, res.Sequence, res.Timestamp, res.BytesUsed...)
		if err != nil && !errors.Is(err, framebuffer.ErrAlreadyTerminal) {
			opsf("camera %s: complete statistics frame %d: %v", c.name, res.Sequence, err)
		}
	}

	buf := owner.Buffer()
	data, unmap, err := c.readStats(buf)
	if err != nil {
		opsf("camera %s: read statistics frame %d: %v", c.name, res.Sequence, err)
		finish()
		return
	}
	if len(res.BytesUsed) > 0 && int(res.BytesUsed[0]) < len(data) {
		data = data[:res.BytesUsed[0]]
	}
	err = c.ctrl.Queue(controller.Event{
		Sequence: res.Sequence,
		Stats:    data,
		Sensor:   res.Sensor,
		Release: func() {
			if unmap != nil {
				unmap()
			}
			finish()
		},
	})
	if err != nil {
		opsf("camera %s: statistics frame %d not queued: %v", c.name, res.Sequence, err)
	}
}

func (c *Camera) requestComplete(req *framebuffer.Request) {
	c.mu.Lock()
	f, ok := c.requests[req.ID()]
	if !ok {
		// Submission failed after the callback was registered.
		c.mu.Unlock()
		return
	}
	delete(c.requests, req.ID())
	for buf := range f.owners {
		delete(c.byBuffer, buf)
	}
	c.mu.Unlock()

	c.sem.Release(1)
	for buf, o := range f.owners {
		// Only buffers still held by the device stage; statistics owners
		// are released when the controller is done with them.
		if o.Stage() == StageDevice && buf.OwnerStage() == StageDevice {
			_ = o.Release()
		}
	}

	status := req.Status()
	if status != framebuffer.RequestComplete {
		diagf("camera %s: request %s completed %s", c.name, req.ID(), status)
	}
	if c.recorder != nil {
		rec := RequestRecord{
			CameraID:    c.name,
			RequestID:   req.ID(),
			Status:      status,
			Buffers:     req.NumBuffers(),
			QueuedAt:    f.queuedAt,
			CompletedAt: c.clock.Now(),
		}
		if err := c.recorder.RecordRequest(rec); err != nil {
			opsf("camera %s: record request %s: %v", c.name, req.ID(), err)
		}
	}
	if c.onCompleted != nil {
		c.onCompleted(req)
	}
}
