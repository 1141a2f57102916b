package framebuffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// CompletionStatus is the aggregate outcome of a request.
type CompletionStatus int

const (
	RequestPending CompletionStatus = iota
	// RequestComplete means every buffer succeeded.
	RequestComplete
	// RequestPartialFailure means at least one buffer failed or the
	// buffers finished with mixed statuses.
	RequestPartialFailure
	// RequestCancelled means the request was cancelled or every buffer
	// was cancelled.
	RequestCancelled
)

func (s CompletionStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestComplete:
		return "complete"
	case RequestPartialFailure:
		return "partial-failure"
	case RequestCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("completion(%d)", int(s))
	}
}

// StreamID names the stream a buffer belongs to within a request.
type StreamID string

// ControlID names a per-request control.
type ControlID string

const (
	ControlExposureLines ControlID = "exposure_lines"
	ControlAnalogueGain  ControlID = "analogue_gain"
	ControlFocusStep     ControlID = "focus_step"
)

// ControlList is the set of control values a request was queued with.
type ControlList map[ControlID]float64

var (
	ErrRequestNotComplete = errors.New("framebuffer: request not complete")
	ErrRequestComplete    = errors.New("framebuffer: request already complete")
)

// Request groups the buffers of one capture across streams together with
// the controls that produced them.
type Request struct {
	id     uuid.UUID
	cookie uint64

	mu         sync.Mutex
	buffers    map[StreamID]*FrameBuffer
	pending    map[*FrameBuffer]struct{}
	controls   ControlList
	status     CompletionStatus
	cancelled  bool
	done       chan struct{}
	onComplete func(*Request)
}

// NewRequest returns an empty pending request.
func NewRequest(cookie uint64) *Request {
	return &Request{
		id:       uuid.New(),
		cookie:   cookie,
		buffers:  make(map[StreamID]*FrameBuffer),
		pending:  make(map[*FrameBuffer]struct{}),
		controls: make(ControlList),
		done:     make(chan struct{}),
	}
}

func (r *Request) ID() uuid.UUID  { return r.id }
func (r *Request) Cookie() uint64 { return r.cookie }

// AddBuffer attaches buf to the request for stream. A buffer can belong to
// one request at a time.
func (r *Request) AddBuffer(stream StreamID, buf *FrameBuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != RequestPending {
		return fmt.Errorf("add buffer to %s: %w", r.id, ErrRequestComplete)
	}
	if _, ok := r.buffers[stream]; ok {
		return fmt.Errorf("framebuffer: request %s already has a buffer for stream %q", r.id, stream)
	}
	if st := buf.Status(); st.Terminal() {
		return fmt.Errorf("add %s buffer %d to %s: %w", st, buf.Cookie(), r.id, ErrAlreadyTerminal)
	}
	if err := buf.attach(r); err != nil {
		return err
	}
	r.buffers[stream] = buf
	r.pending[buf] = struct{}{}
	return nil
}

// Buffer returns the buffer for stream, or nil.
func (r *Request) Buffer(stream StreamID) *FrameBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffers[stream]
}

// Streams returns the request's streams in sorted order.
func (r *Request) Streams() []StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StreamID, 0, len(r.buffers))
	for s := range r.buffers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NumBuffers returns the number of attached buffers.
func (r *Request) NumBuffers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// SetControl records a control value for the request.
func (r *Request) SetControl(id ControlID, v float64) {
	r.mu.Lock()
	r.controls[id] = v
	r.mu.Unlock()
}

// Controls returns a copy of the request's controls.
func (r *Request) Controls() ControlList {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(ControlList, len(r.controls))
	for k, v := range r.controls {
		out[k] = v
	}
	return out
}

// OnComplete registers fn to be called exactly once when the request
// completes. It runs on the goroutine that completed the last buffer.
func (r *Request) OnComplete(fn func(*Request)) {
	r.mu.Lock()
	r.onComplete = fn
	r.mu.Unlock()
}

// Status returns the aggregate status, RequestPending until every buffer is
// terminal.
func (r *Request) Status() CompletionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// HasPendingBuffers reports whether any buffer is still pending.
func (r *Request) HasPendingBuffers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

// Done is closed when the request completes.
func (r *Request) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) (CompletionStatus, error) {
	select {
	case <-r.Done():
		return r.Status(), nil
	case <-ctx.Done():
		return RequestPending, ctx.Err()
	}
}

// Cancel forces every pending buffer to StatusCancelled without waiting for
// the device. The request completes as RequestCancelled. Cancelling a
// completed request does nothing.
func (r *Request) Cancel() {
	r.mu.Lock()
	if r.status != RequestPending {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	bufs := make([]*FrameBuffer, 0, len(r.pending))
	for b := range r.pending {
		bufs = append(bufs, b)
	}
	empty := len(r.pending) == 0
	r.mu.Unlock()

	for _, b := range bufs {
		b.Cancel()
	}
	if empty {
		r.finish()
	}
}

// Reuse returns a completed request and its buffers to pending so it can be
// queued again. Controls are cleared. It fails while any buffer is still
// owned by a pipeline stage.
func (r *Request) Reuse() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == RequestPending {
		return fmt.Errorf("reuse %s: %w", r.id, ErrRequestNotComplete)
	}
	for s, b := range r.buffers {
		if stage := b.OwnerStage(); stage != "" {
			return fmt.Errorf("reuse %s: stream %s held by %s: %w", r.id, s, stage, ErrOwned)
		}
	}

	r.pending = make(map[*FrameBuffer]struct{}, len(r.buffers))
	for _, b := range r.buffers {
		b.reset()
		r.pending[b] = struct{}{}
	}
	r.status = RequestPending
	r.cancelled = false
	r.controls = make(ControlList)
	r.done = make(chan struct{})
	return nil
}

// bufferTerminal is called by a buffer after it reaches a terminal status.
func (r *Request) bufferTerminal(b *FrameBuffer) {
	r.mu.Lock()
	if r.status != RequestPending {
		r.mu.Unlock()
		return
	}
	if _, ok := r.pending[b]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, b)
	last := len(r.pending) == 0
	r.mu.Unlock()

	if last {
		r.finish()
	}
}

func (r *Request) finish() {
	r.mu.Lock()
	if r.status != RequestPending {
		r.mu.Unlock()
		return
	}
	r.status = r.aggregateLocked()
	close(r.done)
	fn := r.onComplete
	r.mu.Unlock()

	if fn != nil {
		fn(r)
	}
}

func (r *Request) aggregateLocked() CompletionStatus {
	if r.cancelled {
		return RequestCancelled
	}
	var success, failed, cancelled int
	for _, b := range r.buffers {
		switch b.Status() {
		case StatusSuccess:
			success++
		case StatusError:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}
	switch {
	case len(r.buffers) == 0:
		return RequestCancelled
	case success == len(r.buffers):
		return RequestComplete
	case cancelled == len(r.buffers):
		return RequestCancelled
	default:
		return RequestPartialFailure
	}
}
