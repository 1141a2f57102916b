// Package framebuffer tracks capture buffers and the requests that own them.
//
// A FrameBuffer moves between capture stages (device, controller,
// application). Only the stage holding the buffer's Owner token may set its
// terminal status; any party may cancel it.
package framebuffer

import (
	"errors"
	"fmt"
	"sync"
)

// Status is the per-frame completion state of a buffer.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusError
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

var (
	ErrNotOwner        = errors.New("framebuffer: caller does not own buffer")
	ErrOwned           = errors.New("framebuffer: buffer already owned")
	ErrAlreadyTerminal = errors.New("framebuffer: buffer already in terminal status")
	ErrNotTerminal     = errors.New("framebuffer: buffer still pending")
)

// InvalidOffset marks a plane whose offset into its fd is unknown.
const InvalidOffset = ^uint32(0)

// Plane describes one memory plane of a buffer.
type Plane struct {
	FD     int
	Offset uint32
	Length uint32
}

// PlaneMetadata holds per-plane results of a capture.
type PlaneMetadata struct {
	BytesUsed uint32
}

// Metadata is the capture result attached to a buffer.
type Metadata struct {
	Status    Status
	Sequence  uint32
	Timestamp uint64 // nanoseconds, sensor clock
	Planes    []PlaneMetadata
}

// FrameBuffer is a capture buffer made of one or more planes.
type FrameBuffer struct {
	planes []Plane

	mu      sync.Mutex
	cookie  uint64
	md      Metadata
	owner   *Owner
	request *Request
}

// New creates a pending buffer over planes. The cookie is an opaque value
// for the creator, typically an index into its buffer pool.
func New(planes []Plane, cookie uint64) *FrameBuffer {
	p := make([]Plane, len(planes))
	copy(p, planes)
	return &FrameBuffer{
		planes: p,
		cookie: cookie,
		md: Metadata{
			Status: StatusPending,
			Planes: make([]PlaneMetadata, len(planes)),
		},
	}
}

// Planes returns the buffer's planes. The slice must not be modified.
func (b *FrameBuffer) Planes() []Plane { return b.planes }

func (b *FrameBuffer) Cookie() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cookie
}

func (b *FrameBuffer) SetCookie(cookie uint64) {
	b.mu.Lock()
	b.cookie = cookie
	b.mu.Unlock()
}

// Request returns the request the buffer is attached to, or nil.
func (b *FrameBuffer) Request() *Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.request
}

// Metadata returns a copy of the buffer's capture metadata.
func (b *FrameBuffer) Metadata() Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	md := b.md
	md.Planes = append([]PlaneMetadata(nil), b.md.Planes...)
	return md
}

// Status returns the buffer's current status.
func (b *FrameBuffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.md.Status
}

// Claim gives stage ownership of an unowned buffer.
func (b *FrameBuffer) Claim(stage string) (*Owner, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owner != nil {
		return nil, fmt.Errorf("claim by %s (held by %s): %w", stage, b.owner.stage, ErrOwned)
	}
	b.owner = &Owner{buf: b, stage: stage}
	return b.owner, nil
}

// OwnerStage returns the name of the stage currently owning the buffer, or
// the empty string.
func (b *FrameBuffer) OwnerStage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owner == nil {
		return ""
	}
	return b.owner.stage
}

// Cancel forces the buffer to StatusCancelled. It is a no-op on a buffer
// that is already terminal and reports whether the status changed. Any
// party may cancel; ownership is not required.
func (b *FrameBuffer) Cancel() bool {
	b.mu.Lock()
	if b.md.Status.Terminal() {
		b.mu.Unlock()
		return false
	}
	b.md.Status = StatusCancelled
	req := b.request
	b.mu.Unlock()

	if req != nil {
		req.bufferTerminal(b)
	}
	return true
}

// reset returns the buffer to pending for a new capture cycle.
func (b *FrameBuffer) reset() {
	b.mu.Lock()
	b.md = Metadata{Status: StatusPending, Planes: make([]PlaneMetadata, len(b.planes))}
	b.owner = nil
	b.mu.Unlock()
}

func (b *FrameBuffer) attach(r *Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.request != nil && b.request != r {
		return fmt.Errorf("framebuffer: buffer %d already attached to request %s", b.cookie, b.request.ID())
	}
	b.request = r
	return nil
}

// Owner is the capability to update a buffer's status. A token is
// invalidated when ownership is transferred or released.
type Owner struct {
	buf   *FrameBuffer
	stage string
}

// Stage returns the name of the stage the token was issued to.
func (o *Owner) Stage() string { return o.stage }

// Buffer returns the buffer this token refers to.
func (o *Owner) Buffer() *FrameBuffer { return o.buf }

// valid must be called with buf.mu held.
func (o *Owner) valid() bool { return o != nil && o.buf.owner == o }

// Transfer hands the buffer to the next stage and returns its token. The
// receiver becomes stale.
func (o *Owner) Transfer(stage string) (*Owner, error) {
	b := o.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if !o.valid() {
		return nil, fmt.Errorf("transfer %s -> %s: %w", o.stage, stage, ErrNotOwner)
	}
	next := &Owner{buf: b, stage: stage}
	b.owner = next
	return next, nil
}

// Release drops ownership without changing status.
func (o *Owner) Release() error {
	b := o.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if !o.valid() {
		return fmt.Errorf("release by %s: %w", o.stage, ErrNotOwner)
	}
	b.owner = nil
	return nil
}

// Complete records the capture result and sets a terminal status. It fails
// if the token is stale or the buffer has already been completed or
// cancelled. bytesUsed may be shorter than the plane count.
func (o *Owner) Complete(status Status, sequence uint32, timestamp uint64, bytesUsed ...uint32) error {
	return o.complete(false, status, sequence, timestamp, bytesUsed)
}

// CompleteAndRelease completes the buffer and drops ownership in one step,
// so no other stage can claim the buffer between the two. Ownership is
// dropped even when the buffer was already cancelled, in which case
// ErrAlreadyTerminal is returned.
func (o *Owner) CompleteAndRelease(status Status, sequence uint32, timestamp uint64, bytesUsed ...uint32) error {
	return o.complete(true, status, sequence, timestamp, bytesUsed)
}

func (o *Owner) complete(release bool, status Status, sequence uint32, timestamp uint64, bytesUsed []uint32) error {
	if !status.Terminal() {
		return fmt.Errorf("framebuffer: complete with non-terminal status %s", status)
	}
	b := o.buf
	b.mu.Lock()
	if !o.valid() {
		b.mu.Unlock()
		return fmt.Errorf("complete by %s: %w", o.stage, ErrNotOwner)
	}
	if release {
		b.owner = nil
	}
	if b.md.Status.Terminal() {
		cur := b.md.Status
		b.mu.Unlock()
		return fmt.Errorf("complete by %s (status %s): %w", o.stage, cur, ErrAlreadyTerminal)
	}
	b.md.Status = status
	b.md.Sequence = sequence
	b.md.Timestamp = timestamp
	for i := range b.md.Planes {
		if i < len(bytesUsed) {
			b.md.Planes[i].BytesUsed = bytesUsed[i]
		}
	}
	req := b.request
	b.mu.Unlock()

	if req != nil {
		req.bufferTerminal(b)
	}
	return nil
}
