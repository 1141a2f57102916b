// Package semaphore provides the counting semaphore used to bound in-flight
// capture requests.
//
// Waiters are served in FIFO order so a large Acquire is not starved by a
// stream of small ones. Permits released beyond capacity are clamped and
// logged rather than silently inflating the count.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrPermitExhausted is returned by callers of TryAcquire that need an error
// value when not enough permits are available.
var ErrPermitExhausted = errors.New("semaphore: permits exhausted")

// Semaphore is a counting semaphore with a fixed capacity.
type Semaphore struct {
	capacity int64
	w        *semaphore.Weighted

	mu   sync.Mutex
	held int64 // permits currently taken from w
}

// New returns a semaphore with capacity permits, all available.
func New(capacity int) *Semaphore {
	return NewWithAvailable(capacity, capacity)
}

// NewWithAvailable returns a semaphore of the given capacity with only
// available permits initially free. available is clamped to [0, capacity].
func NewWithAvailable(capacity, available int) *Semaphore {
	if capacity < 0 {
		capacity = 0
	}
	if available < 0 {
		available = 0
	}
	if available > capacity {
		available = capacity
	}
	s := &Semaphore{
		capacity: int64(capacity),
		w:        semaphore.NewWeighted(int64(capacity)),
	}
	if taken := int64(capacity - available); taken > 0 {
		s.w.TryAcquire(taken)
		s.held = taken
	}
	return s
}

// Capacity returns the maximum number of permits.
func (s *Semaphore) Capacity() int { return int(s.capacity) }

// Available returns a snapshot of the number of free permits.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.capacity - s.held)
}

// Acquire blocks until n permits are available or ctx is done.
// On success the permits are removed atomically.
func (s *Semaphore) Acquire(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("semaphore: negative acquire %d", n)
	}
	if int64(n) > s.capacity {
		// Would never succeed; fail fast instead of waiting for ctx.
		return fmt.Errorf("semaphore: acquire %d exceeds capacity %d: %w", n, s.capacity, ErrPermitExhausted)
	}
	if err := s.w.Acquire(ctx, int64(n)); err != nil {
		return err
	}
	s.mu.Lock()
	s.held += int64(n)
	s.mu.Unlock()
	return nil
}

// TryAcquire takes n permits if they are available right now.
// It is all-or-nothing: on failure the count is unchanged.
func (s *Semaphore) TryAcquire(n int) bool {
	if n < 0 || int64(n) > s.capacity {
		return false
	}
	if !s.w.TryAcquire(int64(n)) {
		return false
	}
	s.mu.Lock()
	s.held += int64(n)
	s.mu.Unlock()
	return true
}

// Release returns n permits and wakes eligible waiters. Releasing more than
// are held is a caller bug; the excess is dropped and logged so Available
// never exceeds Capacity.
func (s *Semaphore) Release(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	give := int64(n)
	if give > s.held {
		opsf("release of %d permits with only %d held (capacity %d); clamping", n, s.held, s.capacity)
		give = s.held
	}
	s.held -= give
	s.mu.Unlock()
	if give > 0 {
		s.w.Release(give)
	}
}
