// Package monitor keeps a rolling trace of controller decisions and renders
// it as PNG plots or an HTML chart.
package monitor

import (
	"sync"

	"github.com/banshee-data/camctl/internal/ipa/controller"
)

// DefaultTraceFrames is the number of frames a Trace keeps.
const DefaultTraceFrames = 2000

// Trace is a controller.Recorder that keeps the most recent frames in
// memory and forwards every record to an optional next recorder.
type Trace struct {
	mu     sync.Mutex
	frames []controller.FrameRecord
	start  int
	count  int
	next   controller.Recorder
}

// NewTrace keeps up to size frames. next may be nil.
func NewTrace(size int, next controller.Recorder) *Trace {
	if size <= 0 {
		size = DefaultTraceFrames
	}
	return &Trace{frames: make([]controller.FrameRecord, size), next: next}
}

// RecordFrame implements controller.Recorder.
func (t *Trace) RecordFrame(r controller.FrameRecord) error {
	t.mu.Lock()
	idx := (t.start + t.count) % len(t.frames)
	t.frames[idx] = r
	if t.count < len(t.frames) {
		t.count++
	} else {
		t.start = (t.start + 1) % len(t.frames)
	}
	t.mu.Unlock()

	if t.next != nil {
		return t.next.RecordFrame(r)
	}
	return nil
}

// Frames returns up to limit of the most recent frames, oldest first. A
// limit of zero or less returns everything held.
func (t *Trace) Frames(limit int) []controller.FrameRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]controller.FrameRecord, n)
	first := t.start + t.count - n
	for i := 0; i < n; i++ {
		out[i] = t.frames[(first+i)%len(t.frames)]
	}
	return out
}

// Len returns the number of frames held.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
