package ipa

import (
	"errors"
	"fmt"
)

// ErrStaleContext is returned for a sequence whose ring slot has been
// reused by a newer frame.
var ErrStaleContext = errors.New("ipa: stale frame context")

// DefaultFrameContexts is the default ring size.
const DefaultFrameContexts = 16

// RGB holds per-channel white balance gains.
type RGB struct {
	Red   float64
	Green float64
	Blue  float64
}

// AGCState holds the exposure decision for a frame.
type AGCState struct {
	Exposure uint32 // lines
	Gain     float64
}

// AFState holds the focus decision and search progress for a frame.
type AFState struct {
	Focus       uint32
	MaxVariance float64
	Stable      bool
}

// AWBState holds the white balance gains applied to a frame.
type AWBState struct {
	Gains RGB
}

// SensorState is what the sensor actually applied to a frame.
type SensorState struct {
	Exposure uint32 // lines
	Gain     float64
}

// FrameContext is the control state of one frame.
type FrameContext struct {
	Sequence uint32
	AGC      AGCState
	AF       AFState
	AWB      AWBState
	Sensor   SensorState
}

func neutralAWB() AWBState {
	return AWBState{Gains: RGB{Red: 1, Green: 1, Blue: 1}}
}

// FrameContextStore is a fixed ring of frame contexts indexed by sequence.
// It is not safe for concurrent use; the controller goroutine is its only
// writer.
type FrameContextStore struct {
	slots   []FrameContext
	used    []bool
	highest uint32
	started bool
}

// NewFrameContextStore returns a ring of size slots. size <= 0 selects
// DefaultFrameContexts.
func NewFrameContextStore(size int) *FrameContextStore {
	if size <= 0 {
		size = DefaultFrameContexts
	}
	return &FrameContextStore{
		slots: make([]FrameContext, size),
		used:  make([]bool, size),
	}
}

// Size returns the number of slots.
func (s *FrameContextStore) Size() int { return len(s.slots) }

// Highest returns the newest sequence handed out and whether any has been.
func (s *FrameContextStore) Highest() (uint32, bool) { return s.highest, s.started }

// Seed initialises the context for seq from fc, replacing whatever the slot
// held. It is used to install the configured defaults for the first frame.
func (s *FrameContextStore) Seed(seq uint32, fc FrameContext) *FrameContext {
	i := s.index(seq)
	fc.Sequence = seq
	s.slots[i] = fc
	s.used[i] = true
	if !s.started || seq > s.highest {
		s.highest = seq
		s.started = true
	}
	return &s.slots[i]
}

// Get returns the context for seq. A sequence without a live slot is
// allocated lazily, inheriting the decisions of the newest context. A
// sequence that has fallen out of the ring returns ErrStaleContext.
func (s *FrameContextStore) Get(seq uint32) (*FrameContext, error) {
	if !s.started {
		return s.Seed(seq, FrameContext{AWB: neutralAWB()}), nil
	}
	if seq <= s.highest {
		if s.highest-seq >= uint32(len(s.slots)) {
			return nil, fmt.Errorf("sequence %d (newest %d, depth %d): %w", seq, s.highest, len(s.slots), ErrStaleContext)
		}
		if i := s.index(seq); s.used[i] && s.slots[i].Sequence == seq {
			return &s.slots[i], nil
		}
	}
	prev := s.slots[s.index(s.highest)]
	return s.Seed(seq, FrameContext{
		AGC:    prev.AGC,
		AF:     prev.AF,
		AWB:    neutralAWB(),
		Sensor: prev.Sensor,
	}), nil
}

// Reset discards every context.
func (s *FrameContextStore) Reset() {
	for i := range s.slots {
		s.slots[i] = FrameContext{}
		s.used[i] = false
	}
	s.highest = 0
	s.started = false
}

func (s *FrameContextStore) index(seq uint32) int {
	return int(seq % uint32(len(s.slots)))
}
