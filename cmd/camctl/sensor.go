package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/banshee-data/camctl/internal/ipa"
	"github.com/banshee-data/camctl/internal/ipa/stats"
	"github.com/banshee-data/camctl/internal/security"
)

// sensor tracks the controls written for each frame. Controls addressed to
// frame N take effect from frame N onward.
type sensor struct {
	mu       sync.Mutex
	pending  []ipa.SensorControls
	current  ipa.SensorControls
	feedback func(seq uint32) (ipa.SensorState, bool)
}

// ApplyControls implements controller.ActionSink.
func (s *sensor) ApplyControls(c ipa.SensorControls) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].Sequence > c.Sequence })
	s.pending = append(s.pending, ipa.SensorControls{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = c
	return nil
}

// controlsFor returns the controls in effect for frame seq.
func (s *sensor) controlsFor(seq uint32) ipa.SensorControls {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(s.pending) && s.pending[n].Sequence <= seq {
		s.current = s.pending[n]
		n++
	}
	s.pending = s.pending[n:]
	return s.current
}

// stateFor prefers values reported by the actuator over the requested ones.
func (s *sensor) stateFor(seq uint32, c ipa.SensorControls) ipa.SensorState {
	if s.feedback != nil {
		if st, ok := s.feedback(seq); ok {
			return st
		}
	}
	return ipa.SensorState{Exposure: c.ExposureLines, Gain: c.AnalogueGain}
}

// frameSource produces the statistics blob for one frame.
type frameSource interface {
	Frame(seq uint32, c ipa.SensorControls, grid ipa.Grid) ([]byte, error)
}

// scene renders a flat grey scene with a lens whose contrast peaks at
// focusPeak. radiance is the pixel value produced per exposure line at
// unity gain.
type scene struct {
	radiance  float64
	focusPeak uint32
}

func (sc scene) Frame(seq uint32, c ipa.SensorControls, grid ipa.Grid) ([]byte, error) {
	gain := c.AnalogueGain
	if gain <= 0 {
		gain = 1
	}
	v := uint8(math.Min(255, math.Max(0, sc.radiance*float64(c.ExposureLines)*gain)))
	snap := stats.Uniform(grid, seq, v, v, v)

	dist := math.Abs(float64(c.FocusStep) - float64(sc.focusPeak))
	contrast := uint16(math.Max(1, 400-dist/2))
	snap.AF = make([]stats.AFItem, 0, 64)
	for i := 0; i < 32; i++ {
		snap.AF = append(snap.AF,
			stats.AFItem{Y1: uint16(v), Y2: 1000 - contrast},
			stats.AFItem{Y1: uint16(v), Y2: 1000 + contrast})
	}
	return stats.Encode(snap)
}

// capture replays statistics blobs from a directory in name order.
type capture struct {
	files []string
}

func openCapture(dir string) (*capture, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.bin"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no *.bin statistics in %s", dir)
	}
	for _, f := range files {
		if err := security.ValidatePathWithinDirectory(f, dir); err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return &capture{files: files}, nil
}

func (c *capture) Len() int { return len(c.files) }

func (c *capture) Frame(seq uint32, _ ipa.SensorControls, _ ipa.Grid) ([]byte, error) {
	if int(seq) >= len(c.files) {
		return nil, fmt.Errorf("frame %d beyond capture of %d", seq, len(c.files))
	}
	return os.ReadFile(c.files[seq])
}
