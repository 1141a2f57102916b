//go:build !linux

package pipeline

import (
	"errors"

	"github.com/banshee-data/camctl/internal/framebuffer"
)

// MappedStats is unavailable without mmap support; use WithStatsReader.
func MappedStats(buf *framebuffer.FrameBuffer) ([]byte, func(), error) {
	return nil, nil, errors.New("pipeline: mapped statistics require linux")
}
