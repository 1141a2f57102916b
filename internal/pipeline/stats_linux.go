//go:build linux

package pipeline

import (
	"fmt"

	"github.com/banshee-data/camctl/internal/framebuffer"
)

// MappedStats maps the first plane of a statistics buffer read-only.
func MappedStats(buf *framebuffer.FrameBuffer) ([]byte, func(), error) {
	m, err := framebuffer.Map(buf, framebuffer.MapRead)
	if err != nil {
		return nil, nil, fmt.Errorf("map statistics buffer: %w", err)
	}
	planes := m.Planes()
	if len(planes) == 0 {
		_ = m.Unmap()
		return nil, nil, fmt.Errorf("statistics buffer %d has no planes", buf.Cookie())
	}
	return planes[0], func() {
		if err := m.Unmap(); err != nil {
			opsf("unmap statistics buffer %d: %v", buf.Cookie(), err)
		}
	}, nil
}
