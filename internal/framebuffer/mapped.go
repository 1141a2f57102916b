//go:build linux

package framebuffer

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapFlag selects the protection of a mapping.
type MapFlag int

const (
	MapRead MapFlag = 1 << iota
	MapWrite
)

// MappedFrameBuffer is a CPU mapping of every plane of a buffer.
type MappedFrameBuffer struct {
	planes [][]byte
	maps   [][]byte
}

// Map maps each plane of buf into memory. Planes with InvalidOffset are
// mapped from offset zero. Unmap must be called to release the mappings.
func Map(buf *FrameBuffer, flags MapFlag) (*MappedFrameBuffer, error) {
	prot := 0
	if flags&MapRead != 0 {
		prot |= unix.PROT_READ
	}
	if flags&MapWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if prot == 0 {
		return nil, errors.New("framebuffer: map requires read or write access")
	}

	page := uint32(os.Getpagesize())
	m := &MappedFrameBuffer{}
	for i, p := range buf.Planes() {
		offset := p.Offset
		if offset == InvalidOffset {
			offset = 0
		}
		aligned := offset - offset%page
		skip := offset - aligned
		data, err := unix.Mmap(p.FD, int64(aligned), int(p.Length+skip), prot, unix.MAP_SHARED)
		if err != nil {
			m.Unmap()
			return nil, fmt.Errorf("framebuffer: mmap plane %d (fd %d): %w", i, p.FD, err)
		}
		m.maps = append(m.maps, data)
		m.planes = append(m.planes, data[skip:skip+p.Length])
	}
	return m, nil
}

// Planes returns the mapped bytes of each plane.
func (m *MappedFrameBuffer) Planes() [][]byte { return m.planes }

// Unmap releases every mapping. It returns the first error encountered.
func (m *MappedFrameBuffer) Unmap() error {
	var first error
	for _, d := range m.maps {
		if err := unix.Munmap(d); err != nil && first == nil {
			first = err
		}
	}
	m.maps = nil
	m.planes = nil
	return first
}
