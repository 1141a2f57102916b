// Package stats decodes 3A statistics buffers produced by the ISP.
package stats

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/banshee-data/camctl/internal/ipa"
)

/*
Statistics buffer layout (little-endian, fixed offsets):

├── AWB raw buffer   offset 0,      10800 bytes = 60 sets × (160 + 20) bytes
│   └── cell i at byte i*8: Gr_avg, R_avg, B_avg, Gb_avg, sat_ratio, pad[3]
│       where i = cellY*stride + cellX
├── (pad to 32 bytes)                   16 bytes
├── AE raw buffer    offset 10816,  2 × 4096 bytes (histogram, not decoded)
└── AF raw buffer    offset 19008,  9984 bytes = 24 × (128 + 80) × 2
    └── y-table item i at byte 19008 + i*4: y1_avg u16, y2_avg u16

Only the AWB cells covered by the configured grid and the AF y-table are
decoded. The ISP writes the AF table front to back; the first item with a
zero y2_avg terminates it.
*/

const (
	AWBOffset = 0
	AWBSize   = ipa.AWBBufferSize
	CellSize  = ipa.AWBCellSize

	AEOffset = 10816
	AESize   = 2 * 4096

	AFOffset     = AEOffset + AESize
	AFSize       = 24 * (128 + 80) * 2
	AFItemSize   = 4
	AFTableItems = AFSize / AFItemSize

	// BufferSize is the minimum length of a statistics buffer.
	BufferSize = AFOffset + AFSize
)

// ErrDegenerateStatistics marks a snapshot with no usable data. Algorithms
// have defined fallbacks for it; it is never fatal.
var ErrDegenerateStatistics = errors.New("stats: degenerate statistics")

var ErrShortBuffer = errors.New("stats: buffer too short")

// Cell is one AWB grid cell.
type Cell struct {
	Gr       uint8
	R        uint8
	B        uint8
	Gb       uint8
	SatRatio uint8
}

// Green returns the mean of the two green averages.
func (c Cell) Green() uint8 {
	return uint8((uint16(c.Gr) + uint16(c.Gb)) / 2)
}

// AFItem is one entry of the AF y-table.
type AFItem struct {
	Y1 uint16
	Y2 uint16
}

// Snapshot is the decoded, read-only statistics of one frame. It must not
// be retained past the processing call it was passed to.
type Snapshot struct {
	Sequence uint32
	Grid     ipa.Grid
	// Cells is row-major, Grid.Width*Grid.Height long.
	Cells []Cell
	// AF holds the y-table up to, not including, the first zero y2 entry.
	AF []AFItem
}

// Cell returns the cell at (x, y).
func (s *Snapshot) Cell(x, y uint32) Cell {
	return s.Cells[y*s.Grid.Width+x]
}

// Decode parses a statistics buffer for the given grid.
func Decode(data []byte, grid ipa.Grid, sequence uint32) (*Snapshot, error) {
	if len(data) < BufferSize {
		return nil, fmt.Errorf("decode frame %d: need %d bytes, have %d: %w", sequence, BufferSize, len(data), ErrShortBuffer)
	}
	if grid.Width == 0 || grid.Height == 0 || grid.Stride < grid.Width {
		return nil, fmt.Errorf("decode frame %d: grid %dx%d stride %d: %w", sequence, grid.Width, grid.Height, grid.Stride, ipa.ErrInvalidConfig)
	}
	last := (grid.Height-1)*grid.Stride + grid.Width
	if int(last)*CellSize > AWBSize {
		return nil, fmt.Errorf("decode frame %d: grid needs %d cells, buffer holds %d: %w", sequence, last, AWBSize/CellSize, ipa.ErrInvalidConfig)
	}

	s := &Snapshot{
		Sequence: sequence,
		Grid:     grid,
		Cells:    make([]Cell, 0, grid.Width*grid.Height),
	}
	for y := uint32(0); y < grid.Height; y++ {
		for x := uint32(0); x < grid.Width; x++ {
			off := AWBOffset + int(y*grid.Stride+x)*CellSize
			c := data[off : off+CellSize]
			s.Cells = append(s.Cells, Cell{Gr: c[0], R: c[1], B: c[2], Gb: c[3], SatRatio: c[4]})
		}
	}

	for i := 0; i < AFTableItems; i++ {
		off := AFOffset + i*AFItemSize
		item := AFItem{
			Y1: binary.LittleEndian.Uint16(data[off : off+2]),
			Y2: binary.LittleEndian.Uint16(data[off+2 : off+4]),
		}
		if item.Y2 == 0 {
			break
		}
		s.AF = append(s.AF, item)
	}
	return s, nil
}

// Encode writes s into a statistics buffer using the layout Decode reads.
// It is used by replay tooling and tests to synthesise frames.
func Encode(s *Snapshot) ([]byte, error) {
	g := s.Grid
	if len(s.Cells) != g.Cells() {
		return nil, fmt.Errorf("encode: %d cells for %dx%d grid", len(s.Cells), g.Width, g.Height)
	}
	if len(s.AF) > AFTableItems {
		return nil, fmt.Errorf("encode: %d AF items, max %d", len(s.AF), AFTableItems)
	}
	if g.Height > 0 && int((g.Height-1)*g.Stride+g.Width)*CellSize > AWBSize {
		return nil, fmt.Errorf("encode: grid %dx%d stride %d: %w", g.Width, g.Height, g.Stride, ipa.ErrInvalidConfig)
	}
	buf := make([]byte, BufferSize)
	for y := uint32(0); y < g.Height; y++ {
		for x := uint32(0); x < g.Width; x++ {
			c := s.Cells[y*g.Width+x]
			off := AWBOffset + int(y*g.Stride+x)*CellSize
			buf[off], buf[off+1], buf[off+2], buf[off+3], buf[off+4] = c.Gr, c.R, c.B, c.Gb, c.SatRatio
		}
	}
	for i, item := range s.AF {
		off := AFOffset + i*AFItemSize
		binary.LittleEndian.PutUint16(buf[off:], item.Y1)
		binary.LittleEndian.PutUint16(buf[off+2:], item.Y2)
	}
	return buf, nil
}

// Uniform returns a snapshot whose cells all hold the same channel values.
func Uniform(grid ipa.Grid, sequence uint32, r, g, b uint8) *Snapshot {
	s := &Snapshot{Sequence: sequence, Grid: grid, Cells: make([]Cell, grid.Cells())}
	for i := range s.Cells {
		s.Cells[i] = Cell{Gr: g, R: r, B: b, Gb: g}
	}
	return s
}
