package ipa

import (
	"errors"
	"fmt"
	"time"
)

// Size is a width and height in pixels.
type Size struct {
	Width  uint32
	Height uint32
}

// Point is a pixel position.
type Point struct {
	X uint32
	Y uint32
}

// Grid describes the AWB statistics grid laid over the BDS output. Cells
// are 2^BlockWidthLog2 x 2^BlockHeightLog2 pixels; Stride is the number of
// cells per row in the statistics buffer.
type Grid struct {
	Width           uint32
	Height          uint32
	Stride          uint32
	BlockWidthLog2  uint8
	BlockHeightLog2 uint8
}

// Cells returns the number of cells used by the grid.
func (g Grid) Cells() int { return int(g.Width * g.Height) }

// SensorInfo is the sensor timing reported by the device collaborator.
type SensorInfo struct {
	LineLength uint32 // pixels per line including blanking
	PixelRate  uint64 // pixels per second
}

// LineDuration returns the time to read out one line.
func (s SensorInfo) LineDuration() time.Duration {
	if s.PixelRate == 0 {
		return 0
	}
	return time.Duration(float64(s.LineLength) * float64(time.Second) / float64(s.PixelRate))
}

// ConfigInfo is the per-session input to Configure.
type ConfigInfo struct {
	Sensor    SensorInfo
	BDSOutput Size

	MinShutter time.Duration
	MaxShutter time.Duration
	MinGain    float64
	MaxGain    float64
}

// SessionConfiguration is fixed for the lifetime of a configured session.
type SessionConfiguration struct {
	Grid         Grid
	AFOrigin     Point
	LineDuration time.Duration

	MinShutter time.Duration
	MaxShutter time.Duration
	MinGain    float64
	MaxGain    float64
}

var ErrInvalidConfig = errors.New("ipa: invalid configuration")

const (
	minBlockLog2 = 3
	maxBlockLog2 = 7

	// MaxGridCells bounds the AWB cells that fit in one statistics buffer.
	MaxGridCells = AWBBufferSize / AWBCellSize
	maxGridWidth = 160

	afGridHalf = 64
)

// AWB statistics buffer geometry.
const (
	AWBBufferSize = 60 * (160 + 20)
	AWBCellSize   = 8
)

// NewSessionConfiguration derives the session configuration from info.
func NewSessionConfiguration(info ConfigInfo) (SessionConfiguration, error) {
	if info.Sensor.LineLength == 0 || info.Sensor.PixelRate == 0 {
		return SessionConfiguration{}, fmt.Errorf("sensor timing %+v: %w", info.Sensor, ErrInvalidConfig)
	}
	if info.MinShutter <= 0 || info.MaxShutter < info.MinShutter {
		return SessionConfiguration{}, fmt.Errorf("shutter range [%v, %v]: %w", info.MinShutter, info.MaxShutter, ErrInvalidConfig)
	}
	if info.MinGain <= 0 || info.MaxGain < info.MinGain {
		return SessionConfiguration{}, fmt.Errorf("gain range [%v, %v]: %w", info.MinGain, info.MaxGain, ErrInvalidConfig)
	}
	grid, err := GridForOutput(info.BDSOutput)
	if err != nil {
		return SessionConfiguration{}, err
	}
	return SessionConfiguration{
		Grid:         grid,
		AFOrigin:     afOrigin(info.BDSOutput),
		LineDuration: info.Sensor.LineDuration(),
		MinShutter:   info.MinShutter,
		MaxShutter:   info.MaxShutter,
		MinGain:      info.MinGain,
		MaxGain:      info.MaxGain,
	}, nil
}

// GridForOutput picks the smallest square cell size whose grid over out fits
// in one AWB statistics buffer.
func GridForOutput(out Size) (Grid, error) {
	if out.Width == 0 || out.Height == 0 {
		return Grid{}, fmt.Errorf("bds output %dx%d: %w", out.Width, out.Height, ErrInvalidConfig)
	}
	for shift := uint8(minBlockLog2); shift <= maxBlockLog2; shift++ {
		w := (out.Width + (1 << shift) - 1) >> shift
		h := (out.Height + (1 << shift) - 1) >> shift
		stride := (w + 3) &^ 3
		if w > maxGridWidth || int(stride*h) > MaxGridCells {
			continue
		}
		return Grid{
			Width:           w,
			Height:          h,
			Stride:          stride,
			BlockWidthLog2:  shift,
			BlockHeightLog2: shift,
		}, nil
	}
	return Grid{}, fmt.Errorf("bds output %dx%d too large for statistics grid: %w", out.Width, out.Height, ErrInvalidConfig)
}

// afOrigin centres the AF window on the BDS output.
func afOrigin(out Size) Point {
	var p Point
	if out.Width > 2*afGridHalf {
		p.X = out.Width/2 - afGridHalf
	}
	if out.Height > 2*afGridHalf {
		p.Y = out.Height/2 - afGridHalf
	}
	return p
}
