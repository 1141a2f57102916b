package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/camctl/internal/config"
	"github.com/banshee-data/camctl/internal/ipa"
	"github.com/banshee-data/camctl/internal/ipa/stats"
)

var testGrid = ipa.Grid{Width: 40, Height: 23, Stride: 40, BlockWidthLog2: 5, BlockHeightLog2: 5}

func TestSensor_ControlsTakeEffectAtSequence(t *testing.T) {
	s := &sensor{}
	require.NoError(t, s.ApplyControls(ipa.SensorControls{Sequence: 0, ExposureLines: 4, AnalogueGain: 1}))
	require.NoError(t, s.ApplyControls(ipa.SensorControls{Sequence: 5, ExposureLines: 500, AnalogueGain: 2}))
	require.NoError(t, s.ApplyControls(ipa.SensorControls{Sequence: 3, ExposureLines: 300, AnalogueGain: 1.5}))

	assert.Equal(t, uint32(4), s.controlsFor(0).ExposureLines)
	assert.Equal(t, uint32(4), s.controlsFor(2).ExposureLines)
	assert.Equal(t, uint32(300), s.controlsFor(3).ExposureLines)
	assert.Equal(t, uint32(300), s.controlsFor(4).ExposureLines)
	c := s.controlsFor(9)
	assert.Equal(t, uint32(500), c.ExposureLines)
	assert.Equal(t, ipa.SensorState{Exposure: 500, Gain: 2}, s.stateFor(9, c))

	s.feedback = func(seq uint32) (ipa.SensorState, bool) {
		return ipa.SensorState{Exposure: 480, Gain: 2}, seq == 9
	}
	assert.Equal(t, ipa.SensorState{Exposure: 480, Gain: 2}, s.stateFor(9, c))
	assert.Equal(t, ipa.SensorState{Exposure: 500, Gain: 2}, s.stateFor(10, c))
}

func TestScene_BrightnessAndFocus(t *testing.T) {
	sc := scene{radiance: 0.1, focusPeak: 200}

	blob, err := sc.Frame(1, ipa.SensorControls{ExposureLines: 1000, AnalogueGain: 1, FocusStep: 200}, testGrid)
	require.NoError(t, err)
	snap, err := stats.Decode(blob, testGrid, 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(100), snap.Cell(0, 0).Green())
	require.Len(t, snap.AF, 64)
	assert.Equal(t, uint16(600), snap.AF[0].Y2)

	blob, err = sc.Frame(2, ipa.SensorControls{ExposureLines: 100000, AnalogueGain: 8, FocusStep: 0}, testGrid)
	require.NoError(t, err)
	snap, err = stats.Decode(blob, testGrid, 2)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), snap.Cell(3, 3).Green(), "saturates")
	assert.Equal(t, uint16(700), snap.AF[0].Y2)
}

func TestCapture(t *testing.T) {
	dir := t.TempDir()
	_, err := openCapture(dir)
	assert.Error(t, err)

	for _, name := range []string{"0002.bin", "0001.bin", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	c, err := openCapture(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	data, err := c.Frame(0, ipa.SensorControls{}, testGrid)
	require.NoError(t, err)
	assert.Equal(t, "0001.bin", string(data))
	_, err = c.Frame(2, ipa.SensorControls{}, testGrid)
	assert.Error(t, err)

	outside := filepath.Join(t.TempDir(), "0003.bin")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "0003.bin")))
	_, err = openCapture(dir)
	assert.Error(t, err, "symlink out of the capture directory")
}

type errSink struct{ calls int }

func (e *errSink) ApplyControls(ipa.SensorControls) error {
	e.calls++
	return errors.New("offline")
}

func TestFanout(t *testing.T) {
	bad := &errSink{}
	good := &sensor{}
	err := fanout{bad, good}.ApplyControls(ipa.SensorControls{Sequence: 2, ExposureLines: 9})
	assert.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, uint32(9), good.controlsFor(2).ExposureLines)
}

func TestRun_SimulatedSensorConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the full loop in real time")
	}
	*devMode = true
	*statsDir = ""
	*listen = ""
	*serialPort = ""
	*dbFile = filepath.Join(t.TempDir(), "camctl.db")
	*plotDir = filepath.Join(t.TempDir(), "plots")
	*frames = 120
	*fps = 500

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, config.DefaultTuningConfig()))

	for _, name := range []string{"exposure.png", "focus.png"} {
		_, err := os.Stat(filepath.Join(*plotDir, name))
		assert.NoError(t, err, name)
	}
}
