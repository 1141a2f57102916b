package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/camctl/internal/framebuffer"
	"github.com/banshee-data/camctl/internal/ipa/stats"
	"github.com/banshee-data/camctl/internal/pipeline"
	"github.com/banshee-data/camctl/internal/timeutil"
)

var errDeviceBusy = errors.New("device queue full")

// device completes one queued request per frame interval, filling its
// statistics buffer from a frameSource.
type device struct {
	cam    *pipeline.Camera
	sensor *sensor
	source frameSource
	clock  timeutil.Clock

	queue chan *framebuffer.Request

	mu    sync.Mutex
	blobs map[uint64][]byte

	underruns int
}

func newDevice(s *sensor, src frameSource, clk timeutil.Clock, depth int) *device {
	return &device{
		sensor: s,
		source: src,
		clock:  clk,
		queue:  make(chan *framebuffer.Request, depth),
		blobs:  make(map[uint64][]byte),
	}
}

// Queue implements pipeline.Device.
func (d *device) Queue(req *framebuffer.Request) error {
	select {
	case d.queue <- req:
		return nil
	default:
		return errDeviceBusy
	}
}

// readStats implements pipeline.StatsReader for buffers this device filled.
func (d *device) readStats(buf *framebuffer.FrameBuffer) ([]byte, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.blobs[buf.Cookie()]
	if !ok {
		return nil, nil, fmt.Errorf("no statistics for buffer %d", buf.Cookie())
	}
	return data, func() {
		d.mu.Lock()
		delete(d.blobs, buf.Cookie())
		d.mu.Unlock()
	}, nil
}

// run produces frames until ctx is done or frames have been produced. A
// frames value of zero runs until cancelled.
func (d *device) run(ctx context.Context, interval time.Duration, frames int) error {
	tk := d.clock.NewTicker(interval)
	defer tk.Stop()

	var seq uint32
	for frames == 0 || int(seq) < frames {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C():
		}

		var req *framebuffer.Request
		select {
		case req = <-d.queue:
		default:
			// The sensor keeps streaming; the frame is lost.
			d.underruns++
			seq++
			continue
		}
		if err := d.complete(req, seq); err != nil {
			log.Printf("frame %d: %v", seq, err)
		}
		seq++
	}
	return nil
}

func (d *device) complete(req *framebuffer.Request, seq uint32) error {
	ts := uint64(d.clock.Now().UnixNano())
	controls := d.sensor.controlsFor(seq)
	grid := d.cam.Controller().Configuration().Grid

	statsBuf := req.Buffer(pipeline.StatsStream)
	data, err := d.source.Frame(seq, controls, grid)
	statsResult := pipeline.Result{
		Status:    framebuffer.StatusSuccess,
		Sequence:  seq,
		Timestamp: ts,
		Sensor:    d.sensor.stateFor(seq, controls),
	}
	if err != nil {
		statsResult.Status = framebuffer.StatusError
	} else {
		d.mu.Lock()
		d.blobs[statsBuf.Cookie()] = data
		d.mu.Unlock()
		statsResult.BytesUsed = []uint32{uint32(len(data))}
	}

	for _, s := range req.Streams() {
		if s == pipeline.StatsStream {
			continue
		}
		if err := d.cam.BufferReady(req.Buffer(s), pipeline.Result{Status: framebuffer.StatusSuccess, Sequence: seq, Timestamp: ts}); err != nil {
			return err
		}
	}
	if statsBuf != nil {
		if err := d.cam.BufferReady(statsBuf, statsResult); err != nil {
			return err
		}
	}
	return err
}

// newRequests allocates n requests each carrying a video and a statistics
// buffer.
func newRequests(n int) ([]*framebuffer.Request, error) {
	reqs := make([]*framebuffer.Request, n)
	for i := range reqs {
		cookie := uint64(i)
		req := framebuffer.NewRequest(cookie)
		video := framebuffer.New([]framebuffer.Plane{{FD: -1, Length: 1280 * 720 * 2}}, cookie<<1)
		statsBuf := framebuffer.New([]framebuffer.Plane{{FD: -1, Length: stats.BufferSize}}, cookie<<1|1)
		if err := req.AddBuffer("video", video); err != nil {
			return nil, err
		}
		if err := req.AddBuffer(pipeline.StatsStream, statsBuf); err != nil {
			return nil, err
		}
		reqs[i] = req
	}
	return reqs, nil
}

