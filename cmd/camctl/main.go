// Command camctl runs the 3A control loop against a simulated sensor or a
// captured statistics sequence, optionally driving a serial actuator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/camctl/internal/actuator"
	"github.com/banshee-data/camctl/internal/config"
	"github.com/banshee-data/camctl/internal/db"
	"github.com/banshee-data/camctl/internal/framebuffer"
	"github.com/banshee-data/camctl/internal/ipa"
	"github.com/banshee-data/camctl/internal/ipa/controller"
	"github.com/banshee-data/camctl/internal/monitor"
	"github.com/banshee-data/camctl/internal/monitoring"
	"github.com/banshee-data/camctl/internal/pipeline"
	"github.com/banshee-data/camctl/internal/semaphore"
	"github.com/banshee-data/camctl/internal/timeutil"
	"github.com/banshee-data/camctl/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Drive a simulated sensor instead of replaying captured statistics")
	statsDir    = flag.String("stats-dir", "", "Directory of captured statistics blobs (*.bin) to replay")
	listen      = flag.String("listen", ":8090", "HTTP listen address for /debug/ routes (empty disables)")
	tuningPath  = flag.String("tuning", "", "Tuning JSON file (default: config/tuning.defaults.json)")
	serialPort  = flag.String("port", "", "Serial device of the actuator MCU (empty uses no actuator)")
	baudRate    = flag.Int("baud", 0, "Actuator baud rate (default from tuning)")
	dbFile      = flag.String("db", "camctl.db", "SQLite control history (empty disables)")
	plotDir     = flag.String("plots", "", "Write convergence plots to this directory on exit")
	frames      = flag.Int("frames", 300, "Frames to run in dev mode (0 runs until interrupted)")
	fps         = flag.Float64("fps", 30, "Frame rate")
	radiance    = flag.Float64("radiance", 0.05, "Simulated scene brightness per exposure line")
	focusPeak   = flag.Uint("focus-peak", 420, "Simulated lens step of best focus")
	width       = flag.Int("width", 1280, "BDS output width")
	height      = flag.Int("height", 720, "BDS output height")
	diagLog     = flag.String("log-diag", "", "Write diagnostic logs to this file")
	traceLog    = flag.String("log-trace", "", "Write per-frame trace logs to this file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if !*devMode && *statsDir == "" {
		log.Fatal("either -dev or -stats-dir is required")
	}
	if *fps <= 0 {
		log.Fatal("-fps must be positive")
	}

	closeLogs, err := setupLogging(*diagLog, *traceLog)
	if err != nil {
		log.Fatalf("failed to open log files: %v", err)
	}
	defer closeLogs()

	var tuning *config.TuningConfig
	if *tuningPath != "" {
		tuning, err = config.LoadTuningConfig(*tuningPath)
		if err != nil {
			log.Fatalf("failed to load tuning: %v", err)
		}
	} else {
		tuning = config.MustLoadDefaultConfig()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, tuning); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("camctl: %v", err)
	}
}

func setupLogging(diagPath, tracePath string) (func(), error) {
	var closers []io.Closer
	open := func(path string) (io.Writer, error) {
		if path == "" {
			return nil, nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		closers = append(closers, f)
		return f, nil
	}
	diag, err := open(diagPath)
	if err != nil {
		return nil, err
	}
	trace, err := open(tracePath)
	if err != nil {
		return nil, err
	}

	ipa.SetLogWriters(ipa.LogWriters{Ops: os.Stderr, Diag: diag, Trace: trace})
	pipeline.SetLogWriters(os.Stderr, diag, trace)
	actuator.SetLogWriters(os.Stderr, diag, trace)
	semaphore.SetLogWriter(os.Stderr)

	return func() {
		for _, c := range closers {
			c.Close()
		}
	}, nil
}

func run(ctx context.Context, tuning *config.TuningConfig) error {
	var source frameSource
	limit := *frames
	if *statsDir != "" {
		capt, err := openCapture(*statsDir)
		if err != nil {
			return err
		}
		source = capt
		limit = capt.Len()
	} else {
		source = scene{radiance: *radiance, focusPeak: uint32(*focusPeak)}
	}

	sens := &sensor{}
	var sink controller.ActionSink = sens

	var act *actuator.Actuator[serial.Port]
	if *serialPort != "" {
		baud := *baudRate
		if baud == 0 {
			baud = tuning.GetSerialBaudRate()
		}
		a, err := actuator.Open(*serialPort, actuator.PortOptions{BaudRate: baud})
		if err != nil {
			return fmt.Errorf("failed to open actuator: %w", err)
		}
		defer a.Close()
		if err := a.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize actuator: %w", err)
		}
		act = a
		sens.feedback = a.Effective
		sink = fanout{a, sens}
	}

	var recorder controller.Recorder
	var store *db.DB
	if *dbFile != "" {
		var err error
		store, err = db.Open(*dbFile)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()
		recorder = store
	}
	trace := monitor.NewTrace(monitor.DefaultTraceFrames, recorder)

	clock := timeutil.RealClock{}
	ctrl := controller.New(controller.ConfigFromTuning(tuning), sink,
		controller.WithRecorder(trace),
		controller.WithClock(clock))

	maxInFlight := tuning.GetMaxInFlightRequests()
	dev := newDevice(sens, source, clock, maxInFlight)
	recycle := make(chan *framebuffer.Request, maxInFlight)

	camOpts := []pipeline.Option{
		pipeline.WithMaxInFlight(maxInFlight),
		pipeline.WithStatsReader(dev.readStats),
		pipeline.WithClock(clock),
		pipeline.WithRequestCompleted(func(req *framebuffer.Request) { recycle <- req }),
	}
	if store != nil {
		camOpts = append(camOpts, pipeline.WithRequestRecorder(store))
	}
	cam := pipeline.NewCamera("sim0", dev, ctrl, camOpts...)
	dev.cam = cam

	cameras := pipeline.NewRegistry()
	if _, err := cameras.Add(cam, *serialPort != ""); err != nil {
		return err
	}
	defer cameras.StopAll()

	info := ipa.ConfigInfo{
		Sensor:     ipa.SensorInfo{LineLength: 3000, PixelRate: 120_000_000},
		BDSOutput:  ipa.Size{Width: uint32(*width), Height: uint32(*height)},
		MinShutter: 100 * time.Microsecond,
		MaxShutter: 66 * time.Millisecond,
		MinGain:    1,
		MaxGain:    16,
	}
	if err := cam.Start(info); err != nil {
		return err
	}
	log.Printf("%s: camera %s started, session %s", version.String(), cam.Name(), ctrl.ID())

	reqs, err := newRequests(maxInFlight)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if act != nil {
		g.Go(func() error {
			err := act.Monitor(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		for _, req := range reqs {
			if err := cam.QueueRequest(gctx, req); err != nil {
				return err
			}
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case req := <-recycle:
				if err := req.Reuse(); err != nil {
					return err
				}
				if err := cam.QueueRequest(gctx, req); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		}
	})

	g.Go(func() error {
		interval := time.Duration(float64(time.Second) / *fps)
		err := dev.run(gctx, interval, limit)
		// The sequence is finished; stop the other loops.
		cancel()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	var srv *http.Server
	if *listen != "" {
		mux := http.NewServeMux()
		ctrl.AttachAdminRoutes(mux)
		trace.AttachAdminRoutes(mux)
		if act != nil {
			act.AttachAdminRoutes(mux)
		}
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
		srv = &http.Server{Addr: *listen, Handler: mux}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	cam.Stop()

	st := ctrl.Status()
	log.Printf("processed %d frames (stale %d, dropped %d, decode errors %d), %d sensor underruns",
		st.Counters.Processed, st.Counters.Stale, st.Counters.Dropped, st.Counters.DecodeErrors, dev.underruns)

	if *plotDir != "" {
		n, perr := trace.GeneratePlots(*plotDir)
		if perr != nil {
			monitoring.Logf("failed to write plots: %v", perr)
		} else {
			log.Printf("wrote %d plots to %s", n, *plotDir)
		}
	}
	return err
}

// fanout applies controls to every sink in order and returns the first
// error.
type fanout []controller.ActionSink

func (f fanout) ApplyControls(c ipa.SensorControls) error {
	var first error
	for _, s := range f {
		if err := s.ApplyControls(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}
