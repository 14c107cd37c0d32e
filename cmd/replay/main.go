// Command replay plays back a recorded colour video and IMU capture. Each
// frame is shown on the "video" window and each IMU packet is printed, until
// the recording ends or q is pressed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/holistic.replay/internal/config"
	"github.com/banshee-data/holistic.replay/internal/display"
	"github.com/banshee-data/holistic.replay/internal/imulog"
	"github.com/banshee-data/holistic.replay/internal/pipeline"
	"github.com/banshee-data/holistic.replay/internal/replay"
	"github.com/banshee-data/holistic.replay/internal/report"
	"github.com/banshee-data/holistic.replay/internal/sensor"
	"github.com/banshee-data/holistic.replay/internal/version"
)

var (
	source      string
	configFile  = flag.String("config", "", "Path to a JSON replay configuration")
	listen      = flag.String("listen", "", "Serve the browser viewer on this address (e.g. :8090)")
	snapshotDir = flag.String("snapshots", "", "Write displayed frames as JPEG files to this directory")
	imuDB       = flag.String("imu-db", "", "Record IMU samples to this SQLite database")
	reportPath  = flag.String("report", "", "Write an IMU trace report (.png or .html) when the replay ends")
	rate        = flag.Float64("rate", 1, "Playback rate; 0 replays as fast as possible")
	loop        = flag.Bool("loop", false, "Restart the recording when it ends")
	quiet       = flag.Bool("quiet", false, "Do not print IMU packets")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func init() {
	flag.StringVar(&source, "s", config.DefaultSource, "Recording path (shorthand for -source)")
	flag.StringVar(&source, "source", config.DefaultSource, "Recording path")
}

const shutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("replay", version.String())
		return
	}

	cfg, err := loadConfig(*configFile, setFlags())
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdout, true); err != nil {
		log.Fatalf("replay failed: %v", err)
	}
}

// setFlags returns the names of the flags given on the command line.
func setFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// loadConfig reads path, if any, and lets the flags named in set override it.
func loadConfig(path string, set map[string]bool) (*config.ReplayConfig, error) {
	cfg := config.EmptyReplayConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadReplayConfig(path); err != nil {
			return nil, err
		}
	}

	if set["s"] || set["source"] {
		cfg.Source = &source
	}
	if set["listen"] {
		cfg.Listen = listen
	}
	if set["snapshots"] {
		cfg.SnapshotDir = snapshotDir
	}
	if set["imu-db"] {
		cfg.IMUDatabase = imuDB
	}
	if set["report"] {
		cfg.Report = reportPath
	}
	if set["rate"] {
		cfg.PlaybackRate = rate
	}
	if set["loop"] {
		cfg.Loop = loop
	}
	if set["quiet"] {
		cfg.Quiet = quiet
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// buildPipeline creates the camera and IMU nodes described by cfg and returns
// the queues the replay loop reads.
func buildPipeline(cfg *config.ReplayConfig) (*pipeline.Pipeline, *pipeline.MessageQueue[*pipeline.ImgFrame], *pipeline.MessageQueue[*pipeline.IMUData]) {
	p := pipeline.New(
		pipeline.WithPlaybackRate(cfg.GetPlaybackRate()),
		pipeline.WithLoop(cfg.GetLoop()),
	)

	cam := p.CreateColorCamera().
		SetBoardSocket(cfg.GetBoardSocket()).
		SetResolution(cfg.GetResolution()).
		SetVideoSize(cfg.GetVideoSize()).
		SetPreviewSize(cfg.GetPreviewSize()).
		SetFps(cfg.GetFPS())

	imu := p.CreateIMU().
		SetBatchReportThreshold(cfg.GetBatchReportThreshold()).
		SetMaxBatchReports(cfg.GetMaxBatchReports())
	if hz := cfg.GetAccelerometerRateHz(); hz > 0 {
		imu.EnableIMUSensor(sensor.AccelerometerRaw, hz)
	}
	if hz := cfg.GetGyroscopeRateHz(); hz > 0 {
		imu.EnableIMUSensor(sensor.GyroscopeRaw, hz)
	}

	p.EnableHolisticReplay(cfg.GetSource())

	out := cam.Preview
	if cfg.GetCameraOutput() == config.CameraOutputVideo {
		out = cam.Video
	}
	videoQ := out.CreateOutputQueue(cfg.GetQueueSize(), cfg.GetQueueBlocking())
	imuQ := imu.Out.CreateOutputQueue(cfg.GetQueueSize(), cfg.GetQueueBlocking())
	return p, videoQ, imuQ
}

// run replays cfg's recording. When terminal is set and stdin is a terminal,
// keys are read from it in raw mode.
func run(ctx context.Context, cfg *config.ReplayConfig, stdout io.Writer, terminal bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p, videoQ, imuQ := buildPipeline(cfg)

	var opts []display.Option
	if terminal {
		kb, err := display.NewKeyboard()
		switch {
		case errors.Is(err, display.ErrNotTerminal):
		case err != nil:
			return err
		default:
			opts = append(opts, display.WithKeySource(kb))
			stdout = kb.Output(stdout)
			prev := log.Writer()
			log.SetOutput(kb.Output(prev))
			defer log.SetOutput(prev)
			go func() {
				select {
				case <-kb.Interrupted():
					log.Printf("interrupted")
					cancel()
				case <-ctx.Done():
				}
			}()
		}
	}

	var sinks imulog.Tee
	if !cfg.GetQuiet() {
		sinks = append(sinks, imulog.NewPrinter(stdout))
	}

	var store *imulog.Store
	if path := cfg.GetIMUDatabase(); path != "" {
		var err error
		if store, err = imulog.Open(path); err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	var collector *report.Collector
	if cfg.GetReport() != "" {
		collector = report.NewCollector()
		sinks = append(sinks, collector)
	}

	var viewer *display.Server
	if addr := cfg.GetListen(); addr != "" {
		viewer = display.NewServer(cfg.GetJPEGQuality())
		opts = append(opts, display.WithRenderer(viewer), display.WithKeySource(viewer))

		mux := http.NewServeMux()
		viewer.AttachRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		server := &http.Server{Handler: mux}
		go func() {
			if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server error: %v", err)
			}
		}()
		log.Printf("viewer listening on http://%s/", ln.Addr())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
			}
		}()
	}

	if dir := cfg.GetSnapshotDir(); dir != "" {
		snaps, err := display.NewSnapshots(dir, cfg.GetSnapshotEvery(), cfg.GetJPEGQuality())
		if err != nil {
			return err
		}
		opts = append(opts, display.WithRenderer(snaps))
	}

	if viewer == nil && cfg.GetSnapshotDir() == "" {
		opts = append(opts, display.WithRenderer(display.NewHeadless()))
	}
	disp := display.New(opts...)
	defer disp.Close()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer p.Close()

	if store != nil {
		if _, err := store.BeginSession(cfg.GetSource(), p.Recording().RecordingID); err != nil {
			return err
		}
	}

	driver := replay.NewDriver(p, videoQ, imuQ, disp, sinks)
	driver.Window = cfg.GetWindow()
	driver.CancelKey = cfg.GetCancelKey()
	driver.KeyWait = cfg.GetKeyWait()
	if collector != nil {
		driver.Frames = collector
	}

	stats, runErr := driver.Run(ctx)
	p.Stop()
	if err := p.Wait(); err != nil && runErr == nil {
		runErr = fmt.Errorf("pipeline failed: %w", err)
	}

	log.Printf("replayed %d frames and %d IMU packets in %d batches (%s)",
		stats.Frames, stats.IMUPackets, stats.IMUBatches, stats.Reason)
	if n := videoQ.Dropped() + imuQ.Dropped(); n > 0 {
		log.Printf("output queues dropped %d messages (video=%d, imu=%d)", n, videoQ.Dropped(), imuQ.Dropped())
	}

	if store != nil {
		if err := store.EndSession(string(stats.Reason)); err != nil && runErr == nil {
			runErr = err
		}
	}
	if collector != nil {
		log.Printf("summary: %s", collector.Summary())
		if err := collector.Write(cfg.GetReport()); err != nil && runErr == nil {
			runErr = fmt.Errorf("failed to write report: %w", err)
		}
	}
	return runErr
}
