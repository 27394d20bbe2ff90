package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/camera"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/detector"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/mqtt"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/overlay"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/scheduler"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/video"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/webmonitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/webrtc"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/pkg/types"
)

var (
	// Command-line flags, applied on top of the config file and environment
	configPath  = flag.String("config", "", "YAML config file (defaults are used when empty)")
	envFile     = flag.String("env-file", ".env", "dotenv file loaded before the config")
	httpAddr    = flag.String("http", "", "HTTP server address")
	source      = flag.String("camera", "", "Camera source (pattern, mediadevices)")
	backend     = flag.String("detector", "", "Detector backend (luminance, remote)")
	endpoint    = flag.String("detector-endpoint", "", "Inference service base URL for the remote backend")
	recordPath  = flag.String("record-path", "", "Recording output path")
	metricsAddr = flag.String("metrics", "", "Metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(logger.Options{
		Level:      level,
		UseColor:   cfg.Log.Color,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logger.Close()

	logger.Info("Main", "Live detect starting...")
	logger.Info("Main", "  Camera: %s %dx%d@%d", cfg.Camera.Source, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	logger.Info("Main", "  Detector: %s (threshold %.2f, max %d results)", cfg.Detector.Backend, cfg.Detector.ScoreThreshold, cfg.Detector.MaxResults)
	logger.Info("Main", "  HTTP: %s", cfg.Server.Addr)
	logger.Info("Main", "  Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Main", "Stopped with error: %v", err)
		os.Exit(1)
	}
	logger.Info("Main", "Stopped")
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(*envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Addr, *httpAddr)
	set(&cfg.Camera.Source, *source)
	set(&cfg.Detector.Backend, *backend)
	set(&cfg.Detector.Endpoint, *endpoint)
	set(&cfg.Recording.OutputDir, *recordPath)
	set(&cfg.Server.MetricsAddr, *metricsAddr)
	set(&cfg.Server.PprofAddr, *pprofAddr)
	set(&cfg.Log.Level, *logLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newCameraSource(cfg config.CameraConfig, clk clock.Clock) camera.Source {
	if cfg.Source == "mediadevices" {
		return camera.NewMediaDevices(cfg.Width, cfg.Height, cfg.FPS, cfg.Label)
	}
	return camera.NewPattern(cfg.Width, cfg.Height, cfg.FPS, clk)
}

func newOpener(cfg config.DetectorConfig) detector.Opener {
	var opener detector.Opener
	switch cfg.Backend {
	case "remote":
		opener = detector.Remote{
			Endpoint: strings.TrimRight(cfg.Endpoint, "/"),
			Model:    cfg.Model,
			Timeout:  cfg.Timeout,
		}
	default:
		opener = detector.Luminance{Threshold: cfg.DarkLevel, MinArea: cfg.MinArea}
	}

	timeout := cfg.InitTimeout
	return detector.OpenerFunc(func(ctx context.Context, dc types.DetectorConfig) (detector.Backend, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return opener.Open(ctx, dc)
	})
}

// sessionControl lets the monitor be built before the session it drives
type sessionControl struct {
	*session.Session
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	clk := clock.New()
	m := metrics.New()

	if cfg.Server.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", cfg.Server.PprofAddr)
			if err := http.ListenAndServe(cfg.Server.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}
	if cfg.Server.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", cfg.Server.MetricsAddr)
			if err := m.StartServer(cfg.Server.MetricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	minReady, err := video.ParseReadyState(cfg.Display.ReadyState)
	if err != nil {
		return err
	}

	provider := detector.NewProvider(cfg.Detector.DetectorConfig, newOpener(cfg.Detector), m)
	defer func() { err = multierr.Append(err, provider.Close()) }()

	element := video.NewElement(clk, cfg.Display.EnoughDataFrames)
	if cfg.Display.Width > 0 && cfg.Display.Height > 0 {
		element.SetDisplaySize(types.Dimensions{Width: cfg.Display.Width, Height: cfg.Display.Height})
	}

	ticker := scheduler.NewTicker(clk, cfg.Loop.RefreshRate)
	ticker.Start(ctx)
	defer ticker.Stop()

	board := overlay.NewBoard()
	rec := recorder.NewRecorder(cfg.Recording.OutputDir, clk, m)
	defer func() { err = multierr.Append(err, rec.Close()) }()

	sinks := overlay.Multi{board, rec}

	ctrl := &sessionControl{}
	deps := webmonitor.Deps{
		Session:  ctrl,
		Video:    element,
		Board:    board,
		Recorder: rec,
		Metrics:  m,
		Clock:    clk,
	}

	if cfg.Server.MaxWebRTCClients > 0 {
		rtc := webrtc.NewServer(cfg.Server.ICEServers, cfg.Server.MaxWebRTCClients, m)
		defer func() { err = multierr.Append(err, rtc.Close()) }()
		deps.WebRTC = rtc
		sinks = append(sinks, rtc)
	}

	if cfg.MQTT.Enabled {
		emitter := mqtt.New(cfg.MQTT, m)
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		connectErr := emitter.Connect(connectCtx)
		cancel()
		if connectErr != nil {
			return connectErr
		}
		emitter.Start()
		defer emitter.Close()
		sinks = append(sinks, emitter)
	}

	monitor, err := webmonitor.NewServer(webmonitor.Config{
		Addr:           cfg.Server.Addr,
		StatusInterval: cfg.Server.StatusInterval,
		MJPEGInterval:  cfg.Server.MJPEGInterval,
		JPEGQuality:    cfg.Server.JPEGQuality,
	}, deps)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	sinks = append(sinks, monitor.Renderer())

	ctrl.Session = session.New(session.Config{MinReadyState: minReady}, session.Deps{
		Camera:    newCameraSource(cfg.Camera, clk),
		Detector:  provider,
		Video:     element,
		Scheduler: ticker,
		Renderer:  sinks,
		Clock:     clk,
		Metrics:   m,
	})

	monitor.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.ListenAndServe(gctx)
	})
	g.Go(func() error {
		if err := ctrl.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reconfigureOnHangup(gctx, provider, ctrl)
		return nil
	})
	return g.Wait()
}

// reconfigureOnHangup reloads the config on SIGHUP and restarts the
// detector with its detector section
func reconfigureOnHangup(ctx context.Context, provider *detector.Provider, ctrl *sessionControl) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg, err := loadConfig()
		if err != nil {
			logger.Warn("Main", "Reload ignored: %v", err)
			continue
		}
		if err := provider.Configure(cfg.Detector.DetectorConfig); err != nil {
			logger.Warn("Main", "Reload ignored: %v", err)
			continue
		}
		if err := ctrl.ReloadDetector(ctx); err != nil {
			logger.Warn("Main", "Detector reload failed: %v", err)
			continue
		}
		logger.Info("Main", "Detector reconfigured (threshold %.2f, max %d results)",
			cfg.Detector.ScoreThreshold, cfg.Detector.MaxResults)
	}
}
