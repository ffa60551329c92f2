package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wilsonwatson/watson-vision/internal/bus"
	_ "github.com/wilsonwatson/watson-vision/internal/bus/mqtt"
	_ "github.com/wilsonwatson/watson-vision/internal/bus/nt4"
	_ "github.com/wilsonwatson/watson-vision/internal/bus/ros"
	"github.com/wilsonwatson/watson-vision/internal/config"
	"github.com/wilsonwatson/watson-vision/internal/fabric"
	"github.com/wilsonwatson/watson-vision/internal/lifecycle"
	"github.com/wilsonwatson/watson-vision/internal/pipeline"
	"github.com/wilsonwatson/watson-vision/internal/preview"
	"github.com/wilsonwatson/watson-vision/internal/publish"
)

const (
	defaultConfigPath = "config.yaml"
	shutdownTimeout   = 5 * time.Second
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("WATSON_CONFIG", defaultConfigPath), "Path to configuration file")
	debug := flag.Bool("debug", envBool("WATSON_DEBUG"), "Enable debug logging")
	watch := flag.Bool("watch", envBool("WATSON_WATCH"), "Reload the configuration file when it changes")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "config", *configPath, "error", err)
		os.Exit(1)
	}

	slog.Info("starting watson-vision",
		"config", *configPath,
		"camera", cfg.CameraName,
		"transport", cfg.Bus.Transport,
		"capture", cfg.Capture.Source,
		"debug", *debug,
	)

	coord := lifecycle.New(logger)
	store := config.NewStore(cfg)

	var watcher *config.Watcher
	if *watch {
		watcher, err = config.NewWatcher(*configPath, store, logger)
		if err != nil {
			slog.Error("failed to watch configuration", "error", err)
			os.Exit(1)
		}
		watcher.Start(coord.Context())
	}

	previewFabric, err := fabric.NewPreview(cfg.Preview.Mode)
	if err != nil {
		slog.Error("failed to create preview fabric", "error", err)
		os.Exit(1)
	}
	telemetry := fabric.NewTelemetryChannel()

	sup, err := pipeline.New(pipeline.Options{
		Store:     store,
		Build:     pipeline.NewBuilder(logger),
		Preview:   previewFabric,
		Telemetry: telemetry,
		Clock:     coord.Clock(),
		Stopped:   coord.Stopped,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	// the preview listener is bound once, so its port is announced for the
	// whole process even if a reload changes stream_port
	resolve := busTarget(store, cfg.StreamPort)
	if _, err := resolve(); err != nil {
		slog.Error("failed to create telemetry bus dialer", "error", err)
		os.Exit(1)
	}

	loop, err := publish.New(publish.Options{
		Resolve:    resolve,
		Generation: store.Generation,
		Telemetry:  telemetry,
		Clock:      coord.Clock(),
		Stopped:    coord.Stopped,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("failed to create publish loop", "error", err)
		os.Exit(1)
	}

	server := preview.NewServer(cfg.HTTP.ListenAddr, previewFabric, func() preview.Readiness {
		return readiness(sup.Stats(), loop.Stats())
	}, logger)
	if err := server.Start(); err != nil {
		slog.Error("failed to start preview server", "error", err)
		os.Exit(1)
	}

	if err := coord.Supervise("pipeline", sup.Run); err != nil {
		slog.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	publishDone := make(chan struct{})
	go func() {
		defer close(publishDone)
		loop.Run(coord.Context())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	exitCode := 0
	if err := coord.Shutdown(shutdownCtx); err != nil {
		slog.Error("pipeline did not stop in time", "error", err)
		exitCode = 1
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			slog.Warn("config watcher stop failed", "error", err)
		}
	}

	previewFabric.Close()
	telemetry.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("preview server shutdown failed", "error", err)
	}

	select {
	case <-publishDone:
	case <-shutdownCtx.Done():
		slog.Warn("publish loop did not stop in time")
	}

	slog.Info("watson-vision stopped")
	os.Exit(exitCode)
}

// busTarget resolves the publish endpoint from the current configuration
// snapshot, so transport, address and camera name follow reloads.
func busTarget(store *config.Store, streamPort int) func() (publish.Target, error) {
	return func() (publish.Target, error) {
		cfg, _ := store.Get()
		if cfg.StreamPort != streamPort {
			slog.Warn("stream_port changed on reload, restart to rebind the preview server",
				"serving", streamPort,
				"configured", cfg.StreamPort,
			)
		}
		dialer, err := bus.NewDialer(cfg.Bus.Transport, bus.Options{
			ClientName: cfg.CameraName,
			Port:       busPort(cfg),
			ClientID:   cfg.Bus.MQTTClientID,
		})
		if err != nil {
			return publish.Target{}, err
		}
		return publish.Target{
			Dialer:     dialer,
			Address:    busAddress(cfg),
			CameraName: cfg.CameraName,
			StreamURL:  publish.StreamURL(streamHost(cfg), streamPort),
		}, nil
	}
}

// busAddress picks the endpoint for the configured transport. Brokers and
// masters default to the robot server address.
func busAddress(cfg *config.Config) string {
	switch cfg.Bus.Transport {
	case "mqtt":
		if cfg.Bus.MQTTBroker != "" {
			return cfg.Bus.MQTTBroker
		}
	case "ros":
		if cfg.Bus.ROSMaster != "" {
			return cfg.Bus.ROSMaster
		}
	}
	return cfg.ServerIP
}

func busPort(cfg *config.Config) int {
	if cfg.Bus.Transport == "nt4" {
		return cfg.Bus.NT4Port
	}
	return 0
}

// streamHost is the address dashboards use to reach the preview server.
func streamHost(cfg *config.Config) string {
	if cfg.HTTP.StreamHost != "" {
		return cfg.HTTP.StreamHost
	}
	host, err := publish.DiscoverHost(cfg.ServerIP)
	if err != nil {
		slog.Warn("stream host discovery failed, announcing loopback", "error", err)
		return "127.0.0.1"
	}
	return host
}

func readiness(ps pipeline.Stats, bs publish.Stats) preview.Readiness {
	status := "healthy"
	switch {
	case !ps.Running:
		status = "unhealthy"
	case bs.State != publish.StatePublishing, ps.Capture == nil:
		status = "degraded"
	}
	return preview.Readiness{
		Status: status,
		Components: map[string]any{
			"pipeline": ps,
			"publish":  bs,
		},
	}
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}
