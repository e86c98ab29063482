package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nupi-ai/whisper-transcribe-api/internal/cache"
	"github.com/nupi-ai/whisper-transcribe-api/internal/config"
	"github.com/nupi-ai/whisper-transcribe-api/internal/coordinator"
	"github.com/nupi-ai/whisper-transcribe-api/internal/engine"
	"github.com/nupi-ai/whisper-transcribe-api/internal/health"
	"github.com/nupi-ai/whisper-transcribe-api/internal/lifecycle"
	"github.com/nupi-ai/whisper-transcribe-api/internal/server"
	"github.com/nupi-ai/whisper-transcribe-api/internal/serviceinfo"
	"github.com/nupi-ai/whisper-transcribe-api/internal/source"
	"github.com/nupi-ai/whisper-transcribe-api/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Loader{}.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service terminated with error", "error", err)
		os.Exit(1)
	}
	logger.Info("service stopped")
}

// run owns every resource started after configuration is loaded, so deferred
// cleanup (notably the engine worker process) runs on all exit paths.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting "+serviceinfo.Info.Name,
		"version", serviceinfo.Version,
		"listen_addr", cfg.ListenAddr,
		"backend", cfg.Backend,
		"model_size", cfg.ModelSize,
		"device", cfg.Device,
		"compute_type", cfg.ComputeType,
		"language", cfg.Language,
		"loading_policy", cfg.LoadingPolicy,
		"cache_enabled", cfg.CacheEnabled,
	)

	metrics := telemetry.NewMetrics(serviceinfo.Labels())
	recorder := telemetry.NewRecorder(logger,
		telemetry.WithLatency(telemetry.NewLatencyTracker(0.01)),
		telemetry.WithMetrics(metrics),
	)

	construct, err := engine.NewConstructor(cfg, logger)
	if err != nil {
		return fmt.Errorf("resolve engine backend: %w", err)
	}

	var healthServer *health.Server
	observers := []lifecycle.Option{lifecycle.WithObserver(recorder.ObserveLifecycle)}
	if cfg.HealthAddr != "" {
		healthServer = health.NewServer(logger)
		observers = append(observers, lifecycle.WithObserver(healthServer.Observe))
	}

	manager := lifecycle.NewManager(construct, engine.SpecFor(cfg), logger, observers...)
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("failed to close engine", "error", err)
		}
	}()
	// Load eagerly so the first request does not pay for it.
	manager.StartLoad()

	var resultCache *cache.Cache
	if cfg.CacheEnabled {
		resultCache, err = cache.New(cfg.CacheCapacity)
		if err != nil {
			return fmt.Errorf("create result cache: %w", err)
		}
	}

	coord := coordinator.New(coordinator.ConfigFrom(cfg), manager, resultCache, recorder, logger)

	deps := server.Dependencies{
		Transcriber: coord,
		Lifecycle:   manager,
		Cache:       resultCache,
		Recorder:    recorder,
		Metrics:     metrics,
	}
	if cfg.S3Enabled {
		maxBytes, _ := cfg.MaxUploadBytes()
		fetcher, err := source.NewS3Fetcher(ctx, cfg.S3Region, cfg.S3Endpoint, maxBytes, logger)
		if err != nil {
			return fmt.Errorf("initialise S3 source: %w", err)
		}
		deps.Fetcher = fetcher
	}

	httpServer, err := server.New(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("build HTTP server: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}

	if healthServer != nil {
		healthLis, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			lis.Close()
			return fmt.Errorf("bind health listener: %w", err)
		}
		go func() {
			if err := healthServer.Serve(healthLis); err != nil {
				logger.Error("health server terminated with error", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown requested, stopping servers")
		if healthServer != nil {
			healthServer.Stop()
		}
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}()

	if err := httpServer.Serve(lis); err != nil {
		return err
	}

	if snapshot := recorder.Snapshot(); snapshot.TotalRequests > 0 {
		logger.Info("telemetry totals",
			"total_requests", snapshot.TotalRequests,
			"total_bytes", snapshot.TotalBytes,
			"transcriptions", snapshot.Transcriptions,
			"cache_hits", snapshot.CacheHits,
			"cache_misses", snapshot.CacheMisses,
			"failures", snapshot.Failures,
			"rejected", snapshot.Rejected,
		)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

func parseLevel(value string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
