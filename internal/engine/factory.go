package engine

import (
	"fmt"
	"log/slog"

	"github.com/nupi-ai/whisper-transcribe-api/internal/config"
)

// SpecFor derives the model spec from configuration.
func SpecFor(cfg config.Config) Spec {
	return Spec{
		ModelSize:   cfg.ModelSize,
		Device:      cfg.Device,
		ComputeType: cfg.ComputeType,
	}
}

// OptionsFor derives per-call decoding options from configuration.
func OptionsFor(cfg config.Config) Options {
	return Options{
		BeamSize:    cfg.BeamSize,
		Language:    cfg.Language,
		Temperature: cfg.Temperature,
		VAD:         VADOptions{MinSilenceDurationMs: cfg.VADMinSilenceMs},
	}
}

// NewConstructor resolves the configured backend into a Constructor.
func NewConstructor(cfg config.Config, logger *slog.Logger) (Constructor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case config.BackendStub:
		logger.Warn("stub engine forced by configuration")
		return NewStubConstructor(logger, 0), nil
	case config.BackendFasterWhisper, "":
		return NewWorkerConstructor(WorkerConfig{
			PythonBin: cfg.PythonBin,
			DataDir:   cfg.DataDir,
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("engine: unknown backend %q", cfg.Backend)
	}
}
