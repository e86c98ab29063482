package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nupi-ai/whisper-transcribe-api/internal/serviceinfo"
)

// StubEngine produces deterministic transcripts without invoking Whisper.
type StubEngine struct {
	log       *slog.Logger
	modelSize string
}

// NewStubEngine returns an Engine that generates placeholder transcripts.
func NewStubEngine(logger *slog.Logger, modelSize string) *StubEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEngine{
		log: logger.With(
			"component", "engine.stub",
			"service", serviceinfo.Info.Slug,
			"model_size", modelSize,
		),
		modelSize: modelSize,
	}
}

// NewStubConstructor returns a Constructor for the stub backend. A positive
// loadDelay simulates a slow model load and honours ctx cancellation.
func NewStubConstructor(logger *slog.Logger, loadDelay time.Duration) Constructor {
	return func(ctx context.Context, spec Spec) (Engine, error) {
		if loadDelay > 0 {
			timer := time.NewTimer(loadDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		return NewStubEngine(logger, spec.ModelSize), nil
	}
}

// Close implements the Engine interface.
func (e *StubEngine) Close() error {
	return nil
}

// Transcribe implements the Engine interface.
func (e *StubEngine) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	info, err := os.Stat(audioPath)
	if err != nil {
		return Result{}, fmt.Errorf("engine: stat audio: %w", err)
	}
	lang := languageHint(opts.Language)
	if lang == "" {
		lang = "en"
	}
	e.log.Debug("stub transcript", "bytes", info.Size(), "beam_size", opts.BeamSize)
	return Result{
		Segments: []Segment{{
			Start: 0,
			End:   0,
			Text:  fmt.Sprintf("[stub:%s] received %d bytes", e.modelSize, info.Size()),
		}},
		Language:            lang,
		LanguageProbability: 1.0,
	}, nil
}
