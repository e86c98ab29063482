// Package coordinator runs the per-request transcription protocol: readiness
// check, cache lookup, engine call on miss and cache population.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/nupi-ai/whisper-transcribe-api/internal/cache"
	"github.com/nupi-ai/whisper-transcribe-api/internal/config"
	"github.com/nupi-ai/whisper-transcribe-api/internal/engine"
	"github.com/nupi-ai/whisper-transcribe-api/internal/lifecycle"
	"github.com/nupi-ai/whisper-transcribe-api/internal/telemetry"
)

// Lifecycle is the subset of lifecycle.Manager used by the coordinator.
type Lifecycle interface {
	State() lifecycle.State
	StartLoad() bool
	AwaitReady(ctx context.Context, timeout time.Duration) (lifecycle.State, error)
	Engine() (engine.Engine, bool)
}

// Config controls request handling.
type Config struct {
	// LoadingPolicy is config.PolicyFail or config.PolicyWait.
	LoadingPolicy string
	LoadTimeout   time.Duration
	Options       engine.Options
	// AudioFormat is the temp file extension handed to the engine.
	AudioFormat    string
	TempDir        string
	CacheEnabled   bool
	CoalesceMisses bool
	MaxConcurrent  int
}

// ConfigFrom derives coordinator settings from service configuration.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		LoadingPolicy:  cfg.LoadingPolicy,
		LoadTimeout:    cfg.LoadTimeout,
		Options:        engine.OptionsFor(cfg),
		AudioFormat:    cfg.AudioFormat,
		TempDir:        cfg.TempDir,
		CacheEnabled:   cfg.CacheEnabled,
		CoalesceMisses: cfg.CoalesceMisses,
		MaxConcurrent:  cfg.MaxConcurrent,
	}
}

// Request is one transcription request.
type Request struct {
	Audio     []byte
	Filename  string
	RequestID string
}

// Response is the result returned to the caller. ProcessingTime is the
// engine compute time, also reported for cache hits.
type Response struct {
	Text           string
	Language       string
	Probability    float64
	ProcessingTime time.Duration
	Cached         bool
	// Coalesced is set when another request's engine call produced the result.
	Coalesced bool
}

// Coordinator orchestrates transcription requests against the shared
// lifecycle manager and result cache.
type Coordinator struct {
	cfg      Config
	lc       Lifecycle
	cache    *cache.Cache
	recorder *telemetry.Recorder
	log      *slog.Logger

	group singleflight.Group
	slots *semaphore.Weighted
}

// New constructs a Coordinator. c may be nil when caching is disabled.
func New(cfg Config, lc Lifecycle, c *cache.Cache, recorder *telemetry.Recorder, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoadingPolicy == "" {
		cfg.LoadingPolicy = config.PolicyFail
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = config.DefaultAudioFormat
	}
	if c == nil {
		cfg.CacheEnabled = false
	}
	co := &Coordinator{
		cfg:      cfg,
		lc:       lc,
		cache:    c,
		recorder: recorder,
		log:      logger.With("component", "coordinator"),
	}
	if cfg.MaxConcurrent > 0 {
		co.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return co
}

// Transcribe runs the request protocol. Errors are ErrEmptyAudio,
// ErrEngineNotReady, ErrEngineLoadTimeout, *EngineLoadError,
// *TranscriptionError or the context error.
func (c *Coordinator) Transcribe(ctx context.Context, req Request) (resp Response, err error) {
	metrics := c.recorder.StartRequest(req.RequestID, len(req.Audio))
	defer func() {
		metrics.Finish(outcome(resp, err), err)
	}()

	if len(req.Audio) == 0 {
		return Response{}, ErrEmptyAudio
	}

	eng, err := c.acquireEngine(ctx)
	if err != nil {
		return Response{}, err
	}

	if !c.cfg.CacheEnabled {
		return c.compute(ctx, eng, req, metrics)
	}

	key := cache.KeyOf(req.Audio)
	if entry, ok := c.cache.Lookup(key); ok {
		metrics.RecordCacheLookup(true)
		c.log.Debug("cache hit", "key", key.String(), "filename", req.Filename)
		return responseFrom(entry, true), nil
	}
	metrics.RecordCacheLookup(false)

	if !c.cfg.CoalesceMisses {
		return c.computeAndStore(ctx, eng, key, req, metrics)
	}

	return c.coalesce(ctx, eng, key, req, metrics)
}

// coalesce shares one engine call between concurrent misses on key. The
// call runs detached from any single caller so one disconnect does not fail
// the others; each caller still returns as soon as its own ctx is done.
func (c *Coordinator) coalesce(ctx context.Context, eng engine.Engine, key cache.Key, req Request, metrics *telemetry.RequestMetrics) (Response, error) {
	led := false
	ch := c.group.DoChan(key.String(), func() (any, error) {
		led = true
		return c.computeAndStore(context.WithoutCancel(ctx), eng, key, req, metrics)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Response{}, res.Err
		}
		resp := res.Val.(Response)
		if !led {
			resp.Coalesced = true
			metrics.RecordShared(resp.ProcessingTime)
			c.log.Debug("coalesced cache miss", "key", key.String())
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// acquireEngine applies the loading policy and returns the ready engine.
func (c *Coordinator) acquireEngine(ctx context.Context) (engine.Engine, error) {
	st := c.lc.State()
	if st.Status == lifecycle.StatusUnloaded {
		if c.lc.StartLoad() {
			c.log.Info("engine load triggered by request")
		}
		st = c.lc.State()
	}

	switch st.Status {
	case lifecycle.StatusFailed:
		return nil, &EngineLoadError{Reason: st.Reason}
	case lifecycle.StatusReady:
	default:
		if c.cfg.LoadingPolicy != config.PolicyWait {
			return nil, ErrEngineNotReady
		}
		waited, err := c.lc.AwaitReady(ctx, c.cfg.LoadTimeout)
		switch {
		case errors.Is(err, lifecycle.ErrAwaitTimeout):
			return nil, ErrEngineLoadTimeout
		case err != nil:
			return nil, err
		case waited.Status == lifecycle.StatusFailed:
			return nil, &EngineLoadError{Reason: waited.Reason}
		}
	}

	eng, ok := c.lc.Engine()
	if !ok {
		// The manager moved on between the state read and here.
		if st := c.lc.State(); st.Status == lifecycle.StatusFailed {
			return nil, &EngineLoadError{Reason: st.Reason}
		}
		return nil, ErrEngineNotReady
	}
	return eng, nil
}

func (c *Coordinator) computeAndStore(ctx context.Context, eng engine.Engine, key cache.Key, req Request, metrics *telemetry.RequestMetrics) (Response, error) {
	resp, err := c.compute(ctx, eng, req, metrics)
	if err != nil {
		return Response{}, err
	}
	c.cache.Insert(key, cache.Entry{
		Text:                resp.Text,
		Language:            resp.Language,
		LanguageProbability: resp.Probability,
		ComputeDuration:     resp.ProcessingTime,
	})
	return resp, nil
}

// compute writes the audio to a request-owned temp file, runs the engine
// and removes the file on every path.
func (c *Coordinator) compute(ctx context.Context, eng engine.Engine, req Request, metrics *telemetry.RequestMetrics) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if c.slots != nil {
		if err := c.slots.Acquire(ctx, 1); err != nil {
			return Response{}, err
		}
		defer c.slots.Release(1)
	}

	path, err := c.writeTemp(req.Audio)
	if err != nil {
		return Response{}, &TranscriptionError{Cause: err}
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("failed to remove temporary file", "path", path, "error", err)
		}
	}()

	c.log.Debug("transcribing", "filename", req.Filename, "bytes", len(req.Audio), "path", path)
	start := time.Now()
	result, err := eng.Transcribe(ctx, path, c.cfg.Options)
	elapsed := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, &TranscriptionError{Cause: err}
	}

	text := result.Text()
	metrics.RecordTranscription(elapsed, result.Language, text)
	return Response{
		Text:           text,
		Language:       result.Language,
		Probability:    result.LanguageProbability,
		ProcessingTime: elapsed,
	}, nil
}

func (c *Coordinator) writeTemp(audio []byte) (string, error) {
	pattern := "transcribe-*." + strings.TrimPrefix(c.cfg.AudioFormat, ".")
	f, err := os.CreateTemp(c.cfg.TempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(audio); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return path, nil
}

func responseFrom(entry cache.Entry, cached bool) Response {
	return Response{
		Text:           entry.Text,
		Language:       entry.Language,
		Probability:    entry.LanguageProbability,
		ProcessingTime: entry.ComputeDuration,
		Cached:         cached,
	}
}

func outcome(resp Response, err error) string {
	var loadErr *EngineLoadError
	switch {
	case err == nil && resp.Cached:
		return telemetry.OutcomeCached
	case err == nil && resp.Coalesced:
		return telemetry.OutcomeCoalesced
	case err == nil:
		return telemetry.OutcomeTranscribed
	case errors.Is(err, ErrEngineNotReady):
		return telemetry.OutcomeNotReady
	case errors.Is(err, ErrEngineLoadTimeout):
		return telemetry.OutcomeLoadTimeout
	case errors.Is(err, ErrEmptyAudio):
		return telemetry.OutcomeInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeCanceled
	case errors.As(err, &loadErr):
		return telemetry.OutcomeLoadFailed
	default:
		return telemetry.OutcomeError
	}
}
