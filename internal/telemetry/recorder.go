package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nupi-ai/whisper-transcribe-api/internal/lifecycle"
)

// Request outcomes, used as metric labels.
const (
	OutcomeTranscribed = "transcribed"
	OutcomeCached      = "cached"
	// OutcomeCoalesced marks a miss answered by another request's engine call.
	OutcomeCoalesced   = "coalesced"
	OutcomeNotReady    = "not_ready"
	OutcomeLoadFailed  = "load_failed"
	OutcomeLoadTimeout = "load_timeout"
	OutcomeInvalid     = "invalid"
	OutcomeCanceled    = "canceled"
	OutcomeError       = "error"
)

var engineStates = []string{
	lifecycle.StatusUnloaded.String(),
	lifecycle.StatusLoading.String(),
	lifecycle.StatusReady.String(),
	lifecycle.StatusFailed.String(),
}

// Recorder tracks service-level telemetry. Counters are always kept; the
// latency sketches and Prometheus collectors are optional.
type Recorder struct {
	log     *slog.Logger
	latency *LatencyTracker
	metrics *Metrics

	totalRequests  atomic.Uint64
	activeRequests atomic.Int64
	totalBytes     atomic.Uint64
	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64
	transcriptions atomic.Uint64
	failures       atomic.Uint64
	rejected       atomic.Uint64
	modelLoads     atomic.Uint64

	loadMu    sync.Mutex
	loadStart time.Time
}

// Snapshot captures cumulative metrics recorded so far.
type Snapshot struct {
	TotalRequests  uint64 `json:"total_requests"`
	ActiveRequests int64  `json:"active_requests"`
	TotalBytes     uint64 `json:"total_bytes"`
	CacheHits      uint64 `json:"cache_hits"`
	CacheMisses    uint64 `json:"cache_misses"`
	Transcriptions uint64 `json:"transcriptions"`
	Failures       uint64 `json:"failures"`
	Rejected       uint64 `json:"rejected"`
	ModelLoads     uint64 `json:"model_loads"`
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithLatency attaches a latency tracker.
func WithLatency(lt *LatencyTracker) RecorderOption {
	return func(r *Recorder) { r.latency = lt }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// NewRecorder constructs a Recorder using the provided logger.
func NewRecorder(logger *slog.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		log: logger.With("component", "telemetry.Recorder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns an immutable view of the recorder totals.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		TotalRequests:  r.totalRequests.Load(),
		ActiveRequests: r.activeRequests.Load(),
		TotalBytes:     r.totalBytes.Load(),
		CacheHits:      r.cacheHits.Load(),
		CacheMisses:    r.cacheMisses.Load(),
		Transcriptions: r.transcriptions.Load(),
		Failures:       r.failures.Load(),
		Rejected:       r.rejected.Load(),
		ModelLoads:     r.modelLoads.Load(),
	}
}

// Latency returns per-operation latency summaries, or nil without a tracker.
func (r *Recorder) Latency() []LatencyStats {
	if r == nil {
		return nil
	}
	return r.latency.All()
}

// ObserveLifecycle is registered as a lifecycle observer. It tracks load
// durations and the engine state gauge.
func (r *Recorder) ObserveLifecycle(st lifecycle.State) {
	if r == nil {
		return
	}
	r.metrics.engineStateChanged(st.Status.String(), engineStates)

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	switch st.Status {
	case lifecycle.StatusLoading:
		r.loadStart = st.Since
	case lifecycle.StatusReady, lifecycle.StatusFailed:
		if r.loadStart.IsZero() {
			return
		}
		d := st.Since.Sub(r.loadStart)
		r.loadStart = time.Time{}
		r.modelLoads.Add(1)
		r.latency.Record(OpModelLoad, d)
		r.metrics.modelLoaded(st.Status == lifecycle.StatusReady, d)
	}
}

// RequestMetrics accumulates statistics for a single transcription request.
type RequestMetrics struct {
	recorder *Recorder
	log      *slog.Logger

	started    time.Time
	bytes      int
	cached     bool
	shared     bool
	transcribe time.Duration
	closed     atomic.Bool
}

// StartRequest initialises a RequestMetrics bound to the recorder.
func (r *Recorder) StartRequest(requestID string, size int) *RequestMetrics {
	if r == nil {
		return nil
	}
	r.totalRequests.Add(1)
	r.activeRequests.Add(1)
	if size > 0 {
		r.totalBytes.Add(uint64(size))
	}
	r.metrics.requestStarted(size)

	log := r.log
	if requestID != "" {
		log = log.With("request_id", requestID)
	}
	return &RequestMetrics{
		recorder: r,
		log:      log,
		started:  time.Now(),
		bytes:    size,
	}
}

// RecordCacheLookup counts a cache hit or miss.
func (s *RequestMetrics) RecordCacheLookup(hit bool) {
	if s == nil {
		return
	}
	s.cached = hit
	if hit {
		s.recorder.cacheHits.Add(1)
	} else {
		s.recorder.cacheMisses.Add(1)
	}
	s.recorder.metrics.cacheLookup(hit)
}

// RecordTranscription stores statistics for a completed engine call.
func (s *RequestMetrics) RecordTranscription(d time.Duration, language, text string) {
	if s == nil {
		return
	}
	s.transcribe = d
	s.recorder.transcriptions.Add(1)
	s.recorder.latency.Record(OpTranscribe, d)
	s.recorder.metrics.transcribed(d)

	s.log.Debug("transcription completed",
		"duration_ms", d.Milliseconds(),
		"language", language,
		"chars", len(text),
		"runes", utf8.RuneCountInString(text),
	)
}

// RecordShared notes that the result came from an engine call made for
// another request. Engine counters are left to the request that ran it.
func (s *RequestMetrics) RecordShared(d time.Duration) {
	if s == nil {
		return
	}
	s.shared = true
	s.transcribe = d
}

// Finish logs a summary and updates counters. Only the first call counts.
func (s *RequestMetrics) Finish(outcome string, err error) {
	if s == nil {
		return
	}
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	defer s.recorder.activeRequests.Add(-1)

	duration := time.Since(s.started)
	s.recorder.latency.Record(OpRequest, duration)
	s.recorder.metrics.requestFinished(outcome, duration)

	args := []any{
		"outcome", outcome,
		"duration_ms", duration.Milliseconds(),
		"bytes", s.bytes,
		"cached", s.cached,
	}
	if s.shared {
		args = append(args, "shared", true)
	}
	if s.transcribe > 0 {
		args = append(args, "transcribe_ms", s.transcribe.Milliseconds())
	}

	if err == nil {
		s.log.Info("request completed", args...)
		return
	}
	switch outcome {
	case OutcomeNotReady, OutcomeLoadTimeout, OutcomeInvalid, OutcomeCanceled:
		s.recorder.rejected.Add(1)
		s.log.Warn("request rejected", append(args, "error", err)...)
	default:
		s.recorder.failures.Add(1)
		s.log.Error("request failed", append(args, "error", err)...)
	}
}
