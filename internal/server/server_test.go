package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nupi-ai/whisper-transcribe-api/internal/cache"
	"github.com/nupi-ai/whisper-transcribe-api/internal/config"
	"github.com/nupi-ai/whisper-transcribe-api/internal/coordinator"
	"github.com/nupi-ai/whisper-transcribe-api/internal/engine"
	"github.com/nupi-ai/whisper-transcribe-api/internal/lifecycle"
	"github.com/nupi-ai/whisper-transcribe-api/internal/source"
	"github.com/nupi-ai/whisper-transcribe-api/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	calls atomic.Int32
}

func (f *fakeEngine) Transcribe(ctx context.Context, path string, opts engine.Options) (engine.Result, error) {
	f.calls.Add(1)
	return engine.Result{
		Segments:            []engine.Segment{{Text: " hello"}},
		Language:            "en",
		LanguageProbability: 0.95,
	}, nil
}

func (f *fakeEngine) Close() error { return nil }

type fakeFetcher struct {
	obj source.Object
	err error
}

func (f fakeFetcher) Fetch(context.Context, string) (source.Object, error) {
	return f.obj, f.err
}

type testServer struct {
	srv     *Server
	manager *lifecycle.Manager
	engine  *fakeEngine
	cache   *cache.Cache
	release chan struct{}
}

type serverOptions struct {
	mutate    func(*config.Config)
	loadErr   error
	gated     bool
	noLoad    bool
	fetcher   Fetcher
	noMetrics bool
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.TempDir = t.TempDir()
	cfg.LoadTimeout = 2 * time.Second
	if opts.mutate != nil {
		opts.mutate(&cfg)
	}

	fe := &fakeEngine{}
	release := make(chan struct{})
	if !opts.gated {
		close(release)
	}
	construct := func(ctx context.Context, _ engine.Spec) (engine.Engine, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if opts.loadErr != nil {
			return nil, opts.loadErr
		}
		return fe, nil
	}
	manager := lifecycle.NewManager(construct, engine.SpecFor(cfg), discardLogger())
	t.Cleanup(func() { manager.Close() })

	c, err := cache.New(cfg.CacheCapacity)
	if err != nil {
		t.Fatalf("cache.New error: %v", err)
	}
	var metrics *telemetry.Metrics
	if !opts.noMetrics {
		metrics = telemetry.NewMetrics(nil)
	}
	recorder := telemetry.NewRecorder(discardLogger(),
		telemetry.WithLatency(telemetry.NewLatencyTracker(0.01)),
		telemetry.WithMetrics(metrics),
	)
	coord := coordinator.New(coordinator.ConfigFrom(cfg), manager, c, recorder, discardLogger())

	srv, err := New(cfg, Dependencies{
		Transcriber: coord,
		Lifecycle:   manager,
		Cache:       c,
		Recorder:    recorder,
		Metrics:     metrics,
		Fetcher:     opts.fetcher,
	}, discardLogger())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	ts := &testServer{srv: srv, manager: manager, engine: fe, cache: c, release: release}
	if !opts.noLoad {
		manager.StartLoad()
	}
	if !opts.noLoad && !opts.gated {
		if _, err := manager.AwaitReady(context.Background(), 2*time.Second); err != nil {
			t.Fatalf("AwaitReady error: %v", err)
		}
	}
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, path string, audio []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "clip.mp3")
	if err != nil {
		t.Fatalf("CreateFormFile error: %v", err)
	}
	if _, err := part.Write(audio); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHealthBeforeLoad(t *testing.T) {
	ts := newTestServer(t, serverOptions{noLoad: true})

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assertStatus(t, rec, http.StatusOK)

	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "running" || body["model_loaded"] != false || body["model_loading"] != false {
		t.Fatalf("unexpected health body: %v", body)
	}
	if v, ok := body["model_error"]; !ok || v != nil {
		t.Fatalf("expected model_error null, got %v (present=%v)", v, ok)
	}
}

func TestTranscribeWhileLoadingReturns503(t *testing.T) {
	ts := newTestServer(t, serverOptions{gated: true})

	rec := ts.do(multipartRequest(t, "/transcribe", []byte("audio")))
	assertStatus(t, rec, http.StatusServiceUnavailable)
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	var body map[string]string
	decode(t, rec, &body)
	if !strings.Contains(body["detail"], "still loading") {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
	if ts.cache.Len() != 0 {
		t.Fatalf("cache should stay empty, has %d entries", ts.cache.Len())
	}

	health := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	var hb map[string]any
	decode(t, health, &hb)
	if hb["model_loading"] != true {
		t.Fatalf("expected model_loading true, got %v", hb)
	}
	close(ts.release)
}

func TestTranscribeAndCachedResubmit(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	first := ts.do(multipartRequest(t, "/transcribe", []byte("X")))
	assertStatus(t, first, http.StatusOK)
	if first.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("expected cache miss header, got %q", first.Header().Get("X-Cache"))
	}
	var resp transcribeResponse
	decode(t, first, &resp)
	if resp.Text != "hello" || resp.Language != "en" || resp.Probability != 0.95 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	second := ts.do(multipartRequest(t, "/transcribe/", []byte("X")))
	assertStatus(t, second, http.StatusOK)
	if second.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("expected cache hit header")
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("cached body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if got := ts.engine.calls.Load(); got != 1 {
		t.Fatalf("expected one engine call, got %d", got)
	}
}

func TestTranscribeRawBody(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	req := httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader("raw-audio"))
	req.Header.Set("Content-Type", "audio/mpeg")
	rec := ts.do(req)
	assertStatus(t, rec, http.StatusOK)
}

func TestTranscribeMissingFileField(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("note", "no audio here")
	_ = w.Close()
	req := httptest.NewRequest(http.MethodPost, "/transcribe", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())

	rec := ts.do(req)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestTranscribeEmptyAudio(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	rec := ts.do(multipartRequest(t, "/transcribe", nil))
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestTranscribeLoadFailed(t *testing.T) {
	ts := newTestServer(t, serverOptions{loadErr: errors.New("model file corrupt"), noLoad: true})
	ts.manager.StartLoad()
	if st, _ := ts.manager.AwaitReady(context.Background(), 2*time.Second); st.Status != lifecycle.StatusFailed {
		t.Fatalf("expected failed state, got %v", st.Status)
	}

	rec := ts.do(multipartRequest(t, "/transcribe", []byte("audio")))
	assertStatus(t, rec, http.StatusInternalServerError)
	var body map[string]string
	decode(t, rec, &body)
	if body["detail"] != "Model error: model file corrupt" {
		t.Fatalf("unexpected detail %q", body["detail"])
	}

	health := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	var hb map[string]any
	decode(t, health, &hb)
	if hb["model_error"] != "model file corrupt" {
		t.Fatalf("expected model_error in health, got %v", hb)
	}
}

func TestWaitPolicyTimesOut(t *testing.T) {
	ts := newTestServer(t, serverOptions{gated: true, mutate: func(cfg *config.Config) {
		cfg.LoadingPolicy = config.PolicyWait
		cfg.LoadTimeout = 50 * time.Millisecond
	}})
	defer close(ts.release)

	rec := ts.do(multipartRequest(t, "/transcribe", []byte("audio")))
	assertStatus(t, rec, http.StatusServiceUnavailable)
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestAPIKeyGuard(t *testing.T) {
	ts := newTestServer(t, serverOptions{mutate: func(cfg *config.Config) {
		cfg.APIKey = "secret"
		cfg.AllowedOrigin = "https://app.example"
	}})

	assertStatus(t, ts.do(httptest.NewRequest(http.MethodGet, "/", nil)), http.StatusOK)
	assertStatus(t, ts.do(multipartRequest(t, "/transcribe", []byte("a"))), http.StatusUnauthorized)

	wrong := multipartRequest(t, "/transcribe", []byte("a"))
	wrong.Header.Set("Authorization", "Bearer nope")
	assertStatus(t, ts.do(wrong), http.StatusUnauthorized)

	ok := multipartRequest(t, "/transcribe", []byte("a"))
	ok.Header.Set("Authorization", "Bearer secret")
	assertStatus(t, ts.do(ok), http.StatusOK)

	trusted := multipartRequest(t, "/transcribe", []byte("b"))
	trusted.Header.Set("Origin", "https://app.example")
	assertStatus(t, ts.do(trusted), http.StatusOK)
}

func TestUploadLimit(t *testing.T) {
	ts := newTestServer(t, serverOptions{mutate: func(cfg *config.Config) {
		cfg.MaxUploadSize = "1KB"
	}})

	rec := ts.do(multipartRequest(t, "/transcribe", bytes.Repeat([]byte("a"), 4096)))
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)

	// Unknown length bodies are cut off while reading.
	req := httptest.NewRequest(http.MethodPost, "/transcribe", io.NopCloser(bytes.NewReader(bytes.Repeat([]byte("a"), 4096))))
	req.ContentLength = -1
	rec = ts.do(req)
	assertStatus(t, rec, http.StatusRequestEntityTooLarge)
	if ts.engine.calls.Load() != 0 {
		t.Fatalf("engine should not run for oversized uploads")
	}
}

func TestReload(t *testing.T) {
	ts := newTestServer(t, serverOptions{noLoad: true})

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/reload", nil))
	assertStatus(t, rec, http.StatusAccepted)
	var body reloadResponse
	decode(t, rec, &body)
	if !body.Started {
		t.Fatalf("expected reload to start a load")
	}
	if _, err := ts.manager.AwaitReady(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("AwaitReady error: %v", err)
	}

	rec = ts.do(httptest.NewRequest(http.MethodPost, "/reload", nil))
	decode(t, rec, &body)
	if body.Started || !body.ModelLoaded {
		t.Fatalf("ready engine should not reload: %+v", body)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	assertStatus(t, ts.do(multipartRequest(t, "/transcribe", []byte("X"))), http.StatusOK)
	assertStatus(t, ts.do(multipartRequest(t, "/transcribe", []byte("X"))), http.StatusOK)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/stats", nil))
	assertStatus(t, rec, http.StatusOK)
	var stats statsResponse
	decode(t, rec, &stats)
	if stats.Engine.State != "ready" {
		t.Fatalf("unexpected engine state %q", stats.Engine.State)
	}
	if stats.Requests.TotalRequests != 2 || stats.Requests.CacheHits != 1 {
		t.Fatalf("unexpected request totals: %+v", stats.Requests)
	}
	if stats.Cache == nil || stats.Cache.Size != 1 || stats.Cache.Hits != 1 {
		t.Fatalf("unexpected cache stats: %+v", stats.Cache)
	}

	metrics := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assertStatus(t, metrics, http.StatusOK)
	if !strings.Contains(metrics.Body.String(), "transcribe_api_requests_total") {
		t.Fatalf("metrics output missing request counter")
	}
}

func TestMetricsRouteAbsentWithoutCollectors(t *testing.T) {
	ts := newTestServer(t, serverOptions{noMetrics: true})
	assertStatus(t, ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil)), http.StatusNotFound)
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	if got := ts.do(req).Header().Get("X-Request-Id"); got != "abc-123" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
	if got := ts.do(httptest.NewRequest(http.MethodGet, "/", nil)).Header().Get("X-Request-Id"); got == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, serverOptions{mutate: func(cfg *config.Config) {
		cfg.CORSOrigins = []string{"https://app.example"}
	}})

	req := httptest.NewRequest(http.MethodOptions, "/transcribe", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := ts.do(req)
	assertStatus(t, rec, http.StatusNoContent)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("missing allow-origin header")
	}

	other := httptest.NewRequest(http.MethodOptions, "/transcribe", nil)
	other.Header.Set("Origin", "https://evil.example")
	if got := ts.do(other).Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}

func TestTranscribeURL(t *testing.T) {
	ts := newTestServer(t, serverOptions{fetcher: fakeFetcher{obj: source.Object{Data: []byte("remote"), Filename: "a.mp3"}}})

	req := httptest.NewRequest(http.MethodPost, "/transcribe/url", strings.NewReader(`{"url":"s3://bucket/a.mp3"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := ts.do(req)
	assertStatus(t, rec, http.StatusOK)

	missing := httptest.NewRequest(http.MethodPost, "/transcribe/url", strings.NewReader(`{}`))
	missing.Header.Set("Content-Type", "application/json")
	assertStatus(t, ts.do(missing), http.StatusBadRequest)
}

func TestTranscribeURLErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"invalid":   {err: source.ErrInvalidURL, want: http.StatusBadRequest},
		"too large": {err: source.ErrTooLarge, want: http.StatusRequestEntityTooLarge},
		"upstream":  {err: errors.New("access denied"), want: http.StatusBadGateway},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ts := newTestServer(t, serverOptions{fetcher: fakeFetcher{err: tc.err}})
			req := httptest.NewRequest(http.MethodPost, "/transcribe/url", strings.NewReader(`{"url":"s3://b/k"}`))
			req.Header.Set("Content-Type", "application/json")
			assertStatus(t, ts.do(req), tc.want)
		})
	}
}

func TestTranscribeURLRouteDisabled(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	req := httptest.NewRequest(http.MethodPost, "/transcribe/url", strings.NewReader(`{"url":"s3://b/k"}`))
	assertStatus(t, ts.do(req), http.StatusNotFound)
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(config.Default(), Dependencies{}, discardLogger()); err == nil {
		t.Fatalf("expected error without transcriber")
	}
}

func TestTranscribeErrorStatus(t *testing.T) {
	ts := newTestServer(t, serverOptions{noLoad: true})
	cases := map[string]struct {
		err  error
		want int
	}{
		"canceled during inference": {err: &coordinator.TranscriptionError{Cause: context.Canceled}, want: http.StatusGatewayTimeout},
		"deadline":                  {err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		"engine failure":            {err: &coordinator.TranscriptionError{Cause: errors.New("bad frames")}, want: http.StatusInternalServerError},
		"load failure":              {err: &coordinator.EngineLoadError{Reason: "oom"}, want: http.StatusInternalServerError},
		"not ready":                 {err: coordinator.ErrEngineNotReady, want: http.StatusServiceUnavailable},
		"empty":                     {err: coordinator.ErrEmptyAudio, want: http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(rec)
			ts.srv.respondTranscribeError(c, tc.err)
			assertStatus(t, rec, tc.want)
		})
	}
}
