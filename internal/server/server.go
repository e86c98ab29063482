// Package server exposes the transcription service over HTTP using gin.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nupi-ai/whisper-transcribe-api/internal/cache"
	"github.com/nupi-ai/whisper-transcribe-api/internal/config"
	"github.com/nupi-ai/whisper-transcribe-api/internal/coordinator"
	"github.com/nupi-ai/whisper-transcribe-api/internal/lifecycle"
	"github.com/nupi-ai/whisper-transcribe-api/internal/source"
	"github.com/nupi-ai/whisper-transcribe-api/internal/telemetry"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Transcriber runs the per-request protocol.
type Transcriber interface {
	Transcribe(ctx context.Context, req coordinator.Request) (coordinator.Response, error)
}

// Lifecycle reports and drives the engine load state.
type Lifecycle interface {
	State() lifecycle.State
	StartLoad() bool
}

// Fetcher downloads audio referenced by URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (source.Object, error)
}

// Dependencies are the collaborators served over HTTP. Cache, Recorder,
// Metrics and Fetcher are optional.
type Dependencies struct {
	Transcriber Transcriber
	Lifecycle   Lifecycle
	Cache       *cache.Cache
	Recorder    *telemetry.Recorder
	Metrics     *telemetry.Metrics
	Fetcher     Fetcher
}

// Server is the HTTP front end.
type Server struct {
	cfg       config.Config
	log       *slog.Logger
	deps      Dependencies
	maxUpload int64

	router *gin.Engine
	http   *http.Server
}

// New builds the router and applies the middleware stack.
func New(cfg config.Config, deps Dependencies, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Transcriber == nil || deps.Lifecycle == nil {
		return nil, errors.New("server: transcriber and lifecycle are required")
	}
	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:       cfg,
		log:       logger.With("component", "server"),
		deps:      deps,
		maxUpload: maxUpload,
		router:    gin.New(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(recovery(s.log))
	r.Use(requestID())
	r.Use(cors(s.cfg.CORSOrigins))
	if s.cfg.APIKey != "" {
		r.Use(apiKey(s.cfg.APIKey, s.cfg.AllowedOrigin, "/", "/metrics"))
	}
	if s.maxUpload > 0 {
		r.Use(bodyLimit(s.maxUpload))
	}
	r.Use(requestLogger(s.log))

	r.GET("/", s.handleHealth)
	r.POST("/transcribe", s.handleTranscribe)
	r.POST("/transcribe/", s.handleTranscribe)
	if s.deps.Fetcher != nil {
		r.POST("/transcribe/url", s.handleTranscribeURL)
	}
	r.POST("/reload", s.handleReload)
	r.GET("/stats", s.handleStats)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on lis until Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within a bounded deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}
