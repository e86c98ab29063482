package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nupi-ai/whisper-transcribe-api/internal/config"
)

func stubConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Backend = config.BackendStub
	cfg.HealthAddr = ""
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TempDir = t.TempDir()
	cfg.DataDir = t.TempDir()
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunReturnsBindErrorAfterLoadStarted(t *testing.T) {
	cfg := stubConfig(t)
	cfg.ListenAddr = "127.0.0.1:-1"

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg, discardLogger()) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "bind listener") {
			t.Fatalf("expected bind error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after bind failure")
	}
}

func TestRunRejectsUnknownBackend(t *testing.T) {
	cfg := stubConfig(t)
	cfg.Backend = "whispercpp"
	if err := run(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := stubConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, discardLogger()) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in).Level(); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
