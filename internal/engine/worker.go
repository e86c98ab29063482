package engine

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

//go:embed assets/faster_whisper_worker.py
var workerScript []byte

const (
	workerScriptName  = "faster_whisper_worker.py"
	modelLockName     = ".model.lock"
	maxWorkerLineSize = 10 * 1024 * 1024
	lockRetryDelay    = 250 * time.Millisecond
	workerStopTimeout = 5 * time.Second
)

// ErrWorkerClosed is returned by Transcribe after Close.
var ErrWorkerClosed = errors.New("engine: worker closed")

// WorkerConfig configures the faster-whisper worker backend.
type WorkerConfig struct {
	PythonBin string
	// DataDir receives the helper script, the model lock and downloaded models.
	DataDir string
	Logger  *slog.Logger

	// command builds the child process; tests substitute a helper binary.
	command func(scriptPath string, args []string) *exec.Cmd
}

type workerRequest struct {
	ID              int64   `json:"id"`
	Command         string  `json:"command"`
	Path            string  `json:"path,omitempty"`
	BeamSize        int     `json:"beam_size,omitempty"`
	Language        string  `json:"language,omitempty"`
	Temperature     float64 `json:"temperature"`
	VADMinSilenceMs int     `json:"vad_min_silence_ms,omitempty"`
}

type workerResponse struct {
	ID                  int64     `json:"id"`
	Ready               bool      `json:"ready,omitempty"`
	Error               string    `json:"error,omitempty"`
	Segments            []Segment `json:"segments,omitempty"`
	Language            string    `json:"language,omitempty"`
	LanguageProbability float64   `json:"language_probability,omitempty"`
}

// WorkerEngine drives a long-lived faster-whisper Python process over a
// JSON-lines protocol on stdin/stdout. The child handles one request at a
// time, so calls are serialised.
type WorkerEngine struct {
	log *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	encoder *json.Encoder
	scanner *bufio.Scanner
	stderr  *lineLogger
	nextID  int64
	broken  error
	closed  bool

	waitDone chan struct{}
	waitErr  error
}

// NewWorkerConstructor returns a Constructor that starts a faster-whisper
// worker process and waits for it to report the model as loaded.
func NewWorkerConstructor(cfg WorkerConfig) Constructor {
	return func(ctx context.Context, spec Spec) (Engine, error) {
		return startWorker(ctx, cfg, spec)
	}
}

func startWorker(ctx context.Context, cfg WorkerConfig, spec Spec) (*WorkerEngine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		"component", "engine.worker",
		"model_size", spec.ModelSize,
		"device", spec.Device,
		"compute_type", spec.ComputeType,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}

	// Two processes sharing a data dir must not download the same model at once.
	lock := flock.New(filepath.Join(cfg.DataDir, modelLockName))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("engine: lock model dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("engine: lock model dir: %s is held by another process", lock.Path())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release model lock", "error", err)
		}
	}()

	scriptPath, err := writeWorkerScript(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	args := []string{
		"--model", spec.ModelSize,
		"--device", spec.Device,
		"--compute-type", spec.ComputeType,
		"--download-root", filepath.Join(cfg.DataDir, "models"),
	}
	var cmd *exec.Cmd
	if cfg.command != nil {
		cmd = cfg.command(scriptPath, args)
	} else {
		python := strings.TrimSpace(cfg.PythonBin)
		if python == "" {
			python = "python3"
		}
		cmd = exec.Command(python, append([]string{"-u", scriptPath}, args...)...)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr := &lineLogger{log: logger}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("engine: stdin pipe: %w", err)
	}

	logger.Info("starting worker process", "path", cmd.Path)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("engine: start worker: %w", err)
	}
	stdoutW.Close()

	scanner := bufio.NewScanner(stdoutR)
	scanner.Buffer(make([]byte, 0, 64*1024), maxWorkerLineSize)

	w := &WorkerEngine{
		log:      logger,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdoutR,
		encoder:  json.NewEncoder(stdin),
		scanner:  scanner,
		stderr:   stderr,
		waitDone: make(chan struct{}),
	}
	go func() {
		w.waitErr = cmd.Wait()
		close(w.waitDone)
	}()

	type handshake struct {
		resp workerResponse
		err  error
	}
	ready := make(chan handshake, 1)
	go func() {
		resp, err := w.readResponse()
		ready <- handshake{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		w.kill()
		return nil, fmt.Errorf("engine: waiting for worker: %w", ctx.Err())
	case hs := <-ready:
		if hs.err != nil {
			w.kill()
			return nil, hs.err
		}
		if hs.resp.Error != "" {
			w.kill()
			return nil, fmt.Errorf("engine: worker failed to load model: %s", hs.resp.Error)
		}
		if !hs.resp.Ready {
			w.kill()
			return nil, errors.New("engine: worker sent unexpected handshake")
		}
	}

	logger.Info("worker ready", "load_ms", time.Since(start).Milliseconds())
	return w, nil
}

// Transcribe implements the Engine interface.
func (w *WorkerEngine) Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Result{}, ErrWorkerClosed
	}
	if w.broken != nil {
		return Result{}, w.broken
	}

	w.nextID++
	req := workerRequest{
		ID:              w.nextID,
		Command:         "transcribe",
		Path:            audioPath,
		BeamSize:        opts.BeamSize,
		Language:        languageHint(opts.Language),
		Temperature:     opts.Temperature,
		VADMinSilenceMs: opts.VAD.MinSilenceDurationMs,
	}
	if err := w.encoder.Encode(req); err != nil {
		w.broken = fmt.Errorf("engine: write worker request: %w", err)
		return Result{}, w.broken
	}

	resp, err := w.readResponse()
	if err != nil {
		w.broken = err
		return Result{}, err
	}
	if resp.ID != req.ID {
		w.broken = fmt.Errorf("engine: worker response id %d does not match request %d", resp.ID, req.ID)
		return Result{}, w.broken
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("engine: worker: %s", resp.Error)
	}
	return Result{
		Segments:            resp.Segments,
		Language:            resp.Language,
		LanguageProbability: resp.LanguageProbability,
	}, nil
}

// Close asks the worker to exit and kills it if it does not stop in time.
func (w *WorkerEngine) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.nextID++
	_ = w.encoder.Encode(workerRequest{ID: w.nextID, Command: "close"})
	_ = w.stdin.Close()

	select {
	case <-w.waitDone:
	case <-time.After(workerStopTimeout):
		w.log.Warn("worker did not exit in time, killing")
		_ = w.cmd.Process.Kill()
		<-w.waitDone
	}
	w.stdout.Close()

	var exitErr *exec.ExitError
	if w.waitErr != nil && !errors.As(w.waitErr, &exitErr) {
		return fmt.Errorf("engine: wait worker: %w", w.waitErr)
	}
	return nil
}

func (w *WorkerEngine) readResponse() (workerResponse, error) {
	if !w.scanner.Scan() {
		err := w.scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if tail := w.stderr.Last(); tail != "" {
			return workerResponse{}, fmt.Errorf("engine: worker exited: %w (stderr: %s)", err, tail)
		}
		return workerResponse{}, fmt.Errorf("engine: worker exited: %w", err)
	}
	var resp workerResponse
	if err := json.Unmarshal(w.scanner.Bytes(), &resp); err != nil {
		return workerResponse{}, fmt.Errorf("engine: decode worker response: %w", err)
	}
	return resp, nil
}

func (w *WorkerEngine) kill() {
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	<-w.waitDone
	w.stdout.Close()
}

func writeWorkerScript(dir string) (string, error) {
	path := filepath.Join(dir, workerScriptName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, workerScript, 0o644); err != nil {
		return "", fmt.Errorf("engine: write worker script: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("engine: install worker script: %w", err)
	}
	return path, nil
}

// lineLogger forwards child stderr to the logger line by line and keeps the
// last non-empty line for error messages.
type lineLogger struct {
	log *slog.Logger

	mu      sync.Mutex
	partial []byte
	last    string
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partial = append(l.partial, p...)
	for {
		idx := bytes.IndexByte(l.partial, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(l.partial[:idx]))
		l.partial = l.partial[idx+1:]
		if line == "" {
			continue
		}
		l.last = line
		l.log.Debug("worker stderr", "line", line)
	}
	return len(p), nil
}

// Last returns the most recent stderr line.
func (l *lineLogger) Last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == "" {
		return strings.TrimSpace(string(l.partial))
	}
	return l.last
}
