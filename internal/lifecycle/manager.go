package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nupi-ai/whisper-transcribe-api/internal/engine"
)

var (
	// ErrAwaitTimeout is returned by AwaitReady when the engine is neither
	// ready nor failed before the timeout.
	ErrAwaitTimeout = errors.New("lifecycle: timed out waiting for engine")
	errClosed       = errors.New("lifecycle: manager closed")
)

// Option customises a Manager.
type Option func(*Manager)

// WithObserver registers fn to receive the latest state after transitions.
// Observers run outside the state lock and must not block for long.
func WithObserver(fn func(State)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.observers = append(m.observers, fn)
		}
	}
}

// Manager owns the engine handle and drives it through its load states.
// It never starts loading on its own; callers invoke StartLoad.
type Manager struct {
	construct engine.Constructor
	spec      engine.Spec
	log       *slog.Logger
	observers []func(State)

	mu       sync.Mutex
	state    State
	eng      engine.Engine
	changed  chan struct{}
	attempts int
	closed   bool

	notifyMu     sync.Mutex
	lastNotified State

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns a Manager in the Unloaded state.
func NewManager(construct engine.Constructor, spec engine.Spec, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		construct: construct,
		spec:      spec,
		log:       logger.With("component", "lifecycle", "model_size", spec.ModelSize),
		state:     State{Status: StatusUnloaded, Since: time.Now()},
		changed:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.lastNotified = m.state
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartLoad begins construction on a background goroutine when the manager
// is Unloaded or Failed. It reports whether a new attempt was started.
func (m *Manager) StartLoad() bool {
	m.mu.Lock()
	if m.closed || m.state.Status == StatusLoading || m.state.Status == StatusReady {
		m.mu.Unlock()
		return false
	}
	m.attempts++
	attempt := m.attempts
	m.setLocked(State{Status: StatusLoading})
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("engine load started", "attempt", attempt)
	m.notify()
	go m.load(attempt)
	return true
}

// State returns the current snapshot without blocking on construction.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of load attempts started so far.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Engine returns the loaded engine when the manager is Ready.
func (m *Manager) Engine() (engine.Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusReady || m.eng == nil {
		return nil, false
	}
	return m.eng, true
}

// AwaitReady blocks until the state is Ready or Failed. A non-positive
// timeout waits until ctx is done.
func (m *Manager) AwaitReady(ctx context.Context, timeout time.Duration) (State, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		m.mu.Lock()
		st, changed := m.state, m.changed
		m.mu.Unlock()
		if st.Terminal() {
			return st, nil
		}
		select {
		case <-changed:
		case <-expired:
			return m.State(), ErrAwaitTimeout
		case <-ctx.Done():
			return m.State(), ctx.Err()
		}
	}
}

// Close cancels an in-flight load, waits for it and releases the engine.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	eng := m.eng
	m.eng = nil
	m.setLocked(State{Status: StatusUnloaded})
	m.mu.Unlock()
	m.notify()

	if eng == nil {
		return nil
	}
	if err := eng.Close(); err != nil {
		return fmt.Errorf("lifecycle: close engine: %w", err)
	}
	return nil
}

func (m *Manager) load(attempt int) {
	defer m.wg.Done()
	start := time.Now()
	eng, err := m.safeConstruct()
	elapsed := time.Since(start)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if eng != nil {
			_ = eng.Close()
		}
		m.log.Info("engine load abandoned on shutdown", "attempt", attempt)
		return
	}
	if err != nil {
		m.setLocked(State{Status: StatusFailed, Reason: err.Error()})
	} else {
		m.eng = eng
		m.setLocked(State{Status: StatusReady})
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Error("engine load failed", "attempt", attempt, "error", err, "duration_ms", elapsed.Milliseconds())
	} else {
		m.log.Info("engine ready", "attempt", attempt, "duration_ms", elapsed.Milliseconds())
	}
	m.notify()
}

func (m *Manager) safeConstruct() (eng engine.Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			eng, err = nil, fmt.Errorf("engine construction panicked: %v", r)
		}
	}()
	if m.construct == nil {
		return nil, errors.New("no engine constructor configured")
	}
	eng, err = m.construct(m.ctx, m.spec)
	if err == nil && eng == nil {
		err = errors.New("engine constructor returned nil engine")
	}
	if m.ctx.Err() != nil && err == nil {
		_ = eng.Close()
		return nil, errClosed
	}
	return eng, err
}

// setLocked records the transition and wakes AwaitReady callers.
func (m *Manager) setLocked(st State) {
	st.Since = time.Now()
	m.state = st
	close(m.changed)
	m.changed = make(chan struct{})
}

// notify delivers the latest state so observers always converge on it even
// when transitions race.
func (m *Manager) notify() {
	if len(m.observers) == 0 {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	st := m.State()
	if st == m.lastNotified {
		return
	}
	m.lastNotified = st
	for _, fn := range m.observers {
		fn(st)
	}
}
