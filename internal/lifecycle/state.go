package lifecycle

import "time"

// Status is the load phase of the engine.
type Status int

const (
	StatusUnloaded Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a snapshot of the lifecycle. Reason is set only when Failed.
type State struct {
	Status Status
	Reason string
	Since  time.Time
}

// Terminal reports whether a waiter can stop waiting on this state.
func (s State) Terminal() bool {
	return s.Status == StatusReady || s.Status == StatusFailed
}
