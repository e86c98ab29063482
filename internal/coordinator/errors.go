package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineNotReady is returned while the engine is loading under the
	// fail policy. Callers should retry later.
	ErrEngineNotReady = errors.New("coordinator: model is still loading")
	// ErrEngineLoadTimeout is returned by the wait policy when the engine
	// does not become ready within the load timeout.
	ErrEngineLoadTimeout = errors.New("coordinator: timed out waiting for model to load")
	// ErrEmptyAudio rejects zero-length payloads.
	ErrEmptyAudio = errors.New("coordinator: audio payload is empty")
)

// EngineLoadError reports that the engine failed to load.
type EngineLoadError struct {
	Reason string
}

func (e *EngineLoadError) Error() string {
	return fmt.Sprintf("coordinator: model failed to load: %s", e.Reason)
}

// TranscriptionError wraps a failure raised by the engine during inference.
type TranscriptionError struct {
	Cause error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("coordinator: transcription failed: %v", e.Cause)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Cause
}
