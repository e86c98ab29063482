package engine

import (
	"context"
	"strings"
)

// Engine is a loaded transcription model. Implementations must be safe for
// concurrent use once construction has returned.
type Engine interface {
	// Transcribe decodes the audio file at audioPath.
	Transcribe(ctx context.Context, audioPath string, opts Options) (Result, error)
	// Close releases underlying resources.
	Close() error
}

// Constructor builds an Engine. It is expected to be slow.
type Constructor func(ctx context.Context, spec Spec) (Engine, error)

// Spec identifies the model to load.
type Spec struct {
	ModelSize   string
	Device      string
	ComputeType string
}

// Options configures decoding for a single Transcribe call.
type Options struct {
	BeamSize int
	// Language is a hint; "auto" or empty enables detection.
	Language    string
	Temperature float64
	VAD         VADOptions
}

// VADOptions mirrors the voice-activity parameters accepted by faster-whisper.
type VADOptions struct {
	MinSilenceDurationMs int
}

// Segment is a time-aligned portion of a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the output of a single Transcribe call.
type Result struct {
	Segments            []Segment
	Language            string
	LanguageProbability float64
}

// Text joins the segment texts with single spaces.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Segments))
	for _, seg := range r.Segments {
		if trimmed := strings.TrimSpace(seg.Text); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, " ")
}

func languageHint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.EqualFold(trimmed, "auto") {
		return ""
	}
	return trimmed
}
