package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Operations tracked by the latency sketches.
const (
	OpRequest    = "request"
	OpTranscribe = "transcribe"
	OpModelLoad  = "model_load"
)

// LatencyTracker keeps DDSketch quantile summaries per operation.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker returns a tracker whose quantiles are accurate to
// relativeAccuracy (0.01 is 1%).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record adds a duration, in milliseconds, to the operation's sketch.
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	if lt == nil {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}
	_ = sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// LatencyStats summarises one operation in milliseconds.
type LatencyStats struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Min       float64 `json:"min_ms"`
	P50       float64 `json:"p50_ms"`
	P90       float64 `json:"p90_ms"`
	P99       float64 `json:"p99_ms"`
	Max       float64 `json:"max_ms"`
}

// Stats returns the summary for operation.
func (lt *LatencyTracker) Stats(operation string) (LatencyStats, error) {
	if lt == nil {
		return LatencyStats{}, fmt.Errorf("telemetry: no latency data for %s", operation)
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(operation)
}

func (lt *LatencyTracker) statsLocked(operation string) (LatencyStats, error) {
	sketch, ok := lt.sketches[operation]
	if !ok {
		return LatencyStats{}, fmt.Errorf("telemetry: no latency data for %s", operation)
	}
	count := sketch.GetCount()
	if count == 0 {
		return LatencyStats{Operation: operation}, nil
	}
	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()
	return LatencyStats{
		Operation: operation,
		Count:     int64(count),
		Min:       min,
		P50:       p50,
		P90:       p90,
		P99:       p99,
		Max:       max,
	}, nil
}

// All returns summaries for every tracked operation, sorted by name.
func (lt *LatencyTracker) All() []LatencyStats {
	if lt == nil {
		return nil
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	out := make([]LatencyStats, 0, len(lt.sketches))
	for op := range lt.sketches {
		if st, err := lt.statsLocked(op); err == nil {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func (s LatencyStats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Operation)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}
