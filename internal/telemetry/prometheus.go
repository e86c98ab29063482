package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transcribe_api"

// Metrics holds the Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	transcribeDuration prometheus.Histogram
	cacheLookups       *prometheus.CounterVec
	activeRequests     prometheus.Gauge
	engineState        *prometheus.GaugeVec
	modelLoads         *prometheus.CounterVec
	modelLoadDuration  prometheus.Histogram
	audioBytes         prometheus.Counter
}

// NewMetrics creates and registers the service collectors. constLabels are
// attached to every series.
func NewMetrics(constLabels map[string]string) *Metrics {
	labels := prometheus.Labels(constLabels)
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_total",
			Help:        "Transcription requests by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "request_duration_seconds",
			Help:        "End-to-end transcription request duration",
			Buckets:     []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			ConstLabels: labels,
		}, []string{"outcome"}),
		transcribeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "engine_transcribe_duration_seconds",
			Help:        "Duration of engine transcription calls",
			Buckets:     []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			ConstLabels: labels,
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_lookups_total",
			Help:        "Result cache lookups by result",
			ConstLabels: labels,
		}, []string{"result"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "active_requests",
			Help:        "Transcription requests in flight",
			ConstLabels: labels,
		}),
		engineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "engine_state",
			Help:        "1 for the current engine lifecycle state",
			ConstLabels: labels,
		}, []string{"state"}),
		modelLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "model_loads_total",
			Help:        "Completed model load attempts by result",
			ConstLabels: labels,
		}, []string{"result"}),
		modelLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "model_load_duration_seconds",
			Help:        "Duration of model load attempts",
			Buckets:     []float64{1, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: labels,
		}),
		audioBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "audio_bytes_total",
			Help:        "Audio bytes received",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.transcribeDuration,
		m.cacheLookups,
		m.activeRequests,
		m.engineState,
		m.modelLoads,
		m.modelLoadDuration,
		m.audioBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) requestStarted(bytes int) {
	if m == nil {
		return
	}
	m.activeRequests.Inc()
	if bytes > 0 {
		m.audioBytes.Add(float64(bytes))
	}
}

func (m *Metrics) requestFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeRequests.Dec()
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) transcribed(d time.Duration) {
	if m == nil {
		return
	}
	m.transcribeDuration.Observe(d.Seconds())
}

func (m *Metrics) engineStateChanged(state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1
		}
		m.engineState.WithLabelValues(s).Set(value)
	}
}

func (m *Metrics) modelLoaded(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.modelLoads.WithLabelValues(result).Inc()
	m.modelLoadDuration.Observe(d.Seconds())
}
