package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the hot path. A fresh underlying
// prometheus registry per instance keeps tests independent.
type Registry struct {
	reg *prometheus.Registry

	EventsProcessed *prometheus.CounterVec
	MalformedEvents prometheus.Counter
	DepthReplays    prometheus.Counter

	GapDetections    *prometheus.CounterVec
	ReanchorAttempts *prometheus.CounterVec
	ReanchorDegraded prometheus.Gauge

	Revision            prometheus.Gauge
	FeatureCompleteness prometheus.Gauge
	FeatureAgeMS        prometheus.Gauge

	TickLatency prometheus.Histogram
	Predictions *prometheus.CounterVec
	SinkErrors  prometheus.Counter
}

// NewRegistry creates and registers every pipeline metric.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "btcstream_events_processed_total",
			Help: "Market events consumed by the aggregator, by kind",
		},
		[]string{"kind"},
	)
	r.MalformedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "btcstream_events_malformed_total",
			Help: "Events dropped for failing schema validation",
		},
	)
	r.DepthReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "btcstream_depth_replays_ignored_total",
			Help: "Depth diffs ignored because their update id range was already applied",
		},
	)
	r.GapDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "btcstream_gap_detections_total",
			Help: "Stream discontinuities detected, by rule",
		},
		[]string{"rule"},
	)
	r.ReanchorAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "btcstream_reanchor_attempts_total",
			Help: "Re-anchor attempts, by result",
		},
		[]string{"result"},
	)
	r.ReanchorDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "btcstream_reanchor_degraded",
			Help: "1 while the re-anchor coordinator is in DEGRADED state",
		},
	)
	r.Revision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "btcstream_hotstate_revision",
			Help: "Current hot-state revision id",
		},
	)
	r.FeatureCompleteness = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "btcstream_feature_completeness",
			Help: "Completeness ratio of the latest feature vector (0.0 to 1.0)",
		},
	)
	r.FeatureAgeMS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "btcstream_feature_age_ms",
			Help: "Data age of the latest feature vector in milliseconds",
		},
	)
	r.TickLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "btcstream_tick_latency_seconds",
			Help:    "Inference tick duration from state read to publish",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)
	r.Predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "btcstream_predictions_total",
			Help: "Predictions published, by source label",
		},
		[]string{"source"},
	)
	r.SinkErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "btcstream_sink_errors_total",
			Help: "Prediction sink publish failures (best effort, never blocking)",
		},
	)

	r.reg.MustRegister(
		r.EventsProcessed, r.MalformedEvents, r.DepthReplays,
		r.GapDetections, r.ReanchorAttempts, r.ReanchorDegraded,
		r.Revision, r.FeatureCompleteness, r.FeatureAgeMS,
		r.TickLatency, r.Predictions, r.SinkErrors,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
