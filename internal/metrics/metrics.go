package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	stageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddreview_stage_transitions_total",
			Help: "Pipeline state mutations by action and result",
		},
		[]string{"action", "result"}, // result: "ok", "rejected", "stale"
	)

	staleWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddreview_stale_writes_total",
			Help: "Mutations rejected because the caller held an outdated revision",
		},
		[]string{"resource"}, // "pipeline", "report"
	)

	// Checkpoint metrics
	checkpointResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddreview_checkpoint_resolutions_total",
			Help: "Checkpoint lifecycle events by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: "created", "completed", "skipped", "incomplete", "superseded", "regenerated"
	)

	openCheckpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ddreview_open_checkpoints",
			Help: "Checkpoints currently awaiting user input",
		},
	)

	// Report metrics
	refinementOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ddreview_refinements_total",
			Help: "Refinement proposals by outcome",
		},
		[]string{"outcome"}, // "proposed", "merged", "edited", "discarded", "failed"
	)

	synthesisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ddreview_synthesis_request_duration_seconds",
			Help:    "Duration of refinement proposal requests to the synthesis collaborator",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
	)

	// HTTP metrics
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ddreview_http_request_duration_seconds",
			Help:    "HTTP request duration by route and status code class",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"route", "code"},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// RecordTransition records a pipeline mutation outcome
func (c *Collector) RecordTransition(action string, result string) {
	stageTransitions.WithLabelValues(action, result).Inc()
}

// RecordStaleWrite records an optimistic concurrency rejection
func (c *Collector) RecordStaleWrite(resource string) {
	staleWrites.WithLabelValues(resource).Inc()
	c.logger.Debug("Stale write rejected", "resource", resource)
}

// RecordCheckpoint records a checkpoint lifecycle event
func (c *Collector) RecordCheckpoint(checkpointType string, outcome string) {
	checkpointResolutions.WithLabelValues(checkpointType, outcome).Inc()
	switch outcome {
	case "created":
		openCheckpoints.Inc()
	case "completed", "skipped", "superseded":
		openCheckpoints.Dec()
	}
}

// RecordRefinement records a proposal outcome
func (c *Collector) RecordRefinement(outcome string) {
	refinementOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSynthesisRequest records how long a proposal request took
func (c *Collector) RecordSynthesisRequest(duration time.Duration) {
	synthesisDuration.Observe(duration.Seconds())
}

// RecordRequest records an HTTP request duration
func (c *Collector) RecordRequest(route string, code string, duration time.Duration) {
	requestDuration.WithLabelValues(route, code).Observe(duration.Seconds())
}

// Handler exposes the default registry for scraping
func (c *Collector) Handler() http.Handler {
	return promhttp.Handler()
}
