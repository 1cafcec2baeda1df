// Package metrics exposes miel's Prometheus instrumentation: pool
// occupancy, session counts, admission drops, and storage spool depth.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "miel_pool_ready",
			Help: "Ready containers currently queued, per service",
		},
		[]string{"service"},
	)

	PoolSpawning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "miel_pool_spawning",
			Help: "In-flight container spawns, per service",
		},
		[]string{"service"},
	)

	PoolCircuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "miel_pool_circuit_open",
			Help: "Whether the spawn circuit breaker is open (1) or closed (0), per service",
		},
		[]string{"service"},
	)

	SpawnFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miel_spawn_failures_total",
			Help: "Total container spawn failures, per service",
		},
		[]string{"service"},
	)

	SpawnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "miel_spawn_duration_seconds",
			Help:    "Time taken to spawn and ready a container",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// Session metrics
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "miel_sessions_active",
			Help: "Currently live sessions, per service",
		},
		[]string{"service"},
	)

	SessionsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miel_sessions_ended_total",
			Help: "Total sessions ended, by service and end cause",
		},
		[]string{"service", "end_cause"},
	)

	BytesTransferredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miel_bytes_transferred_total",
			Help: "Total bytes observed by the byte pump, by service and direction",
		},
		[]string{"service", "direction"},
	)

	AdmissionDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miel_admission_dropped_total",
			Help: "Total connections rejected at admission, by service and reason",
		},
		[]string{"service", "reason"},
	)

	// Recorder / storage metrics
	ArtifactsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miel_artifacts_written_total",
			Help: "Total artifacts successfully written to storage",
		},
		[]string{"service"},
	)

	SpoolDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "miel_spool_depth",
			Help: "Artifacts currently queued in the local spool",
		},
	)

	SpoolDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "miel_spool_dropped_total",
			Help: "Total artifacts dropped because the spool was full",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PoolReady,
		PoolSpawning,
		PoolCircuitOpen,
		SpawnFailuresTotal,
		SpawnDuration,
		SessionsActive,
		SessionsEndedTotal,
		BytesTransferredTotal,
		AdmissionDroppedTotal,
		ArtifactsWrittenTotal,
		SpoolDepth,
		SpoolDroppedTotal,
	)
}

// Handler returns the Prometheus HTTP handler, mounted by the Controller's
// internal status server.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
