package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoswarm_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoswarm_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ServicesUpdatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoswarm_services_updated_total",
			Help: "Total number of services patched by the reconciler",
		},
	)

	VersionConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoswarm_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts deferred to the next cycle",
		},
	)

	// Loop supervisor metrics
	SupervisorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoswarm_supervisor_cycle_duration_seconds",
			Help:    "Time taken for one periodic-loop reconciliation cycle, including panics recovered",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainersConvertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoswarm_containers_converted_total",
			Help: "Total number of containers converted to services, by outcome",
		},
		[]string{"outcome"},
	)

	ConversionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoswarm_conversion_duration_seconds",
			Help:    "Time taken to convert a container into a service",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Control-plane cache client metrics
	ControlPlaneRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoswarm_control_plane_requests_total",
			Help: "Total number of control-plane HTTP calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	ControlPlaneCacheAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoswarm_control_plane_cache_age_seconds",
			Help: "Age of the cached application snapshot in seconds",
		},
	)
)

func init() {
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ServicesUpdatedTotal)
	prometheus.MustRegister(VersionConflictsTotal)
	prometheus.MustRegister(SupervisorCycleDuration)
	prometheus.MustRegister(ContainersConvertedTotal)
	prometheus.MustRegister(ConversionDuration)
	prometheus.MustRegister(ControlPlaneRequestsTotal)
	prometheus.MustRegister(ControlPlaneCacheAgeSeconds)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
