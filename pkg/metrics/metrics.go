package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClusterState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_cluster_state",
			Help: "Number of clusters in each lifecycle state",
		},
		[]string{"state"},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_instances_total",
			Help: "Number of instances by state",
		},
		[]string{"state"},
	)

	// Port pool metrics
	PortsLeased = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_ports_leased",
			Help: "Number of ports currently leased from the worker pool",
		},
	)

	// Service metrics
	ServiceStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_service_start_duration_seconds",
			Help:    "Time from service activation until it reported ready",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		},
		[]string{"service"},
	)

	ServiceReadyTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_service_ready_timeouts_total",
			Help: "Number of services that never became ready within their timeout",
		},
		[]string{"service"},
	)

	InstanceStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_instance_start_duration_seconds",
			Help:    "Time for an instance to accept TCP connections after container start",
			Buckets: prometheus.DefBuckets,
		},
	)

	ImagePullRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_image_pull_retries_total",
			Help: "Number of image pull attempts retried after a transient error",
		},
	)

	// Teardown metrics
	TeardownStepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_teardown_step_failures_total",
			Help: "Number of teardown steps that failed and were skipped",
		},
		[]string{"step"},
	)

	LogMarkersFound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_log_markers_found_total",
			Help: "Number of fatal or sanitizer markers found in instance logs",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(ClusterState)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(PortsLeased)
	prometheus.MustRegister(ServiceStartDuration)
	prometheus.MustRegister(ServiceReadyTimeouts)
	prometheus.MustRegister(InstanceStartDuration)
	prometheus.MustRegister(ImagePullRetries)
	prometheus.MustRegister(TeardownStepFailures)
	prometheus.MustRegister(LogMarkersFound)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
