package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gridrunner"

var (
	metricSessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Browser sessions currently alive, by browser id.",
	}, []string{"browser"})
	metricSessionLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_launches_total",
		Help:      "Browser sessions launched, by browser id.",
	}, []string{"browser"})
	metricSessionLaunchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_launch_failures_total",
		Help:      "Browser session launches that failed, by browser id.",
	}, []string{"browser"})
	metricSessionLaunchSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_launch_seconds",
		Help:      "Time to launch a browser session.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"browser"})
	metricSessionsReused = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_reused_total",
		Help:      "Cached browser sessions handed out again, by browser id.",
	}, []string{"browser"})
	metricPoolWaiters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_waiters",
		Help:      "Requests queued for a browser session slot.",
	}, []string{"browser"})
	metricTests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tests_total",
		Help:      "Finished test attempts by browser and status.",
	}, []string{"browser", "status"})
	metricTestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "test_duration_seconds",
		Help:      "Duration of dispatched test attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"browser"})
	metricWorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_restarts_total",
		Help:      "Worker processes restarted by the supervisor.",
	})
)

// Test status labels.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusRetried = "retried"
	StatusSkipped = "skipped"
)

// RecordSessionLaunched counts a launched session and its launch time.
func RecordSessionLaunched(browserID string, latency time.Duration) {
	metricSessionLaunches.WithLabelValues(browserID).Inc()
	metricSessionsActive.WithLabelValues(browserID).Inc()
	metricSessionLaunchSeconds.WithLabelValues(browserID).Observe(latency.Seconds())
}

// RecordSessionLaunchFailed counts a failed launch.
func RecordSessionLaunchFailed(browserID string) {
	metricSessionLaunchFailures.WithLabelValues(browserID).Inc()
}

// RecordSessionQuit counts a session that ended.
func RecordSessionQuit(browserID string) {
	metricSessionsActive.WithLabelValues(browserID).Dec()
}

// RecordSessionReused counts a cached session handed out again.
func RecordSessionReused(browserID string) {
	metricSessionsReused.WithLabelValues(browserID).Inc()
}

// SetPoolWaiters reports the waiter queue length of a browser's pool.
func SetPoolWaiters(browserID string, n int) {
	metricPoolWaiters.WithLabelValues(browserID).Set(float64(n))
}

// RecordTest counts a finished attempt. Durations <= 0 are not observed.
func RecordTest(browserID, status string, d time.Duration) {
	metricTests.WithLabelValues(browserID, status).Inc()
	if d > 0 {
		metricTestSeconds.WithLabelValues(browserID).Observe(d.Seconds())
	}
}

// RecordWorkerRestart counts a supervisor restart.
func RecordWorkerRestart() {
	metricWorkerRestarts.Inc()
}
