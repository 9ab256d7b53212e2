package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth       *prometheus.GaugeVec
	enqueueTotal     *prometheus.CounterVec
	rejectTotal      *prometheus.CounterVec
	softLimitTotal   *prometheus.CounterVec
	turnTotal        *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	fallbackTotal    *prometheus.CounterVec
	providerTimeouts *prometheus.CounterVec
	toolTotal        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	snapshotDuration prometheus.Histogram
	activeTurns      prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "turn_queue_depth",
					Help: "Current queue depth (pending plus running) by session.",
				},
				[]string{"session"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_enqueue_total",
					Help: "Total turn admissions by session.",
				},
				[]string{"session"},
			),
			rejectTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_reject_total",
					Help: "Total turn rejections by reason.",
				},
				[]string{"reason"},
			),
			softLimitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_queue_soft_limit_total",
					Help: "Total soft-limit warnings by session.",
				},
				[]string{"session"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_runs_total",
					Help: "Total turn executions by status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn execution duration in seconds by status.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			fallbackTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_fallback_attempts_total",
					Help: "Total fallback attempts by model.",
				},
				[]string{"model"},
			),
			providerTimeouts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_timeouts_total",
					Help: "Total provider liveness timeouts by transport kind.",
				},
				[]string{"transport"},
			),
			toolTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			snapshotDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "snapshot_write_duration_seconds",
					Help:    "Snapshot write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_turns",
					Help: "Number of turns currently executing.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.rejectTotal,
			m.softLimitTotal,
			m.turnTotal,
			m.turnDuration,
			m.fallbackTotal,
			m.providerTimeouts,
			m.toolTotal,
			m.toolDuration,
			m.snapshotDuration,
			m.activeTurns,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordEnqueue(session string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(session).Inc()
	m.queueDepth.WithLabelValues(session).Set(float64(depth))
}

func SetQueueDepth(session string, depth int) {
	m := getMetrics()
	m.queueDepth.WithLabelValues(session).Set(float64(depth))
}

func RecordReject(reason string) {
	getMetrics().rejectTotal.WithLabelValues(reason).Inc()
}

func RecordSoftLimitWarning(session string) {
	getMetrics().softLimitTotal.WithLabelValues(session).Inc()
}

func RecordTurn(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordFallbackAttempt(model string) {
	getMetrics().fallbackTotal.WithLabelValues(model).Inc()
}

// FallbackAttemptCounter exposes the fallback counter for label-scoped
// reads in tests
func FallbackAttemptCounter() *prometheus.CounterVec {
	return getMetrics().fallbackTotal
}

// ProviderTimeoutCounter exposes the timeout counter for label-scoped
// reads in tests
func ProviderTimeoutCounter() *prometheus.CounterVec {
	return getMetrics().providerTimeouts
}

func RecordProviderTimeout(transport string) {
	getMetrics().providerTimeouts.WithLabelValues(transport).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolTotal.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordSnapshotWrite(duration time.Duration) {
	getMetrics().snapshotDuration.Observe(duration.Seconds())
}

func SetActiveTurns(count int) {
	getMetrics().activeTurns.Set(float64(count))
}
