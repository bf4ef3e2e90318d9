package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobsActive      prometheus.Gauge
	recoveryTotal   prometheus.Counter
	activeSessions  prometheus.Gauge
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	providerTokens  *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			jobsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "jobs_total",
					Help: "Total jobs by terminal status.",
				},
				[]string{"status"},
			),
			jobDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "job_duration_seconds",
					Help:    "Job run duration in seconds by terminal status.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
				},
				[]string{"status"},
			),
			jobsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "jobs_active",
					Help: "Jobs currently in running or recovery.",
				},
			),
			recoveryTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "recovery_attempts_total",
					Help: "Total recovery prompt injections.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			providerCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_calls_total",
					Help: "Total provider API calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerLatency: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "provider_call_duration_seconds",
					Help:    "Provider API call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerTokens: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_tokens_total",
					Help: "Total tokens consumed by provider and direction.",
				},
				[]string{"provider", "direction"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
		}

		prometheus.MustRegister(
			m.jobsTotal,
			m.jobDuration,
			m.jobsActive,
			m.recoveryTotal,
			m.activeSessions,
			m.providerCalls,
			m.providerLatency,
			m.providerTokens,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
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

func RecordJobCompletion(status string, duration time.Duration) {
	m := getMetrics()
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func IncActiveJobs() {
	getMetrics().jobsActive.Inc()
}

func DecActiveJobs() {
	getMetrics().jobsActive.Dec()
}

func RecordRecoveryAttempt() {
	getMetrics().recoveryTotal.Inc()
}

func IncActiveSessions() {
	getMetrics().activeSessions.Inc()
}

func DecActiveSessions() {
	getMetrics().activeSessions.Dec()
}

func RecordProviderCall(provider, status string, duration time.Duration) {
	m := getMetrics()
	m.providerCalls.WithLabelValues(provider, status).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordProviderTokens(provider string, input, output int) {
	m := getMetrics()
	m.providerTokens.WithLabelValues(provider, "input").Add(float64(input))
	m.providerTokens.WithLabelValues(provider, "output").Add(float64(output))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}
