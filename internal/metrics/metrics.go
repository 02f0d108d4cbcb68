package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Email outcomes recorded per processed message
const (
	OutcomeMatched     = "matched"
	OutcomeDuplicate   = "duplicate"
	OutcomeNoMatch     = "no_match"
	OutcomeFetchFailed = "fetch_failed"
	OutcomeError       = "error"
)

var (
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	ImportRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_runs_total",
			Help: "Total number of email import runs by terminal status",
		},
		[]string{"status"}, // completed, failed
	)

	ImportEmailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_emails_processed_total",
			Help: "Total number of emails processed by import runs",
		},
		[]string{"outcome"},
	)

	ImportRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "import_run_duration_seconds",
			Help:    "Wall time of email import runs in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5min
		},
	)

	AgentCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_call_latency_ms",
			Help:    "LLM agent call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"type", "status"},
	)
)

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func RecordImportRun(status string, duration time.Duration) {
	ImportRunsTotal.WithLabelValues(status).Inc()
	ImportRunDuration.Observe(duration.Seconds())
}

func IncrementImportEmail(outcome string) {
	ImportEmailsTotal.WithLabelValues(outcome).Inc()
}

func RecordAgentCallLatency(callType, status string, duration time.Duration) {
	AgentCallLatency.WithLabelValues(callType, status).Observe(float64(duration.Milliseconds()))
}
