package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// Metrics holds the Prometheus instruments for the dispatch core.
type Metrics struct {
	calls   *prometheus.CounterVec
	errors  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics creates and registers the MCP metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Total tool invocations by tool name.",
		}, []string{"tool"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_errors_total",
			Help: "Total failed tool invocations by tool name and error type.",
		}, []string{"tool", "error_type"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_http_latency_seconds",
			Help:    "Tool invocation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
	}
	reg.MustRegister(m.calls, m.errors, m.latency)
	return m
}

// ObserveCall records one completed invocation.
func (m *Metrics) ObserveCall(tool string, duration time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(tool).Inc()
	m.latency.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveError records one failed invocation.
func (m *Metrics) ObserveError(tool string, category domain.ErrorCategory) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(tool, string(category)).Inc()
}
