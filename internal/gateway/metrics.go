package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus metrics.
type Metrics struct {
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	ErrorsTotal  *prometheus.CounterVec
	InFlight     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpgate",
				Name:      "tool_calls_total",
				Help:      "Tool calls by tool and terminal state",
			},
			[]string{"tool", "state"},
		),
		CallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpgate",
				Name:      "tool_call_duration_seconds",
				Help:      "Tool call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		ErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpgate",
				Name:      "tool_call_errors_total",
				Help:      "Failed tool calls by error code",
			},
			[]string{"code"},
		),
		InFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcpgate",
				Name:      "tool_calls_in_flight",
				Help:      "Tool calls currently in the pipeline",
			},
		),
	}
}
