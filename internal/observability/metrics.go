package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	TaskDispatches   *prometheus.CounterVec
	AgentErrors      *prometheus.CounterVec
	AgentLatency     prometheus.Histogram
	SessionDeletions *prometheus.CounterVec
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers instruments on reg. Tests pass a fresh registry so
// repeated construction does not collide.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of lesson sessions that have not ended.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TaskDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_dispatches_total",
			Help:      "Push-to-talk tasks dispatched to the agent by name.",
		}, []string{"task"}),
		AgentErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_errors_total",
			Help:      "Agent failures by task name.",
		}, []string{"task"}),
		AgentLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_response_latency_ms",
			Help:      "Time from task dispatch to the agent reply in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 1500, 2000, 3000, 5000},
		}),
		SessionDeletions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_deletions_total",
			Help:      "Session delete requests by transport (delete or beacon) and mode (graceful or forced).",
		}, []string{"transport", "mode"}),
	}
}

func (m *Metrics) ObserveAgentLatency(d time.Duration) {
	m.AgentLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
