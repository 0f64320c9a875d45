package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's operational metrics.
type Metrics struct {
	// ConnectionsActive tracks currently open WebSocket connections.
	// Labels: state (pending|authenticated)
	ConnectionsActive *prometheus.GaugeVec

	// MethodRequests counts routed protocol requests.
	// Labels: method, status (ok|error)
	MethodRequests *prometheus.CounterVec

	// EventsBroadcast counts events fanned out on the bus, by event name.
	EventsBroadcast *prometheus.CounterVec

	// EventsDropped counts dropIfSlow events dropped for slow consumers.
	EventsDropped prometheus.Counter

	// SlowConsumerCloses counts connections closed for backpressure.
	SlowConsumerCloses prometheus.Counter

	// RunsFinished counts agent runs by terminal state.
	// Labels: state (completed|error|aborted)
	RunsFinished *prometheus.CounterVec

	// RunDuration measures run wall time in seconds.
	RunDuration prometheus.Histogram

	// ToolCalls counts tool dispatches made by adapters.
	// Labels: tool, status (success|error)
	ToolCalls *prometheus.CounterVec
}

// NewMetrics registers the gateway metrics on reg, defaulting to the global
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Currently open WebSocket connections by handshake state.",
		}, []string{"state"}),
		MethodRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_method_requests_total",
			Help: "Protocol requests routed, by method and outcome.",
		}, []string{"method", "status"}),
		EventsBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_broadcast_total",
			Help: "Events fanned out on the broadcast bus, by event name.",
		}, []string{"event"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "dropIfSlow events dropped for slow consumers.",
		}),
		SlowConsumerCloses: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_slow_consumer_closes_total",
			Help: "Connections closed because their outbox stayed full.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_runs_finished_total",
			Help: "Agent runs reaching a terminal state.",
		}, []string{"state"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_run_duration_seconds",
			Help:    "Agent run wall time.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tool_calls_total",
			Help: "Tool dispatches made by backend adapters.",
		}, []string{"tool", "status"}),
	}
}
