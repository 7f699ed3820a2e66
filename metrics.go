package mcp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Close reasons reported by the mcp_stream_connections_closed_total counter.
const (
	closeReasonUnsubscribed  = "unsubscribed"
	closeReasonLagged        = "lagged"
	closeReasonSessionClosed = "session_closed"
	closeReasonFailed        = "failed"
	closeReasonShutdown      = "shutdown"
)

type streamMetrics struct {
	connections *prometheus.GaugeVec
	published   prometheus.Counter
	delivered   prometheus.Counter
	closed      *prometheus.CounterVec
	publishErrs prometheus.Counter
}

func newStreamMetrics() *streamMetrics {
	return &streamMetrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcp",
			Subsystem: "stream",
			Name:      "connections",
			Help:      "Number of live stream connections, by subscription mode.",
		}, []string{"mode"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "stream",
			Name:      "events_published_total",
			Help:      "Number of events appended to session event logs.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "stream",
			Name:      "events_delivered_total",
			Help:      "Number of events handed to stream consumers, replayed ones included.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "stream",
			Name:      "connections_closed_total",
			Help:      "Number of closed stream connections, by close reason.",
		}, []string{"reason"}),
		publishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcp",
			Subsystem: "stream",
			Name:      "publish_errors_total",
			Help:      "Number of broadcasts that failed to persist their event.",
		}),
	}
}

func (m *streamMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.connections, m.published, m.delivered, m.closed, m.publishErrs)
}
