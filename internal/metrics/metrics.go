// Package metrics centralises the Prometheus instrumentation for the
// arena process. Metrics register on the default registry at startup;
// the HTTP server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the core components record into.
type Metrics struct {
	ActiveCompetitions prometheus.Gauge
	CompetitionsEnded  *prometheus.CounterVec // outcome: completed, cancelled

	DispatchDuration *prometheus.HistogramVec // agent kind x outcome
	EventsPublished  prometheus.Counter

	WsConnections prometheus.Gauge
	WsMessages    *prometheus.CounterVec // direction: in, out

	BetsPlaced      prometheus.Counter
	MarketsResolved *prometheus.CounterVec // status: resolved, cancelled
}

// New creates and registers all instruments.
func New() *Metrics {
	return &Metrics{
		ActiveCompetitions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "arena_active_competitions",
			Help: "Number of competitions currently running in this process",
		}),
		CompetitionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_competitions_ended_total",
			Help: "Competitions ended, by outcome",
		}, []string{"outcome"}),

		DispatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_dispatch_duration_seconds",
			Help:    "Duration of one agent dispatch",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 20},
		}, []string{"agent_kind", "outcome"}),
		EventsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "arena_events_published_total",
			Help: "Stream events published on the bus",
		}),

		WsConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "arena_ws_connections",
			Help: "Open WebSocket connections",
		}),
		WsMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_ws_messages_total",
			Help: "WebSocket messages, by direction",
		}, []string{"direction"}),

		BetsPlaced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "arena_bets_placed_total",
			Help: "Meta-market bets accepted",
		}),
		MarketsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_markets_resolved_total",
			Help: "Meta-markets settled, by final status",
		}, []string{"status"}),
	}
}

// RecordDispatch observes one dispatch.
func (m *Metrics) RecordDispatch(agentKind, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(agentKind, outcome).Observe(seconds)
}
