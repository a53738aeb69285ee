package room

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	RoomsCreated    prometheus.Counter
	PeersJoined     prometheus.Counter
	PeersRemoved    prometheus.Counter
	EventsPublished prometheus.Counter
}

type NewMetricsParams struct {
	fx.In

	Registerer prometheus.Registerer
}

func NewMetrics(params NewMetricsParams) *Metrics {
	metrics := &Metrics{
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signaling_rooms_created_total",
			Help: "Rooms created on first join.",
		}),
		PeersJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signaling_peers_joined_total",
			Help: "Peers admitted into rooms.",
		}),
		PeersRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signaling_peers_removed_total",
			Help: "Peers evicted after their event stream closed.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signaling_events_published_total",
			Help: "Events handed to room channels.",
		}),
	}

	params.Registerer.MustRegister(
		metrics.RoomsCreated,
		metrics.PeersJoined,
		metrics.PeersRemoved,
		metrics.EventsPublished,
	)
	return metrics
}
