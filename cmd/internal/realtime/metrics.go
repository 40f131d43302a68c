package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWSSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_ws_sessions",
		Help: "Currently connected websocket sessions.",
	})

	metricWSBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_ws_broadcasts_total",
		Help: "Envelopes fanned out to local conversation rooms.",
	})

	metricWSDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_ws_dropped_total",
		Help: "Envelopes dropped because a session send queue was full.",
	})

	metricRelayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_relay_published_total",
		Help: "Envelopes published to the cross-node relay.",
	})

	metricRelayReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_relay_received_total",
		Help: "Envelopes received from other nodes via the relay.",
	})
)
