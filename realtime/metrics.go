package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_published_total",
			Help: "Row change events published, by table and type.",
		},
		[]string{"table", "type"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		},
	)
	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_subscriptions",
			Help: "Open realtime subscriptions.",
		},
	)
	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Open realtime websocket connections, by audience.",
		},
		[]string{"audience"},
	)
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsDropped, activeSubscriptions, activeConnections)
}
