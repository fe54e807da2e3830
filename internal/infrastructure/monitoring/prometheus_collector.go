package monitoring

import (
	"meetrelay/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MeetingMetrics and
// ports.ConnectionMetrics on top of a Prometheus registerer.
type PrometheusCollector struct {
	// Gauges
	connectionsActive prometheus.Gauge

	// Counters
	connectionsTotal prometheus.Counter
	signalsRouted    prometheus.Counter
	signalsDropped   *prometheus.CounterVec
	chatMessages     prometheus.Counter
	eventsDropped    prometheus.Counter
}

// NewPrometheusCollector registers every meetrelay metric on reg. Room and
// participant gauges are read from rooms at scrape time.
func NewPrometheusCollector(reg prometheus.Registerer, rooms ports.RoomRegistry) *PrometheusCollector {
	factory := promauto.With(reg)

	if rooms != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "meetrelay_rooms_active",
			Help: "Number of rooms with at least one participant",
		}, func() float64 { return float64(rooms.Stats().Rooms) })

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "meetrelay_participants_joined",
			Help: "Number of participants currently in a room",
		}, func() float64 { return float64(rooms.Stats().Participants) })
	}

	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetrelay_ws_connections_active",
			Help: "Number of open signaling connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_ws_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		signalsRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_signals_routed_total",
			Help: "Total number of signals delivered to their target",
		}),

		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetrelay_signals_dropped_total",
			Help: "Total number of signals dropped because the target was unreachable",
		}, []string{"reason"}),

		chatMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_chat_messages_total",
			Help: "Total number of chat messages broadcast",
		}),

		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetrelay_room_events_dropped_total",
			Help: "Total number of room events that could not be published",
		}),
	}
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *PrometheusCollector) SignalRouted() {
	c.signalsRouted.Inc()
}

func (c *PrometheusCollector) SignalDropped(reason string) {
	c.signalsDropped.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) ChatMessage() {
	c.chatMessages.Inc()
}

func (c *PrometheusCollector) RoomEventDropped() {
	c.eventsDropped.Inc()
}
