package presence

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	deliveryOK      = "delivered"
	deliveryDropped = "dropped"
	deliveryOffline = "recipient_offline"

	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// Metrics holds the prometheus collectors for the presence layer. A nil *Metrics is valid and
// records nothing, which is what tests use.
type Metrics struct {
	reg             prometheus.Registerer
	numSessions     prometheus.Gauge
	numIdentities   prometheus.Gauge
	numRooms        prometheus.Gauge
	events          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	persistDuration *prometheus.HistogramVec
	persistFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		numSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync",
			Subsystem: "presence",
			Name:      "num_sessions",
			Help:      "Number of live sessions.",
		}),
		numIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync",
			Subsystem: "presence",
			Name:      "num_identities",
			Help:      "Number of identities reachable by unicast.",
		}),
		numRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync",
			Subsystem: "presence",
			Name:      "num_rooms",
			Help:      "Number of rooms with at least one live member.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "presence",
			Name:      "events_total",
			Help:      "Inbound events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "presence",
			Name:      "deliveries_total",
			Help:      "Outbound deliveries by kind and result.",
		}, []string{"kind", "result"}),
		persistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "roomsync",
			Subsystem: "presence",
			Name:      "persist_duration_secs",
			Help:      "Time taken to durably write a record, including retries.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"task"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Subsystem: "presence",
			Name:      "persist_failures_total",
			Help:      "Durable writes which failed after all retries.",
		}, []string{"task"}),
	}
	reg.MustRegister(
		m.numSessions, m.numIdentities, m.numRooms, m.events, m.deliveries, m.persistDuration, m.persistFailures,
	)
	return m
}

// Unregister removes every collector from the registerer it was added to.
func (m *Metrics) Unregister() {
	if m == nil {
		return
	}
	m.reg.Unregister(m.numSessions)
	m.reg.Unregister(m.numIdentities)
	m.reg.Unregister(m.numRooms)
	m.reg.Unregister(m.events)
	m.reg.Unregister(m.deliveries)
	m.reg.Unregister(m.persistDuration)
	m.reg.Unregister(m.persistFailures)
}

func (m *Metrics) event(kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) delivered(kind, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) persisted(task string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.persistDuration.WithLabelValues(task).Observe(took.Seconds())
	if err != nil {
		m.persistFailures.WithLabelValues(task).Inc()
	}
}

func (m *Metrics) gauges(sessions, identities, rooms int) {
	if m == nil {
		return
	}
	m.numSessions.Set(float64(sessions))
	m.numIdentities.Set(float64(identities))
	m.numRooms.Set(float64(rooms))
}
