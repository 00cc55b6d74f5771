package plcman

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the supervisor.
type Metrics struct {
	state             prometheus.Gauge       // current ConnectionState as a number
	transitions       *prometheus.CounterVec // status transitions by state
	connectAttempts   *prometheus.CounterVec // Conn.Connect outcomes
	reconnectAttempts *prometheus.CounterVec // scheduler attempts
	connectDuration   prometheus.Histogram   // time from Connect to outcome
	subscriptions     prometheus.Gauge       // live driver subscriptions
	consumers         prometheus.Gauge       // registered tag consumers
	tagFaults         *prometheus.CounterVec // samples replaced by the zero value
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bottleline",
			Subsystem: "plc",
			Name:      "connection_state",
			Help:      "Current connection state (0=idle, 1=connecting, 2=connected, 3=disconnected, 4=faulted)",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bottleline",
			Subsystem: "plc",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"state"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bottleline",
			Subsystem: "plc",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts by result",
		}, []string{"result"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bottleline",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts by result",
		}, []string{"result"}),
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bottleline",
			Subsystem: "plc",
			Name:      "connect_duration_seconds",
			Help:      "Duration of connect attempts",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bottleline",
			Subsystem: "tags",
			Name:      "driver_subscriptions",
			Help:      "Live driver subscriptions",
		}),
		consumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bottleline",
			Subsystem: "tags",
			Name:      "consumers",
			Help:      "Registered tag consumers",
		}),
		tagFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bottleline",
			Subsystem: "tags",
			Name:      "faults_total",
			Help:      "Tag samples replaced by the type's zero value",
		}, []string{"address"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.state,
			m.transitions,
			m.connectAttempts,
			m.reconnectAttempts,
			m.connectDuration,
			m.subscriptions,
			m.consumers,
			m.tagFaults,
		)
	}
	return m
}

func (m *Metrics) observeState(s ConnectionState) {
	m.state.Set(float64(s))
	m.transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) observeConnect(err error, d time.Duration) {
	m.connectAttempts.WithLabelValues(Classify(err)).Inc()
	m.connectDuration.Observe(d.Seconds())
}

func (m *Metrics) observeReconnect(err error) {
	m.reconnectAttempts.WithLabelValues(Classify(err)).Inc()
}
