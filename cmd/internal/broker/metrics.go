package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the broker collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	state      prometheus.Gauge
	reconnects prometheus.Counter
	gaveUps    prometheus.Counter
	publishes  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "link_state",
			Help:      "Broker link state (0 disconnected, 1 connecting, 2 connected without channel, 3 connected, 4 gave up).",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts that fired.",
		}),
		gaveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "gave_up_total",
			Help:      "Times the reconnect budget was exhausted.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "publishes_total",
			Help:      "Publish calls by target and result.",
		}, []string{"target", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "broker",
			Name:      "deliveries_total",
			Help:      "Consumed deliveries by queue and outcome.",
		}, []string{"queue", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.reconnects, m.gaveUps, m.publishes, m.deliveries)
	}
	return m
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) gaveUp() {
	if m == nil {
		return
	}
	m.gaveUps.Inc()
}

func (m *Metrics) publish(target, result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(target, result).Inc()
}

func (m *Metrics) delivery(queue, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, outcome).Inc()
}
