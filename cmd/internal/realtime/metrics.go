package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the gateway collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessions   prometheus.Gauge
	handshakes *prometheus.CounterVec
	events     *prometheus.CounterVec
	evictions  prometheus.Counter
	dropped    prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "presence",
			Name:      "sessions",
			Help:      "Users with a live presence session.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Websocket handshakes by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "gateway",
			Name:      "events_total",
			Help:      "Inbound live events by type and outcome.",
		}, []string{"type", "outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "presence",
			Name:      "idle_evictions_total",
			Help:      "Sessions removed by the inactivity reaper.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "gateway",
			Name:      "dropped_envelopes_total",
			Help:      "Outbound envelopes dropped under backpressure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.handshakes, m.events, m.evictions, m.dropped)
	}
	return m
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) event(typ, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ, outcome).Inc()
}

func (m *Metrics) addEvictions(n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) drop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
