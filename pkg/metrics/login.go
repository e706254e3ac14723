package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Session (N_Port login) metrics
// ============================================================================

// SessionMetrics tracks session state machine activity.
type SessionMetrics struct {
	transitions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	rejects     *prometheus.CounterVec
	events      *prometheus.CounterVec
	active      prometheus.Gauge
}

// NewSessionMetrics creates and registers session metrics. If reg is nil,
// metrics are created but not registered.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Total number of session state transitions, labeled by entered state",
		}, []string{"state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "retries_total",
			Help:      "Total number of session ELS retries",
		}, []string{"els"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rejects_total",
			Help:      "Total number of LS_RJT responses received by sessions",
		}, []string{"els", "reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Total number of session events delivered",
		}, []string{"event"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live session objects",
		}),
	}

	if reg != nil {
		m.transitions = registerOrReuse(reg, m.transitions).(*prometheus.CounterVec)
		m.retries = registerOrReuse(reg, m.retries).(*prometheus.CounterVec)
		m.rejects = registerOrReuse(reg, m.rejects).(*prometheus.CounterVec)
		m.events = registerOrReuse(reg, m.events).(*prometheus.CounterVec)
		m.active = registerOrReuse(reg, m.active).(prometheus.Gauge)
	}

	return m
}

// RecordTransition counts entry into state.
func (m *SessionMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// RecordRetry counts a retried ELS.
func (m *SessionMetrics) RecordRetry(els string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(els).Inc()
}

// RecordReject counts an LS_RJT received in reply to els.
func (m *SessionMetrics) RecordReject(els, reason string) {
	if m == nil {
		return
	}
	m.rejects.WithLabelValues(els, reason).Inc()
}

// RecordEvent counts a delivered session event.
func (m *SessionMetrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

// SessionCreated increments the live session gauge.
func (m *SessionMetrics) SessionCreated() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// SessionDestroyed decrements the live session gauge.
func (m *SessionMetrics) SessionDestroyed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

// ============================================================================
// Local port (fabric login) metrics
// ============================================================================

// PortMetrics tracks local port state machine activity.
type PortMetrics struct {
	transitions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	rscn        *prometheus.CounterVec
	state       *prometheus.GaugeVec
}

// NewPortMetrics creates and registers local port metrics. If reg is nil,
// metrics are created but not registered.
func NewPortMetrics(reg prometheus.Registerer) *PortMetrics {
	m := &PortMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lport",
			Name:      "transitions_total",
			Help:      "Total number of local port state transitions, labeled by entered state",
		}, []string{"port", "state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lport",
			Name:      "retries_total",
			Help:      "Total number of local port request retries",
		}, []string{"port", "state"}),
		rscn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lport",
			Name:      "rscn_received_total",
			Help:      "Total number of RSCN notifications received",
		}, []string{"port"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lport",
			Name:      "ready",
			Help:      "1 when the local port is logged in to the fabric",
		}, []string{"port"}),
	}

	if reg != nil {
		m.transitions = registerOrReuse(reg, m.transitions).(*prometheus.CounterVec)
		m.retries = registerOrReuse(reg, m.retries).(*prometheus.CounterVec)
		m.rscn = registerOrReuse(reg, m.rscn).(*prometheus.CounterVec)
		m.state = registerOrReuse(reg, m.state).(*prometheus.GaugeVec)
	}

	return m
}

// RecordTransition counts entry into state and updates the ready gauge.
func (m *PortMetrics) RecordTransition(port, state string, ready bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(port, state).Inc()
	v := 0.0
	if ready {
		v = 1
	}
	m.state.WithLabelValues(port).Set(v)
}

// RecordRetry counts a retry in state.
func (m *PortMetrics) RecordRetry(port, state string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(port, state).Inc()
}

// RecordRSCN counts a received RSCN.
func (m *PortMetrics) RecordRSCN(port string) {
	if m == nil {
		return
	}
	m.rscn.WithLabelValues(port).Inc()
}
