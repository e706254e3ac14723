package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Port database metrics
// ============================================================================

// PortDBMetrics tracks writes to the remote port login database.
type PortDBMetrics struct {
	// writes counts records written, labeled by backend.
	writes *prometheus.CounterVec

	// errors counts failed reads and writes, labeled by backend and operation.
	errors *prometheus.CounterVec
}

// NewPortDBMetrics creates and registers port database metrics with the given
// registerer. If reg is nil, metrics are created but not registered.
func NewPortDBMetrics(reg prometheus.Registerer) *PortDBMetrics {
	m := &PortDBMetrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portdb",
			Name:      "writes_total",
			Help:      "Total number of remote port records written",
		}, []string{"backend"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "portdb",
			Name:      "errors_total",
			Help:      "Total number of failed port database operations",
		}, []string{"backend", "operation"}),
	}

	if reg != nil {
		m.writes = registerOrReuse(reg, m.writes).(*prometheus.CounterVec)
		m.errors = registerOrReuse(reg, m.errors).(*prometheus.CounterVec)
	}
	return m
}

// RecordWrite records a successful write.
func (m *PortDBMetrics) RecordWrite(backend string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(backend).Inc()
}

// RecordError records a failed operation ("get" or "put").
func (m *PortDBMetrics) RecordError(backend, operation string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(backend, operation).Inc()
}
