package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Exchange manager metrics
// ============================================================================

// ExchangeMetrics tracks exchange pool usage and the frames the exchange
// manager discards.
type ExchangeMetrics struct {
	// allocFailures counts allocations refused because a pool was empty.
	allocFailures prometheus.Counter

	// framesDropped counts inbound frames discarded, labeled by reason.
	framesDropped *prometheus.CounterVec

	// aborts counts ABTS frames issued.
	aborts prometheus.Counter

	// recoveryQualifiers counts recovery qualifiers established.
	recoveryQualifiers prometheus.Counter

	// timeouts counts exchange timer expiries that reached the error handler.
	timeouts prometheus.Counter

	// busy tracks allocated exchanges per pool.
	busy *prometheus.GaugeVec
}

// NewExchangeMetrics creates and registers exchange metrics with the given
// registerer. If reg is nil, metrics are created but not registered.
func NewExchangeMetrics(reg prometheus.Registerer) *ExchangeMetrics {
	m := &ExchangeMetrics{
		allocFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "alloc_failures_total",
			Help:      "Total number of exchange allocations refused because the pool was empty",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "frames_dropped_total",
			Help:      "Total number of inbound frames dropped by the exchange manager",
		}, []string{"reason"}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "aborts_total",
			Help:      "Total number of ABTS frames sent",
		}),
		recoveryQualifiers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "recovery_qualifiers_total",
			Help:      "Total number of recovery qualifiers established",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "timeouts_total",
			Help:      "Total number of exchange timeouts reported to the error handler",
		}),
		busy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "busy",
			Help:      "Number of allocated exchanges per pool",
		}, []string{"pool"}),
	}

	if reg != nil {
		m.allocFailures = registerOrReuse(reg, m.allocFailures).(prometheus.Counter)
		m.framesDropped = registerOrReuse(reg, m.framesDropped).(*prometheus.CounterVec)
		m.aborts = registerOrReuse(reg, m.aborts).(prometheus.Counter)
		m.recoveryQualifiers = registerOrReuse(reg, m.recoveryQualifiers).(prometheus.Counter)
		m.timeouts = registerOrReuse(reg, m.timeouts).(prometheus.Counter)
		m.busy = registerOrReuse(reg, m.busy).(*prometheus.GaugeVec)
	}

	return m
}

// RecordAllocFailure increments the allocation failure counter.
func (m *ExchangeMetrics) RecordAllocFailure() {
	if m == nil {
		return
	}
	m.allocFailures.Inc()
}

// RecordDrop increments the dropped frame counter for reason.
func (m *ExchangeMetrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// RecordAbort increments the ABTS counter.
func (m *ExchangeMetrics) RecordAbort() {
	if m == nil {
		return
	}
	m.aborts.Inc()
}

// RecordRecoveryQualifier increments the recovery qualifier counter.
func (m *ExchangeMetrics) RecordRecoveryQualifier() {
	if m == nil {
		return
	}
	m.recoveryQualifiers.Inc()
}

// RecordTimeout increments the timeout counter.
func (m *ExchangeMetrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

// SetBusy sets the number of allocated exchanges in pool.
func (m *ExchangeMetrics) SetBusy(pool int, n int) {
	if m == nil {
		return
	}
	m.busy.WithLabelValues(strconv.Itoa(pool)).Set(float64(n))
}
