package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	t.Parallel()

	var em *ExchangeMetrics
	em.RecordAllocFailure()
	em.RecordDrop("xid_not_found")
	em.RecordAbort()
	em.RecordRecoveryQualifier()
	em.RecordTimeout()
	em.SetBusy(0, 3)

	var sm *SessionMetrics
	sm.RecordTransition("READY")
	sm.RecordRetry("PLOGI")
	sm.RecordReject("PLOGI", "BUSY")
	sm.RecordEvent("ready")
	sm.SessionCreated()
	sm.SessionDestroyed()

	var pm *PortMetrics
	pm.RecordTransition("port0", "READY", true)
	pm.RecordRetry("port0", "FLOGI")
	pm.RecordRSCN("port0")

	var dm *PortDBMetrics
	dm.RecordWrite("memory")
	dm.RecordError("badger", "put")
}

func TestExchangeMetricsRegister(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewExchangeMetrics(reg)
	m.RecordAllocFailure()
	m.RecordAllocFailure()
	m.RecordDrop("seq_not_found")
	m.SetBusy(1, 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.allocFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesDropped.WithLabelValues("seq_not_found")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.busy.WithLabelValues("1")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRegisterOrReuse(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	first := NewFC(reg)
	second := NewFC(reg)

	first.Port.RecordRSCN("port0")
	second.Port.RecordRSCN("port0")

	assert.Equal(t, 2.0, testutil.ToFloat64(second.Port.rscn.WithLabelValues("port0")))
}

func TestPortReadyGauge(t *testing.T) {
	t.Parallel()

	m := NewPortMetrics(nil)
	m.RecordTransition("port0", "READY", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("port0")))
	m.RecordTransition("port0", "INIT", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("port0")))
}

func TestPortDBMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewPortDBMetrics(reg)
	m.RecordWrite("badger")
	m.RecordWrite("badger")
	m.RecordError("badger", "get")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.writes.WithLabelValues("badger")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("badger", "get")))

	again := NewPortDBMetrics(reg)
	again.RecordWrite("badger")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.writes.WithLabelValues("badger")))
}
