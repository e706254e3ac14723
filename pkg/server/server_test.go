package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittofc/pkg/api/handlers"
	"github.com/marmos91/dittofc/pkg/config"
	"github.com/marmos91/dittofc/pkg/fc/frame"
)

const (
	initiatorWWPN frame.WWN = 0x2100000000000001
	targetWWPN    frame.WWN = 0x2100000000000002
)

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	disabled := false
	cfg := &config.Config{}
	cfg.Fabric.Mode = mode
	cfg.API.Enabled = &disabled
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.WaitReady(ctx))
	return n
}

func readySession(n *Node, port string, wwpn frame.WWN) func() bool {
	return func() bool {
		list, err := n.PortSessions(port)
		if err != nil {
			return false
		}
		for _, s := range list {
			if s.WWPN == wwpn && s.State == "READY" {
				return true
			}
		}
		return false
	}
}

func TestNodeSwitchedLogin(t *testing.T) {
	cfg := testConfig(t, config.FabricModeSwitch)
	n := startNode(t, cfg)

	ports := n.Ports()
	require.Len(t, ports, 2)
	for _, p := range ports {
		assert.Equal(t, "READY", p.State)
		assert.Equal(t, "fabric", p.Topology)
	}

	// The initiator discovers the target through the name server.
	require.Eventually(t, readySession(n, "fc0", targetWWPN), 5*time.Second, 10*time.Millisecond)

	entries := n.SwitchEntries()
	require.Len(t, entries, 2)

	require.Eventually(t, func() bool {
		recs, err := n.PortDB(context.Background())
		if err != nil {
			return false
		}
		for _, r := range recs {
			if r.Port == "fc0" && r.WWPN == targetWWPN {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	stats := n.ExchangeStats()
	assert.LessOrEqual(t, stats.MinXID, stats.MaxXID)
	assert.Positive(t, stats.Pools)
	assert.NotEmpty(t, n.Sessions())
}

func TestNodePointToPoint(t *testing.T) {
	cfg := testConfig(t, config.FabricModePTP)
	n := startNode(t, cfg)

	for _, p := range n.Ports() {
		assert.Equal(t, "point-to-point", p.Topology)
	}
	assert.Nil(t, n.SwitchEntries())

	require.Eventually(t, readySession(n, "fc0", targetWWPN), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, readySession(n, "fc1", initiatorWWPN), 5*time.Second, 10*time.Millisecond)
}

func TestNodePortSessionsUnknownPort(t *testing.T) {
	n, err := New(testConfig(t, config.FabricModeSwitch))
	require.NoError(t, err)
	defer n.Shutdown(context.Background())

	_, err = n.PortSessions("fc9")
	assert.ErrorIs(t, err, handlers.ErrPortNotFound)
}

func TestNodeMetrics(t *testing.T) {
	cfg := testConfig(t, config.FabricModeSwitch)
	cfg.Metrics.Enabled = true
	config.ApplyDefaults(cfg)
	n := startNode(t, cfg)

	require.NotNil(t, n.Registry())
	count, err := testutil.GatherAndCount(n.Registry(), "dittofc_lport_transitions_total")
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestNodeShutdown(t *testing.T) {
	n, err := New(testConfig(t, config.FabricModeSwitch))
	require.NoError(t, err)
	require.NoError(t, n.Start())
	assert.ErrorIs(t, n.Start(), ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.WaitReady(ctx))
	require.NoError(t, n.Shutdown(ctx))
	require.NoError(t, n.Shutdown(ctx))

	for _, p := range n.Ports() {
		assert.Equal(t, "INIT", p.State)
	}
	assert.ErrorIs(t, n.Start(), ErrAlreadyStarted)
}

func TestNodeServe(t *testing.T) {
	n, err := New(testConfig(t, config.FabricModeSwitch))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- n.Serve(ctx) }()

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	require.NoError(t, n.WaitReady(wctx))
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}
