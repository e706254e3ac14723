package handlers

import (
	"context"

	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/fabric"
	"github.com/marmos91/dittofc/pkg/fc/portdb"
	"github.com/marmos91/dittofc/pkg/fc/switchsim"
)

// fakeNode is a canned Node for handler tests.
type fakeNode struct {
	ports     []fabric.PortInfo
	sessions  map[string][]fabric.SessionInfo
	stats     exch.Stats
	active    []exch.Info
	records   []*portdb.Record
	portdbErr error
	entries   []switchsim.Entry
}

func (n *fakeNode) Ports() []fabric.PortInfo { return n.ports }

func (n *fakeNode) PortSessions(name string) ([]fabric.SessionInfo, error) {
	s, ok := n.sessions[name]
	if !ok {
		return nil, ErrPortNotFound
	}
	return s, nil
}

func (n *fakeNode) Sessions() []fabric.SessionInfo {
	var out []fabric.SessionInfo
	for _, p := range n.ports {
		out = append(out, n.sessions[p.Name]...)
	}
	return out
}

func (n *fakeNode) ExchangeStats() exch.Stats { return n.stats }

func (n *fakeNode) Exchanges() []exch.Info { return n.active }

func (n *fakeNode) PortDB(ctx context.Context) ([]*portdb.Record, error) {
	return n.records, n.portdbErr
}

func (n *fakeNode) SwitchEntries() []switchsim.Entry { return n.entries }

func readyPorts() []fabric.PortInfo {
	return []fabric.PortInfo{
		{Name: "fc0", WWPN: 0x2100000000000001, FID: "010100", State: "READY", Topology: "fabric", LinkUp: true, Logon: true},
		{Name: "fc1", WWPN: 0x2100000000000002, FID: "010200", State: "READY", Topology: "fabric", LinkUp: true, Logon: true},
	}
}
