package handlers

import (
	"context"
	"errors"

	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/fabric"
	"github.com/marmos91/dittofc/pkg/fc/portdb"
	"github.com/marmos91/dittofc/pkg/fc/switchsim"
)

// ErrPortNotFound is returned by Node.PortSessions for an unknown port name.
var ErrPortNotFound = errors.New("port not found")

// Node is the running node the handlers report on.
type Node interface {
	// Ports lists the local ports.
	Ports() []fabric.PortInfo

	// PortSessions lists the sessions of the named local port.
	PortSessions(name string) ([]fabric.SessionInfo, error)

	// Sessions lists every session of the fabric.
	Sessions() []fabric.SessionInfo

	// ExchangeStats and Exchanges describe the node's exchange manager.
	ExchangeStats() exch.Stats
	Exchanges() []exch.Info

	// PortDB lists the remote port login records.
	PortDB(ctx context.Context) ([]*portdb.Record, error)

	// SwitchEntries lists the N_Ports logged in to the fabric switch, or
	// nil when the ports are linked point-to-point.
	SwitchEntries() []switchsim.Entry
}
