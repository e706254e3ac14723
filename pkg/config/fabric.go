package config

import (
	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/fabric"
	"github.com/marmos91/dittofc/pkg/fc/portdb"
	"github.com/marmos91/dittofc/pkg/fc/switchsim"
	"github.com/marmos91/dittofc/pkg/fc/timer"
	"github.com/marmos91/dittofc/pkg/metrics"
)

// exchangeConfig converts the exchange and timeout sections into an exchange
// manager configuration.
func (c *Config) exchangeConfig() exch.Config {
	return exch.Config{
		MinXID: c.Exchange.MinXID,
		MaxXID: c.Exchange.MaxXID,
		Pools:  c.Exchange.Pools,
		RATOV:  c.Timeouts.RATOV,
		EDTOV:  c.Timeouts.EDTOV,
	}
}

// CreateFabric builds a virtual fabric with the configured exchange space and
// timers. The local ports are not added; see LocalPortConfig.
func (c *Config) CreateFabric(name string, clk timer.Clock, m *metrics.FC) (*fabric.Fabric, error) {
	if name == "" {
		name = c.Fabric.Name
	}
	return fabric.New(fabric.Config{
		Name:         name,
		Exchange:     c.exchangeConfig(),
		EDTOV:        c.Timeouts.EDTOV,
		RATOV:        c.Timeouts.RATOV,
		RetryLimit:   c.Timeouts.RetryLimit,
		FLOGIBackoff: c.Timeouts.FLOGIBackoff,
		Clock:        clk,
		Metrics:      m,
	})
}

// CreateSwitch builds the fabric switch used in switch mode.
func (c *Config) CreateSwitch(clk timer.Clock) (*switchsim.Switch, error) {
	return switchsim.New(switchsim.Config{
		Name:     c.Fabric.Name,
		Domain:   c.Fabric.Domain,
		EDTOV:    c.Timeouts.EDTOV,
		RATOV:    c.Timeouts.RATOV,
		Exchange: c.exchangeConfig(),
		Clock:    clk,
	})
}

// CreatePortDB opens the configured port database.
func (c *Config) CreatePortDB() (portdb.Store, error) {
	return portdb.New(portdb.Config{
		Type:             c.PortDB.Type,
		Path:             c.PortDB.Path,
		MemTableSize:     c.PortDB.MemTableSize.Int64(),
		ValueLogFileSize: c.PortDB.ValueLogFileSize.Int64(),
	})
}

// LocalPortConfig converts a port section into a local port configuration.
func (p *PortConfig) LocalPortConfig() fabric.PortConfig {
	return fabric.PortConfig{
		Name:         p.Name,
		WWPN:         p.WWPN,
		WWNN:         p.WWNN,
		FC4Types:     p.Types(),
		Roles:        p.RoleBits(),
		MaxFrameSize: p.MaxFrameSize,
		AcceptPLOGI:  p.PLOGIPolicy(),
	}
}
