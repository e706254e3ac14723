// Package metrics provides the Prometheus collectors for the Fibre Channel
// engines. Every collector struct is nil-safe: calls on a nil receiver are
// no-ops, so engines can run without metrics at zero cost.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "dittofc"

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// registerOrReuse registers a collector with the given registerer.
// If the collector is already registered, it returns the existing one
// from the registry so that metrics continue to be exported correctly
// when a fabric is rebuilt. Panics on non-AlreadyRegisteredError failures.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// FC bundles the collectors of one virtual fabric.
type FC struct {
	Exchange *ExchangeMetrics
	Session  *SessionMetrics
	Port     *PortMetrics
}

// NewFC creates and registers all Fibre Channel collectors. A nil registerer
// creates unregistered collectors.
func NewFC(reg prometheus.Registerer) *FC {
	return &FC{
		Exchange: NewExchangeMetrics(reg),
		Session:  NewSessionMetrics(reg),
		Port:     NewPortMetrics(reg),
	}
}
