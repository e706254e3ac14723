package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/fabric"
	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/fc/portdb"
	"github.com/marmos91/dittofc/pkg/fc/switchsim"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyMetricsDefaults(&cfg.Metrics)
	cfg.API.ApplyDefaults()
	applyExchangeDefaults(&cfg.Exchange)
	applyTimeoutDefaults(&cfg.Timeouts)
	applyFabricDefaults(&cfg.Fabric)
	if len(cfg.Ports) == 0 {
		cfg.Ports = defaultPorts()
	}
	for i := range cfg.Ports {
		applyPortDefaults(&cfg.Ports[i])
	}
	applyPortDBDefaults(&cfg.PortDB)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Default endpoint is localhost:4317 (standard OTLP gRPC port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}

	// Default profile types include CPU, memory allocation, and goroutines
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyExchangeDefaults sizes the exchange id space.
func applyExchangeDefaults(cfg *ExchangeConfig) {
	if cfg.MaxXID == 0 {
		cfg.MaxXID = exch.DefaultMaxXID
	}
	if cfg.Pools == 0 {
		cfg.Pools = exch.DefaultPools
	}
}

// applyTimeoutDefaults sets the login timers.
func applyTimeoutDefaults(cfg *TimeoutConfig) {
	if cfg.EDTOV == 0 {
		cfg.EDTOV = exch.DefaultEDTOV
	}
	if cfg.RATOV == 0 {
		cfg.RATOV = exch.DefaultRATOV
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = fabric.DefaultRetryLimit
	}
	if cfg.FLOGIBackoff == 0 {
		cfg.FLOGIBackoff = fabric.DefaultFLOGIBackoff
	}
}

func applyFabricDefaults(cfg *FabricConfig) {
	if cfg.Name == "" {
		cfg.Name = "fabric"
	}
	if cfg.Mode == "" {
		cfg.Mode = FabricModeSwitch
	}
	if cfg.Domain == 0 {
		cfg.Domain = switchsim.DefaultDomain
	}
}

// applyPortDefaults fills in a port's node name, FC-4 types, roles, PLOGI
// policy and frame size.
func applyPortDefaults(cfg *PortConfig) {
	if cfg.WWNN == 0 && cfg.WWPN != 0 {
		cfg.WWNN = cfg.WWPN&^(frame.WWN(0xff)<<56) | frame.WWN(0x20)<<56
	}
	if len(cfg.FC4Types) == 0 {
		cfg.FC4Types = []string{"fcp"}
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = []string{"initiator"}
	}
	if cfg.AcceptPLOGI == "" {
		cfg.AcceptPLOGI = "all"
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = frame.SPMaxMaxPayload
	}
}

func applyPortDBDefaults(cfg *PortDBConfig) {
	if cfg.Type == "" {
		cfg.Type = portdb.TypeMemory
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}

	ApplyDefaults(cfg)
	return cfg
}

// defaultPorts is used when no port is configured: one initiator and one
// target, enough for the two to discover each other and log in.
func defaultPorts() []PortConfig {
	return []PortConfig{
		{
			Name:  "fc0",
			WWPN:  0x2100000000000001,
			Roles: []string{"initiator"},
		},
		{
			Name:  "fc1",
			WWPN:  0x2100000000000002,
			Roles: []string{"target"},
		},
	}
}
