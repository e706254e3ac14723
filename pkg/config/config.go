package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittofc/internal/bytesize"
	"github.com/marmos91/dittofc/pkg/api"
	"github.com/marmos91/dittofc/pkg/fc/frame"
)

// Config is the node configuration: the local N_Ports, how they are
// connected, and the status API and metrics endpoints. DITTOFC_* environment
// variables override the file, which overrides the defaults.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout bounds the fabric logout on stop.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	API api.APIConfig `mapstructure:"api" yaml:"api"`

	// Exchange sizes the exchange manager
	Exchange ExchangeConfig `mapstructure:"exchange" yaml:"exchange"`

	// Timeouts holds the login timers used until a login negotiates others
	Timeouts TimeoutConfig `mapstructure:"timeouts" yaml:"timeouts"`

	// Fabric selects how the local ports are connected
	Fabric FabricConfig `mapstructure:"fabric" yaml:"fabric"`

	// Ports lists the local N_Ports
	Ports []PortConfig `mapstructure:"ports" validate:"required,min=1,dive" yaml:"ports"`

	// PortDB configures the remote port login database
	PortDB PortDBConfig `mapstructure:"portdb" yaml:"portdb"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR in either case; ApplyDefaults
	// upper-cases it.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig exports one span per login attempt to an OTLP collector.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the collector's gRPC host:port. Default: localhost:4317
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the sampled fraction of root spans. Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL. Default: http://localhost:4040
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes, e.g. cpu, inuse_space, goroutines, mutex_count.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus endpoint. Disabled, the node
// registers no collectors.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port serves /metrics. Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ExchangeConfig sizes the exchange id space.
type ExchangeConfig struct {
	// MinXID and MaxXID bound the exchange ids handed out by the manager.
	// Default: 0x0000 - 0x0fff
	MinXID uint16 `mapstructure:"min_xid" yaml:"min_xid"`
	MaxXID uint16 `mapstructure:"max_xid" validate:"gtfield=MinXID" yaml:"max_xid"`

	// Pools is the number of independently locked id pools.
	// Default: 4
	Pools int `mapstructure:"pools" validate:"omitempty,min=1,max=64" yaml:"pools"`
}

// TimeoutConfig holds the error detect and resource allocation timeouts and
// the retry policy of the login engines.
type TimeoutConfig struct {
	// EDTOV is the error detect timeout. Default: 2s
	EDTOV time.Duration `mapstructure:"e_d_tov" validate:"required,gt=0" yaml:"e_d_tov"`

	// RATOV is the resource allocation timeout. Default: 10s
	RATOV time.Duration `mapstructure:"r_a_tov" validate:"required,gtfield=EDTOV" yaml:"r_a_tov"`

	// RetryLimit caps the retries per login state. Default: 3
	RetryLimit int `mapstructure:"retry_limit" validate:"min=1" yaml:"retry_limit"`

	// FLOGIBackoff is the FLOGI retry interval once retries are exhausted.
	// Default: 20s
	FLOGIBackoff time.Duration `mapstructure:"flogi_backoff" validate:"gt=0" yaml:"flogi_backoff"`
}

// Fabric modes.
const (
	FabricModeSwitch = "switch"
	FabricModePTP    = "point-to-point"
)

// FabricConfig selects the topology the local ports are attached to.
type FabricConfig struct {
	// Name labels the virtual fabric in logs and the API.
	// Default: "fabric"
	Name string `mapstructure:"name" yaml:"name"`

	// Mode is "switch" to attach every port to an in-process fabric switch,
	// or "point-to-point" to link ports pairwise in the order they are
	// listed.
	Mode string `mapstructure:"mode" validate:"required,oneof=switch point-to-point" yaml:"mode"`

	// Domain is the switch domain id, the top byte of assigned addresses.
	// Default: 1
	Domain uint8 `mapstructure:"domain" validate:"omitempty,min=1,max=239" yaml:"domain"`
}

// PortConfig describes one local N_Port.
type PortConfig struct {
	// Name identifies the port in logs, the API and the port database
	Name string `mapstructure:"name" validate:"required" yaml:"name"`

	// WWPN is the port name, e.g. "20:00:00:00:c9:00:00:01"
	WWPN frame.WWN `mapstructure:"wwpn" validate:"required" yaml:"wwpn"`

	// WWNN is the node name. Default: the WWPN with its top byte set to 0x20
	WWNN frame.WWN `mapstructure:"wwnn" yaml:"wwnn"`

	// FC4Types are registered with the name server
	// Valid values: fcp, ip. Default: [fcp]
	FC4Types []string `mapstructure:"fc4_types" validate:"dive,oneof=fcp ip" yaml:"fc4_types"`

	// Roles are the FCP functions offered in PRLI
	// Valid values: initiator, target. Default: [initiator]
	Roles []string `mapstructure:"roles" validate:"dive,oneof=initiator target" yaml:"roles"`

	// AcceptPLOGI is the policy for unsolicited PLOGIs:
	// "all", "none" or "list" (only AllowedWWPNs). Default: all
	AcceptPLOGI string `mapstructure:"accept_plogi" validate:"required,oneof=all none list" yaml:"accept_plogi"`

	// AllowedWWPNs are the peers accepted with AcceptPLOGI "list"
	AllowedWWPNs []frame.WWN `mapstructure:"allowed_wwpns" yaml:"allowed_wwpns,omitempty"`

	// MaxFrameSize is the receive data field size. Default: 2112
	MaxFrameSize uint16 `mapstructure:"max_frame_size" validate:"omitempty,min=256,max=2112" yaml:"max_frame_size"`
}

// HasRole reports whether the port offers role.
func (p *PortConfig) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// RoleBits returns the FCP service parameter function bits for the roles.
func (p *PortConfig) RoleBits() uint32 {
	var bits uint32
	if p.HasRole("initiator") {
		bits |= frame.FCPSPPFInitFcn
	}
	if p.HasRole("target") {
		bits |= frame.FCPSPPFTargFcn
	}
	return bits
}

// Types returns the configured FC-4 types.
func (p *PortConfig) Types() []frame.Type {
	out := make([]frame.Type, 0, len(p.FC4Types))
	for _, t := range p.FC4Types {
		switch strings.ToLower(t) {
		case "fcp":
			out = append(out, frame.TypeFCP)
		case "ip":
			out = append(out, frame.TypeIP)
		}
	}
	return out
}

// PLOGIPolicy returns the acceptance predicate for unsolicited PLOGIs, or
// nil when every such PLOGI is rejected.
func (p *PortConfig) PLOGIPolicy() func(frame.WWN) bool {
	switch p.AcceptPLOGI {
	case "none":
		return nil
	case "list":
		allowed := make(map[frame.WWN]struct{}, len(p.AllowedWWPNs))
		for _, w := range p.AllowedWWPNs {
			allowed[w] = struct{}{}
		}
		return func(w frame.WWN) bool {
			_, ok := allowed[w]
			return ok
		}
	default:
		return func(frame.WWN) bool { return true }
	}
}

// PortDBConfig configures the remote port login database.
type PortDBConfig struct {
	// Type selects the backend: memory or badger. Default: memory
	Type string `mapstructure:"type" validate:"required,oneof=memory badger" yaml:"type"`

	// Path is the BadgerDB directory, required for type badger
	Path string `mapstructure:"path" validate:"required_if=Type badger" yaml:"path,omitempty"`

	// MemTableSize is the BadgerDB memtable size, e.g. "16Mi".
	// Default: BadgerDB's own
	MemTableSize bytesize.ByteSize `mapstructure:"mem_table_size" validate:"omitempty,min=1048576" yaml:"mem_table_size,omitempty"`

	// ValueLogFileSize is the size at which BadgerDB rotates value log
	// files; between 1Mi and 2Gi. Default: BadgerDB's own
	ValueLogFileSize bytesize.ByteSize `mapstructure:"value_log_file_size" validate:"omitempty,min=1048576,max=2147483647" yaml:"value_log_file_size,omitempty"`
}
