package config

import (
	"strings"
	"testing"
)

func TestValidate_Defaults(t *testing.T) {
	for _, mode := range []string{FabricModeSwitch, FabricModePTP} {
		cfg := GetDefaultConfig()
		cfg.Fabric.Mode = mode
		if err := Validate(cfg); err != nil {
			t.Errorf("default config in %s mode rejected: %v", mode, err)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
		want   string // substring of the error
	}{
		{"log level", func(cfg *Config) { cfg.Logging.Level = "TRACE" }, "oneof"},
		{"log format", func(cfg *Config) { cfg.Logging.Format = "xml" }, "oneof"},
		{"api port too large", func(cfg *Config) { cfg.API.Port = 70000 }, "max"},
		{"api port negative", func(cfg *Config) { cfg.API.Port = -1 }, "port"},
		{"badger without path", func(cfg *Config) {
			cfg.PortDB.Type = "badger"
			cfg.PortDB.Path = ""
		}, "portdb.path"},
		{"r_a_tov not above e_d_tov", func(cfg *Config) { cfg.Timeouts.RATOV = cfg.Timeouts.EDTOV }, "gtfield"},
		{"empty xid range", func(cfg *Config) {
			cfg.Exchange.MinXID = 0x100
			cfg.Exchange.MaxXID = 0x10
		}, "max_xid"},
		{"tracing without endpoint", func(cfg *Config) {
			cfg.Telemetry.Enabled = true
			cfg.Telemetry.Endpoint = ""
		}, "telemetry.endpoint"},
		{"sample rate above one", func(cfg *Config) {
			cfg.Telemetry.Enabled = true
			cfg.Telemetry.SampleRate = 1.5
		}, "sample_rate"},

		{"no ports", func(cfg *Config) { cfg.Ports = nil }, "required"},
		{"missing name", func(cfg *Config) { cfg.Ports[0].Name = "" }, "required"},
		{"missing wwpn", func(cfg *Config) { cfg.Ports[0].WWPN = 0 }, "required"},
		{"duplicate name", func(cfg *Config) { cfg.Ports[1].Name = cfg.Ports[0].Name }, "unique_name"},
		{"duplicate wwpn", func(cfg *Config) { cfg.Ports[1].WWPN = cfg.Ports[0].WWPN }, "unique_wwpn"},
		{"bad role", func(cfg *Config) { cfg.Ports[0].Roles = []string{"switch"} }, "oneof"},
		{"bad fc4 type", func(cfg *Config) { cfg.Ports[0].FC4Types = []string{"scsi"} }, "oneof"},
		{"bad policy", func(cfg *Config) { cfg.Ports[0].AcceptPLOGI = "some" }, "oneof"},
		{"small frame", func(cfg *Config) { cfg.Ports[0].MaxFrameSize = 128 }, "min"},
		{"odd point-to-point", func(cfg *Config) {
			cfg.Fabric.Mode = FabricModePTP
			cfg.Ports = cfg.Ports[:1]
		}, "even_ports"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_LevelCase(t *testing.T) {
	// Validate accepts either case and leaves the value alone; ApplyDefaults
	// is what upper-cases it.
	for _, level := range []string{"debug", "Info", "WARN", "error"} {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = level
		if err := Validate(cfg); err != nil {
			t.Errorf("level %q rejected: %v", level, err)
		}
		if cfg.Logging.Level != level {
			t.Errorf("Validate rewrote level %q to %q", level, cfg.Logging.Level)
		}
	}

	cfg := &Config{Logging: LoggingConfig{Level: "warn"}}
	ApplyDefaults(cfg)
	if cfg.Logging.Level != "WARN" {
		t.Errorf("ApplyDefaults left level as %q", cfg.Logging.Level)
	}
}
