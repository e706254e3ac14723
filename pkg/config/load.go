package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/marmos91/dittofc/internal/bytesize"
	"github.com/marmos91/dittofc/pkg/fc/frame"
)

// EnvPrefix prefixes environment overrides: DITTOFC_LOGGING_LEVEL=DEBUG.
const EnvPrefix = "DITTOFC"

// Load reads configPath, or the default location when it is empty, applies
// environment overrides and defaults, and validates the result. A missing
// file yields the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return GetDefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad is Load for the CLI: a missing file is an error that tells the
// user how to create one.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = GetDefaultConfigPath()
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Create one with:\n  dittofc init\n\n"+
				"or pass an existing file:\n  dittofc <command> --config /path/to/config.yaml",
				configPath)
		}
	} else if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create it with:\n  dittofc init --config %s", configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		scalarHook(frame.ParseWWN),
		scalarHook(bytesize.ParseByteSize),
		scalarHook(time.ParseDuration),
	)
}

// scalarHook decodes strings into T with parse and numbers by conversion.
// YAML and TOML hand numbers over as int, int64, uint64 or float64; integer
// durations are nanoseconds.
func scalarHook[T ~int64 | ~uint64](parse func(string) (T, error)) mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(T(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return parse(v)
		case int:
			return T(v), nil
		case int64:
			return T(v), nil
		case uint64:
			return T(v), nil
		case float64:
			return T(v), nil
		}
		return data, nil
	}
}

// getConfigDir is $XDG_CONFIG_HOME/dittofc, ~/.config/dittofc, or the
// working directory when there is no home.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dittofc")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dittofc")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a file exists at GetDefaultConfigPath.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
