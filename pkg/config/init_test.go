package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestInitConfig(t *testing.T) {
	// XDG_CONFIG_HOME rather than HOME: os.UserHomeDir reads USERPROFILE on Windows.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	path, err := InitConfig(false)
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfigPath(), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, section := range []string{"# DittoFC Configuration File", "logging:", "api:",
		"fabric:", "timeouts:", "ports:", "portdb:"} {
		assert.Contains(t, string(content), section)
	}

	_, err = InitConfig(false)
	assert.ErrorContains(t, err, "already exists")

	_, err = InitConfig(true)
	assert.NoError(t, err)
}

func TestInitConfigToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")

	require.NoError(t, InitConfigToPath(path, false))
	assert.ErrorContains(t, InitConfigToPath(path, false), "--force")

	// A forced write replaces hand edits.
	require.NoError(t, os.WriteFile(path, []byte("fabric: {mode: bogus}\n"), 0644))
	require.NoError(t, InitConfigToPath(path, true))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(content, &raw))
	assert.NotContains(t, string(content), "bogus")
}

func TestGeneratedConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, InitConfigToPath(path, false))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.EDTOV)
	assert.Equal(t, FabricModeSwitch, cfg.Fabric.Mode)

	want := GetDefaultConfig().Ports
	require.Len(t, cfg.Ports, len(want))
	for i, p := range want {
		assert.Equal(t, p.Name, cfg.Ports[i].Name)
		assert.Equal(t, p.WWPN, cfg.Ports[i].WWPN)
		assert.Equal(t, p.WWNN, cfg.Ports[i].WWNN)
		assert.Equal(t, p.Roles, cfg.Ports[i].Roles)
	}
}
