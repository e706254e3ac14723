package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittofc/pkg/config"
)

func TestSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range Cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["show"])
	assert.True(t, names["schema"])
	assert.True(t, names["validate"])
}

func TestGenerateSchema(t *testing.T) {
	raw, err := generateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, "DittoFC Configuration", schema["title"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "ports")
	assert.Contains(t, props, "portdb")
	assert.Contains(t, props, "shutdown_timeout")

	// WWNs and durations are written as strings.
	assert.Contains(t, string(raw), wwnPattern)
	timeout, ok := props["shutdown_timeout"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", timeout["type"])
}

func TestConfigWarnings(t *testing.T) {
	cfg := config.GetDefaultConfig()
	warnings := configWarnings(cfg)
	assert.Equal(t, []string{"metrics disabled"}, warnings)

	cfg.Metrics.Enabled = true
	for i := range cfg.Ports {
		cfg.Ports[i].Roles = []string{"target"}
	}
	cfg.Ports[0].AcceptPLOGI = "list"
	warnings = configWarnings(cfg)
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "port fc0")
	assert.Contains(t, warnings[1], "no initiator port")
}

func TestPrintValidation(t *testing.T) {
	cfg := config.GetDefaultConfig()

	var buf bytes.Buffer
	printValidation(&buf, "/tmp/config.yaml", cfg)
	out := buf.String()

	assert.Contains(t, out, "Configuration file: /tmp/config.yaml")
	assert.Contains(t, out, "Validation: OK")
	assert.Contains(t, out, "Fabric mode:     switch")
	assert.Contains(t, out, "Ports:           fc0, fc1")
	assert.Contains(t, out, "Port database:   memory")
	assert.Contains(t, out, "API port:        8080")

	disabled := false
	cfg.API.Enabled = &disabled
	buf.Reset()
	printValidation(&buf, "/tmp/config.yaml", cfg)
	assert.True(t, strings.Contains(buf.String(), "API:             disabled"))
}
