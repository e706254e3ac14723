package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type name string

func (n name) String() string { return string(n) }

// capture points the logger at a buffer for the duration of the test.
func capture(t *testing.T, lvl, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	InitWithWriter(&buf, lvl, format, false)
	t.Cleanup(func() { InitWithWriter(os.Stdout, "INFO", "text", false) })
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, "WARN", "text")

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "[WARN] warn message")
	assert.Contains(t, out, "[ERROR] error message")

	assert.False(t, Enabled(slog.LevelInfo))
	assert.True(t, Enabled(slog.LevelError))
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	buf := capture(t, "DEBUG", "text")
	SetLevel("verbose")

	Debug("still debug")
	assert.Contains(t, buf.String(), "still debug")

	SetLevel("error")
	Warn("dropped")
	assert.NotContains(t, buf.String(), "dropped")
}

func TestTextFormat(t *testing.T) {
	buf := capture(t, "INFO", "text")

	Info("port logged in", Port("fc0"), FID(0x010100), Retries(2), "note", "two words")

	line := strings.TrimSpace(buf.String())
	require.True(t, strings.HasPrefix(line, "["), line)
	stamp := line[1:strings.Index(line, "]")]
	_, err := time.ParseInLocation(TimeLayout, stamp, time.Local)
	require.NoError(t, err)

	assert.Contains(t, line, "[INFO] port logged in")
	assert.Contains(t, line, "port=fc0")
	assert.Contains(t, line, "fid=010100")
	assert.Contains(t, line, "retries=2")
	assert.Contains(t, line, `note="two words"`)
	assert.NotContains(t, line, colorReset)
}

func TestTextHandlerQuoting(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, nil, false)
	l := slog.New(h)

	l.Info("msg", "empty", "", "eq", "a=b", "plain", "abc", "err", errors.New("link down"))

	out := buf.String()
	assert.Contains(t, out, `empty=""`)
	assert.Contains(t, out, `eq="a=b"`)
	assert.Contains(t, out, "plain=abc")
	assert.Contains(t, out, `err="link down"`)
}

func TestTextHandlerGroupsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false)).
		With(Port("fc1")).
		WithGroup("els")

	l.Info("sent", "cmd", "PLOGI", slog.Group("rsp", "code", 2))

	out := buf.String()
	assert.Contains(t, out, "port=fc1")
	assert.Contains(t, out, "els.cmd=PLOGI")
	assert.Contains(t, out, "els.rsp.code=2")
}

func TestTextHandlerColor(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewColorTextHandler(&buf, nil, true)).Warn("retry")

	out := buf.String()
	assert.Contains(t, out, colorYellow+"WARN"+colorReset)
}

func TestTextHandlerEnabled(t *testing.T) {
	h := NewColorTextHandler(&bytes.Buffer{}, nil, false)
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
}

func TestJSONFormat(t *testing.T) {
	buf := capture(t, "INFO", "json")

	Info("state change", State(name("READY")), OldState(name("PLOGI")), Err(nil))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "state change", rec["msg"])
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, "READY", rec[KeyState])
	assert.Equal(t, "PLOGI", rec[KeyOldState])
	assert.NotContains(t, rec, KeyError)
	assert.NotEmpty(t, rec["time"])
}

func TestFormatSwitching(t *testing.T) {
	buf := capture(t, "INFO", "text")

	Info("as text")
	SetFormat("json")
	Info("as json")
	SetFormat("yaml")
	Info("still json")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "["))
	assert.True(t, json.Valid([]byte(lines[1])))
	assert.True(t, json.Valid([]byte(lines[2])))
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, "fffffc", RemoteFID(0xfffffc).Value.String())
	assert.Equal(t, KeyOXID, OXID(1).Key)
	assert.Equal(t, KeyRXID, RXID(1).Key)
	assert.Equal(t, KeyXID, XID(1).Key)
	assert.Equal(t, "PLOGI", ELS(name("PLOGI")).Value.String())
	assert.Equal(t, "LOGO", Event(name("LOGO")).Value.String())
	assert.Equal(t, "boom", Err(errors.New("boom")).Value.String())
	assert.True(t, Err(nil).Equal(slog.Attr{}))
}

func TestInit(t *testing.T) {
	t.Cleanup(func() { InitWithWriter(os.Stdout, "INFO", "text", false) })

	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	require.NoError(t, Init(Config{Level: "debug", Format: "text", Output: first}))
	Debug("to first")
	mu.RLock()
	prev := logFile
	mu.RUnlock()
	require.NotNil(t, prev)

	require.NoError(t, Init(Config{Level: "info", Format: "json", Output: second}))
	Info("to second")

	// The first file was closed when the second was opened.
	_, err := prev.Write([]byte("x"))
	assert.Error(t, err)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[DEBUG] to first")

	data, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.True(t, json.Valid(bytes.TrimSpace(data)))
	assert.Contains(t, string(data), "to second")

	err = Init(Config{Output: filepath.Join(dir, "missing", "x.log")})
	assert.ErrorContains(t, err, "failed to open log file")
}
