// Package logger is the process-wide structured logger. Records go through
// log/slog to either a colored text handler or the JSON handler, and carry
// the FC attributes built by the helpers in fields.go.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

var (
	level slog.LevelVar

	mu      sync.RWMutex
	format  = "text"
	output  io.Writer = os.Stdout
	logFile *os.File
	color   bool
	slogger *slog.Logger
)

func init() {
	color = isTerminal(os.Stdout.Fd())
	rebuild()
}

// rebuild replaces the handler after an output or format change. The
// caller must not hold mu.
func rebuild() {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: &level}
	if format == "json" {
		slogger = slog.New(slog.NewJSONHandler(output, opts))
		return
	}
	slogger = slog.New(NewColorTextHandler(output, opts, color))
}

// Init applies cfg. An Output other than stdout or stderr is opened as a
// file in append mode; a file opened by an earlier Init is closed.
func Init(cfg Config) error {
	if cfg.Output != "" {
		var (
			w    io.Writer
			file *os.File
			tty  bool
		)
		switch strings.ToLower(cfg.Output) {
		case "stdout":
			w, tty = os.Stdout, isTerminal(os.Stdout.Fd())
		case "stderr":
			w, tty = os.Stderr, isTerminal(os.Stderr.Fd())
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
			}
			w, file = f, f
		}
		setOutput(w, file, tty)
	}

	SetLevel(cfg.Level)
	SetFormat(cfg.Format)
	rebuild()
	return nil
}

// InitWithWriter sends records to w. Used by tests.
func InitWithWriter(w io.Writer, lvl, f string, enableColor bool) {
	setOutput(w, nil, enableColor)
	SetLevel(lvl)
	SetFormat(f)
	rebuild()
}

func setOutput(w io.Writer, file *os.File, useColor bool) {
	mu.Lock()
	if logFile != nil && logFile != file {
		_ = logFile.Close()
	}
	output, logFile, color = w, file, useColor
	mu.Unlock()
}

// SetLevel sets the minimum level. Unknown names are ignored.
func SetLevel(name string) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		level.Set(slog.LevelDebug)
	case "INFO":
		level.Set(slog.LevelInfo)
	case "WARN":
		level.Set(slog.LevelWarn)
	case "ERROR":
		level.Set(slog.LevelError)
	}
}

// SetFormat switches between "text" and "json". Unknown names are ignored.
func SetFormat(name string) {
	name = strings.ToLower(name)
	if name != "text" && name != "json" {
		return
	}
	mu.Lock()
	changed := format != name
	format = name
	mu.Unlock()
	if changed {
		rebuild()
	}
}

// Enabled reports whether records at l are written.
func Enabled(l slog.Level) bool {
	return l >= level.Level()
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

// Debug logs at debug level: Debug("msg", Port("fc0"), "key", value).
func Debug(msg string, args ...any) { log(slog.LevelDebug, msg, args) }

// Info logs at info level.
func Info(msg string, args ...any) { log(slog.LevelInfo, msg, args) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { log(slog.LevelWarn, msg, args) }

// Error logs at error level.
func Error(msg string, args ...any) { log(slog.LevelError, msg, args) }

func log(l slog.Level, msg string, args []any) {
	if !Enabled(l) {
		return
	}
	get().Log(context.Background(), l, msg, args...)
}
