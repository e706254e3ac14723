package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/marmos91/dittofc/pkg/config"
)

var (
	logsFollow bool
	logsLines  int
	logsSince  string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Tail node logs",
	Long: `Print the last lines of the node log and optionally keep following it.

The file is logging.output from the configuration or, for a daemon logging to
stdout, the daemon log under $XDG_STATE_HOME/dittofc.

Examples:
  dittofc logs -n 50
  dittofc logs -f --since 10m
  dittofc logs --since 2026-01-15T10:00:00Z`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of lines to show")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show lines since an RFC3339 time or a duration ago (e.g. 10m)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logOutput, err := resolveLogFile(cfg.Logging.Output, GetDefaultLogFile())
	if err != nil {
		return err
	}

	sinceTime, err := parseSince(logsSince, time.Now())
	if err != nil {
		return err
	}

	if logsFollow {
		return followLogs(logOutput, logsLines, sinceTime)
	}

	return showLogs(logOutput, logsLines, sinceTime)
}

// resolveLogFile picks the file to read: the configured output when it is a
// file, otherwise the daemon log file if one exists.
func resolveLogFile(configured, daemonLog string) (string, error) {
	if configured != "stdout" && configured != "stderr" && configured != "" {
		if _, err := os.Stat(configured); os.IsNotExist(err) {
			return "", fmt.Errorf("log file not found: %s\nThe node may not have started yet or is logging elsewhere", configured)
		}
		return configured, nil
	}
	if _, err := os.Stat(daemonLog); err == nil {
		return daemonLog, nil
	}
	return "", fmt.Errorf("node is configured to log to %s, not a file\nConfigure 'logging.output' in config to a file path, or start the node as a daemon", configured)
}

// showLogs prints the last lines of logFile written at or after since.
func showLogs(logFile string, lines int, since time.Time) error {
	file, err := os.Open(logFile)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	tail, err := tailLines(file, lines, since)
	if err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}
	for _, line := range tail {
		fmt.Println(line)
	}
	return nil
}

// tailLines keeps the last n lines of r in a ring. Lines with a timestamp
// before since are skipped; lines without one are kept.
func tailLines(r io.Reader, n int, since time.Time) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, 0, n)
	next := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !since.IsZero() {
			if t := extractTimestamp(line); !t.IsZero() && t.Before(since) {
				continue
			}
		}
		if len(ring) < n {
			ring = append(ring, line)
			continue
		}
		ring[next] = line
		next = (next + 1) % n
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return append(ring[next:], ring[:next]...), nil
}

// followLogs prints the tail of logFile, then every line appended to it
// until interrupted.
func followLogs(logFile string, initialLines int, since time.Time) error {
	if err := showLogs(logFile, initialLines, since); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(logFile); err != nil {
		return fmt.Errorf("failed to watch log file: %w", err)
	}

	file, err := os.Open(logFile)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end of log file: %w", err)
	}
	reader := bufio.NewReader(file)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "Following %s (Ctrl+C to stop)...\n", logFile)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) {
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						break
					}
					fmt.Print(line)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}

// textTimeLayout is the timestamp of the text log handler, in local time.
const textTimeLayout = "2006-01-02 15:04:05"

// extractTimestamp reads the time of a log line written by either handler:
// "[2006-01-02 15:04:05] [INFO] ..." or a JSON record with a "time" field.
func extractTimestamp(line string) time.Time {
	if len(line) > len(textTimeLayout)+1 && line[0] == '[' {
		if t, err := time.ParseInLocation(textTimeLayout, line[1:len(textTimeLayout)+1], time.Local); err == nil {
			return t
		}
	}

	const timeKey = `"time":"`
	if idx := strings.Index(line, timeKey); idx >= 0 {
		rest := line[idx+len(timeKey):]
		if end := strings.IndexByte(rest, '"'); end > 0 {
			if t, err := time.Parse(time.RFC3339Nano, rest[:end]); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// parseSince accepts an RFC3339 time or a duration before now. Empty means
// no lower bound.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC3339 or a duration like 10m", s)
	}
	return t, nil
}
