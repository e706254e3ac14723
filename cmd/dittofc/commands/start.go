package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/internal/telemetry"
	"github.com/marmos91/dittofc/pkg/config"
	"github.com/marmos91/dittofc/pkg/server"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the DittoFC node",
	Long: `Start the DittoFC node with the specified configuration.

Every configured port is linked (to the simulated switch, or to its
point-to-point partner), logs in to the fabric and, for initiator ports,
discovers and logs in to the targets registered with the name server.

By default, the node runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Examples:
  # Start in background (default)
  dittofc start

  # Start in foreground
  dittofc start --foreground

  # Start with custom config file
  dittofc start --config /etc/dittofc/config.yaml

  # Start with environment variable overrides
  DITTOFC_LOGGING_LEVEL=DEBUG dittofc start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/dittofc/dittofc.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/dittofc/dittofc.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	closeObs, err := startObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeObs()

	logger.Info("Configuration loaded", logger.KeyPath, getConfigSource(GetConfigFile()),
		"level", cfg.Logging.Level, "format", cfg.Logging.Format)

	node, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	for _, p := range cfg.Ports {
		logger.Info("Port configured", logger.Port(p.Name), logger.WWPN(p.WWPN),
			"roles", p.Roles, "fc4_types", p.FC4Types)
	}

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	fmt.Printf("DittoFC %s running in %s mode. Press Ctrl+C to stop.\n", Version, cfg.Fabric.Mode)

	err = node.Serve(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("Node stopped gracefully")
		return nil
	case err != nil:
		logger.Error("Node error", logger.Err(err))
		return err
	}
	logger.Info("Node stopped")
	return nil
}

// startObservability brings up tracing and profiling; the returned func
// flushes both.
func startObservability(ctx context.Context, cfg *config.Config) (func(), error) {
	tc := cfg.Telemetry
	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        tc.Enabled,
		ServiceName:    "dittofc",
		ServiceVersion: Version,
		Endpoint:       tc.Endpoint,
		Insecure:       tc.Insecure,
		SampleRate:     tc.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	stopProfiling, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        tc.Profiling.Enabled,
		ServiceName:    "dittofc",
		ServiceVersion: Version,
		Endpoint:       tc.Profiling.Endpoint,
		ProfileTypes:   tc.Profiling.ProfileTypes,
	})
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, fmt.Errorf("failed to initialize profiling: %w", err)
	}

	if telemetry.IsEnabled() {
		logger.Info("Tracing enabled", logger.KeyAddr, tc.Endpoint, "sample_rate", tc.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", logger.KeyAddr, tc.Profiling.Endpoint)
	}

	return func() {
		if err := stopProfiling(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}, nil
}
