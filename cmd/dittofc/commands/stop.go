package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
)

var (
	stopPidFile string
	stopForce   bool
)

var errProcessDone = errors.New("process already finished")

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the DittoFC node",
	Long: `Stop a running DittoFC node.

By default the node is asked to shut down gracefully: every port logs out
of the fabric before the process exits. Use --force for immediate
termination.

Examples:
  # Stop node (uses default PID file)
  dittofc stop

  # Force stop
  dittofc stop --force`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/dittofc/dittofc.pid)")
	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "Force kill instead of graceful shutdown")
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := stopPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	pid, err := readPIDFile(pidPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("PID file not found: %s\n\nIs the node running?", pidPath)
	case err != nil:
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := stopProcess(process, pid, stopForce); err != nil {
		if errors.Is(err, errProcessDone) {
			fmt.Println("Node already stopped")
			_ = os.Remove(pidPath)
			return nil
		}
		return err
	}

	if stopForce {
		fmt.Println("Node terminated")
	} else {
		fmt.Println("Shutdown signal sent. Ports will log out and the node will stop.")
	}
	return nil
}
