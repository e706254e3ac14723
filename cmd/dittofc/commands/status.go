package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittofc/internal/cli/output"
	"github.com/marmos91/dittofc/pkg/apiclient"
	"github.com/marmos91/dittofc/pkg/fc/fabric"
)

var (
	statusOutput  string
	statusPidFile string
	statusAPIPort int
	statusTimeout time.Duration
)

// Status views.
const (
	viewPorts     = "ports"
	viewSessions  = "sessions"
	viewExchanges = "exchanges"
	viewPortDB    = "portdb"
	viewSwitch    = "switch"
)

var statusCmd = &cobra.Command{
	Use:   "status [ports|sessions|exchanges|portdb|switch]",
	Short: "Show node status",
	Long: `Display the state of a running DittoFC node.

Without an argument the node's readiness and its local ports are shown. The
optional argument selects another view:

  ports      local ports, their fabric address and login state
  sessions   N_Port sessions of every local port
  exchanges  exchange manager counters and busy exchanges
  portdb     remote ports recorded in the port database
  switch     name server entries of the simulated switch

Examples:
  # Check status (uses default settings)
  dittofc status

  # List sessions as JSON
  dittofc status sessions --output json

  # Query a node with a custom API port
  dittofc status --api-port 9080`,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{viewPorts, viewSessions, viewExchanges, viewPortDB, viewSwitch},
	RunE:      runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/dittofc/dittofc.pid)")
	statusCmd.Flags().IntVar(&statusAPIPort, "api-port", 8080, "API server port")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "API request timeout")
}

// NodeStatus is the summary printed by "dittofc status".
type NodeStatus struct {
	Running bool              `json:"running" yaml:"running"`
	PID     int               `json:"pid,omitempty" yaml:"pid,omitempty"`
	Healthy bool              `json:"healthy" yaml:"healthy"`
	Message string            `json:"message" yaml:"message"`
	Ports   []fabric.PortInfo `json:"ports,omitempty" yaml:"ports,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	client := apiclient.New(fmt.Sprintf("http://localhost:%d", statusAPIPort)).WithTimeout(statusTimeout)
	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	if len(args) == 0 {
		pidPath := statusPidFile
		if pidPath == "" {
			pidPath = GetDefaultPidFile()
		}
		status := nodeStatus(ctx, client, pidPath)
		if format != output.FormatTable {
			return output.Print(os.Stdout, format, status, nil)
		}
		return printNodeStatus(os.Stdout, status)
	}
	return printView(ctx, os.Stdout, client, args[0], format)
}

// nodeStatus combines the PID file with the API readiness probe.
func nodeStatus(ctx context.Context, client *apiclient.Client, pidPath string) NodeStatus {
	status := NodeStatus{Message: "Node is not running"}
	if pid, running := isProcessRunning(pidPath); running {
		status.Running = true
		status.PID = pid
	}

	ready, err := client.Ready(ctx)
	if err != nil {
		if status.Running {
			status.Message = "Node process exists but the API is not answering"
		}
		return status
	}

	status.Running = true
	status.Healthy = ready.Healthy
	if ready.Healthy {
		status.Message = "Node is running and every port is logged in"
	} else {
		status.Message = fmt.Sprintf("Node is running but not ready: %s", ready.Error)
	}
	if ports, err := client.Ports(ctx); err == nil {
		status.Ports = ports
	}
	return status
}

func printNodeStatus(w io.Writer, status NodeStatus) error {
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "DittoFC Node Status")
	_, _ = fmt.Fprintln(w, "===================")
	_, _ = fmt.Fprintln(w)

	switch {
	case status.Running && status.Healthy:
		_, _ = fmt.Fprintf(w, "  Status:     \033[32m● Running\033[0m\n")
	case status.Running:
		_, _ = fmt.Fprintf(w, "  Status:     \033[33m● Running (not ready)\033[0m\n")
	default:
		_, _ = fmt.Fprintf(w, "  Status:     \033[31m○ Stopped\033[0m\n")
	}
	if status.PID != 0 {
		_, _ = fmt.Fprintf(w, "  PID:        %d\n", status.PID)
	}
	_, _ = fmt.Fprintf(w, "\n  %s\n\n", status.Message)

	if len(status.Ports) > 0 {
		if err := output.PrintTable(w, portsTable(status.Ports)); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w)
	}
	return nil
}

// printView fetches one view from the API and prints it.
func printView(ctx context.Context, w io.Writer, client *apiclient.Client, view string, format output.Format) error {
	switch view {
	case viewPorts:
		ports, err := client.Ports(ctx)
		if err != nil {
			return err
		}
		return output.Print(w, format, ports, portsTable(ports))

	case viewSessions:
		sessions, err := client.Sessions(ctx)
		if err != nil {
			return err
		}
		return output.Print(w, format, sessions, sessionsTable(sessions))

	case viewExchanges:
		ex, err := client.Exchanges(ctx)
		if err != nil {
			return err
		}
		if format != output.FormatTable {
			return output.Print(w, format, ex, nil)
		}
		if err := output.KeyValues(w, exchangeStatsPairs(ex.Stats)); err != nil {
			return err
		}
		if len(ex.Active) == 0 {
			return nil
		}
		_, _ = fmt.Fprintln(w)
		return output.PrintTable(w, exchangesTable(ex.Active))

	case viewPortDB:
		recs, err := client.PortDB(ctx)
		if err != nil {
			return err
		}
		return output.Print(w, format, recs, portDBTable(recs, time.Now()))

	case viewSwitch:
		entries, err := client.Switch(ctx)
		var apiErr *apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			return fmt.Errorf("the node's ports are linked point-to-point; there is no switch")
		}
		if err != nil {
			return err
		}
		return output.Print(w, format, entries, switchTable(entries))

	default:
		return fmt.Errorf("unknown view %q", view)
	}
}
