// Package commands implements the dittofc command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittofc/cmd/dittofc/commands/config"
)

// Build information, set by main.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dittofc",
	Short: "DittoFC - Fibre Channel N_Port stack",
	Long: `DittoFC runs Fibre Channel N_Ports in userspace: exchange and sequence
management, fabric and point-to-point login, name server registration and
discovery, and N_Port sessions (PLOGI, PRLI, RTV). Ports are attached to a
simulated switch or linked back to back.

Use "dittofc [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "dittofc %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/dittofc/config.yaml)")

	rootCmd.AddCommand(versionCmd, initCmd, startCmd, stopCmd, statusCmd, logsCmd, config.Cmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
