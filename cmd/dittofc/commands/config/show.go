package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittofc/internal/cli/output"
	"github.com/marmos91/dittofc/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration the node would run with: the file, environment
overrides and defaults merged.

Examples:
  dittofc config show
  dittofc config show -o json --config /etc/dittofc/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}
	if format == output.FormatTable {
		return fmt.Errorf("config show prints yaml or json, not %s", showOutput)
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}
	return output.Print(cmd.OutOrStdout(), format, cfg, nil)
}
