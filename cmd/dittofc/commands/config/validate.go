package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittofc/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the DittoFC configuration file.

Checks for syntax errors, missing required fields, and invalid values, then
prints a summary of the node the file describes.

Examples:
  # Validate default config
  dittofc config validate

  # Validate specific config file
  dittofc config validate --config /etc/dittofc/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	printValidation(cmd.OutOrStdout(), displayPath, cfg)
	return nil
}

// configWarnings lists settings that are valid but unlikely to be intended.
func configWarnings(cfg *config.Config) []string {
	var warnings []string

	var initiators, targets int
	for i := range cfg.Ports {
		if cfg.Ports[i].HasRole("initiator") {
			initiators++
		}
		if cfg.Ports[i].HasRole("target") {
			targets++
		}
		if cfg.Ports[i].AcceptPLOGI == "list" && len(cfg.Ports[i].AllowedWWPNs) == 0 {
			warnings = append(warnings, fmt.Sprintf("port %s accepts PLOGI from a list but the list is empty", cfg.Ports[i].Name))
		}
	}
	if initiators == 0 {
		warnings = append(warnings, "no initiator port - no sessions will be started")
	}
	if targets == 0 {
		warnings = append(warnings, "no target port - initiators have nothing to discover")
	}
	if !cfg.Metrics.Enabled {
		warnings = append(warnings, "metrics disabled")
	}
	return warnings
}

func printValidation(w io.Writer, path string, cfg *config.Config) {
	_, _ = fmt.Fprintf(w, "Configuration file: %s\n", path)
	_, _ = fmt.Fprintln(w, "Validation: OK")

	if warnings := configWarnings(cfg); len(warnings) > 0 {
		_, _ = fmt.Fprintln(w, "\nWarnings:")
		for _, warning := range warnings {
			_, _ = fmt.Fprintf(w, "  - %s\n", warning)
		}
	}

	names := make([]string, 0, len(cfg.Ports))
	for i := range cfg.Ports {
		names = append(names, cfg.Ports[i].Name)
	}

	_, _ = fmt.Fprintf(w, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(w, "  Fabric mode:     %s\n", cfg.Fabric.Mode)
	_, _ = fmt.Fprintf(w, "  Ports:           %s\n", strings.Join(names, ", "))
	_, _ = fmt.Fprintf(w, "  Port database:   %s\n", cfg.PortDB.Type)
	if cfg.API.IsEnabled() {
		_, _ = fmt.Fprintf(w, "  API port:        %d\n", cfg.API.Port)
	} else {
		_, _ = fmt.Fprintln(w, "  API:             disabled")
	}
	_, _ = fmt.Fprintf(w, "  Log level:       %s\n", cfg.Logging.Level)
}
