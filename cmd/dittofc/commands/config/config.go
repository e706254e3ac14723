// Package config implements "dittofc config": checking, printing and
// describing the node configuration file.
package config

import (
	"github.com/spf13/cobra"
)

// Cmd groups the configuration subcommands.
var Cmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the node configuration",
	Long: `Inspect the DittoFC configuration file without starting the node.
A new file is created with 'dittofc init'.`,
}

func init() {
	Cmd.AddCommand(validateCmd, showCmd, schemaCmd)
}
