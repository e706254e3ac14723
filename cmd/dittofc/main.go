// Command dittofc runs and inspects a userspace Fibre Channel node.
package main

import (
	"fmt"
	"os"

	"github.com/marmos91/dittofc/cmd/dittofc/commands"
)

// Set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version, commands.Commit, commands.Date = version, commit, date

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
