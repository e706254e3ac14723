//go:build windows

package commands

import (
	"fmt"
	"os"
)

func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

// startDaemon is not supported on Windows.
func startDaemon() error {
	return fmt.Errorf("daemon mode is not supported on Windows, use --foreground")
}
