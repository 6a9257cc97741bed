package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running finch daemon",
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, _ []string) error {
	pidFile := pidFilePath()
	pid := readPID(pidFile)
	if !processAlive(pid) {
		removePIDFile(pidFile)
		return fmt.Errorf("finchd is not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	// Give the daemon time to drain before reporting
	for i := 0; i < 30; i++ {
		if !processAlive(pid) {
			fmt.Fprintf(cmd.OutOrStdout(), "finchd stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(time.Second)
	}

	return fmt.Errorf("finchd (pid %d) did not stop within 30s", pid)
}
