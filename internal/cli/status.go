package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/averill/finch/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	pid := readPID(pidFilePath())
	if !processAlive(pid) {
		fmt.Fprintln(cmd.OutOrStdout(), "finchd: not running")
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "finchd: running (pid %d)\n", pid)

	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Gateway.Port)
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "gateway: unreachable (%v)\n", err)
		return nil
	}
	defer resp.Body.Close()

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "gateway: %s (port %d)\n", health.Status, cfg.Gateway.Port)
	}
	return nil
}
