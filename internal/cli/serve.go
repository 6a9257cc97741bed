package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/averill/finch/internal/config"
	"github.com/averill/finch/internal/daemon"
	"github.com/averill/finch/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the finch daemon in the foreground",
	Long: `Run the finch daemon in the foreground. The gateway accepts
WebSocket connections, and the process exits cleanly on SIGINT or
SIGTERM after draining in-flight turns.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	pidFile := pidFilePath()
	if pid := readPID(pidFile); processAlive(pid) {
		return fmt.Errorf("finchd is already running (pid %d)", pid)
	}

	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer removePIDFile(pidFile)

	if err := d.Start(); err != nil {
		return err
	}

	d.Wait()
	return d.Stop()
}
