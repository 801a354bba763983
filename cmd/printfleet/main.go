package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/logging"
)

const defaultConfigPath = "config.yaml"

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "printfleet: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "printfleet",
		Short: "Serial 3D printer fleet controller",
		Long: `printfleet supervises a fleet of serial-attached 3D printers, one isolated worker per
device, and schedules jobs from a persistent, taggable print queue.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.PathFromEnv(defaultConfigPath), "Path to the YAML config file")
	cmd.AddCommand(
		newServeCmd(),
		newPrintersCmd(),
		newQueueCmd(),
		newHashPasswordCmd(),
	)
	return cmd
}

// loadConfig reads the config file, applies PRINTFLEET_* overrides and
// validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(cfg.Logging, os.Stderr)
}
