package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/siomule/internal/common"
	"example.com/siomule/internal/config"
	"example.com/siomule/internal/statestore"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app carries the resolved configuration shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	logDir     string
	stateStore string

	cfg    config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "siomulectl",
		Short:         "Decode SIO Mule controller files",
		Long:          "siomulectl decodes instrument records from SIO Mule controller files, resuming from persisted parser state.",
		Version:       fmt.Sprintf("%s (built %s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			common.CloseLogging()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML or TOML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	root.PersistentFlags().StringVar(&a.logDir, "log-dir", "", "directory for the rotating JSON log file")
	root.PersistentFlags().StringVar(&a.stateStore, "state-store", "", "bbolt state database path")

	root.AddCommand(
		newDecodeCommand(a),
		newBatchCommand(a),
		newStateCommand(a),
		newReportCommand(a),
	)
	return root
}

func (a *app) setup() error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if a.logLevel != "" {
		cfg.Logs.Level = a.logLevel
	}
	if a.logDir != "" {
		cfg.Logs.Directory = a.logDir
	}
	if a.stateStore != "" {
		cfg.StateStore = a.stateStore
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := common.ConfigureLogging(cfg.Logs)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) openStore() (*statestore.Bolt, error) {
	return statestore.Open(a.cfg.StateStore, a.logger.Named("statestore"))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
