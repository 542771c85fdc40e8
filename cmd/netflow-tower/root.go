package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/devblac/netflow-tower/internal/config"
	"github.com/devblac/netflow-tower/internal/logging"
	"github.com/devblac/netflow-tower/internal/storage"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "netflow-tower",
		Short: "ERC-20 net-flow indexer for a watched address set",
	}
)

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to config file")

	rootCmd.AddCommand(
		versionCmd,
		initCmd,
		validateCmd,
		runCmd,
		serveCmd,
		netFlowCmd,
		statusCmd,
		transactionsCmd,
		exportCmd,
	)
}

// Execute runs the root command tree.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Global.LogLevel, cfg.Global.LogFormat)
	slog.SetDefault(log)
	return cfg, log, nil
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.Global.DBPath, storage.WithMaxPageSize(cfg.API.MaxPageSize))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return store, nil
}
