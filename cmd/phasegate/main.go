package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/phasegate/internal/config"
	"github.com/danielpatrickdp/phasegate/internal/engine"
	"github.com/danielpatrickdp/phasegate/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	remoteAddr string

	cfg    config.Config
	logger *zap.Logger
)

// #region root

var rootCmd = &cobra.Command{
	Use:   "phasegate",
	Short: "Behavioral policy engine for autonomous agents",
	Long: `phasegate measures each agent's recent behavior in a 12-dimensional
phase space, validates it against constraint manifolds before every action,
and escalates interventions for agents stuck in detrimental attractors.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults plus PHASEGATE_* overrides when empty)")

	rootCmd.AddCommand(serveCmd, inspectCmd, exportCmd, importCmd, discoverCmd, reviewCmd, replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion root

// #region helpers

// openEngine opens the local stores. Commands that would contend with a
// running server for the snapshot lock take --remote instead.
func openEngine() (*engine.Engine, error) {
	e, err := engine.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	return e, nil
}

func addRemoteFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&remoteAddr, "remote", "", "address of a running phasegate server (uses local stores when empty)")
}

// #endregion helpers
