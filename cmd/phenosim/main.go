package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/nvandessel/phenosim/internal/config"
	"github.com/nvandessel/phenosim/internal/logging"
	"github.com/nvandessel/phenosim/internal/params"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "phenosim",
		Short: "Phenotype population simulator",
		Long: `phenosim simulates a population of agents whose phenotypes face
environment-dependent birth and death pressure. Offspring inherit mutated
phenotype weights, and the population is capped at its initial size.

Runs write binary trajectory files (traj-NNN.bin) to the data directory
and are recorded in a run registry.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("root", ".", "Project root directory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: info, debug or trace (default from config)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newInspectCmd(),
		newExportCmd(),
		newParamsCmd(),
		newRunsCmd(),
		newConfigCmd(),
		newPruneCmd(),
	)

	return rootCmd
}

// loadConfig loads the application config and applies the --log-level flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
}

// paramsPath returns the --params flag, or parameters.yaml in the project
// root when it is unset.
func paramsPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("params"); path != "" {
		return path
	}
	root, _ := cmd.Flags().GetString("root")
	return filepath.Join(root, params.DefaultFileName)
}

// loadParams reads the parameter file, applies PHENOSIM_* overrides and
// validates the result.
func loadParams(cmd *cobra.Command) (*params.Params, string, error) {
	path := paramsPath(cmd)
	p, err := params.LoadFromFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("%s: %w", path, err)
	}
	p.ApplyEnvOverrides()
	if err := p.Validate(); err != nil {
		return nil, path, fmt.Errorf("%s: %w", path, err)
	}
	return p, path, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
