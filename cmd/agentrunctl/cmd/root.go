// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/runstack/agentrun/internal/config"
	"github.com/runstack/agentrun/internal/logging"
	"github.com/runstack/agentrun/internal/persistence/postgres"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agentrunctl",
	Short: "Operational tooling for the agentrun services",
	Long: `agentrunctl runs one-shot operational tasks against the agentrun
database: retention sweeps, recovery of runs interrupted by a crash,
manual dispatch cycles, and owner credential management.

Configuration comes from the same environment variables and optional
AGENTRUN_CONFIG file that the api and worker binaries read.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("agentrunctl {{.Version}}\n")
}

// connect loads and validates the configuration, then opens the pool the
// subcommand works against. The caller closes the pool.
func connect(ctx context.Context) (config.Config, *pgxpool.Pool, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, nil, err
	}

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	return cfg, pool, logger, nil
}
