// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/runstack/agentrun/internal/agent"
	"github.com/runstack/agentrun/internal/config"
	"github.com/runstack/agentrun/internal/dispatch"
	"github.com/runstack/agentrun/internal/domain"
	"github.com/runstack/agentrun/internal/notify"
	"github.com/runstack/agentrun/internal/repository"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run a single dispatch cycle",
	Long: `Claim as many pending runs as the concurrency limit allows, execute
them, and wait for the pool to drain. Useful for draining a backlog
without starting the worker process.`,
	Args: cobra.NoArgs,
	RunE: runDispatch,
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, pool, logger, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	dispatcher, executor := buildDispatcher(cfg, pool, logger)

	n, err := dispatcher.Dispatch(ctx)
	if err != nil {
		return err
	}
	executor.Wait()

	fmt.Printf("dispatched %d runs\n", n)
	return nil
}

// buildDispatcher wires a one-shot dispatcher and its execution pool the way
// the worker process does.
func buildDispatcher(cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*dispatch.Dispatcher, *dispatch.Executor) {
	runRepo := repository.NewRunRepository(pool, logger)
	convRepo := repository.NewConversationRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)

	registry := agent.NewRegistry()
	registry.Register(cfg.DefaultAgentKey, &agent.EchoAgent{})

	notifier := notify.NewLogNotifier(logger)

	executor := dispatch.NewExecutor(dispatch.ExecutorDeps{
		Registry:      registry,
		Runs:          runRepo,
		Conversations: convRepo,
		Events:        eventRepo,
		Notifier:      notifier,
		Logger:        logger,
		PoolSize:      cfg.EffectiveConcurrencyLimit(),
		EnableEvents:  cfg.EnableEvents,
	})

	dispatcher := dispatch.New(dispatch.Deps{
		Store:        runRepo,
		Submitter:    executor,
		Notifier:     notifier,
		Logger:       logger,
		Limit:        cfg.EffectiveConcurrencyLimit(),
		RecoveryMode: domain.RecoveryMode(cfg.StartupRecovery),
	})

	return dispatcher, executor
}
