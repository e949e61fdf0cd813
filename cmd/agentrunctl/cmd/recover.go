// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runstack/agentrun/internal/domain"
)

var recoverMode string

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Resolve runs left in running by a crashed process",
	Long: `Resolve runs stuck in the running state after an unclean shutdown.

Mode fail marks them failed with an interruption marker; mode requeue
returns them to pending and runs one dispatch cycle so they start again
immediately. The sweep is a single conditional update, so running it
alongside live workers is safe.

Examples:
  agentrunctl recover --mode fail
  agentrunctl recover --mode requeue`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)

	recoverCmd.Flags().StringVar(&recoverMode, "mode", string(domain.RecoveryRequeue), "recovery mode: ignore, fail, or requeue")
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, pool, logger, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	dispatcher, executor := buildDispatcher(cfg, pool, logger)

	mode := domain.RecoveryMode(recoverMode)
	n, err := dispatcher.Recover(ctx, mode)
	if err != nil {
		return err
	}
	fmt.Printf("recovered %d runs (mode %s)\n", n, recoverMode)

	// requeued runs go straight back into execution
	if mode == domain.RecoveryRequeue && n > 0 {
		submitted, err := dispatcher.Dispatch(ctx)
		if err != nil {
			return err
		}
		executor.Wait()
		fmt.Printf("dispatched %d runs\n", submitted)
	}
	return nil
}
