// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runstack/agentrun/internal/domain"
	"github.com/runstack/agentrun/internal/retention"
)

var (
	cleanupEventsDays        int
	cleanupRunsDays          int
	cleanupConversationsDays int
	cleanupRunStatuses       []string
	cleanupBatchSize         int
	cleanupDryRun            bool
	cleanupRequireEmpty      bool
	cleanupAllowNonEmpty     bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired events, runs, and conversations",
	Long: `Delete rows older than the configured retention windows, oldest
first, in bounded batches: events, then terminal runs, then conversations.

A day value of 0 disables that category. Conversations are only deleted
when both their items and their runs are already gone, unless
--conversations-allow-nonempty is set.

Flags override the [cleanup] section of the configuration.

Examples:
  agentrunctl cleanup --dry-run
  agentrunctl cleanup --events-days 7 --runs-days 30
  agentrunctl cleanup --run-statuses completed`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().IntVar(&cleanupEventsDays, "events-days", 0, "delete events older than this many days (0 disables)")
	cleanupCmd.Flags().IntVar(&cleanupRunsDays, "runs-days", 0, "delete terminal runs older than this many days (0 disables)")
	cleanupCmd.Flags().IntVar(&cleanupConversationsDays, "conversations-days", 0, "delete conversations older than this many days (0 disables)")
	cleanupCmd.Flags().StringSliceVar(&cleanupRunStatuses, "run-statuses", nil, "terminal statuses eligible for deletion")
	cleanupCmd.Flags().IntVar(&cleanupBatchSize, "batch-size", 0, "rows deleted per statement")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be deleted without deleting")
	cleanupCmd.Flags().BoolVar(&cleanupRequireEmpty, "conversations-require-empty", false, "only delete conversations with no items and no runs")
	cleanupCmd.Flags().BoolVar(&cleanupAllowNonEmpty, "conversations-allow-nonempty", false, "delete conversations even when items or runs remain")
	cleanupCmd.MarkFlagsMutuallyExclusive("conversations-require-empty", "conversations-allow-nonempty")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, pool, logger, err := connect(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	policy := retention.Policy{
		EventsDays:                cfg.Cleanup.EventsDays,
		RunsDays:                  cfg.Cleanup.RunsDays,
		ConversationsDays:         cfg.Cleanup.ConversationsDays,
		ConversationsRequireEmpty: cfg.Cleanup.ConversationsRequireEmpty,
		BatchSize:                 cfg.Cleanup.BatchSize,
	}
	for _, status := range cfg.Cleanup.RunStatuses {
		policy.RunStatuses = append(policy.RunStatuses, domain.RunStatus(status))
	}

	flags := cmd.Flags()
	if flags.Changed("events-days") {
		policy.EventsDays = cleanupEventsDays
	}
	if flags.Changed("runs-days") {
		policy.RunsDays = cleanupRunsDays
	}
	if flags.Changed("conversations-days") {
		policy.ConversationsDays = cleanupConversationsDays
	}
	if flags.Changed("run-statuses") {
		policy.RunStatuses = policy.RunStatuses[:0]
		for _, status := range cleanupRunStatuses {
			policy.RunStatuses = append(policy.RunStatuses, domain.RunStatus(status))
		}
	}
	if flags.Changed("batch-size") {
		policy.BatchSize = cleanupBatchSize
	}
	if flags.Changed("conversations-require-empty") {
		policy.ConversationsRequireEmpty = cleanupRequireEmpty
	}
	if flags.Changed("conversations-allow-nonempty") {
		policy.ConversationsRequireEmpty = !cleanupAllowNonEmpty
	}

	report, err := retention.NewSweeper(pool, logger).Sweep(ctx, policy, cleanupDryRun)
	if err != nil {
		return err
	}

	verb := "deleted"
	if report.DryRun {
		verb = "would delete"
	}
	fmt.Printf("%s %d events, %d runs, %d conversations\n",
		verb, report.Events, report.Runs, report.Conversations)
	return nil
}
