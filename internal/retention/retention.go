// SPDX-License-Identifier: Apache-2.0

// Package retention deletes aged rows in bounded batches so cleanup never
// holds long locks against the live dispatch path.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runstack/agentrun/internal/domain"
	"github.com/runstack/agentrun/internal/metrics"
)

const DefaultBatchSize = 500

// Policy controls what a sweep deletes. A zero Days field disables that
// category entirely.
type Policy struct {
	EventsDays        int
	RunsDays          int
	ConversationsDays int

	// RunStatuses limits run deletion to these statuses. All must be
	// terminal; deleting pending or running rows would break dispatch.
	RunStatuses []domain.RunStatus

	// ConversationsRequireEmpty skips conversations that still have items
	// or runs attached.
	ConversationsRequireEmpty bool

	BatchSize int
}

// DefaultPolicy keeps events two weeks, terminal runs 90 days, and never
// touches conversations.
func DefaultPolicy() Policy {
	return Policy{
		EventsDays:                14,
		RunsDays:                  90,
		ConversationsDays:         0,
		RunStatuses:               []domain.RunStatus{domain.RunCompleted, domain.RunFailed},
		ConversationsRequireEmpty: true,
		BatchSize:                 DefaultBatchSize,
	}
}

func (p Policy) Validate() error {
	if p.EventsDays < 0 || p.RunsDays < 0 || p.ConversationsDays < 0 {
		return fmt.Errorf("retention day values must not be negative")
	}
	if p.BatchSize < 1 {
		return fmt.Errorf("retention batch size must be at least 1, got %d", p.BatchSize)
	}
	for _, status := range p.RunStatuses {
		if !status.Terminal() {
			return fmt.Errorf("retention may only delete terminal runs, got status %q", status)
		}
	}
	if p.RunsDays > 0 && len(p.RunStatuses) == 0 {
		return fmt.Errorf("run retention requires at least one status")
	}
	return nil
}

// Report counts rows per category. In dry-run mode the counts are what a
// real sweep would delete.
type Report struct {
	Events        int64
	Runs          int64
	Conversations int64
	DryRun        bool
}

type Sweeper struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewSweeper(pool *pgxpool.Pool, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		pool:   pool,
		logger: logger,
	}
}

// Sweep deletes rows past the policy's horizons, events first, then runs,
// then conversations, so a partial sweep never leaves children without
// parents. Each batch is one DELETE statement; an error aborts the sweep but
// everything already deleted stays deleted.
func (s *Sweeper) Sweep(ctx context.Context, policy Policy, dryRun bool) (Report, error) {
	if err := policy.Validate(); err != nil {
		return Report{}, err
	}

	report := Report{DryRun: dryRun}
	now := time.Now().UTC()

	if policy.EventsDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.EventsDays)
		n, err := s.sweepEvents(ctx, cutoff, policy.BatchSize, dryRun)
		if err != nil {
			return report, fmt.Errorf("sweep events: %w", err)
		}
		report.Events = n
	}

	if policy.RunsDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.RunsDays)
		n, err := s.sweepRuns(ctx, cutoff, policy.RunStatuses, policy.BatchSize, dryRun)
		if err != nil {
			return report, fmt.Errorf("sweep runs: %w", err)
		}
		report.Runs = n
	}

	if policy.ConversationsDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.ConversationsDays)
		n, err := s.sweepConversations(ctx, cutoff, policy.ConversationsRequireEmpty, policy.BatchSize, dryRun)
		if err != nil {
			return report, fmt.Errorf("sweep conversations: %w", err)
		}
		report.Conversations = n
	}

	s.logger.Info("retention sweep finished",
		"events", report.Events,
		"runs", report.Runs,
		"conversations", report.Conversations,
		"dry_run", dryRun,
	)
	return report, nil
}

func (s *Sweeper) sweepEvents(ctx context.Context, cutoff time.Time, batchSize int, dryRun bool) (int64, error) {
	if dryRun {
		var n int64
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM events WHERE created_at < $1`,
			cutoff,
		).Scan(&n)
		return n, err
	}

	var total int64
	for {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM events
			WHERE id IN (
				SELECT id FROM events
				WHERE created_at < $1
				LIMIT $2
			)
		`, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			break
		}
	}

	metrics.AddRetentionDeleted("events", total)
	return total, nil
}

func (s *Sweeper) sweepRuns(
	ctx context.Context,
	cutoff time.Time,
	statuses []domain.RunStatus,
	batchSize int,
	dryRun bool,
) (int64, error) {
	statusStrings := make([]string, len(statuses))
	for i, status := range statuses {
		statusStrings[i] = string(status)
	}

	// runs age on updated_at, not created_at: a run that sat pending past
	// the horizon but finished recently is still fresh
	if dryRun {
		var n int64
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM runs WHERE updated_at < $1 AND status = ANY($2)`,
			cutoff, statusStrings,
		).Scan(&n)
		return n, err
	}

	var total int64
	for {
		// events cascade, but deleting them first keeps each run batch small
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM runs
			WHERE id IN (
				SELECT id FROM runs
				WHERE updated_at < $1 AND status = ANY($2)
				LIMIT $3
			)
		`, cutoff, statusStrings, batchSize)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			break
		}
	}

	metrics.AddRetentionDeleted("runs", total)
	return total, nil
}

func (s *Sweeper) sweepConversations(
	ctx context.Context,
	cutoff time.Time,
	requireEmpty bool,
	batchSize int,
	dryRun bool,
) (int64, error) {
	filter := `
		WHERE c.updated_at < $1
	`
	if requireEmpty {
		filter += `
		  AND NOT EXISTS (SELECT 1 FROM conversation_items ci WHERE ci.conversation_id = c.id)
		  AND NOT EXISTS (SELECT 1 FROM runs r WHERE r.conversation_id = c.id)
		`
	}

	if dryRun {
		var n int64
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM conversations c`+filter,
			cutoff,
		).Scan(&n)
		return n, err
	}

	var total int64
	for {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM conversations
			WHERE id IN (
				SELECT c.id FROM conversations c`+filter+`
				LIMIT $2
			)
		`, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			break
		}
	}

	metrics.AddRetentionDeleted("conversations", total)
	return total, nil
}
