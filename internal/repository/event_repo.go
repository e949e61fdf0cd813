// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runstack/agentrun/internal/domain"
	"github.com/runstack/agentrun/internal/metrics"
)

// eventInsertChunk bounds how many rows a single batched statement carries.
const eventInsertChunk = 50

type EventRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventRepository(pool *pgxpool.Pool, logger *slog.Logger) *EventRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventRepository{
		pool:   pool,
		logger: logger,
	}
}

// Append stores events for a run with contiguous sequence numbers. The run
// row is locked for the duration of the insert so two appenders can never
// read the same MAX(sequence).
func (r *EventRepository) Append(ctx context.Context, runID uuid.UUID, events []domain.NewEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+appendLockTimeout+"'"); err != nil {
		return 0, err
	}

	var lockedID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM runs WHERE id=$1 FOR UPDATE`,
		runID,
	).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return 0, domain.ErrContention
		}
		r.logger.Error("lock run for event append failed", "run_id", runID, "error", err)
		return 0, err
	}

	var last int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE run_id=$1`,
		runID,
	).Scan(&last); err != nil {
		return 0, err
	}

	seq := last
	for start := 0; start < len(events); start += eventInsertChunk {
		end := start + eventInsertChunk
		if end > len(events) {
			end = len(events)
		}

		batch := &pgx.Batch{}
		for _, ev := range events[start:end] {
			seq++
			batch.Queue(
				`INSERT INTO events (id, run_id, sequence, kind, payload) VALUES ($1, $2, $3, $4, $5)`,
				uuid.New(),
				runID,
				seq,
				ev.Kind,
				ev.Payload,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for range events[start:end] {
			if _, err := results.Exec(); err != nil {
				results.Close()
				r.logger.Error("insert events failed", "run_id", runID, "error", err)
				return 0, err
			}
		}
		if err := results.Close(); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	metrics.AddEventsAppended(len(events))
	return seq, nil
}

// ListAfter returns up to limit events of the run with sequence greater than
// after, ascending. Runs the caller does not own read as not found.
func (r *EventRepository) ListAfter(ctx context.Context, runID uuid.UUID, after int64, limit int) ([]domain.Event, error) {
	ownerID, err := ownerIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var exists bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM runs WHERE id=$1 AND owner_id=$2)`,
		runID,
		ownerID,
	).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, sequence, kind, payload, created_at
		FROM events
		WHERE run_id=$1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`,
		runID,
		after,
		limit,
	)
	if err != nil {
		r.logger.Error("list events failed", "run_id", runID, "error", err)
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.Event, 0, limit)
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Sequence, &ev.Kind, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
