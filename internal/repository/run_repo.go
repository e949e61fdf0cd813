// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runstack/agentrun/internal/domain"
	"github.com/runstack/agentrun/internal/metrics"
)

// claimLockID serializes concurrent claim transactions. Without it two
// dispatchers both read the pre-claim running count and SKIP LOCKED hands
// them disjoint pending rows, so the sum of their claims can overshoot the
// concurrency limit. ASCII "AR_CLAIM".
const claimLockID = 0x41525f434c41494d

const runColumns = `
	id, conversation_id, owner_id, agent_key, status, input,
	final_output, raw_responses, last_response_id, error, task_id,
	metadata, started_at, finished_at, created_at, updated_at`

type RunRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRunRepository(pool *pgxpool.Pool, logger *slog.Logger) *RunRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &RunRepository{
		pool:   pool,
		logger: logger,
	}
}

func scanRun(row pgx.Row) (domain.Run, error) {
	var run domain.Run
	err := row.Scan(
		&run.ID,
		&run.ConversationID,
		&run.OwnerID,
		&run.AgentKey,
		&run.Status,
		&run.Input,
		&run.FinalOutput,
		&run.RawResponses,
		&run.LastResponseID,
		&run.Error,
		&run.TaskID,
		&run.Metadata,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// Create inserts a new run in state pending, owned by the caller.
func (r *RunRepository) Create(ctx context.Context, params domain.CreateRunParams) (domain.Run, error) {
	ownerID, err := ownerIDFromContext(ctx)
	if err != nil {
		return domain.Run{}, err
	}

	metadata := params.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	runID := uuid.New()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO runs (id, conversation_id, owner_id, agent_key, status, input, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING`+runColumns,
		runID,
		params.ConversationID,
		ownerID,
		params.AgentKey,
		domain.RunPending,
		params.Input,
		metadata,
	)

	run, err := scanRun(row)
	if err != nil {
		r.logger.Error("insert run failed", "run_id", runID, "error", err)
		return domain.Run{}, err
	}

	metrics.IncRunTransition(domain.RunPending)
	r.logger.Info("run created", "run_id", run.ID, "agent_key", run.AgentKey)
	return run, nil
}

// Get returns the run only if it belongs to the caller. A missing run and an
// owner mismatch are indistinguishable to the caller.
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (domain.Run, error) {
	ownerID, err := ownerIDFromContext(ctx)
	if err != nil {
		return domain.Run{}, err
	}

	row := r.pool.QueryRow(ctx,
		`SELECT`+runColumns+` FROM runs WHERE id=$1 AND owner_id=$2`,
		id,
		ownerID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Run{}, domain.ErrNotFound
		}
		r.logger.Error("get run failed", "run_id", id, "error", err)
		return domain.Run{}, err
	}

	return run, nil
}

// Claim transitions a single run pending -> running. The conditional update
// is the mutual-exclusion guard: the first claimer wins, everyone else gets
// ErrInvalidTransition.
func (r *RunRepository) Claim(ctx context.Context, id uuid.UUID) (domain.Run, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE runs
		SET status=$2, started_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status=$3
		RETURNING`+runColumns,
		id,
		domain.RunRunning,
		domain.RunPending,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Run{}, r.transitionConflict(ctx, id)
		}
		r.logger.Error("claim run failed", "run_id", id, "error", err)
		return domain.Run{}, err
	}

	metrics.IncRunTransition(domain.RunRunning)
	return run, nil
}

// ClaimPendingBatch claims up to (limit - currently running) pending runs,
// oldest first, in one short transaction. The transaction-scoped advisory
// lock serializes claimers, so the running count each one reads already
// includes every committed claim; SKIP LOCKED additionally keeps two
// claimers off the same rows. The claim is durable before the caller ever
// submits anything for execution.
func (r *RunRepository) ClaimPendingBatch(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit < 1 {
		return nil, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(claimLockID)); err != nil {
		return nil, err
	}

	var running int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE status=$1`,
		domain.RunRunning,
	).Scan(&running); err != nil {
		return nil, err
	}

	available := limit - running
	if available <= 0 {
		return nil, tx.Commit(ctx)
	}

	rows, err := tx.Query(ctx, `
		SELECT`+runColumns+`
		FROM runs
		WHERE status=$1
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`,
		domain.RunPending,
		available,
	)
	if err != nil {
		r.logger.Error("select pending runs failed", "error", err)
		return nil, err
	}

	claimed := make([]domain.Run, 0, available)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, len(claimed))
	for i, run := range claimed {
		ids[i] = run.ID
	}

	if _, err := tx.Exec(ctx, `
		UPDATE runs
		SET status=$2, started_at=NOW(), updated_at=NOW()
		WHERE id = ANY($1)
	`,
		ids,
		domain.RunRunning,
	); err != nil {
		r.logger.Error("mark claimed runs running failed", "error", err)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	for i := range claimed {
		claimed[i].Status = domain.RunRunning
		metrics.IncRunTransition(domain.RunRunning)
	}
	return claimed, nil
}

// Complete transitions running -> completed and stores the result.
func (r *RunRepository) Complete(
	ctx context.Context,
	id uuid.UUID,
	output json.RawMessage,
	raw json.RawMessage,
	lastResponseID string,
) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status=$2,
		    final_output=$3,
		    raw_responses=$4,
		    last_response_id=$5,
		    error='',
		    task_id='',
		    finished_at=NOW(),
		    updated_at=NOW()
		WHERE id=$1 AND status=$6
	`,
		id,
		domain.RunCompleted,
		output,
		raw,
		lastResponseID,
		domain.RunRunning,
	)
	if err != nil {
		r.logger.Error("complete run failed", "run_id", id, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id)
	}

	metrics.IncRunTransition(domain.RunCompleted)
	r.logger.Info("run completed", "run_id", id)
	return nil
}

// Fail transitions running -> failed with an error summary. Failing a run
// that recovery already failed with the interrupted marker is a no-op, so a
// late execution-side failure after a restart does not error out.
func (r *RunRepository) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status=$2, error=$3, task_id='', finished_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status=$4
	`,
		id,
		domain.RunFailed,
		errMsg,
		domain.RunRunning,
	)
	if err != nil {
		r.logger.Error("fail run failed", "run_id", id, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		var status domain.RunStatus
		var current string
		err := r.pool.QueryRow(ctx,
			`SELECT status, error FROM runs WHERE id=$1`,
			id,
		).Scan(&status, &current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}
		if status == domain.RunFailed && current == domain.ErrorInterrupted {
			r.logger.Info("fail skipped, run already interrupted", "run_id", id)
			return nil
		}
		return domain.ErrInvalidTransition
	}

	metrics.IncRunTransition(domain.RunFailed)
	r.logger.Info("run failed", "run_id", id, "error", errMsg)
	return nil
}

// Cancel marks an in-flight run failed with the cancellation marker. Work in
// flight is abandoned, not unwound; a pending or terminal run is rejected.
func (r *RunRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	ownerID, err := ownerIDFromContext(ctx)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET status=$3, error=$4, task_id='', finished_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND owner_id=$2 AND status=$5
	`,
		id,
		ownerID,
		domain.RunFailed,
		domain.ErrorCanceled,
		domain.RunRunning,
	)
	if err != nil {
		r.logger.Error("cancel run failed", "run_id", id, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		var status domain.RunStatus
		err := r.pool.QueryRow(ctx,
			`SELECT status FROM runs WHERE id=$1 AND owner_id=$2`,
			id,
			ownerID,
		).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}
		return domain.ErrInvalidTransition
	}

	metrics.IncRunTransition(domain.RunFailed)
	r.logger.Info("run canceled", "run_id", id)
	return nil
}

// SetTaskID records the opaque execution-task handle. Best-effort metadata.
func (r *RunRepository) SetTaskID(ctx context.Context, id uuid.UUID, taskID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE runs SET task_id=$2, updated_at=NOW() WHERE id=$1`,
		id,
		taskID,
	)
	if err != nil {
		r.logger.Error("set task id failed", "run_id", id, "error", err)
	}
	return err
}

func (r *RunRepository) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE status=$1`,
		domain.RunRunning,
	).Scan(&n)
	return n, err
}

// RecoverRunning resolves every run found in running. A run moved out of
// running by a racing process simply matches zero rows here, which is what
// makes invoking recovery twice equivalent to invoking it once.
func (r *RunRepository) RecoverRunning(ctx context.Context, mode domain.RecoveryMode) (int64, error) {
	switch mode {
	case domain.RecoveryFail:
		tag, err := r.pool.Exec(ctx, `
			UPDATE runs
			SET status=$1, error=$2, task_id='', finished_at=NOW(), updated_at=NOW()
			WHERE status=$3
		`,
			domain.RunFailed,
			domain.ErrorInterrupted,
			domain.RunRunning,
		)
		if err != nil {
			r.logger.Error("recovery fail update failed", "error", err)
			return 0, err
		}
		metrics.AddRecoveredRuns(mode, tag.RowsAffected())
		return tag.RowsAffected(), nil

	case domain.RecoveryRequeue:
		tag, err := r.pool.Exec(ctx, `
			UPDATE runs
			SET status=$1, error='', task_id='', started_at=NULL, finished_at=NULL, updated_at=NOW()
			WHERE status=$2
		`,
			domain.RunPending,
			domain.RunRunning,
		)
		if err != nil {
			r.logger.Error("recovery requeue update failed", "error", err)
			return 0, err
		}
		metrics.AddRecoveredRuns(mode, tag.RowsAffected())
		return tag.RowsAffected(), nil

	default:
		return 0, nil
	}
}

func (r *RunRepository) transitionConflict(ctx context.Context, id uuid.UUID) error {
	var status domain.RunStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id=$1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	return domain.ErrInvalidTransition
}
