// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runstack/agentrun/internal/domain"
)

// pgLockNotAvailable is raised when SET LOCAL lock_timeout expires while
// waiting on the conversation row lock.
const pgLockNotAvailable = "55P03"

// appendLockTimeout bounds the wait for the per-conversation critical
// section. Expiry surfaces as domain.ErrContention, which callers retry.
const appendLockTimeout = "2000ms"

type ConversationRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewConversationRepository(pool *pgxpool.Pool, logger *slog.Logger) *ConversationRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConversationRepository{
		pool:   pool,
		logger: logger,
	}
}

// GetOrCreate returns the owner's conversation for key, creating it on first
// reference. The second return value reports whether a new row was created.
func (r *ConversationRepository) GetOrCreate(ctx context.Context, key string) (domain.Conversation, bool, error) {
	ownerID, err := ownerIDFromContext(ctx)
	if err != nil {
		return domain.Conversation{}, false, err
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO conversations (id, owner_id, session_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, session_key) DO NOTHING
	`,
		uuid.New(),
		ownerID,
		key,
	)
	if err != nil {
		r.logger.Error("create conversation failed", "session_key", key, "error", err)
		return domain.Conversation{}, false, err
	}
	created := tag.RowsAffected() == 1

	conv, err := r.Get(ctx, key)
	if err != nil {
		return domain.Conversation{}, false, err
	}

	if created {
		r.logger.Info("conversation created",
			"conversation_id", conv.ID,
			"session_key", key,
		)
	}
	return conv, created, nil
}

func (r *ConversationRepository) Get(ctx context.Context, key string) (domain.Conversation, error) {
	ownerID, err := ownerIDFromContext(ctx)
	if err != nil {
		return domain.Conversation{}, err
	}

	var conv domain.Conversation
	err = r.pool.QueryRow(ctx, `
		SELECT id, owner_id, session_key, metadata, created_at, updated_at
		FROM conversations
		WHERE owner_id=$1 AND session_key=$2
	`,
		ownerID,
		key,
	).Scan(&conv.ID, &conv.OwnerID, &conv.SessionKey, &conv.Metadata, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Conversation{}, domain.ErrNotFound
		}
		r.logger.Error("get conversation failed", "session_key", key, "error", err)
		return domain.Conversation{}, err
	}

	return conv, nil
}

// Append writes items to the end of the conversation and returns the
// assigned sequence range. Sequence assignment happens under the
// conversation row lock so concurrent appenders never interleave or leave
// gaps; the lock is held only for the max-read plus the batched insert.
func (r *ConversationRepository) Append(
	ctx context.Context,
	conversationID uuid.UUID,
	payloads []json.RawMessage,
) (int64, int64, error) {
	if len(payloads) == 0 {
		return 0, 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '`+appendLockTimeout+`'`); err != nil {
		return 0, 0, err
	}

	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM conversations WHERE id=$1 FOR UPDATE`,
		conversationID,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return 0, 0, domain.ErrContention
		}
		r.logger.Error("lock conversation failed", "conversation_id", conversationID, "error", err)
		return 0, 0, err
	}

	var lastSeq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM conversation_items WHERE conversation_id=$1`,
		conversationID,
	).Scan(&lastSeq); err != nil {
		return 0, 0, err
	}

	first := lastSeq + 1
	batch := &pgx.Batch{}
	for offset, payload := range payloads {
		batch.Queue(`
			INSERT INTO conversation_items (conversation_id, sequence, payload)
			VALUES ($1, $2, $3)
		`,
			conversationID,
			first+int64(offset),
			payload,
		)
	}
	batch.Queue(`UPDATE conversations SET updated_at=NOW() WHERE id=$1`, conversationID)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		r.logger.Error("append items failed", "conversation_id", conversationID, "error", err)
		return 0, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}

	last := first + int64(len(payloads)) - 1
	return first, last, nil
}

// Items returns an ordered contiguous slice of the conversation's history.
// With after > 0 it returns items with sequence strictly greater, ascending,
// capped at limit. With only limit > 0 it returns the last limit items, still
// in ascending order. Reads take no locks.
func (r *ConversationRepository) Items(
	ctx context.Context,
	conversationID uuid.UUID,
	after int64,
	limit int,
) ([]domain.ConversationItem, error) {
	var (
		rows pgx.Rows
		err  error
	)

	switch {
	case after > 0 && limit > 0:
		rows, err = r.pool.Query(ctx, `
			SELECT conversation_id, sequence, payload, created_at
			FROM conversation_items
			WHERE conversation_id=$1 AND sequence > $2
			ORDER BY sequence ASC
			LIMIT $3
		`, conversationID, after, limit)
	case after > 0:
		rows, err = r.pool.Query(ctx, `
			SELECT conversation_id, sequence, payload, created_at
			FROM conversation_items
			WHERE conversation_id=$1 AND sequence > $2
			ORDER BY sequence ASC
		`, conversationID, after)
	case limit > 0:
		rows, err = r.pool.Query(ctx, `
			SELECT conversation_id, sequence, payload, created_at
			FROM (
				SELECT conversation_id, sequence, payload, created_at
				FROM conversation_items
				WHERE conversation_id=$1
				ORDER BY sequence DESC
				LIMIT $2
			) tail
			ORDER BY sequence ASC
		`, conversationID, limit)
	default:
		rows, err = r.pool.Query(ctx, `
			SELECT conversation_id, sequence, payload, created_at
			FROM conversation_items
			WHERE conversation_id=$1
			ORDER BY sequence ASC
		`, conversationID)
	}
	if err != nil {
		r.logger.Error("list items query failed", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ConversationItem, 0, 16)
	for rows.Next() {
		var item domain.ConversationItem
		if err := rows.Scan(&item.ConversationID, &item.Sequence, &item.Payload, &item.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// PopLast removes and returns the highest-sequence item. It exists to undo a
// speculative append, not for general editing. Returns domain.ErrNotFound
// when the conversation has no items.
func (r *ConversationRepository) PopLast(ctx context.Context, conversationID uuid.UUID) (json.RawMessage, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '`+appendLockTimeout+`'`); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM conversations WHERE id=$1 FOR UPDATE`,
		conversationID,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return nil, domain.ErrContention
		}
		return nil, err
	}

	var payload json.RawMessage
	err = tx.QueryRow(ctx, `
		DELETE FROM conversation_items
		WHERE id = (
			SELECT id FROM conversation_items
			WHERE conversation_id=$1
			ORDER BY sequence DESC
			LIMIT 1
		)
		RETURNING payload
	`, conversationID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.Error("pop last item failed", "conversation_id", conversationID, "error", err)
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at=NOW() WHERE id=$1`, conversationID); err != nil {
		return nil, err
	}

	return payload, tx.Commit(ctx)
}

// Clear removes every item from the conversation.
func (r *ConversationRepository) Clear(ctx context.Context, conversationID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_items WHERE conversation_id=$1`,
		conversationID,
	); err != nil {
		r.logger.Error("clear conversation failed", "conversation_id", conversationID, "error", err)
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at=NOW() WHERE id=$1`, conversationID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
