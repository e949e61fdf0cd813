// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runstack/agentrun/internal/auth"
	"github.com/runstack/agentrun/internal/domain"
)

type OwnerRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewOwnerRepository(pool *pgxpool.Pool, logger *slog.Logger) *OwnerRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &OwnerRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *OwnerRepository) ResolveOwner(ctx context.Context, bearerToken string) (auth.Owner, bool, error) {
	if bearerToken == "" {
		return auth.Owner{}, false, nil
	}
	tokenHash := sha256Hex(bearerToken)

	var owner auth.Owner
	err := r.pool.QueryRow(ctx,
		`SELECT id, max_requests_per_min
		 FROM owners
		 WHERE token_hash=$1 AND revoked_at IS NULL`,
		tokenHash,
	).Scan(&owner.ID, &owner.MaxRequestsPerMin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.Owner{}, false, nil
		}
		r.logger.Error("resolve owner failed", "error", err)
		return auth.Owner{}, false, err
	}

	if owner.MaxRequestsPerMin <= 0 {
		owner.MaxRequestsPerMin = domain.DefaultMaxRequestsPerMin
	}

	return owner, true, nil
}

func (r *OwnerRepository) CreateOwner(ctx context.Context, params domain.CreateOwnerParams) (domain.CreatedOwner, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return domain.CreatedOwner{}, domain.ErrInvalidOwnerName
	}

	maxRequestsPerMin := params.MaxRequestsPerMin
	if maxRequestsPerMin <= 0 {
		maxRequestsPerMin = domain.DefaultMaxRequestsPerMin
	}

	token, tokenHash, err := generateOwnerToken()
	if err != nil {
		r.logger.Error("generate owner token failed", "error", err)
		return domain.CreatedOwner{}, err
	}

	ownerID := uuid.New()
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO owners (id, name, token_hash, max_requests_per_min)
		VALUES ($1, $2, $3, $4)
	`,
		ownerID,
		name,
		tokenHash,
		maxRequestsPerMin,
	); err != nil {
		r.logger.Error("create owner failed", "name", name, "error", err)
		return domain.CreatedOwner{}, err
	}

	return domain.CreatedOwner{
		ID:    ownerID,
		Token: token,
	}, nil
}

func (r *OwnerRepository) ListOwners(ctx context.Context) ([]domain.OwnerRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, max_requests_per_min, created_at
		FROM owners
		WHERE revoked_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		r.logger.Error("list owners query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	owners := make([]domain.OwnerRecord, 0, 32)
	for rows.Next() {
		var record domain.OwnerRecord
		if err := rows.Scan(
			&record.ID,
			&record.Name,
			&record.MaxRequestsPerMin,
			&record.CreatedAt,
		); err != nil {
			return nil, err
		}
		owners = append(owners, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return owners, nil
}

func (r *OwnerRepository) RevokeOwner(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE owners
		SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		r.logger.Error("revoke owner failed", "owner_id", id, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func generateOwnerToken() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token := "ar_" + hex.EncodeToString(raw)
	return token, sha256Hex(token), nil
}

func sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
