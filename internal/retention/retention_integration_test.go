//go:build integration

// SPDX-License-Identifier: Apache-2.0

package retention

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/runstack/agentrun/internal/domain"
)

func TestSweepIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE events, runs, conversation_items, conversations, owners RESTART IDENTITY CASCADE`); err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}

	ownerID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO owners (id, name, token_hash)
		VALUES ($1, 'retention-owner', $2)
	`, ownerID, uuid.NewString()); err != nil {
		t.Fatalf("insert owner: %v", err)
	}

	old := time.Now().UTC().AddDate(0, 0, -30)

	// an aged empty conversation, deletable
	emptyConvID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO conversations (id, owner_id, session_key, created_at, updated_at)
		VALUES ($1, $2, 'aged-empty', $3, $3)
	`, emptyConvID, ownerID, old); err != nil {
		t.Fatalf("insert empty conversation: %v", err)
	}

	// an aged conversation that still holds a recent run
	busyConvID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO conversations (id, owner_id, session_key, created_at, updated_at)
		VALUES ($1, $2, 'aged-busy', $3, $3)
	`, busyConvID, ownerID, old); err != nil {
		t.Fatalf("insert busy conversation: %v", err)
	}

	oldRunID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO runs (id, conversation_id, owner_id, agent_key, status, input, created_at, updated_at)
		VALUES ($1, $2, $3, 'default', $4, '"x"', $5, $5)
	`, oldRunID, busyConvID, ownerID, domain.RunCompleted, old); err != nil {
		t.Fatalf("insert old run: %v", err)
	}

	freshRunID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO runs (id, conversation_id, owner_id, agent_key, status, input)
		VALUES ($1, $2, $3, 'default', $4, '"y"')
	`, freshRunID, busyConvID, ownerID, domain.RunCompleted); err != nil {
		t.Fatalf("insert fresh run: %v", err)
	}

	// created past the horizon but finished recently: must survive
	lateFinishRunID := uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO runs (id, conversation_id, owner_id, agent_key, status, input, created_at, updated_at)
		VALUES ($1, $2, $3, 'default', $4, '"z"', $5, NOW())
	`, lateFinishRunID, busyConvID, ownerID, domain.RunCompleted, old); err != nil {
		t.Fatalf("insert late-finish run: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if _, err := pool.Exec(ctx, `
			INSERT INTO events (id, run_id, sequence, kind, payload, created_at)
			VALUES ($1, $2, $3, $4, '{}', $5)
		`, uuid.New(), oldRunID, i, domain.EventMessage, old); err != nil {
			t.Fatalf("insert old event %d: %v", i, err)
		}
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO events (id, run_id, sequence, kind, payload)
		VALUES ($1, $2, 1, $3, '{}')
	`, uuid.New(), freshRunID, domain.EventMessage); err != nil {
		t.Fatalf("insert fresh event: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sweeper := NewSweeper(pool, logger)

	policy := Policy{
		EventsDays:                14,
		RunsDays:                  14,
		ConversationsDays:         14,
		RunStatuses:               []domain.RunStatus{domain.RunCompleted, domain.RunFailed},
		ConversationsRequireEmpty: true,
		BatchSize:                 2,
	}

	// dry run reports without deleting
	report, err := sweeper.Sweep(ctx, policy, true)
	if err != nil {
		t.Fatalf("dry-run sweep: %v", err)
	}
	if !report.DryRun {
		t.Fatal("expected dry-run report")
	}
	if report.Events != 3 {
		t.Fatalf("expected 3 deletable events got %d", report.Events)
	}
	if report.Runs != 1 {
		t.Fatalf("expected 1 deletable run got %d", report.Runs)
	}
	if report.Conversations != 1 {
		t.Fatalf("expected 1 deletable conversation got %d", report.Conversations)
	}

	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 4 {
		t.Fatalf("dry run must not delete, have %d events", events)
	}

	report, err = sweeper.Sweep(ctx, policy, false)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Events != 3 || report.Runs != 1 || report.Conversations != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	// fresh rows and the non-empty conversation survive
	var runs, convs int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`).Scan(&runs); err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if runs != 2 {
		t.Fatalf("expected 2 surviving runs got %d", runs)
	}

	var lateFinishLeft bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id=$1)`, lateFinishRunID).Scan(&lateFinishLeft); err != nil {
		t.Fatalf("query late-finish run: %v", err)
	}
	if !lateFinishLeft {
		t.Fatal("run updated inside the horizon must not be swept on its created_at")
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&convs); err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if convs != 1 {
		t.Fatalf("expected 1 surviving conversation got %d", convs)
	}

	var survivor uuid.UUID
	if err := pool.QueryRow(ctx, `SELECT id FROM conversations`).Scan(&survivor); err != nil {
		t.Fatalf("query surviving conversation: %v", err)
	}
	if survivor != busyConvID {
		t.Fatalf("expected busy conversation to survive, got %s", survivor)
	}

	// a second sweep is a no-op
	report, err = sweeper.Sweep(ctx, policy, false)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if report.Events != 0 || report.Runs != 0 || report.Conversations != 0 {
		t.Fatalf("expected empty second report, got %+v", report)
	}
}

func integrationPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create pgx pool (%v)", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	return pool
}
