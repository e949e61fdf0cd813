// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/runstack/agentrun/internal/auth"
	"github.com/runstack/agentrun/internal/domain"
)

type RunService interface {
	Create(ctx context.Context, params domain.CreateRunParams) (domain.Run, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Run, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

type ConversationService interface {
	GetOrCreate(ctx context.Context, key string) (domain.Conversation, bool, error)
	Get(ctx context.Context, key string) (domain.Conversation, error)
	Append(ctx context.Context, conversationID uuid.UUID, payloads []json.RawMessage) (int64, int64, error)
	Items(ctx context.Context, conversationID uuid.UUID, after int64, limit int) ([]domain.ConversationItem, error)
	PopLast(ctx context.Context, conversationID uuid.UUID) (json.RawMessage, error)
	Clear(ctx context.Context, conversationID uuid.UUID) error
}

type EventLister interface {
	ListAfter(ctx context.Context, runID uuid.UUID, after int64, limit int) ([]domain.Event, error)
}

type OwnerResolver interface {
	ResolveOwner(ctx context.Context, bearerToken string) (auth.Owner, bool, error)
}

type OwnerManager interface {
	CreateOwner(ctx context.Context, params domain.CreateOwnerParams) (domain.CreatedOwner, error)
	ListOwners(ctx context.Context) ([]domain.OwnerRecord, error)
	RevokeOwner(ctx context.Context, id uuid.UUID) error
}

// AgentValidator rejects run submissions naming an unregistered agent before
// anything is persisted.
type AgentValidator interface {
	Has(key string) bool
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
