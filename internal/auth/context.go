// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/google/uuid"
)

type ownerIDContextKey struct{}
type ownerContextKey struct{}

var ctxOwnerIDKey ownerIDContextKey
var ctxOwnerKey ownerContextKey

// Owner is the authenticated principal every conversation and run belongs
// to. Repositories refuse reads and writes without one on the context.
type Owner struct {
	ID                uuid.UUID
	MaxRequestsPerMin int
}

// WithOwnerID stores the authenticated owner id on the request context.
func WithOwnerID(ctx context.Context, ownerID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxOwnerIDKey, ownerID)
}

// WithOwner stores the resolved owner and limits on the request context.
func WithOwner(ctx context.Context, owner Owner) context.Context {
	ctx = context.WithValue(ctx, ctxOwnerKey, owner)
	return context.WithValue(ctx, ctxOwnerIDKey, owner.ID)
}

// OwnerIDFromContext reads the authenticated owner id from context.
func OwnerIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if owner, ok := OwnerFromContext(ctx); ok {
		return owner.ID, true
	}

	v := ctx.Value(ctxOwnerIDKey)
	id, ok := v.(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// OwnerFromContext reads the resolved owner and limits from context.
func OwnerFromContext(ctx context.Context) (Owner, bool) {
	v := ctx.Value(ctxOwnerKey)
	owner, ok := v.(Owner)
	if !ok || owner.ID == uuid.Nil {
		return Owner{}, false
	}
	return owner, true
}
