// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/runstack/agentrun/internal/auth"
)

var ErrMissingOwnerID = errors.New("missing owner id in context")

func ownerIDFromContext(ctx context.Context) (uuid.UUID, error) {
	id, ok := auth.OwnerIDFromContext(ctx)
	if !ok {
		return uuid.Nil, ErrMissingOwnerID
	}
	return id, nil
}
