// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

const DefaultMaxRequestsPerMin = 60

type CreateOwnerParams struct {
	Name              string
	MaxRequestsPerMin int
}

// CreatedOwner carries the plaintext token exactly once, at creation time;
// only its hash is stored.
type CreatedOwner struct {
	ID    uuid.UUID
	Token string
}

type OwnerRecord struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	MaxRequestsPerMin int       `json:"max_requests_per_min"`
	CreatedAt         time.Time `json:"created_at"`
}
