// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Conversation is an owner-scoped, ordered thread of interaction items.
// (owner_id, session_key) is unique; the row itself also serves as the
// exclusive lock for sequence assignment of its items.
type Conversation struct {
	ID         uuid.UUID       `json:"id"`
	OwnerID    uuid.UUID       `json:"owner_id"`
	SessionKey string          `json:"session_key"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ConversationItem is one entry in a conversation's history. Sequence is
// strictly increasing and gap-free within a conversation, starting at 1.
type ConversationItem struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	Sequence       int64           `json:"sequence"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}
