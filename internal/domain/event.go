// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventKind string

// Semantic event kinds persisted to the event log. Raw token-level stream
// output is filtered out before persistence.
const (
	EventMessage    EventKind = "message"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventReasoning  EventKind = "reasoning"
	EventGuardrail  EventKind = "guardrail"
	EventSystem     EventKind = "system"

	// EventRaw marks low-level streaming output. Never stored.
	EventRaw EventKind = "raw"
)

// Semantic reports whether events of this kind are persisted.
func (k EventKind) Semantic() bool {
	switch k {
	case EventMessage, EventToolCall, EventToolResult, EventReasoning, EventGuardrail, EventSystem:
		return true
	default:
		return false
	}
}

type Event struct {
	ID        uuid.UUID       `json:"id"`
	RunID     uuid.UUID       `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Kind      EventKind       `json:"event_kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent is an event pending persistence; the event log assigns its
// sequence at append time.
type NewEvent struct {
	Kind    EventKind
	Payload json.RawMessage
}
