// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/runstack/agentrun/internal/domain"
)

// Request carries everything an agent needs to process one run. History is
// the conversation log up to and including the submitted input, oldest first.
type Request struct {
	RunID          uuid.UUID
	ConversationID uuid.UUID
	Input          json.RawMessage
	History        []json.RawMessage
	LastResponseID string
	Metadata       json.RawMessage
}

// Result is the terminal outcome of a successful execution.
type Result struct {
	Output         json.RawMessage
	RawResponses   json.RawMessage
	LastResponseID string
	NewItems       []json.RawMessage
}

// StreamEvent is one observable step of an in-flight execution.
type StreamEvent struct {
	Kind    domain.EventKind
	Payload json.RawMessage
}

// Agent processes one run to completion.
type Agent interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Stream yields events as execution progresses. Next returns io.EOF when the
// stream is exhausted; Result is only valid after that.
type Stream interface {
	Next() (StreamEvent, error)
	Result() (Result, error)
}

// StreamingAgent is implemented by agents that expose intermediate events.
// Callers fall back to Execute when the agent does not stream.
type StreamingAgent interface {
	Agent
	ExecuteStream(ctx context.Context, req Request) (Stream, error)
}
