// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/runstack/agentrun/internal/domain"
)

// EchoAgent answers with the submitted input. It serves as the default agent
// in development and gives tests a deterministic streaming execution.
type EchoAgent struct{}

func (a *EchoAgent) Execute(ctx context.Context, req Request) (Result, error) {
	stream, err := a.ExecuteStream(ctx, req)
	if err != nil {
		return Result{}, err
	}
	for {
		if _, err := stream.Next(); err != nil {
			if err == io.EOF {
				break
			}
			return Result{}, err
		}
	}
	return stream.Result()
}

func (a *EchoAgent) ExecuteStream(ctx context.Context, req Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	output, err := json.Marshal(map[string]any{
		"role":    "assistant",
		"content": json.RawMessage(req.Input),
	})
	if err != nil {
		return nil, fmt.Errorf("encode echo output: %w", err)
	}

	responseID := "echo_" + uuid.NewString()
	raw, err := json.Marshal([]map[string]any{{
		"id":     responseID,
		"echoed": true,
	}})
	if err != nil {
		return nil, fmt.Errorf("encode echo raw responses: %w", err)
	}

	events := []StreamEvent{
		{Kind: domain.EventReasoning, Payload: json.RawMessage(`{"summary":"echoing input"}`)},
		{Kind: domain.EventRaw, Payload: json.RawMessage(`{"delta":"…"}`)},
		{Kind: domain.EventMessage, Payload: output},
	}

	return &sliceStream{
		events: events,
		result: Result{
			Output:         output,
			RawResponses:   raw,
			LastResponseID: responseID,
			NewItems:       []json.RawMessage{output},
		},
	}, nil
}

// sliceStream replays a fixed set of events.
type sliceStream struct {
	events []StreamEvent
	next   int
	result Result
}

func (s *sliceStream) Next() (StreamEvent, error) {
	if s.next >= len(s.events) {
		return StreamEvent{}, io.EOF
	}
	ev := s.events[s.next]
	s.next++
	return ev, nil
}

func (s *sliceStream) Result() (Result, error) {
	if s.next < len(s.events) {
		return Result{}, fmt.Errorf("stream not drained: %d events remaining", len(s.events)-s.next)
	}
	return s.result, nil
}
