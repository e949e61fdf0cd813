// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runstack/agentrun/internal/domain"
)

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Register("echo", &EchoAgent{})

	resolved, err := registry.Resolve("echo")
	require.NoError(t, err)
	require.NotNil(t, resolved)

	_, err = registry.Resolve("missing")
	require.ErrorIs(t, err, domain.ErrUnknownAgent)

	assert.True(t, registry.Has("echo"))
	assert.False(t, registry.Has("missing"))
	assert.Equal(t, []string{"echo"}, registry.Keys())
}

func TestRegistryValidate(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	registry.Register("echo", &EchoAgent{})

	require.NoError(t, registry.Validate(""))
	require.NoError(t, registry.Validate("echo"))
	require.ErrorIs(t, registry.Validate("nope"), domain.ErrUnknownAgent)
}

func TestEchoAgentExecute(t *testing.T) {
	t.Parallel()

	echo := &EchoAgent{}
	result, err := echo.Execute(context.Background(), Request{
		Input: json.RawMessage(`"hello"`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Output)
	require.NotEmpty(t, result.LastResponseID)
	require.Len(t, result.NewItems, 1)

	var output map[string]any
	require.NoError(t, json.Unmarshal(result.Output, &output))
	assert.Equal(t, "assistant", output["role"])
	assert.Equal(t, "hello", output["content"])
}

func TestEchoAgentStreamOrder(t *testing.T) {
	t.Parallel()

	echo := &EchoAgent{}
	stream, err := echo.ExecuteStream(context.Background(), Request{
		Input: json.RawMessage(`"hi"`),
	})
	require.NoError(t, err)

	// result is unavailable until the stream is drained
	_, err = stream.Result()
	require.Error(t, err)

	var kinds []domain.EventKind
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind)
	}

	require.Equal(t, []domain.EventKind{
		domain.EventReasoning,
		domain.EventRaw,
		domain.EventMessage,
	}, kinds)

	result, err := stream.Result()
	require.NoError(t, err)
	assert.NotEmpty(t, result.Output)
}

func TestEchoAgentHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	echo := &EchoAgent{}
	_, err := echo.ExecuteStream(ctx, Request{Input: json.RawMessage(`"x"`)})
	require.ErrorIs(t, err, context.Canceled)
}
