// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/runstack/agentrun/internal/agent"
	"github.com/runstack/agentrun/internal/domain"
	"github.com/runstack/agentrun/internal/notify"
)

// eventFlushSize bounds how many buffered stream events are written per
// append, so long executions surface progress before they finish.
const eventFlushSize = 20

// maxErrorLen caps the error text stored on a failed run.
const maxErrorLen = 500

// ErrPoolSaturated means every execution slot is busy. The dispatcher fails
// the claimed run with a submit error so it surfaces as failed instead of
// sitting in running with nothing executing it.
var ErrPoolSaturated = errors.New("execution pool saturated")

// ConversationStore is the slice of the conversation log executions need.
type ConversationStore interface {
	Items(ctx context.Context, conversationID uuid.UUID, after int64, limit int) ([]domain.ConversationItem, error)
	Append(ctx context.Context, conversationID uuid.UUID, payloads []json.RawMessage) (int64, int64, error)
}

// EventStore appends execution events to a run's event log.
type EventStore interface {
	Append(ctx context.Context, runID uuid.UUID, events []domain.NewEvent) (int64, error)
}

type ExecutorDeps struct {
	Registry      *agent.Registry
	Runs          RunStore
	Conversations ConversationStore
	Events        EventStore
	Notifier      notify.Notifier
	Logger        *slog.Logger
	PoolSize      int
	EnableEvents  bool

	// OnTerminal runs after a run reaches a terminal state, typically to
	// trigger the next dispatch cycle.
	OnTerminal func()
}

// Executor runs claimed runs on a bounded goroutine pool. Submit never
// blocks: when the pool is full it reports saturation instead of queueing,
// because the queue already lives in the runs table.
type Executor struct {
	registry      *agent.Registry
	runs          RunStore
	conversations ConversationStore
	events        EventStore
	notifier      notify.Notifier
	logger        *slog.Logger
	enableEvents  bool
	onTerminal    func()

	group *errgroup.Group
}

func NewExecutor(deps ExecutorDeps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolSize := deps.PoolSize
	if poolSize < 1 {
		poolSize = 1
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	group := &errgroup.Group{}
	group.SetLimit(poolSize)

	return &Executor{
		registry:      deps.Registry,
		runs:          deps.Runs,
		conversations: deps.Conversations,
		events:        deps.Events,
		notifier:      notifier,
		logger:        logger,
		enableEvents:  deps.EnableEvents,
		onTerminal:    deps.OnTerminal,
		group:         group,
	}
}

func (e *Executor) Submit(ctx context.Context, run domain.Run) error {
	// Executions outlive the submitting request or dispatch tick. Shutdown
	// drains them through Wait; canceling their context mid-flight would
	// strand the claimed rows in running until the next recovery.
	execCtx := context.WithoutCancel(ctx)
	started := e.group.TryGo(func() error {
		e.execute(execCtx, run)
		return nil
	})
	if !started {
		return ErrPoolSaturated
	}
	return nil
}

// Wait blocks until every in-flight execution has finished.
func (e *Executor) Wait() {
	_ = e.group.Wait()
}

func (e *Executor) execute(ctx context.Context, run domain.Run) {
	taskID := "task_" + uuid.NewString()
	if err := e.runs.SetTaskID(ctx, run.ID, taskID); err != nil {
		e.logger.Warn("record task id failed", "run_id", run.ID, "error", err)
	}

	resolved, err := e.registry.Resolve(run.AgentKey)
	if err != nil {
		e.fail(ctx, run, "resolve agent: "+err.Error())
		return
	}

	history, err := e.conversations.Items(ctx, run.ConversationID, 0, 0)
	if err != nil {
		e.fail(ctx, run, "load conversation: "+err.Error())
		return
	}

	req := agent.Request{
		RunID:          run.ID,
		ConversationID: run.ConversationID,
		Input:          run.Input,
		History:        historyPayloads(history),
		LastResponseID: run.LastResponseID,
		Metadata:       run.Metadata,
	}

	var result agent.Result
	if streamer, ok := resolved.(agent.StreamingAgent); ok && e.enableEvents {
		result, err = e.executeStream(ctx, run, streamer, req)
	} else {
		result, err = resolved.Execute(ctx, req)
	}
	if err != nil {
		e.fail(ctx, run, "execute: "+err.Error())
		return
	}

	if len(result.NewItems) > 0 {
		if _, _, err := e.conversations.Append(ctx, run.ConversationID, result.NewItems); err != nil {
			e.fail(ctx, run, "persist output: "+err.Error())
			return
		}
	}

	if err := e.runs.Complete(ctx, run.ID, result.Output, result.RawResponses, result.LastResponseID); err != nil {
		// the run may have been canceled or recovered out from under us
		e.logger.Warn("complete run failed",
			"run_id", run.ID,
			"error", err,
		)
		e.terminal()
		return
	}

	run.Status = domain.RunCompleted
	run.FinalOutput = result.Output
	e.notifier.RunCompleted(ctx, run)
	e.terminal()
}

func (e *Executor) executeStream(
	ctx context.Context,
	run domain.Run,
	streamer agent.StreamingAgent,
	req agent.Request,
) (agent.Result, error) {
	stream, err := streamer.ExecuteStream(ctx, req)
	if err != nil {
		return agent.Result{}, err
	}

	buffer := make([]domain.NewEvent, 0, eventFlushSize)
	flush := func() {
		if len(buffer) == 0 {
			return
		}
		last, err := e.events.Append(ctx, run.ID, buffer)
		if err != nil {
			e.logger.Warn("append run events failed",
				"run_id", run.ID,
				"count", len(buffer),
				"error", err,
			)
			buffer = buffer[:0]
			return
		}

		// notifications carry the assigned sequences and only go out once
		// the batch has committed
		first := last - int64(len(buffer)) + 1
		for i, ev := range buffer {
			e.notifier.RunEvent(ctx, domain.Event{
				RunID:    run.ID,
				Sequence: first + int64(i),
				Kind:     ev.Kind,
				Payload:  ev.Payload,
			})
		}
		buffer = buffer[:0]
	}

	for {
		ev, err := stream.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			flush()
			return agent.Result{}, err
		}
		if !ev.Kind.Semantic() {
			continue
		}

		buffer = append(buffer, domain.NewEvent{Kind: ev.Kind, Payload: ev.Payload})
		if len(buffer) >= eventFlushSize {
			flush()
		}
	}
	flush()

	return stream.Result()
}

func (e *Executor) fail(ctx context.Context, run domain.Run, msg string) {
	msg = truncateError(msg)
	e.logger.Error("run execution failed", "run_id", run.ID, "error", msg)

	if err := e.runs.Fail(ctx, run.ID, msg); err != nil {
		e.logger.Warn("fail run failed", "run_id", run.ID, "error", err)
		e.terminal()
		return
	}

	run.Status = domain.RunFailed
	run.Error = msg
	e.notifier.RunFailed(ctx, run)
	e.terminal()
}

func (e *Executor) terminal() {
	if e.onTerminal != nil {
		e.onTerminal()
	}
}

func historyPayloads(items []domain.ConversationItem) []json.RawMessage {
	if len(items) == 0 {
		return nil
	}
	payloads := make([]json.RawMessage, len(items))
	for i, item := range items {
		payloads[i] = item.Payload
	}
	return payloads
}

func truncateError(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	return msg[:maxErrorLen]
}
