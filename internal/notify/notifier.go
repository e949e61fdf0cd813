// SPDX-License-Identifier: Apache-2.0

// Package notify fans out lifecycle notifications after state changes have
// committed. Delivery is best-effort: a failed notification never affects
// the run it describes.
package notify

import (
	"context"
	"log/slog"

	"github.com/runstack/agentrun/internal/domain"
)

// Notifier receives lifecycle notifications. RunEvent fires once per
// persisted event, after its batch commits, with the assigned sequence.
type Notifier interface {
	RunStarted(ctx context.Context, run domain.Run)
	RunCompleted(ctx context.Context, run domain.Run)
	RunFailed(ctx context.Context, run domain.Run)
	ConversationCreated(ctx context.Context, conv domain.Conversation)
	RunEvent(ctx context.Context, event domain.Event)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) RunStarted(ctx context.Context, run domain.Run) {
	n.logger.InfoContext(ctx, "run started",
		"run_id", run.ID,
		"conversation_id", run.ConversationID,
		"agent_key", run.AgentKey,
	)
}

func (n *LogNotifier) RunCompleted(ctx context.Context, run domain.Run) {
	n.logger.InfoContext(ctx, "run finished",
		"run_id", run.ID,
		"status", run.Status,
	)
}

func (n *LogNotifier) RunFailed(ctx context.Context, run domain.Run) {
	n.logger.WarnContext(ctx, "run finished",
		"run_id", run.ID,
		"status", run.Status,
		"error", run.Error,
	)
}

func (n *LogNotifier) ConversationCreated(ctx context.Context, conv domain.Conversation) {
	n.logger.InfoContext(ctx, "conversation created",
		"conversation_id", conv.ID,
		"session_key", conv.SessionKey,
	)
}

func (n *LogNotifier) RunEvent(ctx context.Context, event domain.Event) {
	n.logger.DebugContext(ctx, "run event",
		"run_id", event.RunID,
		"sequence", event.Sequence,
		"event_kind", event.Kind,
	)
}

// MultiNotifier delivers to each notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) RunStarted(ctx context.Context, run domain.Run) {
	for _, n := range m {
		n.RunStarted(ctx, run)
	}
}

func (m MultiNotifier) RunCompleted(ctx context.Context, run domain.Run) {
	for _, n := range m {
		n.RunCompleted(ctx, run)
	}
}

func (m MultiNotifier) RunFailed(ctx context.Context, run domain.Run) {
	for _, n := range m {
		n.RunFailed(ctx, run)
	}
}

func (m MultiNotifier) ConversationCreated(ctx context.Context, conv domain.Conversation) {
	for _, n := range m {
		n.ConversationCreated(ctx, conv)
	}
}

func (m MultiNotifier) RunEvent(ctx context.Context, event domain.Event) {
	for _, n := range m {
		n.RunEvent(ctx, event)
	}
}
