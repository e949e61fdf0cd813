// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runstack/agentrun/internal/domain"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
)

type webhookPayload struct {
	Type           string           `json:"type"`
	RunID          uuid.UUID        `json:"run_id"`
	ConversationID uuid.UUID        `json:"conversation_id,omitempty"`
	Status         domain.RunStatus `json:"status,omitempty"`
	Error          string           `json:"error,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// WebhookNotifier POSTs terminal run transitions to a configured endpoint,
// signed with HMAC-SHA256 when a secret is set. Intermediate events and
// conversation creation are not delivered over the wire.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewWebhookNotifier(url, secret string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &WebhookNotifier{
		url:    strings.TrimSpace(url),
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (n *WebhookNotifier) RunStarted(ctx context.Context, run domain.Run) {}

func (n *WebhookNotifier) RunCompleted(ctx context.Context, run domain.Run) {
	n.deliver(ctx, webhookPayload{
		Type:           "run.completed",
		RunID:          run.ID,
		ConversationID: run.ConversationID,
		Status:         run.Status,
		OccurredAt:     time.Now().UTC(),
	})
}

func (n *WebhookNotifier) RunFailed(ctx context.Context, run domain.Run) {
	n.deliver(ctx, webhookPayload{
		Type:           "run.failed",
		RunID:          run.ID,
		ConversationID: run.ConversationID,
		Status:         run.Status,
		Error:          run.Error,
		OccurredAt:     time.Now().UTC(),
	})
}

func (n *WebhookNotifier) ConversationCreated(ctx context.Context, conv domain.Conversation) {}

func (n *WebhookNotifier) RunEvent(ctx context.Context, event domain.Event) {}

func (n *WebhookNotifier) deliver(ctx context.Context, payload webhookPayload) {
	if n.url == "" || n.httpClient == nil {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("webhook payload marshal failed",
			"run_id", payload.RunID,
			"type", payload.Type,
			"error", err,
		)
		return
	}

	signature := signPayload(n.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			n.logger.Error("webhook request build failed",
				"run_id", payload.RunID,
				"attempt", attempt,
				"error", err,
			)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
			n.logger.Warn("webhook failure",
				"run_id", payload.RunID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				n.logger.Info("webhook success",
					"run_id", payload.RunID,
					"type", payload.Type,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			n.logger.Warn("webhook failure",
				"run_id", payload.RunID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := webhookRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				n.logger.Warn("webhook canceled before retry",
					"run_id", payload.RunID,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		n.logger.Error("webhook retries exhausted",
			"run_id", payload.RunID,
			"type", payload.Type,
			"error", lastErr,
		)
	}
}

func signPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
