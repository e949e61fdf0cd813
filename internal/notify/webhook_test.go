// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/runstack/agentrun/internal/domain"
)

func TestWebhookNotifierRetriesAndSigns(t *testing.T) {
	var attempts int32
	runID := uuid.New()
	secret := "super-secret"

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		current := atomic.AddInt32(&attempts, 1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}

		gotSig := r.Header.Get(webhookHeaderSig)
		wantSig := signPayload(secret, body)
		if gotSig != wantSig {
			t.Fatalf("expected signature %q got %q", wantSig, gotSig)
		}

		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.RunID != runID {
			t.Fatalf("expected run id %s got %s", runID, payload.RunID)
		}
		if payload.Type != "run.failed" {
			t.Fatalf("expected type run.failed got %s", payload.Type)
		}
		if payload.Error != domain.ErrorInterrupted {
			t.Fatalf("expected error %q got %q", domain.ErrorInterrupted, payload.Error)
		}

		if current < 3 {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("fail")),
				Header:     make(http.Header),
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
			Header:     make(http.Header),
		}, nil
	})}

	n := NewWebhookNotifier("http://webhook.local/callback", secret, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.httpClient = client

	n.RunFailed(context.Background(), domain.Run{
		ID:     runID,
		Status: domain.RunFailed,
		Error:  domain.ErrorInterrupted,
	})

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 webhook attempts got %d", got)
	}
}

func TestWebhookNotifierStopsAfterRetryLimit(t *testing.T) {
	var attempts int32

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader("fail")),
			Header:     make(http.Header),
		}, nil
	})}

	n := NewWebhookNotifier("http://webhook.local/callback", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.httpClient = client

	n.RunCompleted(context.Background(), domain.Run{
		ID:     uuid.New(),
		Status: domain.RunCompleted,
	})

	if got := atomic.LoadInt32(&attempts); got != webhookRetryAttempts {
		t.Fatalf("expected %d attempts got %d", webhookRetryAttempts, got)
	}
}

func TestWebhookNotifierSkipsWithoutURL(t *testing.T) {
	var attempts int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
			Header:     make(http.Header),
		}, nil
	})}

	n := NewWebhookNotifier("  ", "secret", slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.httpClient = client

	n.RunCompleted(context.Background(), domain.Run{ID: uuid.New()})

	if got := atomic.LoadInt32(&attempts); got != 0 {
		t.Fatalf("expected no webhook attempts without url, got %d", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
