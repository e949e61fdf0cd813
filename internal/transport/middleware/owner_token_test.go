// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/google/uuid"

	"github.com/runstack/agentrun/internal/auth"
)

func TestOwnerTokenAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ownerID := uuid.New()

	t.Run("allows healthz path without auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()

		OwnerTokenAuth(&mockOwnerResolver{}, 0, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d got %d", http.StatusOK, rec.Code)
		}
	})

	t.Run("allows metrics path without auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()

		OwnerTokenAuth(&mockOwnerResolver{}, 0, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d got %d", http.StatusOK, rec.Code)
		}
	})

	t.Run("rejects missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		rec := httptest.NewRecorder()

		OwnerTokenAuth(&mockOwnerResolver{}, 0, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d got %d", http.StatusUnauthorized, rec.Code)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("expected WWW-Authenticate header %q got %q", "Bearer", got)
		}
	})

	t.Run("rejects unknown token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()

		OwnerTokenAuth(&mockOwnerResolver{}, 0, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("resolver error returns internal server error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req.Header.Set("Authorization", "Bearer super-secret")
		rec := httptest.NewRecorder()

		OwnerTokenAuth(&mockOwnerResolver{err: errors.New("db down")}, 0, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected status %d got %d", http.StatusInternalServerError, rec.Code)
		}
	})

	t.Run("accepts valid token and sets owner in context", func(t *testing.T) {
		resolver := &mockOwnerResolver{
			ownerByToken: map[string]auth.Owner{
				"super-secret": {
					ID:                ownerID,
					MaxRequestsPerMin: 60,
				},
			},
		}

		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req.Header.Set("Authorization", "Bearer super-secret")
		rec := httptest.NewRecorder()

		OwnerTokenAuth(resolver, 0, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.OwnerIDFromContext(r.Context())
			if !ok {
				t.Fatal("expected owner id in request context")
			}
			if id != ownerID {
				t.Fatalf("expected owner id %s got %s", ownerID, id)
			}
			if got := w.Header().Get(headerRateLimitLimit); got != "60" {
				t.Fatalf("expected %s header %q got %q", headerRateLimitLimit, "60", got)
			}
			if got := w.Header().Get(headerRateLimitRemaining); got == "" {
				t.Fatalf("expected %s header to be set", headerRateLimitRemaining)
			}
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d got %d", http.StatusOK, rec.Code)
		}
	})

	t.Run("rate limits per owner and sets retry header", func(t *testing.T) {
		resolver := &mockOwnerResolver{
			ownerByToken: map[string]auth.Owner{
				"low-limit": {
					ID:                uuid.New(),
					MaxRequestsPerMin: 1,
				},
			},
		}

		handler := OwnerTokenAuth(resolver, 0, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req1 := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req1.Header.Set("Authorization", "Bearer low-limit")
		rec1 := httptest.NewRecorder()
		handler.ServeHTTP(rec1, req1)

		if rec1.Code != http.StatusOK {
			t.Fatalf("expected first request status 200 got %d", rec1.Code)
		}

		req2 := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req2.Header.Set("Authorization", "Bearer low-limit")
		rec2 := httptest.NewRecorder()
		handler.ServeHTTP(rec2, req2)

		if rec2.Code != http.StatusTooManyRequests {
			t.Fatalf("expected second request status 429 got %d", rec2.Code)
		}
		retryAfter := rec2.Header().Get(headerRetryAfter)
		if retryAfter == "" {
			t.Fatalf("expected %s header to be set", headerRetryAfter)
		}
		if _, err := strconv.Atoi(retryAfter); err != nil {
			t.Fatalf("expected numeric %s header, got %q", headerRetryAfter, retryAfter)
		}
	})

	t.Run("falls back to configured default limit", func(t *testing.T) {
		resolver := &mockOwnerResolver{
			ownerByToken: map[string]auth.Owner{
				"no-limit": {ID: uuid.New()},
			},
		}

		handler := OwnerTokenAuth(resolver, 2, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		req.Header.Set("Authorization", "Bearer no-limit")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200 got %d", rec.Code)
		}
		if got := rec.Header().Get(headerRateLimitLimit); got != "2" {
			t.Fatalf("expected %s header %q got %q", headerRateLimitLimit, "2", got)
		}
	})
}

func TestOwnerTokenAuthPanicsWithoutResolver(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected OwnerTokenAuth to panic when resolver is nil")
		}
	}()

	OwnerTokenAuth(nil, 0, nil)
}

func TestBearerToken(t *testing.T) {
	if got, ok := bearerToken("Bearer secret"); !ok || got != "secret" {
		t.Fatal("expected exact bearer token to be valid")
	}
	if got, ok := bearerToken("bearer secret"); !ok || got != "secret" {
		t.Fatal("expected bearer scheme to be case-insensitive")
	}
	if _, ok := bearerToken("Token secret"); ok {
		t.Fatal("expected non-bearer scheme to be invalid")
	}
	if _, ok := bearerToken("Bearer"); ok {
		t.Fatal("expected malformed header to be invalid")
	}
	if _, ok := bearerToken("Bearer "); ok {
		t.Fatal("expected empty token to be invalid")
	}
}

type mockOwnerResolver struct {
	ownerByToken map[string]auth.Owner
	err          error
}

func (m *mockOwnerResolver) ResolveOwner(ctx context.Context, bearerToken string) (auth.Owner, bool, error) {
	if m.err != nil {
		return auth.Owner{}, false, m.err
	}

	if owner, ok := m.ownerByToken[bearerToken]; ok {
		return owner, true, nil
	}

	return auth.Owner{}, false, nil
}
