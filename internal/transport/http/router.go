// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runstack/agentrun/internal/domain"
	"github.com/runstack/agentrun/internal/metrics"
	"github.com/runstack/agentrun/internal/notify"
	"github.com/runstack/agentrun/internal/transport/middleware"
)

const (
	defaultMaxInputBytes = 1 << 20 // 1 MiB
	defaultMaxInputItems = 50
	defaultEventLimit    = 100
	maxEventLimit        = 500
)

type createRunRequest struct {
	ConversationKey string          `json:"conversation_key"`
	AgentKey        string          `json:"agent_key"`
	Input           json.RawMessage `json:"input"`
	Metadata        json.RawMessage `json:"metadata"`
}

type createOwnerRequest struct {
	Name              string `json:"name"`
	MaxRequestsPerMin int    `json:"max_requests_per_min"`
}

type runResponse struct {
	ID             uuid.UUID        `json:"id"`
	ConversationID uuid.UUID        `json:"conversation_id"`
	AgentKey       string           `json:"agent_key"`
	Status         domain.RunStatus `json:"status"`
	Input          json.RawMessage  `json:"input"`
	FinalOutput    json.RawMessage  `json:"final_output,omitempty"`
	LastResponseID string           `json:"last_response_id,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      string           `json:"created_at"`
	StartedAt      string           `json:"started_at,omitempty"`
	FinishedAt     string           `json:"finished_at,omitempty"`
}

type Deps struct {
	Runs          RunService
	Conversations ConversationService
	Events        EventLister
	OwnerAdmin    OwnerManager
	OwnerResolver OwnerResolver
	Agents        AgentValidator
	Notifier      notify.Notifier
	Health        HealthChecker
	Logger        *slog.Logger

	// Trigger kicks the dispatcher after a run is enqueued; nil means runs
	// wait for the next dispatch tick.
	Trigger func()

	AdminToken       string
	DefaultAgentKey  string
	DefaultRateLimit int
	MaxInputBytes    int64
	MaxInputItems    int
	EnableEvents     bool

	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	maxInputBytes := deps.MaxInputBytes
	if maxInputBytes <= 0 {
		maxInputBytes = defaultMaxInputBytes
	}
	maxInputItems := deps.MaxInputItems
	if maxInputItems <= 0 {
		maxInputItems = defaultMaxInputItems
	}

	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- OWNER LIFECYCLE (ADMIN) ----------------

	if deps.OwnerAdmin != nil {
		r.Route("/owners", func(admin chi.Router) {
			admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

			admin.Post("/", func(w http.ResponseWriter, r *http.Request) {
				reqBody, err := decodeCreateOwnerRequest(r)
				if err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				created, err := deps.OwnerAdmin.CreateOwner(r.Context(), domain.CreateOwnerParams{
					Name:              reqBody.Name,
					MaxRequestsPerMin: reqBody.MaxRequestsPerMin,
				})
				if err != nil {
					if errors.Is(err, domain.ErrInvalidOwnerName) {
						http.Error(w, "invalid owner name", http.StatusBadRequest)
						return
					}
					logger.Error("create owner failed", "error", err)
					http.Error(w, "failed to create owner", http.StatusInternalServerError)
					return
				}

				writeJSON(w, http.StatusOK, map[string]string{
					"owner_id": created.ID.String(),
					"token":    created.Token,
				})
			})

			admin.Get("/", func(w http.ResponseWriter, r *http.Request) {
				owners, err := deps.OwnerAdmin.ListOwners(r.Context())
				if err != nil {
					logger.Error("list owners failed", "error", err)
					http.Error(w, "failed to list owners", http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"owners": owners,
				})
			})

			admin.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
				id, err := uuid.Parse(chi.URLParam(r, "id"))
				if err != nil {
					http.Error(w, "invalid owner ID", http.StatusBadRequest)
					return
				}

				if err := deps.OwnerAdmin.RevokeOwner(r.Context(), id); err != nil {
					if errors.Is(err, domain.ErrNotFound) {
						http.Error(w, "owner not found", http.StatusNotFound)
						return
					}
					logger.Error("revoke owner failed", "owner_id", id, "error", err)
					http.Error(w, "failed to revoke owner", http.StatusInternalServerError)
					return
				}

				w.WriteHeader(http.StatusNoContent)
			})
		})
	}

	// ---------------- RUNS AND CONVERSATIONS (OWNER AUTH) ----------------

	r.Group(func(r chi.Router) {
		if deps.OwnerResolver != nil {
			r.Use(middleware.OwnerTokenAuth(deps.OwnerResolver, deps.DefaultRateLimit, logger))
		}

		// ---------------- SUBMIT RUN ----------------

		r.Post("/runs", func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxInputBytes)

			reqBody, err := decodeCreateRunRequest(r)
			if err != nil {
				var maxBytesErr *http.MaxBytesError
				if errors.As(err, &maxBytesErr) {
					http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
					return
				}
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			if reqBody.ConversationKey == "" {
				http.Error(w, "conversation_key is required", http.StatusBadRequest)
				return
			}

			agentKey := reqBody.AgentKey
			if agentKey == "" {
				agentKey = deps.DefaultAgentKey
			}
			if agentKey == "" {
				http.Error(w, "agent_key is required", http.StatusBadRequest)
				return
			}
			if deps.Agents != nil && !deps.Agents.Has(agentKey) {
				http.Error(w, "unknown agent_key", http.StatusBadRequest)
				return
			}

			items, err := normalizeInput(reqBody.Input)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if len(items) > maxInputItems {
				http.Error(w, "too many input items", http.StatusRequestEntityTooLarge)
				return
			}

			ctx := r.Context()
			conv, created, err := deps.Conversations.GetOrCreate(ctx, reqBody.ConversationKey)
			if err != nil {
				logger.Error("get or create conversation failed",
					"session_key", reqBody.ConversationKey,
					"error", err,
				)
				http.Error(w, "failed to resolve conversation", http.StatusInternalServerError)
				return
			}
			if created {
				notifier.ConversationCreated(ctx, conv)
			}

			if _, _, err := deps.Conversations.Append(ctx, conv.ID, items); err != nil {
				if errors.Is(err, domain.ErrContention) {
					w.Header().Set("Retry-After", "1")
					http.Error(w, "conversation busy, retry", http.StatusConflict)
					return
				}
				logger.Error("append input items failed",
					"conversation_id", conv.ID,
					"error", err,
				)
				http.Error(w, "failed to record input", http.StatusInternalServerError)
				return
			}

			run, err := deps.Runs.Create(ctx, domain.CreateRunParams{
				ConversationID: conv.ID,
				AgentKey:       agentKey,
				Input:          reqBody.Input,
				Metadata:       reqBody.Metadata,
			})
			if err != nil {
				logger.Error("create run failed", "conversation_id", conv.ID, "error", err)
				http.Error(w, "failed to create run", http.StatusInternalServerError)
				return
			}

			if deps.Trigger != nil {
				deps.Trigger()
			}

			logger.Info("run submitted via API",
				"run_id", run.ID,
				"conversation_id", conv.ID,
				"agent_key", agentKey,
			)
			writeJSON(w, http.StatusAccepted, toRunResponse(run))
		})

		// ---------------- GET RUN ----------------

		r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			runID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, "invalid run ID", http.StatusBadRequest)
				return
			}

			run, err := deps.Runs.Get(r.Context(), runID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					http.Error(w, "run not found", http.StatusNotFound)
					return
				}
				logger.Error("get run failed", "run_id", runID, "error", err)
				http.Error(w, "failed to get run", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, toRunResponse(run))
		})

		// ---------------- CANCEL RUN ----------------

		r.Post("/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			runID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, "invalid run ID", http.StatusBadRequest)
				return
			}

			if err := deps.Runs.Cancel(r.Context(), runID); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					http.Error(w, "run not found", http.StatusNotFound)
					return
				}
				if errors.Is(err, domain.ErrInvalidTransition) {
					http.Error(w, "run is not running", http.StatusConflict)
					return
				}
				logger.Error("cancel run failed", "run_id", runID, "error", err)
				http.Error(w, "failed to cancel run", http.StatusInternalServerError)
				return
			}

			if run, err := deps.Runs.Get(r.Context(), runID); err == nil {
				notifier.RunFailed(r.Context(), run)
			}

			logger.Info("run canceled via API", "run_id", runID)
			writeJSON(w, http.StatusOK, map[string]string{
				"id":     runID.String(),
				"status": string(domain.RunFailed),
				"error":  domain.ErrorCanceled,
			})
		})

		// ---------------- RUN EVENTS ----------------

		r.Get("/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
			runID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, "invalid run ID", http.StatusBadRequest)
				return
			}

			if !deps.EnableEvents || deps.Events == nil {
				http.Error(w, domain.ErrEventsDisabled.Error(), http.StatusNotFound)
				return
			}

			after, err := queryInt64(r, "after", 0)
			if err != nil {
				http.Error(w, "invalid after parameter", http.StatusBadRequest)
				return
			}
			limit, err := queryInt(r, "limit", defaultEventLimit)
			if err != nil || limit < 1 {
				http.Error(w, "invalid limit parameter", http.StatusBadRequest)
				return
			}
			if limit > maxEventLimit {
				limit = maxEventLimit
			}

			events, err := deps.Events.ListAfter(r.Context(), runID, after, limit)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					http.Error(w, "run not found", http.StatusNotFound)
					return
				}
				logger.Error("list run events failed", "run_id", runID, "error", err)
				http.Error(w, "failed to list events", http.StatusInternalServerError)
				return
			}

			next := after
			if len(events) > 0 {
				next = events[len(events)-1].Sequence
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"run_id": runID,
				"events": events,
				"next":   next,
			})
		})

		// ---------------- CONVERSATION HISTORY ----------------

		r.Get("/conversations/{key}/items", func(w http.ResponseWriter, r *http.Request) {
			conv, ok := resolveConversation(w, r, deps, logger)
			if !ok {
				return
			}

			after, err := queryInt64(r, "after", 0)
			if err != nil {
				http.Error(w, "invalid after parameter", http.StatusBadRequest)
				return
			}
			limit, err := queryInt(r, "limit", 0)
			if err != nil || limit < 0 {
				http.Error(w, "invalid limit parameter", http.StatusBadRequest)
				return
			}

			items, err := deps.Conversations.Items(r.Context(), conv.ID, after, limit)
			if err != nil {
				logger.Error("list conversation items failed",
					"conversation_id", conv.ID,
					"error", err,
				)
				http.Error(w, "failed to list items", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"conversation_id": conv.ID,
				"session_key":     conv.SessionKey,
				"items":           items,
			})
		})

		// ---------------- POP LAST ITEM ----------------

		r.Delete("/conversations/{key}/items/last", func(w http.ResponseWriter, r *http.Request) {
			conv, ok := resolveConversation(w, r, deps, logger)
			if !ok {
				return
			}

			payload, err := deps.Conversations.PopLast(r.Context(), conv.ID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					http.Error(w, "conversation is empty", http.StatusNotFound)
					return
				}
				if errors.Is(err, domain.ErrContention) {
					w.Header().Set("Retry-After", "1")
					http.Error(w, "conversation busy, retry", http.StatusConflict)
					return
				}
				logger.Error("pop last item failed", "conversation_id", conv.ID, "error", err)
				http.Error(w, "failed to pop item", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"conversation_id": conv.ID,
				"item":            payload,
			})
		})

		// ---------------- CLEAR CONVERSATION ----------------

		r.Delete("/conversations/{key}/items", func(w http.ResponseWriter, r *http.Request) {
			conv, ok := resolveConversation(w, r, deps, logger)
			if !ok {
				return
			}

			if err := deps.Conversations.Clear(r.Context(), conv.ID); err != nil {
				logger.Error("clear conversation failed", "conversation_id", conv.ID, "error", err)
				http.Error(w, "failed to clear conversation", http.StatusInternalServerError)
				return
			}

			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}

func resolveConversation(
	w http.ResponseWriter,
	r *http.Request,
	deps Deps,
	logger *slog.Logger,
) (domain.Conversation, bool) {
	key := chi.URLParam(r, "key")
	if strings.TrimSpace(key) == "" {
		http.Error(w, "invalid conversation key", http.StatusBadRequest)
		return domain.Conversation{}, false
	}

	conv, err := deps.Conversations.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return domain.Conversation{}, false
		}
		logger.Error("get conversation failed", "session_key", key, "error", err)
		http.Error(w, "failed to get conversation", http.StatusInternalServerError)
		return domain.Conversation{}, false
	}

	return conv, true
}

func toRunResponse(run domain.Run) runResponse {
	resp := runResponse{
		ID:             run.ID,
		ConversationID: run.ConversationID,
		AgentKey:       run.AgentKey,
		Status:         run.Status,
		Input:          run.Input,
		FinalOutput:    run.FinalOutput,
		LastResponseID: run.LastResponseID,
		Error:          run.Error,
		CreatedAt:      run.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if run.StartedAt != nil {
		resp.StartedAt = run.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if run.FinishedAt != nil {
		resp.FinishedAt = run.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

// normalizeInput converts the submitted input into conversation items. A
// string becomes one user message; an array is stored item by item.
func normalizeInput(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, errors.New("input is required")
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, errors.New("invalid input")
		}
		item, err := json.Marshal(map[string]string{
			"role":    "user",
			"content": text,
		})
		if err != nil {
			return nil, err
		}
		return []json.RawMessage{item}, nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, errors.New("invalid input")
		}
		if len(items) == 0 {
			return nil, errors.New("input is required")
		}
		return items, nil

	default:
		return nil, errors.New("input must be a string or an array of items")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeCreateRunRequest(r *http.Request) (createRunRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return createRunRequest{}, errors.New("request body is required")
	}

	var req createRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return createRunRequest{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return createRunRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.ConversationKey = strings.TrimSpace(req.ConversationKey)
	req.AgentKey = strings.TrimSpace(req.AgentKey)
	return req, nil
}

func decodeCreateOwnerRequest(r *http.Request) (createOwnerRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return createOwnerRequest{}, domain.ErrInvalidOwnerName
	}

	var req createOwnerRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return createOwnerRequest{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return createOwnerRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return createOwnerRequest{}, domain.ErrInvalidOwnerName
	}

	return req, nil
}

func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + name)
	}
	return v, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v, err := queryInt64(r, name, int64(def))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
