// SPDX-License-Identifier: Apache-2.0

// Package dispatch moves pending runs into execution while keeping the
// number of concurrently running runs under the configured limit. The claim
// itself is durable before anything is handed to an agent, so a crash
// between claim and submission leaves a recoverable running row rather than
// a lost run.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runstack/agentrun/internal/domain"
	"github.com/runstack/agentrun/internal/metrics"
	"github.com/runstack/agentrun/internal/notify"
)

// RunStore is the slice of the run registry the dispatch path needs.
type RunStore interface {
	ClaimPendingBatch(ctx context.Context, limit int) ([]domain.Run, error)
	RecoverRunning(ctx context.Context, mode domain.RecoveryMode) (int64, error)
	Complete(ctx context.Context, id uuid.UUID, output, raw json.RawMessage, lastResponseID string) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error
	SetTaskID(ctx context.Context, id uuid.UUID, taskID string) error
}

// Submitter hands a claimed run to the execution pool.
type Submitter interface {
	Submit(ctx context.Context, run domain.Run) error
}

type Deps struct {
	Store        RunStore
	Submitter    Submitter
	Notifier     notify.Notifier
	Logger       *slog.Logger
	Limit        int
	RecoveryMode domain.RecoveryMode
}

type Dispatcher struct {
	store        RunStore
	submitter    Submitter
	notifier     notify.Notifier
	logger       *slog.Logger
	limit        int
	recoveryMode domain.RecoveryMode

	recoveryMu   sync.Mutex
	recoveryDone bool
}

func New(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := deps.Limit
	if limit < 1 {
		limit = 1
	}

	mode := deps.RecoveryMode
	if !domain.ValidRecoveryMode(string(mode)) {
		mode = domain.RecoveryRequeue
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	return &Dispatcher{
		store:        deps.Store,
		submitter:    deps.Submitter,
		notifier:     notifier,
		logger:       logger,
		limit:        limit,
		recoveryMode: mode,
	}
}

// Dispatch claims as many pending runs as the concurrency limit allows and
// submits them for execution. It returns the number of runs submitted.
// Callers invoke it on a ticker and after any terminal transition.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	d.maybeRecover(ctx)

	start := time.Now()
	claimed, err := d.store.ClaimPendingBatch(ctx, d.limit)
	if err != nil {
		d.logger.Error("claim pending runs failed", "error", err)
		return 0, err
	}
	metrics.ObserveClaimLatency(time.Since(start))
	metrics.ObserveClaimedRuns(len(claimed))

	if len(claimed) == 0 {
		return 0, nil
	}

	submitted := 0
	for _, run := range claimed {
		d.notifier.RunStarted(ctx, run)

		if err := d.submitter.Submit(ctx, run); err != nil {
			d.logger.Error("submit run failed", "run_id", run.ID, "error", err)

			failMsg := "submit: " + err.Error()
			if failErr := d.store.Fail(ctx, run.ID, failMsg); failErr != nil {
				d.logger.Error("fail run after submit error failed",
					"run_id", run.ID,
					"error", failErr,
				)
				continue
			}
			run.Status = domain.RunFailed
			run.Error = failMsg
			d.notifier.RunFailed(ctx, run)
			continue
		}
		submitted++
	}

	d.logger.Info("dispatch cycle",
		"claimed", len(claimed),
		"submitted", submitted,
	)
	return submitted, nil
}

// maybeRecover runs startup recovery exactly once per process, lazily, on
// the first dispatch. A failed attempt leaves the flag unset so the next
// dispatch retries; runs stuck in running stay untouched until then.
func (d *Dispatcher) maybeRecover(ctx context.Context) {
	d.recoveryMu.Lock()
	defer d.recoveryMu.Unlock()

	if d.recoveryDone {
		return
	}

	if d.recoveryMode == domain.RecoveryIgnore {
		d.recoveryDone = true
		return
	}

	n, err := d.store.RecoverRunning(ctx, d.recoveryMode)
	if err != nil {
		d.logger.Warn("startup recovery failed, will retry",
			"mode", d.recoveryMode,
			"error", err,
		)
		return
	}

	d.recoveryDone = true
	if n > 0 {
		d.logger.Info("recovered interrupted runs",
			"mode", d.recoveryMode,
			"count", n,
		)
	}
}

// Recover forces startup recovery with an explicit mode, independent of the
// lazy once-per-process path. Used by the CLI.
func (d *Dispatcher) Recover(ctx context.Context, mode domain.RecoveryMode) (int64, error) {
	if !domain.ValidRecoveryMode(string(mode)) {
		return 0, domain.ErrInvalidRecoveryMode
	}
	if mode == domain.RecoveryIgnore {
		return 0, nil
	}

	n, err := d.store.RecoverRunning(ctx, mode)
	if err != nil {
		return 0, err
	}

	d.recoveryMu.Lock()
	d.recoveryDone = true
	d.recoveryMu.Unlock()

	return n, nil
}
