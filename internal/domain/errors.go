// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var (
	// ErrNotFound covers both a missing row and an owner mismatch: reads
	// never reveal the existence of another owner's data.
	ErrNotFound = errors.New("not found")

	// ErrContention means a bounded lock wait expired; the operation is
	// retryable.
	ErrContention = errors.New("lock contention, retry")

	// ErrInvalidTransition means the run was not in the state the requested
	// transition expects.
	ErrInvalidTransition = errors.New("invalid run state transition")

	ErrUnknownAgent        = errors.New("unknown agent key")
	ErrInvalidRecoveryMode = errors.New("invalid recovery mode")
	ErrEventsDisabled      = errors.New("event log disabled")
	ErrInvalidOwnerName    = errors.New("invalid owner name")
)
