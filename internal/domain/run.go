// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Error markers recorded on failed runs. The interrupted marker is what makes
// a late Fail against a run that recovery already resolved an idempotent
// no-op instead of an invalid transition.
const (
	ErrorInterrupted = "interrupted: process restart"
	ErrorCanceled    = "canceled: client request"
)

// Terminal reports whether s is a final state. Terminal runs are immutable.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// CanTransitionTo encodes the one-directional state machine:
// pending -> running -> {completed, failed}. No transition skips running and
// none leaves a terminal state.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning
	case RunRunning:
		return next == RunCompleted || next == RunFailed
	default:
		return false
	}
}

func ValidRunStatus(raw string) bool {
	switch RunStatus(raw) {
	case RunPending, RunRunning, RunCompleted, RunFailed:
		return true
	default:
		return false
	}
}

// Run is one request to execute a unit of agent work.
type Run struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	OwnerID        uuid.UUID       `json:"owner_id"`
	AgentKey       string          `json:"agent_key"`
	Status         RunStatus       `json:"status"`
	Input          json.RawMessage `json:"input"`
	FinalOutput    json.RawMessage `json:"final_output,omitempty"`
	RawResponses   json.RawMessage `json:"raw_responses,omitempty"`
	LastResponseID string          `json:"last_response_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type CreateRunParams struct {
	ConversationID uuid.UUID
	AgentKey       string
	Input          json.RawMessage
	Metadata       json.RawMessage
}

// RecoveryMode selects how startup recovery resolves runs left in running
// by an unclean process exit.
type RecoveryMode string

const (
	RecoveryIgnore  RecoveryMode = "ignore"
	RecoveryFail    RecoveryMode = "fail"
	RecoveryRequeue RecoveryMode = "requeue"
)

func ValidRecoveryMode(raw string) bool {
	switch RecoveryMode(raw) {
	case RecoveryIgnore, RecoveryFail, RecoveryRequeue:
		return true
	default:
		return false
	}
}
