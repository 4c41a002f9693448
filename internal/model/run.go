// Package model defines the core domain types for Bunrui.
//
// Types correspond directly to database tables and API payloads. They use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of an application run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// transitions is the full run state machine:
// pending -> running -> {succeeded, failed}; running -> cancelled.
// A run still pending may also be cancelled before it ever starts.
// Terminal states accept no further transitions.
var transitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning: {RunStatusSucceeded, RunStatusFailed, RunStatusCancelled},
}

// ParseRunStatus validates a raw status string.
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return RunStatus(s), nil
	}
	return "", fmt.Errorf("model: unknown run status %q", s)
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status accepts no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunRecord is one execution of an application.
//
// ToolType is a classification decision made exactly once, inside the insert
// that creates the row; no code path mutates it afterward. Downstream routing
// and historical reporting depend on that per-run meaning staying stable.
type RunRecord struct {
	ID        uuid.UUID      `json:"id"`
	AppID     string         `json:"app_id"`
	ToolType  int            `json:"tool_type"`
	Status    RunStatus      `json:"status"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DispatchState values for an outbox entry.
const (
	DispatchStatePending   = "pending"
	DispatchStateDelivered = "delivered"
	DispatchStateDeferred  = "deferred" // tool-type code unknown to this process
	DispatchStateFailed    = "failed"   // attempts exhausted; operator-visible annotation
)

// DispatchEntry is one outbox row: a pending or settled delivery of a run's
// terminal-status snapshot to its collaborator. It annotates the run; it is
// never part of the run's own business status.
type DispatchEntry struct {
	ID        int64     `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	ToolType  int       `json:"tool_type"`
	RunStatus RunStatus `json:"run_status"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError *string   `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
