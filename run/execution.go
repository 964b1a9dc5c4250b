// Package run is the execution engine: it admits triggers, spawns one
// external process per execution, streams output through the broadcast
// hub, and persists every execution's lifecycle.
package run

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of an execution
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusRejected  Status = "rejected"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusSucceeded,
		StatusFailed, StatusTimedOut, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal returns true for states that never transition further
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusRejected:
		return true
	default:
		return false
	}
}

// CanTransition validates the one-directional state machine:
// queued -> running -> {succeeded, failed, timed_out}, with rejected
// reachable only from queued when admission fails late.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusRejected || to == StatusFailed
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusTimedOut
	default:
		return false
	}
}

// Execution is one external process invocation. The live copy is owned
// by the Coordinator until the retention sweeper evicts it; the
// persisted copy is immutable once terminal.
type Execution struct {
	ID          string      `json:"id"`
	TriggerID   string      `json:"trigger_id"`
	TriggerKind TriggerKind `json:"trigger_kind"`
	Backend     string      `json:"backend,omitempty"`
	Command     string      `json:"command,omitempty"`
	Status      Status      `json:"status"`
	ExitCode    *int        `json:"exit_code,omitempty"`
	Error       string      `json:"error,omitempty"`
	Stdout      string      `json:"stdout,omitempty"`
	Stderr      string      `json:"stderr,omitempty"`
	Seq         uint64      `json:"seq"` // Highest log sequence number assigned
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// NewExecution creates an execution in queued state for a trigger.
// The ID is generated here, at admission, before any process starts.
func NewExecution(t Trigger, command string) *Execution {
	now := time.Now()
	return &Execution{
		ID:          uuid.NewString(),
		TriggerID:   t.ID,
		TriggerKind: t.Kind,
		Backend:     t.Backend,
		Command:     command,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Start marks the execution as running
func (e *Execution) Start() {
	now := time.Now()
	e.Status = StatusRunning
	e.StartedAt = &now
	e.UpdatedAt = now
}

// Finish applies a terminal snapshot. FinishedAt is set here and only
// here, preserving the invariant that it exists iff the status is
// terminal.
func (e *Execution) Finish(status Status, exitCode *int, errMsg, stdout, stderr string, seq uint64) {
	now := time.Now()
	e.Status = status
	e.ExitCode = exitCode
	e.Error = errMsg
	e.Stdout = stdout
	e.Stderr = stderr
	e.Seq = seq
	e.FinishedAt = &now
	e.UpdatedAt = now
}

// clone returns a copy safe to hand outside the coordinator's lock
func (e *Execution) clone() *Execution {
	cp := *e
	if e.ExitCode != nil {
		code := *e.ExitCode
		cp.ExitCode = &code
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
