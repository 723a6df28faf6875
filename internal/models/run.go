package models

import "time"

// RunStatus is the remote service's view of a run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether the remote service will make no further
// transitions on its own. requires_action counts as terminal here because
// tool outputs are never submitted by this service.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete, RunRequiresAction:
		return true
	}
	return false
}

// RunState is the local orchestration state of one message exchange.
type RunState string

const (
	StateCreated   RunState = "created"
	StateSubmitted RunState = "submitted"
	StatePolling   RunState = "polling"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateTimedOut  RunState = "timed_out"
)

// Run is transient: it lives for the duration of one exchange and is never
// stored as its own record.
type Run struct {
	ID           string
	ThreadHandle string
	AssistantID  string
	Status       RunStatus
	State        RunState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Advance moves the local state and stamps UpdatedAt.
func (r *Run) Advance(state RunState) {
	r.State = state
	r.UpdatedAt = time.Now().UTC()
}
