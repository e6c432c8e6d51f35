package types

import "time"

// ExecState is the lifecycle of a protocol run.
type ExecState string

const (
	StateIdle      ExecState = "idle"
	StateRunning   ExecState = "running"
	StateCompleted ExecState = "completed"
	StateFailed    ExecState = "failed"
)

// Status is a read-only snapshot of the coordinator.
type Status struct {
	RunID uint64
	State ExecState
	// Step is the index of the step in flight while Running.
	Step         int
	Total        int
	Acknowledged []Step
	LastError    error
	UpdatedAt    time.Time
}

// Clone returns a copy that shares nothing mutable with the original.
func (s Status) Clone() Status {
	c := s
	c.Acknowledged = append([]Step(nil), s.Acknowledged...)
	return c
}

type UpdateKind string

const (
	UpdateRunStarted       UpdateKind = "run-started"
	UpdateStepAcknowledged UpdateKind = "step-acknowledged"
	UpdateRunCompleted     UpdateKind = "run-completed"
	UpdateRunFailed        UpdateKind = "run-failed"
	UpdateReset            UpdateKind = "reset"
)

// Update is pushed to subscribers on every coordinator state change.
type Update struct {
	Kind   UpdateKind
	Status Status
}
