// Package workflow provides the semflow workflow data model: declarative
// definitions (phases, transitions, conditions) and the runtime records
// (executions, statuses) produced while a workflow is driven to completion.
package workflow

import (
	"time"
)

// RunStatus represents the overall status of a workflow run.
type RunStatus string

const (
	// RunStatusPending indicates the run has been created but not initialized.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates phases are still being executed.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the run reached a terminal phase.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates a phase failed or timed out.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known run status.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status is absorbing. A terminal run can
// never return to running.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo checks if a transition to the target status is allowed.
func (s RunStatus) CanTransitionTo(target RunStatus) bool {
	switch s {
	case RunStatusPending:
		return target == RunStatusRunning || target == RunStatusCancelled
	case RunStatusRunning:
		return target == RunStatusCompleted || target == RunStatusFailed || target == RunStatusCancelled
	default:
		return false
	}
}

// PhaseStatus represents the live status of a single phase within a run.
type PhaseStatus string

const (
	// PhaseStatusPending indicates the phase has not run yet.
	PhaseStatusPending PhaseStatus = "pending"
	// PhaseStatusRunning indicates the phase is the current phase.
	PhaseStatusRunning PhaseStatus = "running"
	// PhaseStatusCompleted indicates the phase finished or was left behind.
	PhaseStatusCompleted PhaseStatus = "completed"
	// PhaseStatusFailed indicates the phase failed or timed out.
	PhaseStatusFailed PhaseStatus = "failed"
)

// String returns the string representation of the phase status.
func (s PhaseStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known phase status.
func (s PhaseStatus) IsValid() bool {
	switch s {
	case PhaseStatusPending, PhaseStatusRunning, PhaseStatusCompleted, PhaseStatusFailed:
		return true
	}
	return false
}

// ExecutionStatus represents the outcome of one phase execution attempt.
type ExecutionStatus string

const (
	// ExecutionStatusRunning indicates the attempt is in flight.
	ExecutionStatusRunning ExecutionStatus = "running"
	// ExecutionStatusCompleted indicates the attempt produced output.
	ExecutionStatusCompleted ExecutionStatus = "completed"
	// ExecutionStatusFailed indicates the dispatched work returned an error.
	ExecutionStatusFailed ExecutionStatus = "failed"
	// ExecutionStatusTimeout indicates the attempt exceeded its time budget.
	ExecutionStatusTimeout ExecutionStatus = "timeout"
)

// String returns the string representation of the execution status.
func (s ExecutionStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a known execution status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusRunning, ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimeout:
		return true
	}
	return false
}

// PhaseOutput holds the result of a phase execution attempt: the structured
// data extracted from the work, the raw text it came from, and processing
// metadata.
type PhaseOutput struct {
	Structured map[string]any `json:"structured"`
	Raw        string         `json:"raw"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PhaseExecution is one durable record of a phase execution attempt.
// Records are immutable once appended to a run's execution history.
type PhaseExecution struct {
	// ID uniquely identifies this attempt.
	ID string `json:"id"`

	// PhaseID is the phase that was executed.
	PhaseID string `json:"phase_id"`

	// WorkflowID is the definition this attempt belongs to.
	WorkflowID string `json:"workflow_id"`

	// Status is the attempt outcome.
	Status ExecutionStatus `json:"status"`

	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the attempt finished, nil while running.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Input is the input map handed to the dispatch.
	Input map[string]any `json:"input,omitempty"`

	// Context is a snapshot of the run context at dispatch time.
	Context RunContext `json:"context,omitempty"`

	// Output holds the phase output on completed attempts.
	Output *PhaseOutput `json:"output,omitempty"`

	// Error carries the failure or timeout message.
	Error string `json:"error,omitempty"`
}

// PhaseStatusInfo tracks the live status of one phase as the run progresses.
type PhaseStatusInfo struct {
	Status         PhaseStatus `json:"status"`
	ExecutionCount int         `json:"execution_count"`
	LastExecutedAt *time.Time  `json:"last_executed_at,omitempty"`
}

// Clone returns a copy of the status info.
func (p *PhaseStatusInfo) Clone() *PhaseStatusInfo {
	if p == nil {
		return nil
	}
	out := &PhaseStatusInfo{
		Status:         p.Status,
		ExecutionCount: p.ExecutionCount,
	}
	if p.LastExecutedAt != nil {
		t := *p.LastExecutedAt
		out.LastExecutedAt = &t
	}
	return out
}

// Status is a point-in-time snapshot of one workflow run: the current phase,
// the overall status, every phase's live status, and the full execution
// history in call order.
type Status struct {
	// WorkflowID is the definition being run.
	WorkflowID string `json:"workflow_id"`

	// RunID identifies this run instance when driven by the runner.
	RunID string `json:"run_id,omitempty"`

	// CurrentPhase is the id of the single active phase.
	CurrentPhase string `json:"current_phase"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Phases maps phase id to its live status info.
	Phases map[string]*PhaseStatusInfo `json:"phases"`

	// ExecutionHistory lists every execution attempt in call order.
	ExecutionHistory []*PhaseExecution `json:"execution_history"`

	// StartedAt is when the run was initialized.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is set when the run reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the snapshot. Execution records are shared
// because they are immutable once appended.
func (s *Status) Clone() *Status {
	if s == nil {
		return nil
	}
	out := &Status{
		WorkflowID:   s.WorkflowID,
		RunID:        s.RunID,
		CurrentPhase: s.CurrentPhase,
		Status:       s.Status,
		StartedAt:    s.StartedAt,
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	out.Phases = make(map[string]*PhaseStatusInfo, len(s.Phases))
	for id, info := range s.Phases {
		out.Phases[id] = info.Clone()
	}
	out.ExecutionHistory = make([]*PhaseExecution, len(s.ExecutionHistory))
	copy(out.ExecutionHistory, s.ExecutionHistory)
	return out
}

// RunContext is opaque caller data threaded unchanged through every phase
// dispatch. The engine only reads identification fields for logging.
type RunContext map[string]any

// RunID returns the run_id field if the caller set one.
func (c RunContext) RunID() string {
	return c.stringField("run_id")
}

// ExecutionID returns the execution_id field if the caller set one.
func (c RunContext) ExecutionID() string {
	return c.stringField("execution_id")
}

// WorkflowID returns the workflow_id field if the caller set one.
func (c RunContext) WorkflowID() string {
	return c.stringField("workflow_id")
}

func (c RunContext) stringField(key string) string {
	if c == nil {
		return ""
	}
	if s, ok := c[key].(string); ok {
		return s
	}
	return ""
}

// Clone returns a shallow copy of the run context.
func (c RunContext) Clone() RunContext {
	if c == nil {
		return nil
	}
	out := make(RunContext, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ValidationError represents a definition or payload validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
