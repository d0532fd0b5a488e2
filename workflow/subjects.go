package workflow

import (
	"github.com/c360studio/semstreams/natsclient"
)

// Run lifecycle events (from the workflow-runner processor)

// RunStartedEvent is published when a workflow run begins executing.
type RunStartedEvent struct {
	RunID        string `json:"run_id"`
	WorkflowID   string `json:"workflow_id"`
	InitialPhase string `json:"initial_phase"`
}

// PhaseExecutedEvent is published after each phase execution attempt.
type PhaseExecutedEvent struct {
	RunID       string `json:"run_id"`
	WorkflowID  string `json:"workflow_id"`
	PhaseID     string `json:"phase_id"`
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}

// TransitionTakenEvent is published when a run moves between phases.
type TransitionTakenEvent struct {
	RunID        string `json:"run_id"`
	WorkflowID   string `json:"workflow_id"`
	FromPhase    string `json:"from_phase"`
	ToPhase      string `json:"to_phase"`
	TransitionID string `json:"transition_id,omitempty"`
	Priority     int    `json:"priority"`
}

// ManualInputRequiredEvent is published when a manual phase parks a run
// until a human resolves it.
type ManualInputRequiredEvent struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	PhaseID    string `json:"phase_id"`
}

// RunCompletedEvent is published when a run reaches a terminal phase.
type RunCompletedEvent struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	FinalPhase string `json:"final_phase"`
	Steps      int    `json:"steps"`
	DurationMs int64  `json:"duration_ms"`
}

// RunFailedEvent is published when a run fails.
type RunFailedEvent struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	PhaseID    string `json:"phase_id,omitempty"`
	Error      string `json:"error"`
}

// RunCancelledEvent is published when a run is cancelled.
type RunCancelledEvent struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	PhaseID    string `json:"phase_id,omitempty"`
}

// Typed subject definitions for semflow domain events.
// These provide compile-time type safety for NATS publish/subscribe operations.
var (
	// Run lifecycle events
	RunStarted = natsclient.NewSubject[RunStartedEvent](
		"workflow.events.run.started")
	RunCompleted = natsclient.NewSubject[RunCompletedEvent](
		"workflow.events.run.completed")
	RunFailed = natsclient.NewSubject[RunFailedEvent](
		"workflow.events.run.failed")
	RunCancelled = natsclient.NewSubject[RunCancelledEvent](
		"workflow.events.run.cancelled")

	// Phase events
	PhaseExecuted = natsclient.NewSubject[PhaseExecutedEvent](
		"workflow.events.phase.executed")
	TransitionTaken = natsclient.NewSubject[TransitionTakenEvent](
		"workflow.events.phase.transition")
	ManualInputRequired = natsclient.NewSubject[ManualInputRequiredEvent](
		"workflow.events.phase.manual_required")
)

// Subjects consumed and published by the workflow-runner processor.
const (
	// SubjectRunRequest carries run request payloads into the runner.
	SubjectRunRequest = "workflow.run.request"

	// SubjectEventsAll matches every run lifecycle event subject.
	SubjectEventsAll = "workflow.events.>"

	// ControlBucket is the KV bucket watched for run control commands.
	ControlBucket = "SEMFLOW_WORKFLOW_CONTROL"

	// ControlKeyPrefix prefixes cancel command keys in the control bucket.
	// A key of cancel_<run id> requests cancellation of that run.
	ControlKeyPrefix = "cancel_"
)
