// Package engine drives a single workflow run from its initial phase to a
// terminal status.
//
// A PhaseManager owns the phase instances, current-phase pointer, per-phase
// status, and execution history for one run. It is deliberately not
// synchronized: the driving caller owns the serialization contract, and
// exactly one phase is current at any time. Fan-out, persistence, and
// transport all live above this package.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/workflow"
)

// Lifecycle misuse errors. Navigation problems (unknown transition targets,
// malformed conditions) degrade with a warning instead; these errors are
// reserved for caller bugs.
var (
	// ErrNotInitialized is returned when a PhaseManager method is called
	// before Initialize.
	ErrNotInitialized = errors.New("phase manager not initialized")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("phase manager already initialized")
)

// PhaseManager drives one workflow run: it executes the current phase,
// follows the highest-priority valid transition after each successful
// execution, detects completion and failure, and accumulates the execution
// history.
type PhaseManager struct {
	backends Backends
	logger   *slog.Logger

	initialized bool
	def         *workflow.Definition
	phases      map[string]*Phase
	runCtx      workflow.RunContext
	status      *workflow.Status
}

// ManagerOption configures a PhaseManager.
type ManagerOption func(*PhaseManager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *PhaseManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewPhaseManager creates a manager bound to its dispatch backends. The
// manager is inert until Initialize.
func NewPhaseManager(backends Backends, opts ...ManagerOption) *PhaseManager {
	m := &PhaseManager{
		backends: backends,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize builds one Phase per definition and starts the run at the
// initial phase: every phase pending except the initial one, which is
// marked running along with the overall status. Must be called exactly once
// before any other method.
func (m *PhaseManager) Initialize(def *workflow.Definition, runCtx workflow.RunContext) error {
	if m.initialized {
		return ErrAlreadyInitialized
	}
	if def == nil {
		return &workflow.ValidationError{Field: "workflow", Message: "workflow definition is required"}
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("initialize workflow %q: %w", def.ID, err)
	}

	phases := make(map[string]*Phase, len(def.Phases))
	infos := make(map[string]*workflow.PhaseStatusInfo, len(def.Phases))
	for i := range def.Phases {
		pd := &def.Phases[i]
		phase, err := NewPhase(pd, def.ID, m.backends, m.logger)
		if err != nil {
			return fmt.Errorf("initialize workflow %q: %w", def.ID, err)
		}
		phases[pd.ID] = phase
		infos[pd.ID] = &workflow.PhaseStatusInfo{Status: workflow.PhaseStatusPending}
	}

	m.def = def
	m.phases = phases
	m.runCtx = runCtx.Clone()
	m.status = &workflow.Status{
		WorkflowID:       def.ID,
		RunID:            runCtx.RunID(),
		CurrentPhase:     def.InitialPhase,
		Status:           workflow.RunStatusRunning,
		Phases:           infos,
		ExecutionHistory: make([]*workflow.PhaseExecution, 0, len(def.Phases)),
		StartedAt:        time.Now(),
	}
	m.status.Phases[def.InitialPhase].Status = workflow.PhaseStatusRunning
	m.initialized = true

	m.logger.Info("Workflow run initialized",
		"workflow", def.ID,
		"run_id", m.status.RunID,
		"initial_phase", def.InitialPhase,
		"phases", len(def.Phases))
	return nil
}

// ExecuteCurrentPhase runs one attempt of the current phase and appends
// exactly one record to the execution history. On a completed execution the
// manager follows the highest-priority valid transition, or falls back to
// terminal detection when no transition fires; on a failed or timed out
// execution the phase and the run are marked failed.
//
// The returned record is the one appended to history. The error is non-nil
// only for lifecycle misuse; execution failures are reported through the
// record.
func (m *PhaseManager) ExecuteCurrentPhase(ctx context.Context, input map[string]any) (rec *workflow.PhaseExecution, err error) {
	if !m.initialized {
		return nil, ErrNotInitialized
	}

	phaseID := m.status.CurrentPhase
	phase := m.phases[phaseID]
	info := m.status.Phases[phaseID]

	info.Status = workflow.PhaseStatusRunning
	info.ExecutionCount++
	started := time.Now()
	info.LastExecutedAt = &started

	// Phase.Execute absorbs dispatch panics itself; this guard covers the
	// manager's own bookkeeping so one bad phase cannot crash the caller.
	defer func() {
		if r := recover(); r != nil {
			completed := time.Now()
			rec = &workflow.PhaseExecution{
				ID:          uuid.New().String(),
				PhaseID:     phaseID,
				WorkflowID:  m.def.ID,
				Status:      workflow.ExecutionStatusFailed,
				StartedAt:   started,
				CompletedAt: &completed,
				Input:       maps.Clone(input),
				Context:     m.runCtx.Clone(),
				Error:       fmt.Sprintf("phase execution panicked: %v", r),
			}
			m.status.ExecutionHistory = append(m.status.ExecutionHistory, rec)
			info.Status = workflow.PhaseStatusFailed
			m.setRunStatus(workflow.RunStatusFailed)
			m.logger.Error("Phase execution panicked",
				"workflow", m.def.ID,
				"phase", phaseID,
				"panic", r)
			err = nil
		}
	}()

	exec := phase.Execute(ctx, input, m.runCtx)
	m.status.ExecutionHistory = append(m.status.ExecutionHistory, exec)

	switch exec.Status {
	case workflow.ExecutionStatusCompleted:
		info.Status = workflow.PhaseStatusCompleted
		var valid []workflow.Transition
		if exec.Output != nil {
			valid = phase.EvaluateTransitions(exec.Output)
		}
		if len(valid) > 0 {
			next := valid[0]
			m.logger.Info("Taking transition",
				"workflow", m.def.ID,
				"from", phaseID,
				"to", next.TargetPhase,
				"transition", next.ID,
				"priority", next.Priority)
			m.doTransition(next.TargetPhase)
		} else {
			m.checkCompletion()
		}

	case workflow.ExecutionStatusFailed, workflow.ExecutionStatusTimeout:
		info.Status = workflow.PhaseStatusFailed
		m.setRunStatus(workflow.RunStatusFailed)
		m.logger.Warn("Phase did not complete",
			"workflow", m.def.ID,
			"phase", phaseID,
			"status", exec.Status,
			"error", exec.Error)

	case workflow.ExecutionStatusRunning:
		// Phase.Execute never returns a running record.
	}

	return exec, nil
}

// TransitionTo moves the run to the named phase. An unknown phase id logs a
// warning and reports false without mutating state; this is how external
// resolution of a parked manual phase advances a run.
func (m *PhaseManager) TransitionTo(phaseID string) (bool, error) {
	if !m.initialized {
		return false, ErrNotInitialized
	}
	return m.doTransition(phaseID), nil
}

// doTransition implements the transition: leaving a running phase marks it
// completed, the target becomes current and running, then terminal
// detection runs.
func (m *PhaseManager) doTransition(phaseID string) bool {
	if _, ok := m.phases[phaseID]; !ok {
		m.logger.Warn("Transition to unknown phase ignored",
			"workflow", m.def.ID,
			"from", m.status.CurrentPhase,
			"to", phaseID)
		return false
	}

	current := m.status.Phases[m.status.CurrentPhase]
	if current.Status == workflow.PhaseStatusRunning {
		// Leaving a phase completes it, whether or not it executed.
		current.Status = workflow.PhaseStatusCompleted
	}

	m.status.CurrentPhase = phaseID
	m.status.Phases[phaseID].Status = workflow.PhaseStatusRunning
	m.checkCompletion()
	return true
}

// checkCompletion finishes the run when the current phase is terminal.
// A sink phase never executes: arrival is sufficient.
func (m *PhaseManager) checkCompletion() {
	currentID := m.status.CurrentPhase
	if !m.def.Phase(currentID).IsTerminal() {
		return
	}

	m.status.Phases[currentID].Status = workflow.PhaseStatusCompleted
	if m.setRunStatus(workflow.RunStatusCompleted) {
		completed := time.Now()
		m.status.CompletedAt = &completed
		m.logger.Info("Workflow run completed",
			"workflow", m.def.ID,
			"run_id", m.status.RunID,
			"final_phase", currentID,
			"executions", len(m.status.ExecutionHistory))
	}
}

// WorkflowStatus returns a deep-copied snapshot of the run state. Mutating
// the snapshot does not affect the manager.
func (m *PhaseManager) WorkflowStatus() (*workflow.Status, error) {
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	return m.status.Clone(), nil
}

// Cancel stops the run: overall status cancelled, completion stamped, and a
// still-running current phase reset to pending. Cancellation is advisory;
// an in-flight Execute call is not interrupted, the run simply stops
// advancing. Cancelling an already-terminal run is a no-op.
func (m *PhaseManager) Cancel() error {
	if !m.initialized {
		return ErrNotInitialized
	}

	if m.setRunStatus(workflow.RunStatusCancelled) {
		completed := time.Now()
		m.status.CompletedAt = &completed
		info := m.status.Phases[m.status.CurrentPhase]
		if info.Status == workflow.PhaseStatusRunning {
			info.Status = workflow.PhaseStatusPending
		}
		m.logger.Info("Workflow run cancelled",
			"workflow", m.def.ID,
			"run_id", m.status.RunID,
			"phase", m.status.CurrentPhase)
	}
	return nil
}

// setRunStatus applies a status change if the run's state machine allows
// it. Terminal statuses are absorbing, so a failed execution can never
// overwrite an earlier cancellation and vice versa.
func (m *PhaseManager) setRunStatus(s workflow.RunStatus) bool {
	if !m.status.Status.CanTransitionTo(s) {
		return false
	}
	m.status.Status = s
	return true
}
