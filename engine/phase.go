package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/workflow"
)

// Structured output keys written by manual phase executions.
const (
	// PendingManualInput is the structured status a manual phase reports.
	PendingManualInput = "pending_manual_input"

	// RequiresInterventionKey flags an execution as waiting on a human.
	RequiresInterventionKey = "requiresIntervention"
)

// OutputSchemaKey is the phase config key holding an optional JSON-schema
// style description of the expected structured output.
const OutputSchemaKey = "output_schema"

// Phase executes one phase definition. It is stateless between executions:
// all run state lives in the PhaseManager, so a Phase can be executed any
// number of times.
type Phase struct {
	def        *workflow.PhaseDefinition
	workflowID string
	backends   Backends
	logger     *slog.Logger
}

// NewPhase validates the definition and binds it to its dispatch backends.
// Construction fails loudly on configuration errors: blank id or name, an
// unknown type, invalid transitions, or a missing backend for the phase's
// type.
func NewPhase(def *workflow.PhaseDefinition, workflowID string, backends Backends, logger *slog.Logger) (*Phase, error) {
	if def == nil {
		return nil, &workflow.ValidationError{Field: "phase", Message: "phase definition is required"}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	switch def.Type {
	case workflow.PhaseTypeAgent:
		if backends.Agent == nil {
			return nil, &workflow.ValidationError{
				Field:   "backends",
				Message: fmt.Sprintf("phase %q: agent backend is required for agent-driven phases", def.ID),
			}
		}
		if backends.Output == nil {
			return nil, &workflow.ValidationError{
				Field:   "backends",
				Message: fmt.Sprintf("phase %q: output processor is required for agent-driven phases", def.ID),
			}
		}
	case workflow.PhaseTypeScript:
		if backends.Script == nil {
			return nil, &workflow.ValidationError{
				Field:   "backends",
				Message: fmt.Sprintf("phase %q: script backend is required for script-driven phases", def.ID),
			}
		}
	case workflow.PhaseTypeManual:
		// No backend: manual phases complete immediately in-engine.
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Phase{
		def:        def,
		workflowID: workflowID,
		backends:   backends,
		logger:     logger,
	}, nil
}

// Definition returns the phase's definition.
func (p *Phase) Definition() *workflow.PhaseDefinition {
	return p.def
}

type dispatchResult struct {
	output *workflow.PhaseOutput
	err    error
}

// Execute runs one attempt of the phase and always returns a completed
// record; dispatch failures, panics, timeouts, and context cancellation are
// absorbed into the record's status and error, never surfaced as a Go
// error.
//
// The phase timeout is advisory. It decides the reported status and cancels
// the dispatch context, but a backend that ignores cancellation keeps
// running in the background; its late result is discarded and no second
// record is produced for it.
func (p *Phase) Execute(ctx context.Context, input map[string]any, runCtx workflow.RunContext) *workflow.PhaseExecution {
	exec := &workflow.PhaseExecution{
		ID:         uuid.New().String(),
		PhaseID:    p.def.ID,
		WorkflowID: p.workflowID,
		Status:     workflow.ExecutionStatusRunning,
		StartedAt:  time.Now(),
		Input:      maps.Clone(input),
		Context:    runCtx.Clone(),
	}

	timeout := p.def.Timeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Buffered so a late dispatch can finish and be collected even after
	// the select below has moved on.
	done := make(chan dispatchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- dispatchResult{err: fmt.Errorf("phase dispatch panicked: %v", r)}
			}
		}()
		out, err := p.dispatch(ctx, input, runCtx)
		done <- dispatchResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		completed := time.Now()
		exec.CompletedAt = &completed
		if res.err != nil {
			exec.Status = workflow.ExecutionStatusFailed
			exec.Error = res.err.Error()
			p.logger.Warn("Phase execution failed",
				"workflow", p.workflowID,
				"phase", p.def.ID,
				"execution", exec.ID,
				"error", res.err)
			return exec
		}
		exec.Status = workflow.ExecutionStatusCompleted
		exec.Output = res.output
		p.logger.Debug("Phase execution completed",
			"workflow", p.workflowID,
			"phase", p.def.ID,
			"execution", exec.ID,
			"duration", completed.Sub(exec.StartedAt))
		return exec

	case <-ctx.Done():
		completed := time.Now()
		exec.CompletedAt = &completed
		if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			exec.Status = workflow.ExecutionStatusTimeout
			exec.Error = fmt.Sprintf("phase %q timed out after %s", p.def.ID, timeout)
			p.logger.Warn("Phase execution timed out",
				"workflow", p.workflowID,
				"phase", p.def.ID,
				"execution", exec.ID,
				"timeout", timeout)
		} else {
			exec.Status = workflow.ExecutionStatusFailed
			exec.Error = fmt.Sprintf("phase execution canceled: %v", ctx.Err())
			p.logger.Warn("Phase execution canceled",
				"workflow", p.workflowID,
				"phase", p.def.ID,
				"execution", exec.ID)
		}
		return exec
	}
}

// dispatch routes the work to the backend for the phase's type.
func (p *Phase) dispatch(ctx context.Context, input map[string]any, runCtx workflow.RunContext) (*workflow.PhaseOutput, error) {
	switch p.def.Type {
	case workflow.PhaseTypeAgent:
		raw, meta, err := p.backends.Agent.Dispatch(ctx, p.def, input, runCtx)
		if err != nil {
			return nil, err
		}
		out := p.backends.Output.Process(raw, p.outputSchema())
		if len(meta) > 0 {
			if out.Metadata == nil {
				out.Metadata = make(map[string]any, len(meta))
			}
			for k, v := range meta {
				out.Metadata[k] = v
			}
		}
		return out, nil

	case workflow.PhaseTypeScript:
		res, err := p.backends.Script.Run(ctx, p.def, input, runCtx)
		if err != nil {
			return nil, err
		}
		out := &workflow.PhaseOutput{
			Structured: map[string]any{
				"exitCode": res.ExitCode,
				"success":  res.ExitCode == 0,
			},
			Raw: res.Stdout,
		}
		if res.Stderr != "" {
			out.Metadata = map[string]any{"stderr": res.Stderr}
		}
		return out, nil

	case workflow.PhaseTypeManual:
		// A manual phase is a valid, immediate completion. The run parks
		// here because no transition condition matches this output until
		// something external resolves it.
		return &workflow.PhaseOutput{
			Structured: map[string]any{
				"status":                PendingManualInput,
				RequiresInterventionKey: true,
			},
			Raw: "",
		}, nil
	}

	// Unreachable: NewPhase rejects unknown types.
	return nil, fmt.Errorf("unknown phase type %q", p.def.Type)
}

// outputSchema returns the optional output schema from the phase config.
func (p *Phase) outputSchema() map[string]any {
	schema, _ := p.def.Config[OutputSchemaKey].(map[string]any)
	return schema
}

// EvaluateTransitions returns the transitions whose conditions hold for the
// output, ordered by priority descending. Ties keep declaration order.
func (p *Phase) EvaluateTransitions(output *workflow.PhaseOutput) []workflow.Transition {
	var valid []workflow.Transition
	for i := range p.def.Transitions {
		t := p.def.Transitions[i]
		if t.Condition.Evaluate(output, p.logger) {
			valid = append(valid, t)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Priority > valid[j].Priority
	})
	return valid
}
