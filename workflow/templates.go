package workflow

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Review loop template
// ---------------------------------------------------------------------------

// Review loop phase ids shared by every workflow built from the template.
const (
	ReviewPhaseGenerating = "generating"
	ReviewPhaseReviewing  = "reviewing"
	ReviewPhaseApproved   = "approved"
)

// ReviewLoopConfig parameterizes the generate/review loop template. A
// generator agent produces a draft, a reviewer agent evaluates it, and the
// run loops back for revision until the reviewer's output contains the
// approval pattern.
type ReviewLoopConfig struct {
	// WorkflowID identifies the built definition
	WorkflowID string

	// GeneratorPrompt is the prompt template for the generator phase
	GeneratorPrompt string

	// GeneratorRole selects the generator model capability (default "writer")
	GeneratorRole string

	// ReviewerPrompt is the prompt template for the reviewer phase
	ReviewerPrompt string

	// ReviewerRole selects the reviewer model capability (default "reviewer")
	ReviewerRole string

	// ApprovePattern is the substring in the reviewer's output that means
	// approval (default "APPROVED")
	ApprovePattern string

	// PhaseTimeout bounds each agent execution, zero for no timeout
	PhaseTimeout time.Duration
}

// BuildReviewLoopWorkflow constructs a generate/review loop definition.
//
// Phase transitions:
//
//	generating -> reviewing
//	reviewing  -> approved   (reviewer output contains the approval pattern)
//	           -> generating (otherwise, for revision)
//	approved   terminal
func BuildReviewLoopWorkflow(cfg ReviewLoopConfig) (*Definition, error) {
	if cfg.GeneratorRole == "" {
		cfg.GeneratorRole = "writer"
	}
	if cfg.ReviewerRole == "" {
		cfg.ReviewerRole = "reviewer"
	}
	if cfg.ApprovePattern == "" {
		cfg.ApprovePattern = "APPROVED"
	}

	return NewDefinition(cfg.WorkflowID).
		StartAt(ReviewPhaseGenerating).
		AddPhase(NewAgentPhase(ReviewPhaseGenerating, "Generate draft").
			WithPrompt(cfg.GeneratorPrompt).
			WithRole(cfg.GeneratorRole).
			WithTimeout(cfg.PhaseTimeout).
			TransitionTo(ReviewPhaseReviewing, Always(), 0).
			MustBuild()).
		AddPhase(NewAgentPhase(ReviewPhaseReviewing, "Review draft").
			WithPrompt(cfg.ReviewerPrompt).
			WithRole(cfg.ReviewerRole).
			WithTimeout(cfg.PhaseTimeout).
			TransitionTo(ReviewPhaseApproved, OutputContains(cfg.ApprovePattern), 100).
			TransitionTo(ReviewPhaseGenerating, Always(), 1).
			MustBuild()).
		// Terminal sink: arriving here completes the run without executing.
		AddPhase(NewManualPhase(ReviewPhaseApproved, "Approved").MustBuild()).
		Build()
}

// ---------------------------------------------------------------------------
// Check pipeline template
// ---------------------------------------------------------------------------

// Check pipeline phase ids.
const (
	PipelinePhasePassed = "passed"
	PipelinePhaseTriage = "triage"
)

// PipelineCheck is one script check in a check pipeline.
type PipelineCheck struct {
	// ID identifies the check phase
	ID string

	// Name is the human-readable check name
	Name string

	// Command is the command line to run
	Command string

	// Workdir is the working directory, empty for the runner's
	Workdir string

	// Timeout bounds the check, zero for no timeout
	Timeout time.Duration
}

// CheckPipelineConfig parameterizes a sequential script check pipeline.
// Each check that exits zero advances to the next; any non-zero exit routes
// to a manual triage phase.
type CheckPipelineConfig struct {
	// WorkflowID identifies the built definition
	WorkflowID string

	// Checks run in order; at least one is required
	Checks []PipelineCheck
}

// BuildCheckPipelineWorkflow constructs a sequential check pipeline
// definition.
//
// Phase transitions:
//
//	check[i] -> check[i+1] (exit code 0), or passed after the last check
//	         -> triage     (otherwise)
//	triage   manual, parks the run until an operator resolves it
//	passed   terminal
//
// The triage phase keeps a never-firing edge back to the first check, so it
// parks instead of completing; an operator resolves it by transitioning the
// run explicitly, typically back to the failed check after a fix.
func BuildCheckPipelineWorkflow(cfg CheckPipelineConfig) (*Definition, error) {
	if len(cfg.Checks) == 0 {
		return nil, fmt.Errorf("build workflow %q: at least one check is required", cfg.WorkflowID)
	}

	builder := NewDefinition(cfg.WorkflowID).StartAt(cfg.Checks[0].ID)

	for i, check := range cfg.Checks {
		next := PipelinePhasePassed
		if i+1 < len(cfg.Checks) {
			next = cfg.Checks[i+1].ID
		}

		pb := NewScriptPhase(check.ID, check.Name).
			WithCommand(check.Command).
			WithTimeout(check.Timeout).
			TransitionTo(next, ExitCode(0), 100).
			TransitionTo(PipelinePhaseTriage, Always(), 1)
		if check.Workdir != "" {
			pb.WithWorkdir(check.Workdir)
		}

		phase, err := pb.Build()
		if err != nil {
			return nil, fmt.Errorf("build workflow %q: %w", cfg.WorkflowID, err)
		}
		builder.AddPhase(phase)
	}

	builder.AddPhase(NewManualPhase(PipelinePhaseTriage, "Triage failure").
		TransitionTo(cfg.Checks[0].ID, Never(), 0).
		MustBuild())
	builder.AddPhase(NewManualPhase(PipelinePhasePassed, "All checks passed").MustBuild())

	return builder.Build()
}
