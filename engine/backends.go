package engine

import (
	"context"

	"github.com/c360studio/semflow/workflow"
)

// ScriptResult carries the outcome of a script dispatch. A non-zero exit
// code is a result, not an error: the backend returns an error only when
// the command could not be run at all.
type ScriptResult struct {
	// ExitCode is the command's exit code, -1 when the command did not
	// run to an exit status
	ExitCode int

	// Stdout is the captured standard output
	Stdout string

	// Stderr is the captured standard error
	Stderr string
}

// AgentBackend dispatches agent-driven phase work to an LLM collaborator.
// The returned metadata (model, token usage) is merged into the processed
// output's metadata.
type AgentBackend interface {
	Dispatch(ctx context.Context, phase *workflow.PhaseDefinition, input map[string]any, runCtx workflow.RunContext) (raw string, metadata map[string]any, err error)
}

// ScriptBackend runs script-driven phase work as an external command.
type ScriptBackend interface {
	Run(ctx context.Context, phase *workflow.PhaseDefinition, input map[string]any, runCtx workflow.RunContext) (*ScriptResult, error)
}

// OutputProcessor turns raw collaborator text into a structured phase
// output. Implementations must be deterministic and must not fail on
// malformed text.
type OutputProcessor interface {
	Process(raw string, schema map[string]any) *workflow.PhaseOutput
}

// Backends bundles the collaborators phases dispatch to. A backend may be
// nil when no phase of its type exists; NewPhase rejects a phase whose
// backend is missing.
type Backends struct {
	Agent  AgentBackend
	Script ScriptBackend
	Output OutputProcessor
}
