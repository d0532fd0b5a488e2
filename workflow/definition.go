package workflow

import (
	"fmt"
	"strings"
	"time"
)

// PhaseType determines how a phase's work is dispatched.
type PhaseType string

const (
	// PhaseTypeAgent dispatches the phase to an LLM-backed agent.
	PhaseTypeAgent PhaseType = "agent-driven"
	// PhaseTypeScript dispatches the phase to an external command.
	PhaseTypeScript PhaseType = "script-driven"
	// PhaseTypeManual parks the phase until a human resolves it.
	PhaseTypeManual PhaseType = "manual"
)

// String returns the string representation of the phase type.
func (t PhaseType) String() string {
	return string(t)
}

// IsValid checks if the type is one of the known phase types.
func (t PhaseType) IsValid() bool {
	switch t {
	case PhaseTypeAgent, PhaseTypeScript, PhaseTypeManual:
		return true
	}
	return false
}

// ParsePhaseType converts a string to a PhaseType, returning empty for
// unknown values.
func ParsePhaseType(s string) PhaseType {
	t := PhaseType(s)
	if t.IsValid() {
		return t
	}
	return ""
}

// MaxTransitionPriority is the inclusive upper bound for transition priorities.
const MaxTransitionPriority = 1000

// Transition is a priority-weighted, conditionally-valid edge from one phase
// to another. Higher priorities win; ties preserve declaration order.
type Transition struct {
	// ID identifies the transition for logging and tracing.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// TargetPhase is the phase id to move to when the condition holds.
	// The target need not exist at validation time; a transition to an
	// undefined phase is rejected when actually taken.
	TargetPhase string `json:"target_phase" yaml:"target_phase"`

	// Condition decides whether this transition fires for a given output.
	Condition Condition `json:"condition" yaml:"condition"`

	// Priority orders valid transitions, 0 to 1000 inclusive.
	Priority int `json:"priority" yaml:"priority"`
}

// Validate checks the transition's structural constraints.
func (t *Transition) Validate() error {
	if strings.TrimSpace(t.TargetPhase) == "" {
		return &ValidationError{Field: "target_phase", Message: "target phase is required"}
	}
	if t.Priority < 0 || t.Priority > MaxTransitionPriority {
		return &ValidationError{
			Field:   "priority",
			Message: fmt.Sprintf("priority %d outside range [0, %d]", t.Priority, MaxTransitionPriority),
		}
	}
	return t.Condition.Validate()
}

// PhaseDefinition declares one phase: what kind of work it does, how the
// dispatch is configured, and which transitions leave it.
type PhaseDefinition struct {
	// ID uniquely identifies the phase within its workflow.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable phase name.
	Name string `json:"name" yaml:"name"`

	// Type selects the dispatch backend.
	Type PhaseType `json:"type" yaml:"type"`

	// Config is opaque to the engine and interpreted by the dispatch
	// backend (prompt and role for agent phases, command for script phases).
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Transitions lists outgoing edges in declaration order.
	Transitions []Transition `json:"transitions" yaml:"transitions"`

	// TimeoutMs bounds one execution attempt in milliseconds. Zero means
	// no timeout. The timeout is advisory: it decides the reported status
	// but cannot force a backend to stop.
	TimeoutMs int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// Timeout returns the execution timeout as a duration, zero when unset.
func (p *PhaseDefinition) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// IsTerminal reports whether the phase has no outgoing transitions.
// Arriving at a terminal phase completes the workflow.
func (p *PhaseDefinition) IsTerminal() bool {
	return len(p.Transitions) == 0
}

// Validate checks the phase definition's structural constraints: non-blank
// id and name, a known type, and valid transitions.
func (p *PhaseDefinition) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return &ValidationError{Field: "id", Message: "phase id is required"}
	}
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("phase %q: name is required", p.ID)}
	}
	if !p.Type.IsValid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("phase %q: unknown phase type %q", p.ID, p.Type)}
	}
	for i := range p.Transitions {
		if err := p.Transitions[i].Validate(); err != nil {
			return fmt.Errorf("phase %q transition %d: %w", p.ID, i, err)
		}
	}
	return nil
}

// Definition declares a complete workflow: an ordered set of phases and the
// phase the run starts in. Definitions are immutable once handed to the
// engine.
type Definition struct {
	// ID identifies the workflow definition.
	ID string `json:"id" yaml:"id"`

	// Phases lists the phase definitions in declaration order.
	Phases []PhaseDefinition `json:"phases" yaml:"phases"`

	// InitialPhase is the id of the phase the run starts in. It must
	// reference a defined phase.
	InitialPhase string `json:"initial_phase" yaml:"initial_phase"`
}

// Phase returns the phase definition with the given id, or nil.
func (d *Definition) Phase(id string) *PhaseDefinition {
	for i := range d.Phases {
		if d.Phases[i].ID == id {
			return &d.Phases[i]
		}
	}
	return nil
}

// Validate checks the whole definition: a non-blank workflow id, at least
// one phase, per-phase validity, unique phase ids, and a defined initial
// phase.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return &ValidationError{Field: "id", Message: "workflow id is required"}
	}
	if len(d.Phases) == 0 {
		return &ValidationError{Field: "phases", Message: "at least one phase is required"}
	}

	seen := make(map[string]bool, len(d.Phases))
	for i := range d.Phases {
		if err := d.Phases[i].Validate(); err != nil {
			return err
		}
		if seen[d.Phases[i].ID] {
			return &ValidationError{
				Field:   "phases",
				Message: fmt.Sprintf("duplicate phase id %q", d.Phases[i].ID),
			}
		}
		seen[d.Phases[i].ID] = true
	}

	if strings.TrimSpace(d.InitialPhase) == "" {
		return &ValidationError{Field: "initial_phase", Message: "initial phase is required"}
	}
	if !seen[d.InitialPhase] {
		return &ValidationError{
			Field:   "initial_phase",
			Message: fmt.Sprintf("initial phase %q is not a defined phase", d.InitialPhase),
		}
	}
	return nil
}
