package workflow

import (
	"fmt"
	"time"
)

// DefinitionBuilder assembles a workflow definition fluently. Build validates
// the result, so a definition obtained from a builder is safe to hand to the
// engine.
type DefinitionBuilder struct {
	def Definition
}

// NewDefinition starts a definition builder for the given workflow id.
func NewDefinition(id string) *DefinitionBuilder {
	return &DefinitionBuilder{def: Definition{ID: id}}
}

// StartAt sets the initial phase id.
func (b *DefinitionBuilder) StartAt(phaseID string) *DefinitionBuilder {
	b.def.InitialPhase = phaseID
	return b
}

// AddPhase appends a phase definition.
func (b *DefinitionBuilder) AddPhase(phase PhaseDefinition) *DefinitionBuilder {
	b.def.Phases = append(b.def.Phases, phase)
	return b
}

// Build validates and returns the assembled definition. When no initial
// phase was set explicitly, the first added phase is used.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	def := b.def
	if def.InitialPhase == "" && len(def.Phases) > 0 {
		def.InitialPhase = def.Phases[0].ID
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("build workflow %q: %w", def.ID, err)
	}
	return &def, nil
}

// MustBuild is Build but panics on validation failure. Intended for
// workflow definitions declared in code, where a failure is a programming
// error.
func (b *DefinitionBuilder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// PhaseBuilder assembles one phase definition fluently.
type PhaseBuilder struct {
	phase PhaseDefinition
}

// NewAgentPhase starts a builder for an agent-driven phase.
func NewAgentPhase(id, name string) *PhaseBuilder {
	return &PhaseBuilder{phase: PhaseDefinition{ID: id, Name: name, Type: PhaseTypeAgent}}
}

// NewScriptPhase starts a builder for a script-driven phase.
func NewScriptPhase(id, name string) *PhaseBuilder {
	return &PhaseBuilder{phase: PhaseDefinition{ID: id, Name: name, Type: PhaseTypeScript}}
}

// NewManualPhase starts a builder for a manual phase.
func NewManualPhase(id, name string) *PhaseBuilder {
	return &PhaseBuilder{phase: PhaseDefinition{ID: id, Name: name, Type: PhaseTypeManual}}
}

// WithConfig sets one dispatch config key.
func (b *PhaseBuilder) WithConfig(key string, value any) *PhaseBuilder {
	if b.phase.Config == nil {
		b.phase.Config = make(map[string]any)
	}
	b.phase.Config[key] = value
	return b
}

// WithPrompt sets the prompt template for an agent-driven phase.
func (b *PhaseBuilder) WithPrompt(prompt string) *PhaseBuilder {
	return b.WithConfig("prompt", prompt)
}

// WithRole sets the agent role for an agent-driven phase.
func (b *PhaseBuilder) WithRole(role string) *PhaseBuilder {
	return b.WithConfig("role", role)
}

// WithCommand sets the command line for a script-driven phase.
func (b *PhaseBuilder) WithCommand(command string) *PhaseBuilder {
	return b.WithConfig("command", command)
}

// WithWorkdir sets the working directory for a script-driven phase.
func (b *PhaseBuilder) WithWorkdir(dir string) *PhaseBuilder {
	return b.WithConfig("workdir", dir)
}

// WithTimeout bounds one execution attempt. Sub-millisecond durations
// round up so a positive timeout never silently becomes unlimited.
func (b *PhaseBuilder) WithTimeout(d time.Duration) *PhaseBuilder {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		ms = 1
	}
	b.phase.TimeoutMs = ms
	return b
}

// TransitionTo appends an outgoing transition. Transition ids are generated
// from the phase id and position, so logs can name the edge that fired.
func (b *PhaseBuilder) TransitionTo(target string, condition Condition, priority int) *PhaseBuilder {
	b.phase.Transitions = append(b.phase.Transitions, Transition{
		ID:          fmt.Sprintf("%s-t%d", b.phase.ID, len(b.phase.Transitions)),
		TargetPhase: target,
		Condition:   condition,
		Priority:    priority,
	})
	return b
}

// Build validates and returns the assembled phase.
func (b *PhaseBuilder) Build() (PhaseDefinition, error) {
	if err := b.phase.Validate(); err != nil {
		return PhaseDefinition{}, err
	}
	return b.phase, nil
}

// MustBuild is Build but panics on validation failure.
func (b *PhaseBuilder) MustBuild() PhaseDefinition {
	phase, err := b.Build()
	if err != nil {
		panic(err)
	}
	return phase
}
