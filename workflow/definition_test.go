package workflow

import (
	"testing"
	"time"
)

func validDefinition() *Definition {
	return &Definition{
		ID: "build-check",
		Phases: []PhaseDefinition{
			{
				ID:   "build",
				Name: "Build",
				Type: PhaseTypeScript,
				Transitions: []Transition{
					{TargetPhase: "done", Condition: ExitCode(0), Priority: 100},
					{TargetPhase: "triage", Condition: Always(), Priority: 1},
				},
			},
			{ID: "triage", Name: "Triage", Type: PhaseTypeManual,
				Transitions: []Transition{{TargetPhase: "build", Condition: Never(), Priority: 0}}},
			{ID: "done", Name: "Done", Type: PhaseTypeManual},
		},
		InitialPhase: "build",
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Definition)
		wantErr bool
	}{
		{
			name:    "valid definition",
			modify:  func(d *Definition) {},
			wantErr: false,
		},
		{
			name:    "missing workflow id",
			modify:  func(d *Definition) { d.ID = "  " },
			wantErr: true,
		},
		{
			name:    "no phases",
			modify:  func(d *Definition) { d.Phases = nil },
			wantErr: true,
		},
		{
			name:    "duplicate phase ids",
			modify:  func(d *Definition) { d.Phases[1].ID = "build" },
			wantErr: true,
		},
		{
			name:    "missing initial phase",
			modify:  func(d *Definition) { d.InitialPhase = "" },
			wantErr: true,
		},
		{
			name:    "unknown initial phase",
			modify:  func(d *Definition) { d.InitialPhase = "deploy" },
			wantErr: true,
		},
		{
			name:    "phase missing name",
			modify:  func(d *Definition) { d.Phases[0].Name = "" },
			wantErr: true,
		},
		{
			name:    "phase unknown type",
			modify:  func(d *Definition) { d.Phases[0].Type = "bogus" },
			wantErr: true,
		},
		{
			name:    "transition missing target",
			modify:  func(d *Definition) { d.Phases[0].Transitions[0].TargetPhase = "" },
			wantErr: true,
		},
		{
			name:    "transition priority negative",
			modify:  func(d *Definition) { d.Phases[0].Transitions[0].Priority = -1 },
			wantErr: true,
		},
		{
			name:    "transition priority over max",
			modify:  func(d *Definition) { d.Phases[0].Transitions[0].Priority = 1500 },
			wantErr: true,
		},
		{
			name:    "transition priority at max",
			modify:  func(d *Definition) { d.Phases[0].Transitions[0].Priority = MaxTransitionPriority },
			wantErr: false,
		},
		{
			name: "transition invalid condition",
			modify: func(d *Definition) {
				d.Phases[0].Transitions[0].Condition = Condition{Type: "sometimes"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.modify(def)
			err := def.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefinitionPhaseLookup(t *testing.T) {
	def := validDefinition()

	if p := def.Phase("triage"); p == nil || p.Name != "Triage" {
		t.Errorf("Phase(triage) = %+v, want the triage phase", p)
	}
	if p := def.Phase("deploy"); p != nil {
		t.Errorf("Phase(deploy) = %+v, want nil", p)
	}
}

func TestPhaseDefinitionTimeout(t *testing.T) {
	p := &PhaseDefinition{TimeoutMs: 1500}
	if got := p.Timeout(); got != 1500*time.Millisecond {
		t.Errorf("Timeout() = %v, want 1.5s", got)
	}

	p.TimeoutMs = 0
	if got := p.Timeout(); got != 0 {
		t.Errorf("Timeout() = %v, want 0 for unset", got)
	}
}

func TestPhaseDefinitionIsTerminal(t *testing.T) {
	def := validDefinition()

	if def.Phase("build").IsTerminal() {
		t.Error("build has transitions, should not be terminal")
	}
	if !def.Phase("done").IsTerminal() {
		t.Error("done has no transitions, should be terminal")
	}
}

func TestParsePhaseType(t *testing.T) {
	tests := []struct {
		input string
		want  PhaseType
	}{
		{"agent-driven", PhaseTypeAgent},
		{"script-driven", PhaseTypeScript},
		{"manual", PhaseTypeManual},
		{"bogus", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := ParsePhaseType(tt.input); got != tt.want {
			t.Errorf("ParsePhaseType(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRunStatusTransitions(t *testing.T) {
	tests := []struct {
		from RunStatus
		to   RunStatus
		want bool
	}{
		{RunStatusPending, RunStatusRunning, true},
		{RunStatusPending, RunStatusCancelled, true},
		{RunStatusPending, RunStatusCompleted, false},
		{RunStatusRunning, RunStatusCompleted, true},
		{RunStatusRunning, RunStatusFailed, true},
		{RunStatusRunning, RunStatusCancelled, true},
		{RunStatusCompleted, RunStatusRunning, false},
		{RunStatusFailed, RunStatusRunning, false},
		{RunStatusCancelled, RunStatusRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	for _, s := range []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunStatusPending, RunStatusRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatusClone(t *testing.T) {
	now := time.Now()
	status := &Status{
		WorkflowID:   "build-check",
		CurrentPhase: "build",
		Status:       RunStatusRunning,
		Phases: map[string]*PhaseStatusInfo{
			"build": {Status: PhaseStatusRunning, ExecutionCount: 1, LastExecutedAt: &now},
		},
		ExecutionHistory: []*PhaseExecution{{ID: "exec-1", PhaseID: "build"}},
		StartedAt:        now,
	}

	clone := status.Clone()
	clone.CurrentPhase = "done"
	clone.Phases["build"].ExecutionCount = 99
	clone.ExecutionHistory = append(clone.ExecutionHistory, &PhaseExecution{ID: "exec-2"})

	if status.CurrentPhase != "build" {
		t.Error("mutating clone changed original current phase")
	}
	if status.Phases["build"].ExecutionCount != 1 {
		t.Error("mutating clone changed original phase info")
	}
	if len(status.ExecutionHistory) != 1 {
		t.Error("appending to clone history changed original")
	}
}
