package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/semflow/workflow"
)

// buildToDoneDef is a two phase pipeline: a script phase that advances to a
// terminal sink on exit code zero.
func buildToDoneDef() *workflow.Definition {
	return workflow.NewDefinition("wf-pipeline").
		AddPhase(workflow.NewScriptPhase("build", "Build").
			WithCommand("make build").
			TransitionTo("done", workflow.ExitCode(0), 100).
			MustBuild()).
		AddPhase(workflow.NewManualPhase("done", "Done").MustBuild()).
		MustBuild()
}

func initManager(t *testing.T, def *workflow.Definition, backends Backends) *PhaseManager {
	t.Helper()
	m := NewPhaseManager(backends)
	if err := m.Initialize(def, workflow.RunContext{"run_id": "run-1"}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return m
}

func mustStatus(t *testing.T, m *PhaseManager) *workflow.Status {
	t.Helper()
	status, err := m.WorkflowStatus()
	if err != nil {
		t.Fatalf("WorkflowStatus() error = %v", err)
	}
	return status
}

func TestManagerRequiresInitialize(t *testing.T) {
	m := NewPhaseManager(exitBackends(0, ""))

	if _, err := m.ExecuteCurrentPhase(context.Background(), nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ExecuteCurrentPhase() error = %v, want ErrNotInitialized", err)
	}
	if _, err := m.WorkflowStatus(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("WorkflowStatus() error = %v, want ErrNotInitialized", err)
	}
	if _, err := m.TransitionTo("anywhere"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("TransitionTo() error = %v, want ErrNotInitialized", err)
	}
	if err := m.Cancel(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Cancel() error = %v, want ErrNotInitialized", err)
	}
}

func TestManagerInitializeOnce(t *testing.T) {
	m := initManager(t, buildToDoneDef(), exitBackends(0, ""))

	if err := m.Initialize(buildToDoneDef(), nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize() error = %v, want ErrAlreadyInitialized", err)
	}
}

func TestManagerInitializeRejectsInvalid(t *testing.T) {
	m := NewPhaseManager(exitBackends(0, ""))

	if err := m.Initialize(nil, nil); err == nil {
		t.Error("Initialize(nil) must fail")
	}

	def := &workflow.Definition{
		ID:           "wf-bad",
		Phases:       []workflow.PhaseDefinition{{ID: "a", Name: "A", Type: "bogus"}},
		InitialPhase: "a",
	}
	if err := m.Initialize(def, nil); err == nil {
		t.Error("Initialize() must fail for an unknown phase type")
	}

	// A failed Initialize leaves the manager uninitialized.
	if _, err := m.WorkflowStatus(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("WorkflowStatus() error = %v, want ErrNotInitialized", err)
	}
}

func TestManagerInitializeStatus(t *testing.T) {
	m := initManager(t, buildToDoneDef(), exitBackends(0, ""))
	status := mustStatus(t, m)

	if status.WorkflowID != "wf-pipeline" {
		t.Errorf("WorkflowID = %q", status.WorkflowID)
	}
	if status.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", status.RunID)
	}
	if status.CurrentPhase != "build" {
		t.Errorf("CurrentPhase = %q, want build", status.CurrentPhase)
	}
	if status.Status != workflow.RunStatusRunning {
		t.Errorf("Status = %s, want running", status.Status)
	}
	if got := status.Phases["build"].Status; got != workflow.PhaseStatusRunning {
		t.Errorf("initial phase status = %s, want running", got)
	}
	if got := status.Phases["done"].Status; got != workflow.PhaseStatusPending {
		t.Errorf("other phase status = %s, want pending", got)
	}
	if len(status.ExecutionHistory) != 0 {
		t.Errorf("history length = %d, want 0", len(status.ExecutionHistory))
	}
	if status.StartedAt.IsZero() {
		t.Error("StartedAt must be set")
	}
	if status.CompletedAt != nil {
		t.Error("CompletedAt must be nil on a fresh run")
	}
}

func TestManagerCompletesRunInOneCall(t *testing.T) {
	m := initManager(t, buildToDoneDef(), exitBackends(0, "built\n"))

	rec, err := m.ExecuteCurrentPhase(context.Background(), map[string]any{"target": "all"})
	if err != nil {
		t.Fatalf("ExecuteCurrentPhase() error = %v", err)
	}
	if rec.Status != workflow.ExecutionStatusCompleted {
		t.Fatalf("record status = %s, want completed", rec.Status)
	}
	if rec.PhaseID != "build" {
		t.Errorf("record phase = %q, want build", rec.PhaseID)
	}
	if rec.Input["target"] != "all" {
		t.Error("record must carry the call input")
	}

	status := mustStatus(t, m)
	if status.Status != workflow.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", status.Status)
	}
	if status.CurrentPhase != "done" {
		t.Errorf("CurrentPhase = %q, want done", status.CurrentPhase)
	}
	if got := status.Phases["build"].Status; got != workflow.PhaseStatusCompleted {
		t.Errorf("build status = %s, want completed", got)
	}
	// The sink completes by arrival, without executing.
	if got := status.Phases["done"].Status; got != workflow.PhaseStatusCompleted {
		t.Errorf("done status = %s, want completed", got)
	}
	if got := status.Phases["done"].ExecutionCount; got != 0 {
		t.Errorf("done execution count = %d, want 0", got)
	}
	if len(status.ExecutionHistory) != 1 {
		t.Fatalf("history length = %d, want 1", len(status.ExecutionHistory))
	}
	if status.CompletedAt == nil {
		t.Error("CompletedAt must be set on completion")
	}
}

func TestManagerTakesHighestPriorityTransition(t *testing.T) {
	def := workflow.NewDefinition("wf-review").
		AddPhase(workflow.NewScriptPhase("check", "Check").
			TransitionTo("retry", workflow.Always(), 1).
			TransitionTo("ship", workflow.OutputContains("X"), 100).
			MustBuild()).
		AddPhase(workflow.NewManualPhase("retry", "Retry").
			TransitionTo("check", workflow.Always(), 0).
			MustBuild()).
		AddPhase(workflow.NewManualPhase("ship", "Ship").MustBuild()).
		MustBuild()

	m := initManager(t, def, exitBackends(0, "X present"))

	if _, err := m.ExecuteCurrentPhase(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	status := mustStatus(t, m)
	if status.CurrentPhase != "ship" {
		t.Errorf("CurrentPhase = %q, want ship (priority 100 beats priority 1)", status.CurrentPhase)
	}
}

func TestManagerHistoryGrowsPerCall(t *testing.T) {
	// A self looping phase executes any number of times; each call appends
	// exactly one record and the current phase stays inside the definition.
	def := workflow.NewDefinition("wf-loop").
		AddPhase(workflow.NewManualPhase("spin", "Spin").
			TransitionTo("spin", workflow.Always(), 0).
			MustBuild()).
		MustBuild()

	m := initManager(t, def, Backends{})

	for i := 1; i <= 3; i++ {
		if _, err := m.ExecuteCurrentPhase(context.Background(), nil); err != nil {
			t.Fatal(err)
		}
		status := mustStatus(t, m)
		if len(status.ExecutionHistory) != i {
			t.Fatalf("history length after call %d = %d", i, len(status.ExecutionHistory))
		}
		if status.CurrentPhase != "spin" {
			t.Fatalf("CurrentPhase = %q, want spin", status.CurrentPhase)
		}
		if status.Status != workflow.RunStatusRunning {
			t.Fatalf("run status = %s, want running", status.Status)
		}
	}

	status := mustStatus(t, m)
	if got := status.Phases["spin"].ExecutionCount; got != 3 {
		t.Errorf("execution count = %d, want 3", got)
	}
}

func TestManagerFailureMarksRunFailed(t *testing.T) {
	backends := scriptBackends(func(context.Context, *workflow.PhaseDefinition, map[string]any, workflow.RunContext) (*ScriptResult, error) {
		return nil, errors.New("spawn failed")
	})
	m := initManager(t, buildToDoneDef(), backends)

	rec, err := m.ExecuteCurrentPhase(context.Background(), nil)
	if err != nil {
		t.Fatalf("ExecuteCurrentPhase() error = %v", err)
	}
	if rec.Status != workflow.ExecutionStatusFailed {
		t.Fatalf("record status = %s, want failed", rec.Status)
	}

	status := mustStatus(t, m)
	if status.Status != workflow.RunStatusFailed {
		t.Errorf("run status = %s, want failed", status.Status)
	}
	if got := status.Phases["build"].Status; got != workflow.PhaseStatusFailed {
		t.Errorf("phase status = %s, want failed", got)
	}
	// No transition happens on failure.
	if status.CurrentPhase != "build" {
		t.Errorf("CurrentPhase = %q, want build", status.CurrentPhase)
	}
	if len(status.ExecutionHistory) != 1 {
		t.Errorf("history length = %d, want 1", len(status.ExecutionHistory))
	}
}

func TestManagerTimeoutMarksRunFailed(t *testing.T) {
	backends := scriptBackends(func(ctx context.Context, _ *workflow.PhaseDefinition, _ map[string]any, _ workflow.RunContext) (*ScriptResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	def := workflow.NewDefinition("wf-slow").
		AddPhase(workflow.NewScriptPhase("crawl", "Crawl").
			WithTimeout(20 * time.Millisecond).
			TransitionTo("done", workflow.ExitCode(0), 0).
			MustBuild()).
		AddPhase(workflow.NewManualPhase("done", "Done").MustBuild()).
		MustBuild()

	m := initManager(t, def, backends)

	rec, err := m.ExecuteCurrentPhase(context.Background(), nil)
	if err != nil {
		t.Fatalf("ExecuteCurrentPhase() error = %v", err)
	}
	if rec.Status != workflow.ExecutionStatusTimeout {
		t.Fatalf("record status = %s, want timeout", rec.Status)
	}

	status := mustStatus(t, m)
	if status.Status != workflow.RunStatusFailed {
		t.Errorf("run status = %s, want failed", status.Status)
	}
}

func TestManagerRecoversDispatchPanic(t *testing.T) {
	backends := scriptBackends(func(context.Context, *workflow.PhaseDefinition, map[string]any, workflow.RunContext) (*ScriptResult, error) {
		panic("boom")
	})
	m := initManager(t, buildToDoneDef(), backends)

	rec, err := m.ExecuteCurrentPhase(context.Background(), nil)
	if err != nil {
		t.Fatalf("ExecuteCurrentPhase() error = %v", err)
	}
	if rec.Status != workflow.ExecutionStatusFailed {
		t.Fatalf("record status = %s, want failed", rec.Status)
	}
	if !strings.Contains(rec.Error, "boom") {
		t.Errorf("record error = %q, want the panic message", rec.Error)
	}

	status := mustStatus(t, m)
	if status.Status != workflow.RunStatusFailed {
		t.Errorf("run status = %s, want failed", status.Status)
	}
	if len(status.ExecutionHistory) != 1 {
		t.Errorf("history length = %d, want 1", len(status.ExecutionHistory))
	}
}

func TestManagerManualPhaseParks(t *testing.T) {
	// A manual phase whose only transition never matches its own output
	// leaves the run parked until an external transition resolves it.
	def := workflow.NewDefinition("wf-approve").
		AddPhase(workflow.NewManualPhase("approve", "Approve").
			TransitionTo("done", workflow.FieldEquals("status", "approved"), 100).
			MustBuild()).
		AddPhase(workflow.NewManualPhase("done", "Done").MustBuild()).
		MustBuild()

	m := initManager(t, def, Backends{})

	rec, err := m.ExecuteCurrentPhase(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != workflow.ExecutionStatusCompleted {
		t.Fatalf("record status = %s, want completed", rec.Status)
	}
	if rec.Output.Structured[RequiresInterventionKey] != true {
		t.Error("manual record must flag required intervention")
	}

	status := mustStatus(t, m)
	if status.Status != workflow.RunStatusRunning {
		t.Fatalf("run status = %s, want running while parked", status.Status)
	}
	if status.CurrentPhase != "approve" {
		t.Fatalf("CurrentPhase = %q, want approve", status.CurrentPhase)
	}

	// The operator resolves the phase by transitioning explicitly.
	ok, err := m.TransitionTo("done")
	if err != nil || !ok {
		t.Fatalf("TransitionTo() = %v, %v, want true", ok, err)
	}

	status = mustStatus(t, m)
	if status.Status != workflow.RunStatusCompleted {
		t.Errorf("run status = %s, want completed", status.Status)
	}
	if got := status.Phases["approve"].Status; got != workflow.PhaseStatusCompleted {
		t.Errorf("approve status = %s, want completed", got)
	}
}

func TestManagerTransitionToUnknownPhase(t *testing.T) {
	m := initManager(t, buildToDoneDef(), exitBackends(0, ""))

	ok, err := m.TransitionTo("nope")
	if err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}
	if ok {
		t.Error("TransitionTo(unknown) = true, want false")
	}

	status := mustStatus(t, m)
	if status.CurrentPhase != "build" {
		t.Errorf("CurrentPhase = %q, unknown target must not move the run", status.CurrentPhase)
	}
	if status.Status != workflow.RunStatusRunning {
		t.Errorf("run status = %s, want running", status.Status)
	}
}

func TestManagerTransitionCompletesLeftPhase(t *testing.T) {
	def := workflow.NewDefinition("wf-skip").
		AddPhase(workflow.NewManualPhase("a", "A").
			TransitionTo("b", workflow.Never(), 0).
			MustBuild()).
		AddPhase(workflow.NewManualPhase("b", "B").
			TransitionTo("a", workflow.Never(), 0).
			MustBuild()).
		MustBuild()

	m := initManager(t, def, Backends{})

	// "a" never executed, but leaving it still completes it.
	ok, err := m.TransitionTo("b")
	if err != nil || !ok {
		t.Fatalf("TransitionTo() = %v, %v", ok, err)
	}

	status := mustStatus(t, m)
	if got := status.Phases["a"].Status; got != workflow.PhaseStatusCompleted {
		t.Errorf("left phase status = %s, want completed", got)
	}
	if got := status.Phases["b"].Status; got != workflow.PhaseStatusRunning {
		t.Errorf("entered phase status = %s, want running", got)
	}
	if status.CurrentPhase != "b" {
		t.Errorf("CurrentPhase = %q, want b", status.CurrentPhase)
	}
	if got := status.Phases["a"].ExecutionCount; got != 0 {
		t.Errorf("left phase execution count = %d, want 0", got)
	}
}

func TestManagerCancel(t *testing.T) {
	m := initManager(t, buildToDoneDef(), exitBackends(0, ""))

	if err := m.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	status := mustStatus(t, m)
	if status.Status != workflow.RunStatusCancelled {
		t.Fatalf("run status = %s, want cancelled", status.Status)
	}
	if status.CompletedAt == nil {
		t.Error("CompletedAt must be set on cancellation")
	}
	// The running phase is reset so the snapshot does not claim live work.
	if got := status.Phases["build"].Status; got != workflow.PhaseStatusPending {
		t.Errorf("current phase status = %s, want pending", got)
	}
}

func TestManagerTerminalStatusIsAbsorbing(t *testing.T) {
	m := initManager(t, buildToDoneDef(), exitBackends(0, ""))

	if err := m.Cancel(); err != nil {
		t.Fatal(err)
	}

	// Navigation still works, but the run status never leaves cancelled.
	if ok, err := m.TransitionTo("done"); err != nil || !ok {
		t.Fatalf("TransitionTo() = %v, %v", ok, err)
	}
	status := mustStatus(t, m)
	if status.Status != workflow.RunStatusCancelled {
		t.Errorf("run status = %s, want cancelled to stick", status.Status)
	}

	if err := m.Cancel(); err != nil {
		t.Fatal(err)
	}
	if got := mustStatus(t, m).Status; got != workflow.RunStatusCancelled {
		t.Errorf("run status after second Cancel = %s", got)
	}
}

func TestManagerStatusIsSnapshot(t *testing.T) {
	m := initManager(t, buildToDoneDef(), exitBackends(0, ""))

	status := mustStatus(t, m)
	status.CurrentPhase = "tampered"
	status.Phases["build"].Status = workflow.PhaseStatusFailed

	fresh := mustStatus(t, m)
	if fresh.CurrentPhase != "build" {
		t.Errorf("CurrentPhase = %q, snapshot mutation must not leak", fresh.CurrentPhase)
	}
	if got := fresh.Phases["build"].Status; got != workflow.PhaseStatusRunning {
		t.Errorf("phase status = %s, snapshot mutation must not leak", got)
	}
}
