package workflow

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeWorkflowFile(t *testing.T, dir, name, workflowID string) {
	t.Helper()
	content := `id: ` + workflowID + `
initial_phase: build
phases:
  - id: build
    name: Build
    type: manual
`
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newTestWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()
	w, err := NewWatcher(WatcherConfig{
		Dir:           dir,
		DebounceDelay: 50 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w
}

func awaitEvent(t *testing.T, w *Watcher) WatchEvent {
	t.Helper()
	select {
	case event := <-w.Events():
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for watch event")
		return WatchEvent{}
	}
}

func TestWatcherLoadExisting(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFile(t, dir, "deploy.yaml", "deploy")
	writeWorkflowFile(t, dir, filepath.Join("sub", "release.yml"), "release")

	w := newTestWatcher(t, dir)
	defer w.Stop()

	defs, err := w.LoadExisting()
	if err != nil {
		t.Fatalf("LoadExisting: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}

	// Relative paths are recorded so later removes can name their ids.
	w.idsMu.Lock()
	defer w.idsMu.Unlock()
	if w.ids["deploy.yaml"] != "deploy" {
		t.Errorf("ids[deploy.yaml] = %q, want deploy", w.ids["deploy.yaml"])
	}
	if w.ids[filepath.Join("sub", "release.yml")] != "release" {
		t.Errorf("ids[sub/release.yml] = %q, want release", w.ids[filepath.Join("sub", "release.yml")])
	}
}

func TestWatcherLoadExistingDuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFile(t, dir, "a.yaml", "deploy")
	writeWorkflowFile(t, dir, "b.yaml", "deploy")

	w := newTestWatcher(t, dir)
	defer w.Stop()

	if _, err := w.LoadExisting(); err == nil {
		t.Fatal("expected error for duplicate workflow id across files")
	}
}

func TestWatcherFileCreation(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// Give the watcher time to set up
	time.Sleep(100 * time.Millisecond)

	writeWorkflowFile(t, dir, "deploy.yaml", "deploy")

	event := awaitEvent(t, w)
	if event.Operation != OpLoad {
		t.Errorf("operation = %s, want %s", event.Operation, OpLoad)
	}
	if event.Definition == nil || event.Definition.ID != "deploy" {
		t.Errorf("expected parsed definition deploy, got %+v", event.Definition)
	}
	if event.Path != "deploy.yaml" {
		t.Errorf("path = %q, want deploy.yaml", event.Path)
	}
}

func TestWatcherFileDeletion(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFile(t, dir, "deploy.yaml", "deploy")

	w := newTestWatcher(t, dir)
	if _, err := w.LoadExisting(); err != nil {
		t.Fatalf("LoadExisting: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	if err := os.Remove(filepath.Join(dir, "deploy.yaml")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	event := awaitEvent(t, w)
	if event.Operation != OpRemove {
		t.Errorf("operation = %s, want %s", event.Operation, OpRemove)
	}
	if event.WorkflowID != "deploy" {
		t.Errorf("workflow id = %q, want deploy", event.WorkflowID)
	}
}

func TestWatcherParseFailure(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	bad := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(bad, []byte("id: [unclosed"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	event := awaitEvent(t, w)
	if event.Error == nil {
		t.Error("expected parse error on event")
	}
	if event.Definition != nil {
		t.Errorf("expected nil definition, got %+v", event.Definition)
	}
}

func TestWatcherIgnoresNonMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a workflow"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case event := <-w.Events():
		t.Errorf("unexpected event for non-matching file: %+v", event)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherIDChangeWithdrawsOldDefinition(t *testing.T) {
	dir := t.TempDir()
	writeWorkflowFile(t, dir, "deploy.yaml", "deploy-v1")

	w := newTestWatcher(t, dir)
	if _, err := w.LoadExisting(); err != nil {
		t.Fatalf("LoadExisting: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	// Rewrite the file under a new workflow id
	writeWorkflowFile(t, dir, "deploy.yaml", "deploy-v2")

	first := awaitEvent(t, w)
	if first.Operation != OpRemove || first.WorkflowID != "deploy-v1" {
		t.Fatalf("expected remove of deploy-v1 first, got %+v", first)
	}

	second := awaitEvent(t, w)
	if second.Operation != OpLoad || second.Definition == nil || second.Definition.ID != "deploy-v2" {
		t.Fatalf("expected load of deploy-v2 second, got %+v", second)
	}
}
