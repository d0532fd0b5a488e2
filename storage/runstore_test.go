package storage

import (
	"context"
	"testing"

	"github.com/c360studio/semflow/workflow"
)

func TestRunStoreValidation(t *testing.T) {
	// Validation happens before any KV access, so a zero store suffices.
	store := &RunStore{}
	ctx := context.Background()

	t.Run("SaveStatus rejects nil status", func(t *testing.T) {
		if err := store.SaveStatus(ctx, nil); err == nil {
			t.Error("expected error for nil status")
		}
	})

	t.Run("SaveStatus rejects missing run ID", func(t *testing.T) {
		status := &workflow.Status{
			WorkflowID:   "review-loop",
			CurrentPhase: "generate",
			Status:       workflow.RunStatusRunning,
		}
		if err := store.SaveStatus(ctx, status); err == nil {
			t.Error("expected error for empty run ID")
		}
	})

	t.Run("GetStatus rejects empty run ID", func(t *testing.T) {
		if _, err := store.GetStatus(ctx, ""); err == nil {
			t.Error("expected error for empty run ID")
		}
	})

	t.Run("DeleteRun rejects empty run ID", func(t *testing.T) {
		if err := store.DeleteRun(ctx, ""); err == nil {
			t.Error("expected error for empty run ID")
		}
	})
}

func TestBucketName(t *testing.T) {
	if BucketWorkflowRuns != "SEMFLOW_WORKFLOW_RUNS" {
		t.Errorf("unexpected runs bucket: %s", BucketWorkflowRuns)
	}
}
