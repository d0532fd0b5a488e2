// Package storage provides workflow run persistence for semflow using NATS KV.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/workflow"
)

// BucketWorkflowRuns is the KV bucket holding run status snapshots.
const BucketWorkflowRuns = "SEMFLOW_WORKFLOW_RUNS"

// RunStore persists workflow run status snapshots in NATS KV,
// one entry per run keyed by run ID.
type RunStore struct {
	runs jetstream.KeyValue
}

// NewRunStore creates a run store backed by the SEMFLOW_WORKFLOW_RUNS bucket,
// creating the bucket if it does not exist.
func NewRunStore(ctx context.Context, js jetstream.JetStream) (*RunStore, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context required")
	}

	runs, err := getOrCreateBucket(ctx, js, BucketWorkflowRuns)
	if err != nil {
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	return &RunStore{runs: runs}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Semflow %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// SaveStatus stores the status snapshot for a run, overwriting any
// previous snapshot for the same run ID.
func (s *RunStore) SaveStatus(ctx context.Context, status *workflow.Status) error {
	if status == nil {
		return fmt.Errorf("status required")
	}
	if status.RunID == "" {
		return fmt.Errorf("run ID required")
	}

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal run status: %w", err)
	}

	if _, err := s.runs.Put(ctx, status.RunID, data); err != nil {
		return fmt.Errorf("store run status: %w", err)
	}

	return nil
}

// GetStatus retrieves the latest status snapshot for a run.
func (s *RunStore) GetStatus(ctx context.Context, runID string) (*workflow.Status, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID required")
	}

	entry, err := s.runs.Get(ctx, runID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run status: %w", err)
	}

	var status workflow.Status
	if err := json.Unmarshal(entry.Value(), &status); err != nil {
		return nil, fmt.Errorf("unmarshal run status: %w", err)
	}

	return &status, nil
}

// ListRuns returns the latest status snapshot of every stored run.
func (s *RunStore) ListRuns(ctx context.Context) ([]*workflow.Status, error) {
	keys, err := s.runs.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list run keys: %w", err)
	}

	statuses := make([]*workflow.Status, 0, len(keys))
	for _, key := range keys {
		entry, err := s.runs.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var status workflow.Status
		if err := json.Unmarshal(entry.Value(), &status); err != nil {
			continue
		}
		statuses = append(statuses, &status)
	}

	return statuses, nil
}

// ListRunsByWorkflow returns the stored runs of one workflow definition.
func (s *RunStore) ListRunsByWorkflow(ctx context.Context, workflowID string) ([]*workflow.Status, error) {
	all, err := s.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	runs := make([]*workflow.Status, 0)
	for _, status := range all {
		if status.WorkflowID == workflowID {
			runs = append(runs, status)
		}
	}

	return runs, nil
}

// DeleteRun removes a run's status snapshot.
func (s *RunStore) DeleteRun(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("run ID required")
	}

	if err := s.runs.Delete(ctx, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}

	return nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}
