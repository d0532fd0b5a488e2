package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// BucketLLMCalls is the KV bucket holding call records.
const BucketLLMCalls = "SEMFLOW_LLM_CALLS"

// ErrCallNotFound is returned when a call record does not exist.
var ErrCallNotFound = errors.New("call record not found")

// CallRecord represents a single LLM API call with full context for trajectory tracking.
type CallRecord struct {
	// RequestID uniquely identifies this LLM call.
	RequestID string `json:"request_id"`

	// TraceID correlates this call with other messages in the same request flow.
	// For workflow phases this is the run ID.
	TraceID string `json:"trace_id"`

	// LoopID identifies the phase that initiated this call (if any).
	LoopID string `json:"loop_id,omitempty"`

	// Capability is the semantic capability requested (planning, writing, coding, etc.).
	Capability string `json:"capability"`

	// Model is the actual model that was used for this call.
	Model string `json:"model"`

	// Provider is the LLM provider (anthropic, ollama, openai, etc.).
	Provider string `json:"provider"`

	// Messages is the input message history sent to the LLM.
	Messages []Message `json:"messages"`

	// Response is the generated content from the LLM.
	Response string `json:"response"`

	// PromptTokens is the number of input/prompt tokens consumed.
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens is the number of output/completion tokens generated.
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the total tokens consumed (prompt + completion).
	TotalTokens int `json:"total_tokens"`

	// ContextBudget is the maximum context window size for this model (optional).
	ContextBudget int `json:"context_budget,omitempty"`

	// FinishReason indicates why generation stopped (stop, length, etc.).
	FinishReason string `json:"finish_reason"`

	// StartedAt is when the LLM call began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the LLM call finished.
	CompletedAt time.Time `json:"completed_at"`

	// DurationMs is the call duration in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Error contains any error message if the call failed.
	Error string `json:"error,omitempty"`

	// Retries is the number of retry attempts made.
	Retries int `json:"retries"`

	// FallbacksUsed lists models tried before success (if fallback was needed).
	FallbacksUsed []string `json:"fallbacks_used,omitempty"`
}

// Key returns the KV key for this record. Calls with a trace are grouped
// under "<trace_id>.<request_id>" so GetByTraceID can filter by prefix.
func (r *CallRecord) Key() string {
	if r.TraceID == "" {
		return r.RequestID
	}
	return r.TraceID + "." + r.RequestID
}

// CallStore persists LLM call records in NATS KV, keyed so that all calls
// belonging to one trace can be listed together.
type CallStore struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
	ttl    time.Duration
}

// CallStoreOption configures a CallStore.
type CallStoreOption func(*CallStore)

// WithStoreLogger sets the logger for the LLM call store.
func WithStoreLogger(logger *slog.Logger) CallStoreOption {
	return func(s *CallStore) {
		s.logger = logger
	}
}

// WithCallsTTL sets the retention for call records. Zero keeps records
// forever. The TTL only takes effect when this store creates the bucket.
func WithCallsTTL(ttl time.Duration) CallStoreOption {
	return func(s *CallStore) {
		s.ttl = ttl
	}
}

// NewCallStore creates a call store backed by the SEMFLOW_LLM_CALLS bucket,
// creating the bucket if it does not exist.
func NewCallStore(ctx context.Context, js jetstream.JetStream, opts ...CallStoreOption) (*CallStore, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context required")
	}

	s := &CallStore{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	kv, err := js.KeyValue(ctx, BucketLLMCalls)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketLLMCalls,
			Description: "Semflow LLM call records",
			History:     1,
			TTL:         s.ttl,
		})
		if err != nil {
			return nil, fmt.Errorf("create llm calls bucket: %w", err)
		}
	}
	s.kv = kv

	return s, nil
}

// Store persists an LLM call record.
func (s *CallStore) Store(ctx context.Context, record *CallRecord) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if record.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}

	key := record.Key()
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store call record: %w", err)
	}

	s.logger.Debug("Stored LLM call",
		"key", key,
		"request_id", record.RequestID,
		"trace_id", record.TraceID,
		"capability", record.Capability)

	return nil
}

// Get retrieves a single call record by its full key.
func (s *CallStore) Get(ctx context.Context, key string) (*CallRecord, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if isKeyNotFound(err) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("get call record: %w", err)
	}

	var record CallRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return nil, fmt.Errorf("unmarshal call record: %w", err)
	}

	return &record, nil
}

// GetByTraceID returns all call records for a trace, ordered by start time.
func (s *CallStore) GetByTraceID(ctx context.Context, traceID string) ([]*CallRecord, error) {
	if traceID == "" {
		return nil, fmt.Errorf("trace_id is required")
	}

	prefix := traceID + "."
	records, err := s.scan(ctx, func(key string, _ *CallRecord) bool {
		return strings.HasPrefix(key, prefix)
	})
	if err != nil {
		return nil, err
	}

	SortByStartTime(records)
	return records, nil
}

// GetByLoopID returns all call records initiated by one loop or phase,
// across traces, ordered by start time.
func (s *CallStore) GetByLoopID(ctx context.Context, loopID string) ([]*CallRecord, error) {
	if loopID == "" {
		return nil, fmt.Errorf("loop_id is required")
	}

	records, err := s.scan(ctx, func(_ string, record *CallRecord) bool {
		return record.LoopID == loopID
	})
	if err != nil {
		return nil, err
	}

	SortByStartTime(records)
	return records, nil
}

// Delete removes a call record by its full key.
func (s *CallStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete call record: %w", err)
	}
	return nil
}

// scan walks every key in the bucket and collects records matching keep.
func (s *CallStore) scan(ctx context.Context, keep func(key string, record *CallRecord) bool) ([]*CallRecord, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list call keys: %w", err)
	}

	records := make([]*CallRecord, 0)
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var record CallRecord
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			continue
		}
		if keep(key, &record) {
			records = append(records, &record)
		}
	}

	return records, nil
}

// isKeyNotFound checks if an error indicates a missing KV key.
func isKeyNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}

// SortByStartTime sorts records chronologically by StartedAt.
func SortByStartTime(records []*CallRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}

// TraceContext holds trace information extracted from context.
type TraceContext struct {
	TraceID string
	LoopID  string
}

// traceContextKey is the context key for trace information.
type traceContextKey struct{}

// WithTraceContext adds trace information to a context.
func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, traceContextKey{}, tc)
}

// GetTraceContext extracts trace information from a context.
func GetTraceContext(ctx context.Context) TraceContext {
	if tc, ok := ctx.Value(traceContextKey{}).(TraceContext); ok {
		return tc
	}
	return TraceContext{}
}
