// Package dispatch provides the execution backends the engine plugs phases
// into: agent phases are dispatched to the LLM client, script phases run as
// local processes. Both read their parameters from the phase config map, so
// workflow definitions stay declarative.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/model"
	"github.com/c360studio/semflow/workflow"
)

// Config keys read by the agent executor.
const (
	ConfigPrompt      = "prompt"
	ConfigRole        = "role"
	ConfigSystem      = "system"
	ConfigTemperature = "temperature"
	ConfigMaxTokens   = "max_tokens"
)

// placeholderPattern matches {{key}} references in prompt templates. Keys
// may use dots for nested names, but resolution is flat: the key is looked
// up verbatim in the input map, then in the run context.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Completer is the subset of the LLM client used by the agent executor.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// AgentExecutor dispatches agent phases to an LLM. The phase config holds a
// prompt template and an optional role; the role is resolved to a model
// capability so definitions never name concrete models.
type AgentExecutor struct {
	client      Completer
	defaultRole string
	logger      *slog.Logger
}

// AgentOption configures an AgentExecutor.
type AgentOption func(*AgentExecutor)

// WithDefaultRole sets the role used when a phase config does not declare one.
func WithDefaultRole(role string) AgentOption {
	return func(e *AgentExecutor) {
		e.defaultRole = role
	}
}

// WithAgentLogger sets the logger.
func WithAgentLogger(logger *slog.Logger) AgentOption {
	return func(e *AgentExecutor) {
		e.logger = logger
	}
}

// NewAgentExecutor creates an executor backed by the given completion client.
func NewAgentExecutor(client Completer, opts ...AgentOption) *AgentExecutor {
	e := &AgentExecutor{
		client:      client,
		defaultRole: "writer",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch renders the phase prompt, calls the LLM, and returns the raw
// completion text with call metadata. The run id becomes the trace id so
// every call of a run lands in one trajectory.
func (e *AgentExecutor) Dispatch(ctx context.Context, phase *workflow.PhaseDefinition, input map[string]any, runCtx workflow.RunContext) (string, map[string]any, error) {
	template := stringConfig(phase.Config, ConfigPrompt)
	if template == "" {
		return "", nil, fmt.Errorf("phase %q: agent phase requires a %s config entry", phase.ID, ConfigPrompt)
	}

	prompt := renderTemplate(template, input, runCtx)

	var messages []llm.Message
	if system := stringConfig(phase.Config, ConfigSystem); system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: renderTemplate(system, input, runCtx)})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	role := stringConfig(phase.Config, ConfigRole)
	if role == "" {
		role = e.defaultRole
	}
	capability := capabilityForRole(role)

	req := llm.Request{
		Capability: capability,
		Messages:   messages,
		MaxTokens:  intConfig(phase.Config, ConfigMaxTokens),
	}
	if t, ok := floatConfig(phase.Config, ConfigTemperature); ok {
		req.Temperature = &t
	}

	if traceID := runCtx.RunID(); traceID != "" {
		ctx = llm.WithTraceContext(ctx, llm.TraceContext{
			TraceID: traceID,
			LoopID:  phase.ID,
		})
	}

	e.logger.Debug("Dispatching agent phase",
		"phase_id", phase.ID,
		"role", role,
		"capability", capability,
		"messages", len(messages))

	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("phase %q: agent completion: %w", phase.ID, err)
	}

	metadata := map[string]any{
		"model":      resp.Model,
		"request_id": resp.RequestID,
		"role":       role,
	}
	if resp.Usage.TotalTokens > 0 {
		metadata["tokens_used"] = resp.Usage.TotalTokens
	}
	if resp.FinishReason != "" {
		metadata["finish_reason"] = resp.FinishReason
	}

	return resp.Content, metadata, nil
}

// capabilityForRole resolves a phase role to a capability string. Roles that
// already name a capability pass through, everything else goes through the
// model package's role mapping.
func capabilityForRole(role string) string {
	if model.ParseCapability(role) != "" {
		return role
	}
	return string(model.CapabilityForRole(role))
}

// renderTemplate substitutes {{key}} placeholders from the input map first,
// then the run context. Unresolved placeholders are left intact so a missing
// value is visible in the rendered prompt instead of silently vanishing.
func renderTemplate(template string, input map[string]any, runCtx workflow.RunContext) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := input[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		if v, ok := runCtx[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}

// stringConfig reads a string config entry, returning "" when absent or not
// a string.
func stringConfig(config map[string]any, key string) string {
	if s, ok := config[key].(string); ok {
		return s
	}
	return ""
}

// intConfig reads an integer config entry. YAML decodes numbers as int,
// JSON as float64; both are accepted.
func intConfig(config map[string]any, key string) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// floatConfig reads a float config entry, reporting whether it was present.
func floatConfig(config map[string]any, key string) (float64, bool) {
	switch v := config[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
