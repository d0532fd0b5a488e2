package workflow

import (
	"encoding/json"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
)

// RunRequestPayload asks the workflow-runner to start a run of a registered
// workflow definition. Published to workflow.run.request.
type RunRequestPayload struct {
	// RunID uniquely identifies the requested run. When empty the runner
	// generates one and reports it in the run started event.
	RunID string `json:"run_id,omitempty"`

	// WorkflowID names the workflow definition to run
	WorkflowID string `json:"workflow_id"`

	// Input is handed to the first phase execution
	Input map[string]any `json:"input,omitempty"`

	// Context seeds the run context shared by every phase in the run
	Context RunContext `json:"context,omitempty"`
}

// Schema returns the message type for this payload.
func (p *RunRequestPayload) Schema() message.Type {
	return RunRequestType
}

// Validate validates the payload.
func (p *RunRequestPayload) Validate() error {
	if p.WorkflowID == "" {
		return &ValidationError{Field: "workflow_id", Message: "workflow_id is required"}
	}
	return nil
}

// MarshalJSON marshals the payload to JSON.
func (p *RunRequestPayload) MarshalJSON() ([]byte, error) {
	type Alias RunRequestPayload
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON unmarshals the payload from JSON.
func (p *RunRequestPayload) UnmarshalJSON(data []byte) error {
	type Alias RunRequestPayload
	return json.Unmarshal(data, (*Alias)(p))
}

// RunRequestType is the message type for run request payloads.
var RunRequestType = message.Type{
	Domain:   "workflow",
	Category: "run-request",
	Version:  "v1",
}

// ---------------------------------------------------------------------------
// Event payload wrappers
// ---------------------------------------------------------------------------
//
// Each wrapper embeds its event struct and satisfies message.Payload. The
// JSON wire format is identical to the bare event, so handlers subscribed to
// the typed subjects receive the expected field names.

// RunStartedPayload wraps RunStartedEvent and satisfies message.Payload.
type RunStartedPayload struct {
	RunStartedEvent
}

// Schema implements message.Payload.
func (p *RunStartedPayload) Schema() message.Type {
	return message.Type{Domain: "workflow", Category: "run-started", Version: "v1"}
}

// Validate implements message.Payload.
func (p *RunStartedPayload) Validate() error {
	return validateRunEvent(p.RunID, p.WorkflowID)
}

// MarshalJSON marshals using the embedded event's fields, not the wrapper's.
func (p *RunStartedPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.RunStartedEvent)
}

// UnmarshalJSON unmarshals directly into the embedded event.
func (p *RunStartedPayload) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.RunStartedEvent)
}

// RunCompletedPayload wraps RunCompletedEvent and satisfies message.Payload.
type RunCompletedPayload struct {
	RunCompletedEvent
}

// Schema implements message.Payload.
func (p *RunCompletedPayload) Schema() message.Type {
	return message.Type{Domain: "workflow", Category: "run-completed", Version: "v1"}
}

// Validate implements message.Payload.
func (p *RunCompletedPayload) Validate() error {
	return validateRunEvent(p.RunID, p.WorkflowID)
}

// MarshalJSON marshals using the embedded event's fields.
func (p *RunCompletedPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.RunCompletedEvent)
}

// UnmarshalJSON unmarshals directly into the embedded event.
func (p *RunCompletedPayload) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.RunCompletedEvent)
}

// RunFailedPayload wraps RunFailedEvent and satisfies message.Payload.
type RunFailedPayload struct {
	RunFailedEvent
}

// Schema implements message.Payload.
func (p *RunFailedPayload) Schema() message.Type {
	return message.Type{Domain: "workflow", Category: "run-failed", Version: "v1"}
}

// Validate implements message.Payload.
func (p *RunFailedPayload) Validate() error {
	return validateRunEvent(p.RunID, p.WorkflowID)
}

// MarshalJSON marshals using the embedded event's fields.
func (p *RunFailedPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.RunFailedEvent)
}

// UnmarshalJSON unmarshals directly into the embedded event.
func (p *RunFailedPayload) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.RunFailedEvent)
}

// RunCancelledPayload wraps RunCancelledEvent and satisfies message.Payload.
type RunCancelledPayload struct {
	RunCancelledEvent
}

// Schema implements message.Payload.
func (p *RunCancelledPayload) Schema() message.Type {
	return message.Type{Domain: "workflow", Category: "run-cancelled", Version: "v1"}
}

// Validate implements message.Payload.
func (p *RunCancelledPayload) Validate() error {
	return validateRunEvent(p.RunID, p.WorkflowID)
}

// MarshalJSON marshals using the embedded event's fields.
func (p *RunCancelledPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.RunCancelledEvent)
}

// UnmarshalJSON unmarshals directly into the embedded event.
func (p *RunCancelledPayload) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.RunCancelledEvent)
}

// PhaseExecutedPayload wraps PhaseExecutedEvent and satisfies message.Payload.
type PhaseExecutedPayload struct {
	PhaseExecutedEvent
}

// Schema implements message.Payload.
func (p *PhaseExecutedPayload) Schema() message.Type {
	return message.Type{Domain: "workflow", Category: "phase-executed", Version: "v1"}
}

// Validate implements message.Payload.
func (p *PhaseExecutedPayload) Validate() error {
	if err := validateRunEvent(p.RunID, p.WorkflowID); err != nil {
		return err
	}
	if p.PhaseID == "" {
		return &ValidationError{Field: "phase_id", Message: "phase_id is required"}
	}
	return nil
}

// MarshalJSON marshals using the embedded event's fields.
func (p *PhaseExecutedPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.PhaseExecutedEvent)
}

// UnmarshalJSON unmarshals directly into the embedded event.
func (p *PhaseExecutedPayload) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.PhaseExecutedEvent)
}

// TransitionTakenPayload wraps TransitionTakenEvent and satisfies message.Payload.
type TransitionTakenPayload struct {
	TransitionTakenEvent
}

// Schema implements message.Payload.
func (p *TransitionTakenPayload) Schema() message.Type {
	return message.Type{Domain: "workflow", Category: "transition-taken", Version: "v1"}
}

// Validate implements message.Payload.
func (p *TransitionTakenPayload) Validate() error {
	return validateRunEvent(p.RunID, p.WorkflowID)
}

// MarshalJSON marshals using the embedded event's fields.
func (p *TransitionTakenPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.TransitionTakenEvent)
}

// UnmarshalJSON unmarshals directly into the embedded event.
func (p *TransitionTakenPayload) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.TransitionTakenEvent)
}

// ManualInputRequiredPayload wraps ManualInputRequiredEvent and satisfies
// message.Payload.
type ManualInputRequiredPayload struct {
	ManualInputRequiredEvent
}

// Schema implements message.Payload.
func (p *ManualInputRequiredPayload) Schema() message.Type {
	return message.Type{Domain: "workflow", Category: "manual-input-required", Version: "v1"}
}

// Validate implements message.Payload.
func (p *ManualInputRequiredPayload) Validate() error {
	if err := validateRunEvent(p.RunID, p.WorkflowID); err != nil {
		return err
	}
	if p.PhaseID == "" {
		return &ValidationError{Field: "phase_id", Message: "phase_id is required"}
	}
	return nil
}

// MarshalJSON marshals using the embedded event's fields.
func (p *ManualInputRequiredPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.ManualInputRequiredEvent)
}

// UnmarshalJSON unmarshals directly into the embedded event.
func (p *ManualInputRequiredPayload) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.ManualInputRequiredEvent)
}

func validateRunEvent(runID, workflowID string) error {
	if runID == "" {
		return &ValidationError{Field: "run_id", Message: "run_id is required"}
	}
	if workflowID == "" {
		return &ValidationError{Field: "workflow_id", Message: "workflow_id is required"}
	}
	return nil
}

func init() {
	payloads := []struct {
		msgType message.Type
		desc    string
		factory func() any
	}{
		{RunRequestType, "Workflow run request", func() any { return &RunRequestPayload{} }},
		{(&RunStartedPayload{}).Schema(), "Workflow run started event", func() any { return &RunStartedPayload{} }},
		{(&RunCompletedPayload{}).Schema(), "Workflow run completed event", func() any { return &RunCompletedPayload{} }},
		{(&RunFailedPayload{}).Schema(), "Workflow run failed event", func() any { return &RunFailedPayload{} }},
		{(&RunCancelledPayload{}).Schema(), "Workflow run cancelled event", func() any { return &RunCancelledPayload{} }},
		{(&PhaseExecutedPayload{}).Schema(), "Workflow phase executed event", func() any { return &PhaseExecutedPayload{} }},
		{(&TransitionTakenPayload{}).Schema(), "Workflow transition taken event", func() any { return &TransitionTakenPayload{} }},
		{(&ManualInputRequiredPayload{}).Schema(), "Workflow manual input required event", func() any { return &ManualInputRequiredPayload{} }},
	}

	for _, p := range payloads {
		if err := component.RegisterPayload(&component.PayloadRegistration{
			Domain:      p.msgType.Domain,
			Category:    p.msgType.Category,
			Version:     p.msgType.Version,
			Description: p.desc,
			Factory:     p.factory,
		}); err != nil {
			panic("failed to register workflow payload " + p.msgType.Category + ": " + err.Error())
		}
	}
}
