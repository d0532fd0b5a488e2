package workflowrunner

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the workflow runner component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "workflow-runner",
		Factory:     NewComponent,
		Schema:      runnerSchema,
		Type:        "processor",
		Protocol:    "workflow",
		Domain:      "semflow",
		Description: "Executes workflow runs phase by phase with agent and script backends",
		Version:     "0.1.0",
	})
}
