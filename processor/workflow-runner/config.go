package workflowrunner

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semflow/workflow"
)

// runnerSchema defines the configuration schema.
var runnerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the workflow runner processor component.
type Config struct {
	// StreamName is the JetStream stream carrying run requests and run events.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream for run requests and events,category:basic,default:WORKFLOW"`

	// ConsumerName is the durable consumer name for run request consumption.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name for run requests,category:basic,default:workflow-runner"`

	// RequestSubject is the subject carrying workflow run requests.
	RequestSubject string `json:"request_subject" schema:"type:string,description:Subject for workflow run requests,category:basic,default:workflow.run.request"`

	// DefinitionsDir is the directory holding workflow definition files.
	DefinitionsDir string `json:"definitions_dir" schema:"type:string,description:Directory holding workflow definition files,category:basic,default:workflows"`

	// DefinitionPatterns are glob patterns matched against DefinitionsDir.
	// Empty means the loader defaults.
	DefinitionPatterns []string `json:"definition_patterns,omitempty"`

	// WatchDefinitions enables hot reload of definition files.
	WatchDefinitions bool `json:"watch_definitions" schema:"type:bool,description:Hot reload workflow definitions on file changes,category:advanced,default:true"`

	// ControlBucket is the KV bucket watched for run cancel commands.
	ControlBucket string `json:"control_bucket" schema:"type:string,description:KV bucket watched for run cancel commands,category:advanced,default:SEMFLOW_WORKFLOW_CONTROL"`

	// MaxSteps bounds the phase executions per run.
	MaxSteps int `json:"max_steps" schema:"type:int,description:Maximum phase executions per run,category:advanced,default:100,min:1"`

	// DefaultTimeoutMS applies to phases without a timeout of their own.
	// Zero leaves those phases unbounded.
	DefaultTimeoutMS int `json:"default_timeout_ms" schema:"type:int,description:Timeout in milliseconds for phases without their own,category:advanced,default:0"`

	// ScriptWorkDir is the working directory for script phases. Empty means
	// the process working directory.
	ScriptWorkDir string `json:"script_work_dir,omitempty" schema:"type:string,description:Working directory for script phases,category:advanced"`

	// ModelsFile is an optional models JSON file for agent phases. Empty
	// means the built-in model registry.
	ModelsFile string `json:"models_file,omitempty" schema:"type:string,description:Models JSON file for agent phases,category:advanced"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:       "WORKFLOW",
		ConsumerName:     "workflow-runner",
		RequestSubject:   workflow.SubjectRunRequest,
		DefinitionsDir:   "workflows",
		WatchDefinitions: true,
		ControlBucket:    workflow.ControlBucket,
		MaxSteps:         100,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "run-requests",
					Type:        "jetstream",
					Subject:     workflow.SubjectRunRequest,
					StreamName:  "WORKFLOW",
					Description: "Receive workflow run requests",
					Required:    true,
				},
				{
					Name:        "cancel-commands",
					Type:        "kv-watch",
					Subject:     workflow.ControlBucket,
					Description: "Watch for run cancel commands",
					Required:    false,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "run-events",
					Type:        "jetstream",
					Subject:     workflow.SubjectEventsAll,
					StreamName:  "WORKFLOW",
					Description: "Publish run lifecycle events",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.RequestSubject == "" {
		return fmt.Errorf("request_subject is required")
	}
	if c.DefinitionsDir == "" {
		return fmt.Errorf("definitions_dir is required")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive")
	}
	if c.DefaultTimeoutMS < 0 {
		return fmt.Errorf("default_timeout_ms cannot be negative")
	}
	return nil
}
