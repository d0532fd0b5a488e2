// Package config provides configuration loading and management for Semflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Semflow configuration
type Config struct {
	NATS        NATSConfig        `yaml:"nats"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Engine      EngineConfig      `yaml:"engine"`
	Models      ModelsConfig      `yaml:"models"`
	Log         LogConfig         `yaml:"log"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (default: nats://localhost:4222)
	URL string `yaml:"url"`
}

// DefinitionsConfig configures where workflow definitions come from
type DefinitionsConfig struct {
	// Dir is the root directory holding workflow definition files
	Dir string `yaml:"dir"`
	// Patterns are the glob patterns a definition file must match,
	// relative to Dir (default: **/*.yaml, **/*.yml)
	Patterns []string `yaml:"patterns"`
	// Watch enables hot reloading when definition files change
	Watch bool `yaml:"watch"`
}

// EngineConfig bounds workflow runs driven by the runner
type EngineConfig struct {
	// DefaultTimeoutMS applies to phases that set no timeout_ms of
	// their own. Zero means no default timeout.
	DefaultTimeoutMS int `yaml:"default_timeout_ms"`
	// MaxSteps caps execution steps per run, so a cyclic workflow with
	// a broken exit condition cannot spin forever
	MaxSteps int `yaml:"max_steps"`
}

// ModelsConfig points at the model registry document
type ModelsConfig struct {
	// File is the path to a models JSON file (empty = built-in defaults)
	File string `yaml:"file"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Definitions: DefinitionsConfig{
			Dir:      "workflows",
			Patterns: nil, // Loader defaults apply
			Watch:    true,
		},
		Engine: EngineConfig{
			DefaultTimeoutMS: 0, // No default timeout
			MaxSteps:         100,
		},
		Models: ModelsConfig{
			File: "",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Definitions.Dir == "" {
		return fmt.Errorf("definitions.dir is required")
	}
	if c.Engine.DefaultTimeoutMS < 0 {
		return fmt.Errorf("engine.default_timeout_ms must not be negative")
	}
	if c.Engine.MaxSteps <= 0 {
		return fmt.Errorf("engine.max_steps must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values). Definitions.Watch keeps the base value since a bool
// cannot signal "unset".
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	if other.Definitions.Dir != "" {
		c.Definitions.Dir = other.Definitions.Dir
	}
	if len(other.Definitions.Patterns) > 0 {
		c.Definitions.Patterns = other.Definitions.Patterns
	}

	if other.Engine.DefaultTimeoutMS != 0 {
		c.Engine.DefaultTimeoutMS = other.Engine.DefaultTimeoutMS
	}
	if other.Engine.MaxSteps != 0 {
		c.Engine.MaxSteps = other.Engine.MaxSteps
	}

	if other.Models.File != "" {
		c.Models.File = other.Models.File
	}

	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}
