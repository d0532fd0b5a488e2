package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/workflow"
)

// Config keys read by the script runner.
const (
	ConfigCommand = "command"
	ConfigWorkdir = "workdir"
	ConfigEnv     = "env"
)

// Environment variables exposed to script phases.
const (
	EnvWorkflowID = "WORKFLOW_ID"
	EnvPhaseID    = "WORKFLOW_PHASE_ID"
	EnvRunID      = "WORKFLOW_RUN_ID"
)

// ScriptRunner executes script phases as local processes. The phase config
// supplies the command line; the runner captures stdout, stderr, and the
// exit code without interpreting them.
type ScriptRunner struct {
	baseDir string
	logger  *slog.Logger
}

// NewScriptRunner creates a runner that resolves relative workdirs against
// baseDir. An empty baseDir leaves resolution to the process working
// directory.
func NewScriptRunner(baseDir string, logger *slog.Logger) *ScriptRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptRunner{baseDir: baseDir, logger: logger}
}

// Run executes the phase command and reports its outcome. A non-zero exit
// code is a valid result; Run returns an error only when the command cannot
// be started or the context ends before it finishes. Cancellation kills the
// process and surfaces ctx.Err so the caller can classify the termination.
//
// When the input map is non-empty it is written to the command's stdin as
// JSON, so scripts can consume run data without argument plumbing.
func (r *ScriptRunner) Run(ctx context.Context, phase *workflow.PhaseDefinition, input map[string]any, runCtx workflow.RunContext) (*engine.ScriptResult, error) {
	command := stringConfig(phase.Config, ConfigCommand)
	if command == "" {
		return nil, fmt.Errorf("phase %q: script phase requires a %s config entry", phase.ID, ConfigCommand)
	}

	args := splitCommand(command)
	if len(args) == 0 {
		return nil, fmt.Errorf("phase %q: command %q is empty after tokenization", phase.ID, command)
	}

	workDir := r.baseDir
	if dir := stringConfig(phase.Config, ConfigWorkdir); dir != "" {
		if filepath.IsAbs(dir) {
			workDir = dir
		} else {
			workDir = filepath.Join(r.baseDir, dir)
		}
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = workDir
	cmd.Env = r.buildEnv(phase, runCtx)

	if len(input) > 0 {
		data, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("phase %q: encode input for stdin: %w", phase.ID, err)
		}
		cmd.Stdin = bytes.NewReader(data)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("Running script phase",
		"phase_id", phase.ID,
		"command", command,
		"workdir", workDir)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// A killed process reports exit -1; the context tells us whether that
	// was our own cancellation rather than a genuine command result.
	if ctx.Err() != nil {
		return nil, fmt.Errorf("phase %q: command terminated: %w", phase.ID, ctx.Err())
	}

	exitCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("phase %q: run command %q: %w", phase.ID, args[0], runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	r.logger.Debug("Script phase finished",
		"phase_id", phase.ID,
		"exit_code", exitCode,
		"duration", duration)

	return &engine.ScriptResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// buildEnv extends the process environment with config-declared variables
// and the run identity, so scripts can correlate their work with the run.
func (r *ScriptRunner) buildEnv(phase *workflow.PhaseDefinition, runCtx workflow.RunContext) []string {
	env := os.Environ()

	if extra, ok := phase.Config[ConfigEnv].(map[string]any); ok {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, fmt.Sprintf("%s=%v", k, extra[k]))
		}
	}

	env = append(env, EnvPhaseID+"="+phase.ID)
	if id := runCtx.WorkflowID(); id != "" {
		env = append(env, EnvWorkflowID+"="+id)
	}
	if id := runCtx.RunID(); id != "" {
		env = append(env, EnvRunID+"="+id)
	}
	return env
}

// splitCommand performs minimal whitespace-based tokenisation of a command
// string, preserving single- and double-quoted tokens. It is intentionally
// simple: no escape sequences, no nested quoting. For complex commands wrap
// the command in a shell invocation (e.g. "sh -c '...'").
func splitCommand(cmd string) []string {
	var tokens []string
	var current strings.Builder
	inSingle := false
	inDouble := false

	for _, r := range cmd {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
		case r == '"' && !inSingle:
			inDouble = !inDouble
		case r == ' ' && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
