// Package main provides the semflow binary entry point.
// Semflow executes phase-based workflow definitions over NATS, driving
// script, agent, and manual phases from declarative YAML files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/semflow/llm/providers"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/dispatch"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/model"
	"github.com/c360studio/semflow/output"
	workflowrunner "github.com/c360studio/semflow/processor/workflow-runner"
	"github.com/c360studio/semflow/workflow"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "semflow",
		Short: "Workflow phase orchestration engine",
		Long: `Semflow executes phase-based workflow definitions over NATS.

Workflows are declarative YAML files: phases (script, agent, manual) wired
by condition-guarded transitions. The runner consumes run requests from
JetStream, drives each run phase by phase, persists status snapshots, and
publishes lifecycle events.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error; overrides config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the workflow runner against NATS",
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(configPath, logLevel)
		},
	})

	var (
		runFile     string
		runWorkdir  string
		runModels   string
		runMaxSteps int
		runInputs   []string
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one workflow locally, without NATS",
		RunE: func(_ *cobra.Command, _ []string) error {
			if runFile == "" {
				return fmt.Errorf("--file is required")
			}
			return runLocal(runFile, runWorkdir, runModels, logLevel, runMaxSteps, runInputs)
		},
	}
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Workflow definition file")
	runCmd.Flags().StringVar(&runWorkdir, "workdir", ".", "Working directory for script phases")
	runCmd.Flags().StringVar(&runModels, "models", "", "Models JSON file for agent phases")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 100, "Maximum phase executions")
	runCmd.Flags().StringArrayVar(&runInputs, "input", nil, "Input for the first phase (key=value, repeatable)")
	cmd.AddCommand(runCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [paths...]",
		Short: "Validate workflow definition files",
		RunE: func(_ *cobra.Command, args []string) error {
			return validateDefinitions(args, configPath)
		},
	})

	return cmd
}

func setupLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func serve(configPath, logLevel string) error {
	printBanner()
	logger := setupLogger(logLevel)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel == "" && cfg.Log.Level != "" {
		logger = setupLogger(cfg.Log.Level)
	}

	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	runnerConfig, err := json.Marshal(map[string]any{
		"definitions_dir":     cfg.Definitions.Dir,
		"definition_patterns": cfg.Definitions.Patterns,
		"watch_definitions":   cfg.Definitions.Watch,
		"max_steps":           cfg.Engine.MaxSteps,
		"default_timeout_ms":  cfg.Engine.DefaultTimeoutMS,
		"models_file":         cfg.Models.File,
	})
	if err != nil {
		return fmt.Errorf("marshal runner config: %w", err)
	}

	comp, err := workflowrunner.NewComponent(runnerConfig, component.Dependencies{
		Logger:     logger,
		NATSClient: natsClient,
	})
	if err != nil {
		return fmt.Errorf("create workflow-runner: %w", err)
	}
	runner, ok := comp.(*workflowrunner.Component)
	if !ok {
		return fmt.Errorf("unexpected component type %T", comp)
	}

	if err := runner.Initialize(); err != nil {
		return fmt.Errorf("initialize workflow-runner: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := runner.Start(signalCtx); err != nil {
		return fmt.Errorf("start workflow-runner: %w", err)
	}

	slog.Info("Semflow ready",
		"version", Version,
		"definitions", cfg.Definitions.Dir)

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := runner.Stop(30 * time.Second); err != nil {
		slog.Error("Error stopping workflow-runner", "error", err)
	}

	slog.Info("Semflow shutdown complete")
	return nil
}

// runLocal drives a single workflow in-process, with no broker and no
// persistence. Useful for authoring definitions: the final run status is
// printed as JSON and the exit code reflects the outcome.
func runLocal(filePath, workdir, modelsFile, logLevel string, maxSteps int, inputs []string) error {
	logger := setupLogger(logLevel)

	def, err := workflow.LoadFile(filePath)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}

	var models *model.Registry
	if modelsFile != "" {
		models, err = model.LoadFromFile(modelsFile)
		if err != nil {
			return fmt.Errorf("load models file: %w", err)
		}
	} else {
		models = model.NewDefaultRegistry()
	}

	backends := engine.Backends{
		Agent:  dispatch.NewAgentExecutor(llm.NewClient(models, llm.WithLogger(logger)), dispatch.WithAgentLogger(logger)),
		Script: dispatch.NewScriptRunner(workdir, logger),
		Output: output.NewProcessor(logger),
	}

	manager := engine.NewPhaseManager(backends, engine.WithLogger(logger))
	runCtx := workflow.RunContext{
		"run_id":      uuid.New().String(),
		"workflow_id": def.ID,
	}
	if err := manager.Initialize(def, runCtx); err != nil {
		return fmt.Errorf("initialize run: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	input := parseInputs(inputs)
	for step := 0; step < maxSteps; step++ {
		rec, err := manager.ExecuteCurrentPhase(signalCtx, input)
		if err != nil {
			return fmt.Errorf("execute phase: %w", err)
		}
		input = nil

		snap, err := manager.WorkflowStatus()
		if err != nil {
			return fmt.Errorf("run status: %w", err)
		}
		logger.Info("Phase executed",
			"phase", rec.PhaseID,
			"status", rec.Status,
			"current", snap.CurrentPhase)

		if snap.Status != workflow.RunStatusRunning {
			break
		}

		// Completed but stuck on the same phase: nothing matched the
		// output, so looping again would repeat the identical step.
		if rec.Status == workflow.ExecutionStatusCompleted && snap.CurrentPhase == rec.PhaseID {
			if info := snap.Phases[rec.PhaseID]; info != nil && info.Status == workflow.PhaseStatusCompleted {
				logger.Warn("Run parked with no matching transition", "phase", rec.PhaseID)
				break
			}
		}
	}

	final, err := manager.WorkflowStatus()
	if err != nil {
		return fmt.Errorf("run status: %w", err)
	}

	out, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	fmt.Println(string(out))

	if final.Status != workflow.RunStatusCompleted {
		return fmt.Errorf("run finished with status %s", final.Status)
	}
	return nil
}

// parseInputs turns repeated key=value flags into the first phase's input.
func parseInputs(inputs []string) map[string]any {
	if len(inputs) == 0 {
		return nil
	}
	parsed := make(map[string]any, len(inputs))
	for _, kv := range inputs {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			parsed[kv] = ""
			continue
		}
		parsed[key] = value
	}
	return parsed
}

// validateDefinitions loads each path (file or directory) and reports per
// path. With no arguments the configured definitions directory is checked.
func validateDefinitions(paths []string, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if len(paths) == 0 {
		paths = []string{cfg.Definitions.Dir}
	}

	failures := 0
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Printf("FAIL %s: %v\n", path, err)
			failures++
			continue
		}

		if info.IsDir() {
			defs, err := workflow.LoadDir(path, cfg.Definitions.Patterns)
			if err != nil {
				fmt.Printf("FAIL %s: %v\n", path, err)
				failures++
				continue
			}
			fmt.Printf("OK   %s: %d workflows\n", path, len(defs))
			for _, def := range defs {
				fmt.Printf("     %s (%d phases)\n", def.ID, len(def.Phases))
			}
			continue
		}

		def, err := workflow.LoadFile(path)
		if err != nil {
			fmt.Printf("FAIL %s: %v\n", path, err)
			failures++
			continue
		}
		fmt.Printf("OK   %s: %s (%d phases)\n", path, def.ID, len(def.Phases))
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d paths failed validation", failures, len(paths))
	}
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Semflow v" + Version + "                     ║")
	fmt.Println("║      Workflow Phase Orchestration             ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if url := os.Getenv(config.EnvNATSURL); url != "" {
			cfg.NATS.URL = url
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	return config.NewLoader(nil).Load()
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := cfg.NATS.URL

	// Generic override used by container deployments
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURL = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20), // Higher threshold for startup bursts
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
