// Package workflowrunner provides the processor that executes workflow runs.
// It consumes run requests from JetStream, resolves the requested definition
// from its registry, drives the run phase by phase through the engine,
// persists a status snapshot after every step, and publishes lifecycle
// events for observers.
package workflowrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semflow/dispatch"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/llm"
	"github.com/c360studio/semflow/model"
	"github.com/c360studio/semflow/output"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// statusStore is the subset of the run store used by the runner.
// Extracted as an interface to enable testing without NATS.
type statusStore interface {
	SaveStatus(ctx context.Context, status *workflow.Status) error
}

// eventPublisher is the subset of the NATS client used for lifecycle events.
type eventPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Component implements the workflow runner processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	definitions *workflow.Registry
	watcher     *workflow.Watcher
	models      *model.Registry
	llmClient   dispatch.Completer
	backends    engine.Backends
	store       statusStore
	events      eventPublisher

	// JetStream consumer
	consumer jetstream.Consumer
	stream   jetstream.Stream

	// Cancel requests keyed by run ID, fed by the control bucket watcher
	// and consumed between steps.
	cancelMu  sync.Mutex
	cancelled map[string]bool

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	requestsReceived atomic.Int64
	runsCompleted    atomic.Int64
	runsFailed       atomic.Int64
	runsCancelled    atomic.Int64
	runsParked       atomic.Int64
	lastActivityMu   sync.RWMutex
	lastActivity     time.Time
}

// NewComponent creates a new workflow runner processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	// Unmarshal over defaults so user config only overrides what it sets.
	config := DefaultConfig()
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.GetLogger()

	var models *model.Registry
	if config.ModelsFile != "" {
		loaded, err := model.LoadFromFile(config.ModelsFile)
		if err != nil {
			return nil, fmt.Errorf("load models file %s: %w", config.ModelsFile, err)
		}
		models = loaded
	} else {
		models = model.NewDefaultRegistry()
	}

	return &Component{
		name:        "workflow-runner",
		config:      config,
		natsClient:  deps.NATSClient,
		logger:      logger,
		definitions: workflow.NewRegistry(),
		models:      models,
		llmClient:   llm.NewClient(models, llm.WithLogger(logger)),
		cancelled:   make(map[string]bool),
	}, nil
}

// Initialize loads the workflow definitions from the definitions directory.
// Load failures are not fatal: the watcher can pick up corrected files
// later, and a runner with no definitions still answers requests with run
// failed events.
func (c *Component) Initialize() error {
	defs, err := workflow.LoadDir(c.config.DefinitionsDir, c.config.DefinitionPatterns)
	if err != nil {
		c.logger.Warn("Failed to load workflow definitions",
			"dir", c.config.DefinitionsDir,
			"error", err)
		return nil
	}

	for _, def := range defs {
		if err := c.definitions.Register(def); err != nil {
			c.logger.Warn("Failed to register workflow definition",
				"workflow", def.ID,
				"error", err)
		}
	}

	c.logger.Info("Loaded workflow definitions",
		"dir", c.config.DefinitionsDir,
		"count", c.definitions.Len())
	return nil
}

// Start begins consuming run requests.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	// Get JetStream context
	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("get jetstream: %w", err)
	}

	// Run status persistence
	store, err := storage.NewRunStore(subCtx, js)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create run store: %w", err)
	}
	c.store = store
	c.events = c.natsClient

	// Record agent phase LLM calls when the call store is reachable.
	if callStore, err := llm.NewCallStore(subCtx, js); err != nil {
		c.logger.Warn("LLM call store unavailable, calls will not be recorded", "error", err)
	} else {
		c.llmClient = llm.NewClient(c.models,
			llm.WithLogger(c.logger),
			llm.WithCallStore(callStore),
		)
	}

	if c.backends.Agent == nil {
		c.backends = engine.Backends{
			Agent:  dispatch.NewAgentExecutor(c.llmClient, dispatch.WithAgentLogger(c.logger)),
			Script: dispatch.NewScriptRunner(c.config.ScriptWorkDir, c.logger),
			Output: output.NewProcessor(c.logger),
		}
	}

	// Get or create the stream so the runner works on a fresh server.
	stream, err := js.Stream(subCtx, c.config.StreamName)
	if err != nil {
		stream, err = js.CreateStream(subCtx, jetstream.StreamConfig{
			Name:     c.config.StreamName,
			Subjects: []string{c.config.RequestSubject, workflow.SubjectEventsAll},
		})
		if err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("create stream %s: %w", c.config.StreamName, err)
		}
	}
	c.stream = stream

	consumerConfig := jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.RequestSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    3,
	}

	consumer, err := stream.CreateOrUpdateConsumer(subCtx, consumerConfig)
	if err != nil {
		c.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	// Watch for cancel commands
	go c.watchCancellations(subCtx, js)

	// Hot reload definitions
	if c.config.WatchDefinitions {
		c.startDefinitionWatcher(subCtx)
	}

	// Start consuming run requests
	go c.consumeLoop(subCtx)

	c.logger.Info("workflow-runner started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", c.config.RequestSubject,
		"definitions", c.definitions.Len())

	return nil
}

func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// watchCancellations watches the control bucket for cancel commands and
// marks the named runs for cooperative cancellation between steps.
func (c *Component) watchCancellations(ctx context.Context, js jetstream.JetStream) {
	kv, err := js.KeyValue(ctx, c.config.ControlBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      c.config.ControlBucket,
			Description: "Semflow workflow run control commands",
			History:     1,
		})
		if err != nil {
			c.logger.Error("Failed to get control bucket",
				"bucket", c.config.ControlBucket,
				"error", err)
			return
		}
	}

	watcher, err := kv.Watch(ctx, workflow.ControlKeyPrefix+"*")
	if err != nil {
		c.logger.Error("Failed to create control watcher", "error", err)
		return
	}
	defer watcher.Stop()

	c.logger.Debug("Watching for cancel commands",
		"bucket", c.config.ControlBucket,
		"pattern", workflow.ControlKeyPrefix+"*")

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-watcher.Updates():
			if entry == nil {
				continue
			}

			// Skip delete operations
			if entry.Operation() == jetstream.KeyValueDelete {
				continue
			}

			runID := strings.TrimPrefix(entry.Key(), workflow.ControlKeyPrefix)
			if runID == "" {
				continue
			}

			c.cancelMu.Lock()
			c.cancelled[runID] = true
			c.cancelMu.Unlock()

			c.logger.Info("Run cancellation requested", "run_id", runID)
		}
	}
}

// startDefinitionWatcher wires file watch events into the definition
// registry. Watcher failures degrade to a static registry.
func (c *Component) startDefinitionWatcher(ctx context.Context) {
	watcher, err := workflow.NewWatcher(workflow.WatcherConfig{
		Dir:      c.config.DefinitionsDir,
		Patterns: c.config.DefinitionPatterns,
		Logger:   c.logger,
	})
	if err != nil {
		c.logger.Warn("Failed to create definition watcher", "error", err)
		return
	}
	if err := watcher.Start(ctx); err != nil {
		c.logger.Warn("Failed to start definition watcher", "error", err)
		return
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events():
				if !ok {
					return
				}
				c.handleWatchEvent(event)
			}
		}
	}()
}

// handleWatchEvent applies one definition file change to the registry.
func (c *Component) handleWatchEvent(event workflow.WatchEvent) {
	switch {
	case event.Error != nil:
		c.logger.Warn("Workflow definition reload failed",
			"path", event.Path,
			"error", event.Error)

	case event.Operation == workflow.OpLoad && event.Definition != nil:
		if err := c.definitions.Register(event.Definition); err != nil {
			c.logger.Warn("Failed to register reloaded definition",
				"workflow", event.Definition.ID,
				"error", err)
			return
		}
		c.logger.Info("Workflow definition loaded",
			"workflow", event.Definition.ID,
			"path", event.Path)

	case event.Operation == workflow.OpRemove && event.WorkflowID != "":
		c.definitions.Remove(event.WorkflowID)
		c.logger.Info("Workflow definition removed",
			"workflow", event.WorkflowID,
			"path", event.Path)
	}
}

// consumeLoop continuously consumes run requests from the JetStream consumer.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleMessage processes a single run request.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message during shutdown", "error", err)
		}
		return
	}

	c.requestsReceived.Add(1)
	c.updateLastActivity()

	req, err := workflow.ParseNATSMessage[workflow.RunRequestPayload](msg.Data())
	if err != nil {
		c.logger.Error("Failed to parse run request", "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	if err := req.Validate(); err != nil {
		// Well formed but invalid. Redelivery cannot fix it.
		c.logger.Error("Invalid run request", "error", err)
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}

	// A run can outlive any reasonable AckWait, so the request is acked up
	// front. Outcomes land in the run store and on the event subjects.
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK run request", "error", err)
	}

	c.executeRun(ctx, req)
}

// executeRun drives one workflow run from its initial phase to a terminal
// status, a park, or the step bound. Runs execute serially in the consume
// loop; cancellation is cooperative between steps.
func (c *Component) executeRun(ctx context.Context, req *workflow.RunRequestPayload) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	defer c.clearCancelRequest(runID)

	def, ok := c.definitions.Get(req.WorkflowID)
	if !ok {
		c.runsFailed.Add(1)
		c.logger.Error("Unknown workflow requested",
			"workflow", req.WorkflowID,
			"run_id", runID)
		c.publishEvent(ctx, workflow.RunFailed.Pattern, &workflow.RunFailedPayload{
			RunFailedEvent: workflow.RunFailedEvent{
				RunID:      runID,
				WorkflowID: req.WorkflowID,
				Error:      fmt.Sprintf("unknown workflow %q", req.WorkflowID),
			},
		})
		return
	}
	def = applyDefaultTimeout(def, int64(c.config.DefaultTimeoutMS))

	runCtx := req.Context.Clone()
	if runCtx == nil {
		runCtx = workflow.RunContext{}
	}
	runCtx["run_id"] = runID
	runCtx["workflow_id"] = def.ID

	manager := engine.NewPhaseManager(c.backends, engine.WithLogger(c.logger))
	if err := manager.Initialize(def, runCtx); err != nil {
		c.runsFailed.Add(1)
		c.logger.Error("Failed to initialize run",
			"workflow", def.ID,
			"run_id", runID,
			"error", err)
		c.publishEvent(ctx, workflow.RunFailed.Pattern, &workflow.RunFailedPayload{
			RunFailedEvent: workflow.RunFailedEvent{
				RunID:      runID,
				WorkflowID: def.ID,
				Error:      err.Error(),
			},
		})
		return
	}

	c.logger.Info("Run started",
		"workflow", def.ID,
		"run_id", runID,
		"initial_phase", def.InitialPhase)
	c.publishEvent(ctx, workflow.RunStarted.Pattern, &workflow.RunStartedPayload{
		RunStartedEvent: workflow.RunStartedEvent{
			RunID:        runID,
			WorkflowID:   def.ID,
			InitialPhase: def.InitialPhase,
		},
	})
	c.persistSnapshot(ctx, manager)

	input := req.Input
	for step := 0; step < c.config.MaxSteps; step++ {
		if c.takeCancelRequest(runID) {
			c.cancelRun(ctx, manager, def, runID)
			return
		}

		rec, err := manager.ExecuteCurrentPhase(ctx, input)
		if err != nil {
			// Lifecycle misuse, unreachable after a successful Initialize.
			c.runsFailed.Add(1)
			c.logger.Error("Run execution error",
				"workflow", def.ID,
				"run_id", runID,
				"error", err)
			return
		}
		// Input feeds the first execution only.
		input = nil
		c.updateLastActivity()

		snap, err := manager.WorkflowStatus()
		if err != nil {
			c.runsFailed.Add(1)
			c.logger.Error("Run status unavailable",
				"workflow", def.ID,
				"run_id", runID,
				"error", err)
			return
		}
		c.saveSnapshot(ctx, snap)

		c.publishEvent(ctx, workflow.PhaseExecuted.Pattern, &workflow.PhaseExecutedPayload{
			PhaseExecutedEvent: workflow.PhaseExecutedEvent{
				RunID:       runID,
				WorkflowID:  def.ID,
				PhaseID:     rec.PhaseID,
				ExecutionID: rec.ID,
				Status:      string(rec.Status),
				DurationMs:  executionDurationMs(rec),
				Error:       rec.Error,
			},
		})

		parked, moved := classifyStep(rec, snap)
		if moved {
			c.publishTransition(ctx, def, rec, snap, runID)
		}

		switch snap.Status {
		case workflow.RunStatusCompleted:
			c.runsCompleted.Add(1)
			c.logger.Info("Run completed",
				"workflow", def.ID,
				"run_id", runID,
				"final_phase", snap.CurrentPhase,
				"steps", len(snap.ExecutionHistory))
			c.publishEvent(ctx, workflow.RunCompleted.Pattern, &workflow.RunCompletedPayload{
				RunCompletedEvent: workflow.RunCompletedEvent{
					RunID:      runID,
					WorkflowID: def.ID,
					FinalPhase: snap.CurrentPhase,
					Steps:      len(snap.ExecutionHistory),
					DurationMs: runDurationMs(snap),
				},
			})
			return

		case workflow.RunStatusFailed:
			c.runsFailed.Add(1)
			c.logger.Warn("Run failed",
				"workflow", def.ID,
				"run_id", runID,
				"phase", rec.PhaseID,
				"error", rec.Error)
			c.publishEvent(ctx, workflow.RunFailed.Pattern, &workflow.RunFailedPayload{
				RunFailedEvent: workflow.RunFailedEvent{
					RunID:      runID,
					WorkflowID: def.ID,
					PhaseID:    rec.PhaseID,
					Error:      rec.Error,
				},
			})
			return
		}

		if parked {
			c.parkRun(ctx, def, rec, runID)
			return
		}
	}

	// Step bound reached: the run is cyclic or stuck. Mark the persisted
	// snapshot failed so observers are not left with a running status.
	c.runsFailed.Add(1)
	failMsg := fmt.Sprintf("run exceeded %d steps", c.config.MaxSteps)
	snap, err := manager.WorkflowStatus()
	if err == nil {
		snap.Status = workflow.RunStatusFailed
		now := time.Now()
		snap.CompletedAt = &now
		c.saveSnapshot(ctx, snap)
	}
	c.logger.Warn("Run exceeded step bound",
		"workflow", def.ID,
		"run_id", runID,
		"max_steps", c.config.MaxSteps)
	c.publishEvent(ctx, workflow.RunFailed.Pattern, &workflow.RunFailedPayload{
		RunFailedEvent: workflow.RunFailedEvent{
			RunID:      runID,
			WorkflowID: def.ID,
			PhaseID:    currentPhase(snap),
			Error:      failMsg,
		},
	})
}

// cancelRun stops the run between steps and reports the cancellation.
func (c *Component) cancelRun(ctx context.Context, manager *engine.PhaseManager, def *workflow.Definition, runID string) {
	if err := manager.Cancel(); err != nil {
		c.logger.Warn("Failed to cancel run", "run_id", runID, "error", err)
	}
	c.persistSnapshot(ctx, manager)
	c.runsCancelled.Add(1)

	snap, _ := manager.WorkflowStatus()
	c.logger.Info("Run cancelled",
		"workflow", def.ID,
		"run_id", runID,
		"phase", currentPhase(snap))
	c.publishEvent(ctx, workflow.RunCancelled.Pattern, &workflow.RunCancelledPayload{
		RunCancelledEvent: workflow.RunCancelledEvent{
			RunID:      runID,
			WorkflowID: def.ID,
			PhaseID:    currentPhase(snap),
		},
	})
}

// parkRun reports a run that stopped advancing without reaching a terminal
// phase. Manual phases park by design and request operator input; any other
// park means no transition condition matched the phase output.
func (c *Component) parkRun(ctx context.Context, def *workflow.Definition, rec *workflow.PhaseExecution, runID string) {
	c.runsParked.Add(1)

	phase := def.Phase(rec.PhaseID)
	if phase != nil && phase.Type == workflow.PhaseTypeManual {
		c.logger.Info("Run parked awaiting manual input",
			"workflow", def.ID,
			"run_id", runID,
			"phase", rec.PhaseID)
		c.publishEvent(ctx, workflow.ManualInputRequired.Pattern, &workflow.ManualInputRequiredPayload{
			ManualInputRequiredEvent: workflow.ManualInputRequiredEvent{
				RunID:      runID,
				WorkflowID: def.ID,
				PhaseID:    rec.PhaseID,
			},
		})
		return
	}

	c.logger.Warn("Run parked with no matching transition",
		"workflow", def.ID,
		"run_id", runID,
		"phase", rec.PhaseID)
}

// publishTransition reports the transition the manager took for this step.
// The transition is recovered by replaying the manager's choice against the
// recorded output; when recovery fails only the phase movement is reported.
func (c *Component) publishTransition(ctx context.Context, def *workflow.Definition, rec *workflow.PhaseExecution, snap *workflow.Status, runID string) {
	event := workflow.TransitionTakenEvent{
		RunID:      runID,
		WorkflowID: def.ID,
		FromPhase:  rec.PhaseID,
		ToPhase:    snap.CurrentPhase,
	}
	if taken, ok := pickTransition(def, rec, snap.CurrentPhase, c.logger); ok {
		event.TransitionID = taken.ID
		event.Priority = taken.Priority
	}
	c.publishEvent(ctx, workflow.TransitionTaken.Pattern, &workflow.TransitionTakenPayload{
		TransitionTakenEvent: event,
	})
}

// publishEvent wraps the payload in a BaseMessage envelope and publishes it
// to the event stream. Publish failures are logged, never fatal: the run
// store remains the source of truth.
func (c *Component) publishEvent(ctx context.Context, subject string, payload message.Payload) {
	if c.events == nil {
		return
	}

	baseMsg := message.NewBaseMessage(payload.Schema(), payload, "semflow")
	data, err := json.Marshal(baseMsg)
	if err != nil {
		c.logger.Error("Failed to marshal event", "subject", subject, "error", err)
		return
	}

	if err := c.events.PublishToStream(ctx, subject, data); err != nil {
		c.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}

// persistSnapshot saves the manager's current status snapshot.
func (c *Component) persistSnapshot(ctx context.Context, manager *engine.PhaseManager) {
	snap, err := manager.WorkflowStatus()
	if err != nil {
		c.logger.Warn("Run status unavailable", "error", err)
		return
	}
	c.saveSnapshot(ctx, snap)
}

func (c *Component) saveSnapshot(ctx context.Context, snap *workflow.Status) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveStatus(ctx, snap); err != nil {
		c.logger.Warn("Failed to persist run status",
			"run_id", snap.RunID,
			"error", err)
	}
}

// takeCancelRequest consumes a pending cancel request for the run.
func (c *Component) takeCancelRequest(runID string) bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancelled[runID] {
		delete(c.cancelled, runID)
		return true
	}
	return false
}

func (c *Component) clearCancelRequest(runID string) {
	c.cancelMu.Lock()
	delete(c.cancelled, runID)
	c.cancelMu.Unlock()
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}

	// Copy cancel function and clear state before releasing lock
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if c.watcher != nil {
		if err := c.watcher.Stop(); err != nil {
			c.logger.Warn("Failed to stop definition watcher", "error", err)
		}
	}

	// Cancel context after releasing lock to avoid potential deadlock
	if cancel != nil {
		cancel()
	}

	c.logger.Info("workflow-runner stopped",
		"requests_received", c.requestsReceived.Load(),
		"runs_completed", c.runsCompleted.Load(),
		"runs_failed", c.runsFailed.Load(),
		"runs_cancelled", c.runsCancelled.Load(),
		"runs_parked", c.runsParked.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "workflow-runner",
		Type:        "processor",
		Description: "Executes workflow runs phase by phase with agent and script backends",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return runnerSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.runsFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}

// applyDefaultTimeout returns a definition whose phases all carry a timeout,
// filling the default into phases that have none. The shared original is
// never mutated; when no phase needs the default it is returned as is.
func applyDefaultTimeout(def *workflow.Definition, defaultMS int64) *workflow.Definition {
	if defaultMS <= 0 {
		return def
	}

	needed := false
	for i := range def.Phases {
		if def.Phases[i].TimeoutMs <= 0 {
			needed = true
			break
		}
	}
	if !needed {
		return def
	}

	clone := *def
	clone.Phases = make([]workflow.PhaseDefinition, len(def.Phases))
	copy(clone.Phases, def.Phases)
	for i := range clone.Phases {
		if clone.Phases[i].TimeoutMs <= 0 {
			clone.Phases[i].TimeoutMs = defaultMS
		}
	}
	return &clone
}

// classifyStep inspects a step outcome. parked means the phase completed but
// the run stayed put with nothing left to do; moved means a transition was
// taken, including self transitions.
func classifyStep(rec *workflow.PhaseExecution, snap *workflow.Status) (parked, moved bool) {
	if rec.Status != workflow.ExecutionStatusCompleted {
		return false, false
	}

	if snap.CurrentPhase != rec.PhaseID {
		return false, true
	}

	info, ok := snap.Phases[rec.PhaseID]
	if !ok {
		return false, false
	}

	// Same phase, still running: a self transition re-entered it.
	if snap.Status == workflow.RunStatusRunning && info.Status == workflow.PhaseStatusRunning {
		return false, true
	}

	// Same phase, completed, run still going: nothing matched the output.
	if snap.Status == workflow.RunStatusRunning && info.Status == workflow.PhaseStatusCompleted {
		return true, false
	}

	return false, false
}

// pickTransition replays the manager's transition choice for an executed
// phase: highest priority valid transition, declaration order breaking
// ties. Reports false when the replay does not land on the phase the run
// actually moved to.
func pickTransition(def *workflow.Definition, rec *workflow.PhaseExecution, target string, logger *slog.Logger) (workflow.Transition, bool) {
	phase := def.Phase(rec.PhaseID)
	if phase == nil || rec.Output == nil {
		return workflow.Transition{}, false
	}

	var valid []workflow.Transition
	for i := range phase.Transitions {
		t := phase.Transitions[i]
		if t.Condition.Evaluate(rec.Output, logger) {
			valid = append(valid, t)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Priority > valid[j].Priority
	})

	if len(valid) > 0 && valid[0].TargetPhase == target {
		return valid[0], true
	}
	return workflow.Transition{}, false
}

func executionDurationMs(rec *workflow.PhaseExecution) int64 {
	if rec.CompletedAt == nil {
		return 0
	}
	return rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
}

func runDurationMs(snap *workflow.Status) int64 {
	if snap.CompletedAt == nil {
		return 0
	}
	return snap.CompletedAt.Sub(snap.StartedAt).Milliseconds()
}

func currentPhase(snap *workflow.Status) string {
	if snap == nil {
		return ""
	}
	return snap.CurrentPhase
}
