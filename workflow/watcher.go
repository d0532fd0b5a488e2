package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures the definition file watcher
type WatcherConfig struct {
	// Dir is the root directory holding workflow definition files
	Dir string

	// Patterns are the glob patterns a file must match, relative to Dir.
	// Defaults to DefaultDefinitionPatterns.
	Patterns []string

	// DebounceDelay is how long to wait for more changes before processing
	DebounceDelay time.Duration

	// Logger for logging events
	Logger *slog.Logger
}

// WatchOperation indicates what happened to a definition file
type WatchOperation string

const (
	// OpLoad means a definition file appeared or changed and parsed cleanly.
	// Creates and modifies collapse into one operation since both mean
	// re-register.
	OpLoad WatchOperation = "load"

	// OpRemove means a definition file was deleted or renamed away.
	OpRemove WatchOperation = "remove"
)

// WatchEvent represents a definition file change
type WatchEvent struct {
	// Path is the file path relative to the watched directory
	Path string

	// Operation is the type of change
	Operation WatchOperation

	// Definition is the parsed definition (nil for removes and parse failures)
	Definition *Definition

	// WorkflowID is the id previously loaded from this path, set on removes
	WorkflowID string

	// Error if parsing failed
	Error error
}

// Watcher watches a directory tree for workflow definition changes and
// emits parsed definitions, so registries can hot-reload without a restart
type Watcher struct {
	config  WatcherConfig
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// Debouncing: collect changes before processing
	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op // path → most recent operation

	// path → workflow id, so removes can name the definition they drop
	idsMu sync.Mutex
	ids   map[string]string

	// Output channel
	events chan WatchEvent
}

// NewWatcher creates a new definition file watcher
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if config.DebounceDelay == 0 {
		config.DebounceDelay = 100 * time.Millisecond
	}
	if len(config.Patterns) == 0 {
		config.Patterns = DefaultDefinitionPatterns
	}

	return &Watcher{
		config:  config,
		watcher: fsw,
		logger:  logger,
		pending: make(map[string]fsnotify.Op),
		ids:     make(map[string]string),
		events:  make(chan WatchEvent, 100),
	}, nil
}

// Events returns the channel of watch events
func (w *Watcher) Events() <-chan WatchEvent {
	return w.events
}

// LoadExisting loads every definition already present under the watched
// directory and records which file each workflow id came from, so later
// removes can name the definition they drop. Call before Start to seed a
// registry.
func (w *Watcher) LoadExisting() ([]*Definition, error) {
	paths, err := globDefinitionPaths(w.config.Dir, w.config.Patterns)
	if err != nil {
		return nil, err
	}

	defs := make([]*Definition, 0, len(paths))
	byID := make(map[string]string, len(paths))
	for _, path := range paths {
		def, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := byID[def.ID]; ok {
			return nil, fmt.Errorf("workflow %q defined in both %s and %s", def.ID, prev, path)
		}
		byID[def.ID] = path
		defs = append(defs, def)

		if rel, err := filepath.Rel(w.config.Dir, path); err == nil {
			w.idsMu.Lock()
			w.ids[rel] = def.ID
			w.idsMu.Unlock()
		}
	}
	return defs, nil
}

// Start begins watching the directory for changes
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addWatchesRecursive(w.config.Dir); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("Definition watcher started",
		"dir", w.config.Dir,
		"patterns", strings.Join(w.config.Patterns, ","),
		"debounce", w.config.DebounceDelay)

	return nil
}

// Stop stops watching. The events channel is closed by the processing
// goroutine once it drains, so consumers ranging over Events terminate.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// addWatchesRecursive adds watches to all directories
func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() {
			return nil
		}

		// Skip hidden directories
		base := filepath.Base(path)
		if path != root && strings.HasPrefix(base, ".") {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory",
				"path", path,
				"error", err)
		} else {
			w.logger.Debug("Watching directory", "path", path)
		}

		return nil
	})
}

// processEvents handles fsnotify events with debouncing. It owns the
// events channel and closes it on exit.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)

	ticker := time.NewTicker(w.config.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

// handleFSEvent processes a single fsnotify event
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name

	relPath, err := filepath.Rel(w.config.Dir, path)
	if err != nil {
		return
	}

	if !w.matchesPatterns(relPath) {
		// But handle directory creation (for new watches)
		if event.Has(fsnotify.Create) {
			if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
				w.handleNewDirectory(path)
			}
		}
		return
	}

	// Accumulate pending changes
	w.pendingMu.Lock()
	w.pending[path] = event.Op
	w.pendingMu.Unlock()

	w.logger.Debug("Definition change detected",
		"path", relPath,
		"op", event.Op.String())
}

// matchesPatterns reports whether the relative path matches any configured
// glob pattern
func (w *Watcher) matchesPatterns(relPath string) bool {
	slashed := filepath.ToSlash(relPath)
	for _, pattern := range w.config.Patterns {
		if ok, err := doublestar.Match(pattern, slashed); err == nil && ok {
			return true
		}
	}
	return false
}

// handleNewDirectory adds a watch to a newly created directory
func (w *Watcher) handleNewDirectory(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return
	}

	if err := w.watcher.Add(path); err != nil {
		w.logger.Warn("Failed to watch new directory",
			"path", path,
			"error", err)
	} else {
		w.logger.Debug("Added watch for new directory", "path", path)
	}
}

// flushPending processes accumulated changes
func (w *Watcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}

	// Copy and clear pending
	toProcess := make(map[string]fsnotify.Op)
	for k, v := range w.pending {
		toProcess[k] = v
	}
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for path, op := range toProcess {
		select {
		case <-ctx.Done():
			return
		default:
		}

		relPath, _ := filepath.Rel(w.config.Dir, path)

		if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
			w.emitRemove(relPath)
			continue
		}

		// Check if file still exists
		if _, err := os.Stat(path); os.IsNotExist(err) {
			w.emitRemove(relPath)
			continue
		}

		def, err := LoadFile(path)
		if err != nil {
			w.sendEvent(WatchEvent{Path: relPath, Operation: OpLoad, Error: err})
			continue
		}

		// A file rewritten with a different workflow id drops the old one
		w.idsMu.Lock()
		oldID, hadID := w.ids[relPath]
		w.ids[relPath] = def.ID
		w.idsMu.Unlock()
		if hadID && oldID != def.ID {
			w.sendEvent(WatchEvent{Path: relPath, Operation: OpRemove, WorkflowID: oldID})
		}

		w.sendEvent(WatchEvent{Path: relPath, Operation: OpLoad, Definition: def})
	}
}

// emitRemove emits a remove event for a path, naming the workflow id it
// previously carried
func (w *Watcher) emitRemove(relPath string) {
	w.idsMu.Lock()
	id, ok := w.ids[relPath]
	delete(w.ids, relPath)
	w.idsMu.Unlock()

	if !ok {
		// Never successfully loaded, nothing to withdraw
		return
	}
	w.sendEvent(WatchEvent{Path: relPath, Operation: OpRemove, WorkflowID: id})
}

// sendEvent sends an event to the output channel
func (w *Watcher) sendEvent(event WatchEvent) {
	select {
	case w.events <- event:
		w.logger.Debug("Sent watch event",
			"path", event.Path,
			"op", event.Operation)
	default:
		w.logger.Warn("Event channel full, dropping event",
			"path", event.Path)
	}
}
