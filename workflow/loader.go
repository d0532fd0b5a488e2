package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DefaultDefinitionPatterns are the glob patterns LoadDir uses when none are
// configured.
var DefaultDefinitionPatterns = []string{"**/*.yaml", "**/*.yml"}

// LoadBytes parses a workflow definition from YAML and validates it. JSON
// input parses too, since JSON is valid YAML.
func LoadBytes(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile reads and parses one workflow definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition %s: %w", path, err)
	}
	def, err := LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("load workflow definition %s: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every definition file under dir matching the glob patterns.
// Patterns are relative to dir and support ** for recursive matching. Files
// are loaded in sorted path order so results are deterministic, and two
// files defining the same workflow id is an error.
func LoadDir(dir string, patterns []string) ([]*Definition, error) {
	paths, err := globDefinitionPaths(dir, patterns)
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
	}
	return defs, nil
}

// globDefinitionPaths expands the patterns against dir, returning matching
// regular files deduplicated and sorted.
func globDefinitionPaths(dir string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultDefinitionPatterns
	}

	var paths []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			if !seen[match] {
				seen[match] = true
				paths = append(paths, match)
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Registry holds workflow definitions keyed by id. It is safe for
// concurrent use; Register replaces any existing definition with the same
// id, which is how file-watch reloads take effect.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates and stores a definition, replacing any previous one
// with the same id.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("register workflow: nil definition")
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("register workflow %q: %w", def.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// Get returns the definition with the given id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// Remove drops the definition with the given id, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, id)
}

// List returns the registered workflow ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
