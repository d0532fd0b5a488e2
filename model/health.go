package model

import (
	"sync"
	"time"
)

// EndpointHealth tracks the health status of a model endpoint.
type EndpointHealth struct {
	// Available indicates if the endpoint is currently usable.
	Available bool `json:"available"`

	// LastSuccess is the time of the last successful request.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the time of the last failed request.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureCount is the number of consecutive failures.
	FailureCount int `json:"failure_count"`

	// CircuitOpen indicates if the circuit breaker has tripped.
	CircuitOpen bool `json:"circuit_open"`

	// CircuitOpenedAt is when the circuit was opened.
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the health tracking behavior.
type HealthConfig struct {
	// FailureThreshold is the number of failures before opening the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long to wait before trying a failed endpoint again.
	RecoveryTimeout time.Duration

	// HalfOpenRequests is how many test requests to allow when recovering.
	HalfOpenRequests int
}

// DefaultHealthConfig returns sensible defaults for health tracking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// healthState stores endpoint health information behind a single lock.
type healthState struct {
	mu       sync.RWMutex
	config   HealthConfig
	statuses map[string]*EndpointHealth
}

// newHealthState creates a new health state tracker.
func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		config:   cfg,
		statuses: make(map[string]*EndpointHealth),
	}
}

// getOrCreate returns the status entry for an endpoint. Caller must hold mu.
func (h *healthState) getOrCreate(name string) *EndpointHealth {
	if status, ok := h.statuses[name]; ok {
		return status
	}
	status := &EndpointHealth{Available: true}
	h.statuses[name] = status
	return status
}

func (h *healthState) markSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.getOrCreate(name)
	status.LastSuccess = time.Now()
	status.FailureCount = 0
	status.Available = true
	status.CircuitOpen = false
}

func (h *healthState) markFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.getOrCreate(name)
	status.LastFailure = time.Now()
	status.FailureCount++

	if status.FailureCount >= h.config.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = time.Now()
		status.Available = false
	}
}

func (h *healthState) available(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status, ok := h.statuses[name]
	if !ok || !status.CircuitOpen {
		return true
	}
	// Circuit open: allow a half-open probe once the recovery timeout passes.
	return time.Since(status.CircuitOpenedAt) > h.config.RecoveryTimeout
}

func (h *healthState) snapshot(name string) *EndpointHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status, ok := h.statuses[name]
	if !ok {
		return nil
	}
	out := *status
	return &out
}

func (h *healthState) setConfig(cfg HealthConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = cfg
}

func (h *healthState) reset(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.statuses, name)
}

// ensureHealth returns the health tracker, creating one for registries that
// bypassed the constructors.
func (r *Registry) ensureHealth() *healthState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.health == nil {
		r.health = newHealthState(DefaultHealthConfig())
	}
	return r.health
}

// MarkEndpointSuccess records a successful request to an endpoint and closes
// its circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	r.ensureHealth().markSuccess(name)
}

// MarkEndpointFailure records a failed request to an endpoint. Reaching the
// failure threshold opens the circuit.
func (r *Registry) MarkEndpointFailure(name string) {
	r.ensureHealth().markFailure(name)
}

// IsEndpointAvailable checks if an endpoint is available for requests.
// Returns false if the circuit breaker is open and the recovery timeout has
// not passed yet.
func (r *Registry) IsEndpointAvailable(name string) bool {
	return r.ensureHealth().available(name)
}

// GetEndpointHealth returns a copy of the health status for an endpoint.
// Returns nil if no health information is available.
func (r *Registry) GetEndpointHealth(name string) *EndpointHealth {
	return r.ensureHealth().snapshot(name)
}

// GetAvailableFallbackChain returns the fallback chain filtered to only
// available endpoints, so the LLM client can skip open circuits during
// fallback iteration.
func (r *Registry) GetAvailableFallbackChain(cap Capability) []string {
	chain := r.GetFallbackChain(cap)
	available := make([]string, 0, len(chain))

	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}

	// When every endpoint is unavailable, return the full chain rather than
	// nothing and let the client surface the real errors.
	if len(available) == 0 {
		return chain
	}

	return available
}

// SetHealthConfig updates the health tracking configuration.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	r.ensureHealth().setConfig(cfg)
}

// ResetEndpointHealth clears the health status for an endpoint.
func (r *Registry) ResetEndpointHealth(name string) {
	r.ensureHealth().reset(name)
}
