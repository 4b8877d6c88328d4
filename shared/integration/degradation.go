package integration

import (
	"sync"

	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// DegradationController is the external degraded-mode signal consulted on every health check
type DegradationController interface {
	IsDegraded(kind types.IntegrationKind) bool
	DegradationLevel(kind types.IntegrationKind) float64
	ExitDegradedMode(kind types.IntegrationKind)
}

// DegradationSetter is implemented by controllers that can be driven by the orchestrator
type DegradationSetter interface {
	EnterDegradedMode(kind types.IntegrationKind, level float64)
}

// DegradationRegistry is an in-memory DegradationController.
// Levels are in (0, 1]; a kind without a level is not degraded.
type DegradationRegistry struct {
	mu     sync.RWMutex
	levels map[types.IntegrationKind]float64
}

// NewDegradationRegistry creates an empty registry
func NewDegradationRegistry() *DegradationRegistry {
	return &DegradationRegistry{levels: make(map[types.IntegrationKind]float64)}
}

// EnterDegradedMode marks kind degraded. Levels outside (0, 1] are clamped; zero means fully degraded.
func (r *DegradationRegistry) EnterDegradedMode(kind types.IntegrationKind, level float64) {
	if level <= 0 || level > 1 {
		level = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[kind] = level
}

// ExitDegradedMode clears the degraded flag for kind
func (r *DegradationRegistry) ExitDegradedMode(kind types.IntegrationKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.levels, kind)
}

// IsDegraded reports whether kind is degraded
func (r *DegradationRegistry) IsDegraded(kind types.IntegrationKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.levels[kind]
	return ok
}

// DegradationLevel returns the level for kind, or zero
func (r *DegradationRegistry) DegradationLevel(kind types.IntegrationKind) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.levels[kind]
}
