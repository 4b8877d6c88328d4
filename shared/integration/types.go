package integration

import (
	"context"
	"time"

	"github.com/cpa02cmz/quanforge-sub008/shared/resilience"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// EventType is the closed set of orchestrator events
type EventType string

const (
	EventStatusChanged          EventType = "status_changed"
	EventHealthCheckPassed      EventType = "health_check_passed"
	EventHealthCheckFailed      EventType = "health_check_failed"
	EventCircuitBreakerOpened   EventType = "circuit_breaker_opened"
	EventCircuitBreakerClosed   EventType = "circuit_breaker_closed"
	EventCircuitBreakerHalfOpen EventType = "circuit_breaker_half_open"
	EventDegradedModeEntered    EventType = "degraded_mode_entered"
	EventDegradedModeExited     EventType = "degraded_mode_exited"
	EventRecoveryStarted        EventType = "recovery_started"
	EventRecoveryCompleted      EventType = "recovery_completed"
	EventRegistered             EventType = "registered"
	EventUnregistered           EventType = "unregistered"
)

// AllEventTypes returns every event type
func AllEventTypes() []EventType {
	return []EventType{
		EventStatusChanged,
		EventHealthCheckPassed,
		EventHealthCheckFailed,
		EventCircuitBreakerOpened,
		EventCircuitBreakerClosed,
		EventCircuitBreakerHalfOpen,
		EventDegradedModeEntered,
		EventDegradedModeExited,
		EventRecoveryStarted,
		EventRecoveryCompleted,
		EventRegistered,
		EventUnregistered,
	}
}

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is an immutable record of something that happened to an integration
type Event struct {
	ID          types.EventID          `json:"id"`
	Type        EventType              `json:"type"`
	Integration string                 `json:"integration"`
	Kind        types.IntegrationKind  `json:"kind"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// HealthResult is returned by an integration health check
type HealthResult struct {
	Healthy bool                   `json:"healthy"`
	Latency time.Duration          `json:"latency"`
	Error   error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheckFunc probes an integration
type HealthCheckFunc func(ctx context.Context) HealthResult

// RecoveryHandler attempts to bring an integration back; it reports success
type RecoveryHandler func(ctx context.Context) bool

// ShutdownFunc releases an integration's resources
type ShutdownFunc func(ctx context.Context) error

// StatusChange is passed to Descriptor.OnStatusChange
type StatusChange struct {
	Integration string                `json:"integration"`
	Kind        types.IntegrationKind `json:"kind"`
	Previous    types.HealthStatus    `json:"previous"`
	Current     types.HealthStatus    `json:"current"`
	Timestamp   time.Time             `json:"timestamp"`
	Error       string                `json:"error,omitempty"`
}

// Descriptor describes an integration to the orchestrator
type Descriptor struct {
	Name         string
	Kind         types.IntegrationKind
	Priority     types.Priority
	Dependencies []string

	HealthCheck      HealthCheckFunc
	RecoveryHandler  RecoveryHandler
	GracefulShutdown ShutdownFunc
	OnStatusChange   func(StatusChange)

	// Zero values fall back to the orchestrator config
	HealthCheckTimeout time.Duration
	CallTimeout        time.Duration
	Breaker            resilience.BreakerConfig
	Retry              resilience.RetryPolicy

	// RateLimit caps Execute attempts per second; zero disables limiting
	RateLimit float64
	RateBurst int
}

// StatusInfo is the orchestrator's record for one integration
type StatusInfo struct {
	Name                 string                  `json:"name"`
	Kind                 types.IntegrationKind   `json:"kind"`
	Priority             types.Priority          `json:"priority"`
	Status               types.HealthStatus      `json:"status"`
	ConsecutiveFailures  int                     `json:"consecutive_failures"`
	ConsecutiveSuccesses int                     `json:"consecutive_successes"`
	TotalChecks          int64                   `json:"total_checks"`
	TotalFailures        int64                   `json:"total_failures"`
	Latency              time.Duration           `json:"latency"`
	CircuitState         resilience.CircuitState `json:"circuit_state"`
	Uptime               float64                 `json:"uptime"`
	ErrorRate            float64                 `json:"error_rate"`
	LastError            string                  `json:"last_error,omitempty"`
	LastErrorCategory    string                  `json:"last_error_category,omitempty"`
	LastCheck            time.Time               `json:"last_check"`
	LastStatusChange     time.Time               `json:"last_status_change"`
	DependenciesMet      bool                    `json:"dependencies_met"`
	UnmetDependencies    []string                `json:"unmet_dependencies,omitempty"`
	Degraded             bool                    `json:"degraded"`
	DegradationLevel     float64                 `json:"degradation_level"`
}

// InitResult reports how one integration came up during Initialize
type InitResult struct {
	Name              string             `json:"name"`
	Success           bool               `json:"success"`
	Status            types.HealthStatus `json:"status"`
	Duration          time.Duration      `json:"duration"`
	UnmetDependencies []string           `json:"unmet_dependencies,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// SystemSummary rolls every integration up into one status
type SystemSummary struct {
	Status            types.HealthStatus `json:"status"`
	Total             int                `json:"total"`
	Healthy           int                `json:"healthy"`
	Degraded          int                `json:"degraded"`
	Unhealthy         int                `json:"unhealthy"`
	Unknown           int                `json:"unknown"`
	AverageUptime     float64            `json:"average_uptime"`
	CriticalUnhealthy []string           `json:"critical_unhealthy,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
}

// IntegrationMetrics are call statistics gathered by Execute
type IntegrationMetrics struct {
	Name                string                  `json:"name"`
	Kind                types.IntegrationKind   `json:"kind"`
	Status              types.HealthStatus      `json:"status"`
	Requests            int64                   `json:"requests"`
	Failures            int64                   `json:"failures"`
	ErrorRate           float64                 `json:"error_rate"`
	LatencyP50          time.Duration           `json:"latency_p50"`
	LatencyP95          time.Duration           `json:"latency_p95"`
	LatencyP99          time.Duration           `json:"latency_p99"`
	CircuitState        resilience.CircuitState `json:"circuit_state"`
	CircuitTrips        int64                   `json:"circuit_trips"`
	FallbackUsage       int64                   `json:"fallback_usage"`
	Uptime              float64                 `json:"uptime"`
	ConsecutiveFailures int                     `json:"consecutive_failures"`
}

// Diagnostics is a detailed view of one integration
type Diagnostics struct {
	Status             StatusInfo              `json:"status"`
	Dependencies       []string                `json:"dependencies,omitempty"`
	HasRecoveryHandler bool                    `json:"has_recovery_handler"`
	HasGracefulStop    bool                    `json:"has_graceful_shutdown"`
	Breaker            resilience.BreakerStats `json:"breaker"`
	Metrics            IntegrationMetrics      `json:"metrics"`
	LastDetails        map[string]interface{}  `json:"last_details,omitempty"`
	RecentEvents       []Event                 `json:"recent_events"`
}

// Config represents orchestrator configuration
type Config struct {
	HealthCheckInterval       time.Duration            `yaml:"health_check_interval" json:"health_check_interval" mapstructure:"health_check_interval"`
	HealthCheckTimeout        time.Duration            `yaml:"health_check_timeout" json:"health_check_timeout" mapstructure:"health_check_timeout"`
	MaxConcurrentHealthChecks int                      `yaml:"max_concurrent_health_checks" json:"max_concurrent_health_checks" mapstructure:"max_concurrent_health_checks"`
	CallTimeout               time.Duration            `yaml:"call_timeout" json:"call_timeout" mapstructure:"call_timeout"`
	EventHistorySize          int                      `yaml:"event_history_size" json:"event_history_size" mapstructure:"event_history_size"`
	MaxSubscribers            int                      `yaml:"max_subscribers" json:"max_subscribers" mapstructure:"max_subscribers"`
	LatencyWindowSize         int                      `yaml:"latency_window_size" json:"latency_window_size" mapstructure:"latency_window_size"`
	Breaker                   resilience.BreakerConfig `yaml:"breaker" json:"breaker" mapstructure:"breaker"`
	Retry                     resilience.RetryPolicy   `yaml:"retry" json:"retry" mapstructure:"retry"`
}

// DefaultConfig returns a default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval:       30 * time.Second,
		HealthCheckTimeout:        5 * time.Second,
		MaxConcurrentHealthChecks: 5,
		CallTimeout:               10 * time.Second,
		EventHistorySize:          200,
		MaxSubscribers:            100,
		LatencyWindowSize:         100,
		Breaker:                   resilience.DefaultBreakerConfig(),
		Retry:                     resilience.DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = def.HealthCheckTimeout
	}
	if c.MaxConcurrentHealthChecks <= 0 {
		c.MaxConcurrentHealthChecks = def.MaxConcurrentHealthChecks
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.EventHistorySize <= 0 {
		c.EventHistorySize = def.EventHistorySize
	}
	if c.MaxSubscribers <= 0 {
		c.MaxSubscribers = def.MaxSubscribers
	}
	if c.LatencyWindowSize <= 0 {
		c.LatencyWindowSize = def.LatencyWindowSize
	}
	if c.Retry.BackoffMultiplier <= 0 {
		c.Retry = def.Retry
	}
	return c
}
