package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/shared/common"
)

// CircuitState is the closed set of breaker states
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

func circuitStateOf(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// BreakerConfig represents circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold" mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold" json:"success_threshold" mapstructure:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout" mapstructure:"reset_timeout"`
	Interval         time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
}

// DefaultBreakerConfig returns a default circuit breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	return c
}

// StateChangeFunc is notified on every breaker transition
type StateChangeFunc func(name string, from, to CircuitState)

// CircuitBreaker wraps gobreaker.CircuitBreaker and counts trips
type CircuitBreaker struct {
	cb         *gobreaker.CircuitBreaker
	config     BreakerConfig
	trips      atomic.Int64
	lastChange atomic.Int64
	name       string
}

// BreakerStats is a point-in-time view of a breaker
type BreakerStats struct {
	Name                 string       `json:"name"`
	State                CircuitState `json:"state"`
	Requests             uint32       `json:"requests"`
	TotalSuccesses       uint32       `json:"total_successes"`
	TotalFailures        uint32       `json:"total_failures"`
	ConsecutiveSuccesses uint32       `json:"consecutive_successes"`
	ConsecutiveFailures  uint32       `json:"consecutive_failures"`
	Trips                int64        `json:"trips"`
	LastStateChange      time.Time    `json:"last_state_change"`
}

func newCircuitBreaker(name string, config BreakerConfig, logger *zap.Logger, onChange StateChangeFunc) *CircuitBreaker {
	config = config.withDefaults()
	breaker := &CircuitBreaker{config: config, name: name}
	breaker.lastChange.Store(time.Now().UnixNano())

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.SuccessThreshold,
		Interval:    config.Interval,
		Timeout:     config.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			breaker.lastChange.Store(time.Now().UnixNano())
			if to == gobreaker.StateOpen {
				breaker.trips.Add(1)
			}
			logger.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if onChange != nil {
				onChange(name, circuitStateOf(from), circuitStateOf(to))
			}
		},
	}

	breaker.cb = gobreaker.NewCircuitBreaker(settings)
	return breaker
}

// Execute runs fn through the breaker. Rejections while open surface as CIRCUIT_OPEN.
func (b *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return result, common.NewAppErrorWithCause(common.ErrCodeCircuitOpen, "circuit breaker "+b.name+" rejected the call", err)
	}
	return result, err
}

// State returns the current breaker state
func (b *CircuitBreaker) State() CircuitState {
	return circuitStateOf(b.cb.State())
}

// Trips returns how many times the breaker has opened
func (b *CircuitBreaker) Trips() int64 {
	return b.trips.Load()
}

// Stats returns current counters
func (b *CircuitBreaker) Stats() BreakerStats {
	counts := b.cb.Counts()
	return BreakerStats{
		Name:                 b.name,
		State:                b.State(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		Trips:                b.Trips(),
		LastStateChange:      time.Unix(0, b.lastChange.Load()),
	}
}

// BreakerManager manages one circuit breaker per name
type BreakerManager struct {
	breakers map[string]*CircuitBreaker
	configs  map[string]BreakerConfig
	mutex    sync.RWMutex
	logger   *zap.Logger
	onChange StateChangeFunc
}

// NewBreakerManager creates a new circuit breaker manager
func NewBreakerManager(logger *zap.Logger, onChange StateChangeFunc) *BreakerManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]BreakerConfig),
		logger:   logger,
		onChange: onChange,
	}
}

// GetOrCreate gets an existing circuit breaker or creates a new one
func (m *BreakerManager) GetOrCreate(name string, config BreakerConfig) *CircuitBreaker {
	m.mutex.RLock()
	if cb, exists := m.breakers[name]; exists {
		m.mutex.RUnlock()
		return cb
	}
	m.mutex.RUnlock()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := m.breakers[name]; exists {
		return cb
	}

	cb := newCircuitBreaker(name, config, m.logger, m.onChange)
	m.breakers[name] = cb
	m.configs[name] = cb.config

	m.logger.Info("Circuit breaker created",
		zap.String("name", name),
		zap.Uint32("failure_threshold", cb.config.FailureThreshold),
		zap.Duration("reset_timeout", cb.config.ResetTimeout),
	)

	return cb
}

// Replace swaps in a breaker built from a new configuration
func (m *BreakerManager) Replace(name string, config BreakerConfig) *CircuitBreaker {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cb := newCircuitBreaker(name, config, m.logger, m.onChange)
	m.breakers[name] = cb
	m.configs[name] = cb.config
	return cb
}

// Get gets an existing circuit breaker
func (m *BreakerManager) Get(name string) (*CircuitBreaker, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	cb, exists := m.breakers[name]
	return cb, exists
}

// Reset rebuilds the named breaker in the closed state with zeroed counters
func (m *BreakerManager) Reset(name string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	config, exists := m.configs[name]
	if !exists {
		return false
	}
	m.breakers[name] = newCircuitBreaker(name, config, m.logger, m.onChange)

	m.logger.Info("Circuit breaker reset", zap.String("name", name))
	return true
}

// Remove removes a circuit breaker
func (m *BreakerManager) Remove(name string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.breakers, name)
	delete(m.configs, name)
}

// GetAllStats returns stats for every breaker
func (m *BreakerManager) GetAllStats() map[string]BreakerStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make(map[string]BreakerStats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}
