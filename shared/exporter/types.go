package exporter

import (
	"context"
	"fmt"
	"time"

	"github.com/cpa02cmz/quanforge-sub008/shared/discovery"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/pool"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// SystemScope is the integration label used for thresholds on system-wide metrics
const SystemScope = "system"

// SummarySource provides orchestrator state; *integration.Orchestrator satisfies it
type SummarySource interface {
	GetSystemSummary() integration.SystemSummary
	GetIntegrationMetrics() []integration.IntegrationMetrics
}

// DiscoverySource provides registry counters
type DiscoverySource interface {
	GetStats() discovery.Stats
}

// PoolSource provides connection pool metrics; any *pool.Pool[T] satisfies it
type PoolSource interface {
	GetMetrics() pool.Metrics
}

// SnapshotStore persists snapshots outside the process
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
}

// AlertSink receives every recorded alert
type AlertSink interface {
	IndexAlert(ctx context.Context, alert Alert) error
}

// Snapshot is a point-in-time view of the integration layer
type Snapshot struct {
	Timestamp    time.Time                        `json:"timestamp"`
	System       integration.SystemSummary        `json:"system"`
	Integrations []integration.IntegrationMetrics `json:"integrations"`
	Pools        []pool.Metrics                   `json:"pools,omitempty"`
	Discovery    *discovery.Stats                 `json:"discovery,omitempty"`
}

// Operator compares a metric value against a threshold value
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
	OpNotEqual       Operator = "neq"
)

// Compare applies the operator to value and threshold
func (o Operator) Compare(value, threshold float64) (bool, error) {
	switch o {
	case OpGreaterThan:
		return value > threshold, nil
	case OpGreaterOrEqual:
		return value >= threshold, nil
	case OpLessThan:
		return value < threshold, nil
	case OpLessOrEqual:
		return value <= threshold, nil
	case OpEqual:
		return value == threshold, nil
	case OpNotEqual:
		return value != threshold, nil
	default:
		return false, fmt.Errorf("unknown operator %q", o)
	}
}

// Per-integration threshold metrics
const (
	MetricErrorRate           = "error_rate"
	MetricRequests            = "requests"
	MetricFailures            = "failures"
	MetricLatencyP50          = "latency_p50_ms"
	MetricLatencyP95          = "latency_p95_ms"
	MetricLatencyP99          = "latency_p99_ms"
	MetricCircuitTrips        = "circuit_trips"
	MetricCircuitOpen         = "circuit_open"
	MetricFallbackUsage       = "fallback_usage"
	MetricUptime              = "uptime"
	MetricConsecutiveFailures = "consecutive_failures"
)

// System-wide threshold metrics, evaluated under SystemScope
const (
	MetricUnhealthyIntegrations = "unhealthy_integrations"
	MetricDegradedIntegrations  = "degraded_integrations"
	MetricAverageUptime         = "average_uptime"
)

var integrationMetrics = map[string]struct{}{
	MetricErrorRate: {}, MetricRequests: {}, MetricFailures: {}, MetricLatencyP50: {},
	MetricLatencyP95: {}, MetricLatencyP99: {}, MetricCircuitTrips: {}, MetricCircuitOpen: {},
	MetricFallbackUsage: {}, MetricUptime: {}, MetricConsecutiveFailures: {},
}

var systemMetrics = map[string]struct{}{
	MetricUnhealthyIntegrations: {}, MetricDegradedIntegrations: {}, MetricAverageUptime: {},
}

// Threshold is an alert rule over one metric
type Threshold struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Metric      string         `json:"metric"`
	Operator    Operator       `json:"operator"`
	Value       float64        `json:"value"`
	Severity    types.Severity `json:"severity"`
	Message     string         `json:"message,omitempty"`
	Cooldown    time.Duration  `json:"cooldown"`
	Enabled     bool           `json:"enabled"`
	Integration string         `json:"integration,omitempty"`
}

func (t Threshold) validate() error {
	if t.ID == "" {
		return fmt.Errorf("threshold id is required")
	}
	_, perIntegration := integrationMetrics[t.Metric]
	_, system := systemMetrics[t.Metric]
	if !perIntegration && !system {
		return fmt.Errorf("threshold %s has unknown metric %q", t.ID, t.Metric)
	}
	if _, err := t.Operator.Compare(0, 0); err != nil {
		return fmt.Errorf("threshold %s: %w", t.ID, err)
	}
	if t.Cooldown < 0 {
		return fmt.Errorf("threshold %s has negative cooldown", t.ID)
	}
	return nil
}

// Alert is a recorded threshold breach
type Alert struct {
	ID          string         `json:"id"`
	ThresholdID string         `json:"threshold_id"`
	Integration string         `json:"integration"`
	Metric      string         `json:"metric"`
	Operator    Operator       `json:"operator"`
	Value       float64        `json:"value"`
	Threshold   float64        `json:"threshold"`
	Severity    types.Severity `json:"severity"`
	Message     string         `json:"message"`
	Trigger     string         `json:"trigger"`
	Timestamp   time.Time      `json:"timestamp"`
}

// AlertFilter narrows GetAlertHistory. Zero fields match everything.
type AlertFilter struct {
	MinSeverity types.Severity `json:"min_severity"`
	Integration string         `json:"integration,omitempty"`
	ThresholdID string         `json:"threshold_id,omitempty"`
	Since       time.Time      `json:"since,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

func (f AlertFilter) matches(a Alert) bool {
	if !a.Severity.AtLeast(f.MinSeverity) {
		return false
	}
	if f.Integration != "" && a.Integration != f.Integration {
		return false
	}
	if f.ThresholdID != "" && a.ThresholdID != f.ThresholdID {
		return false
	}
	return f.Since.IsZero() || !a.Timestamp.Before(f.Since)
}

// Config represents exporter configuration
type Config struct {
	CollectionInterval time.Duration `yaml:"collection_interval" json:"collection_interval" mapstructure:"collection_interval"`
	MaxSnapshots       int           `yaml:"max_snapshots" json:"max_snapshots" mapstructure:"max_snapshots"`
	HistoryRetention   time.Duration `yaml:"history_retention" json:"history_retention" mapstructure:"history_retention"`
	MaxAlerts          int           `yaml:"max_alerts" json:"max_alerts" mapstructure:"max_alerts"`
	SinkTimeout        time.Duration `yaml:"sink_timeout" json:"sink_timeout" mapstructure:"sink_timeout"`
	Namespace          string        `yaml:"namespace" json:"namespace" mapstructure:"namespace"`
	DefaultThresholds  bool          `yaml:"default_thresholds" json:"default_thresholds" mapstructure:"default_thresholds"`
}

// DefaultConfig returns a default exporter configuration
func DefaultConfig() Config {
	return Config{
		CollectionInterval: 15 * time.Second,
		MaxSnapshots:       240,
		HistoryRetention:   time.Hour,
		MaxAlerts:          1000,
		SinkTimeout:        5 * time.Second,
		Namespace:          "quanforge",
		DefaultThresholds:  true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CollectionInterval <= 0 {
		c.CollectionInterval = d.CollectionInterval
	}
	if c.MaxSnapshots <= 0 {
		c.MaxSnapshots = d.MaxSnapshots
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = d.HistoryRetention
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = d.MaxAlerts
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = d.SinkTimeout
	}
	if c.Namespace == "" {
		c.Namespace = d.Namespace
	}
	return c
}

// DefaultThresholds returns the built-in alert rules
func DefaultThresholds() []Threshold {
	return []Threshold{
		{
			ID:       "high-error-rate",
			Name:     "High Error Rate",
			Metric:   MetricErrorRate,
			Operator: OpGreaterThan,
			Value:    0.1,
			Severity: types.SeverityWarning,
			Message:  "Error rate for {integration} is {value}, above {threshold}",
			Cooldown: 15 * time.Minute,
			Enabled:  true,
		},
		{
			ID:       "high-latency",
			Name:     "High Response Latency",
			Metric:   MetricLatencyP95,
			Operator: OpGreaterThan,
			Value:    5000,
			Severity: types.SeverityWarning,
			Message:  "p95 latency for {integration} is {value}ms, above {threshold}ms",
			Cooldown: 10 * time.Minute,
			Enabled:  true,
		},
		{
			ID:       "integration-down",
			Name:     "Integration Unavailable",
			Metric:   MetricConsecutiveFailures,
			Operator: OpGreaterOrEqual,
			Value:    3,
			Severity: types.SeverityCritical,
			Message:  "{integration} failed {value} consecutive health checks",
			Cooldown: 5 * time.Minute,
			Enabled:  true,
		},
		{
			ID:       "circuit-open",
			Name:     "Circuit Breaker Open",
			Metric:   MetricCircuitOpen,
			Operator: OpEqual,
			Value:    1,
			Severity: types.SeverityError,
			Message:  "Circuit breaker for {integration} is open",
			Cooldown: 5 * time.Minute,
			Enabled:  true,
		},
		{
			ID:          "system-unhealthy",
			Name:        "Unhealthy Integrations",
			Metric:      MetricUnhealthyIntegrations,
			Operator:    OpGreaterThan,
			Value:       0,
			Severity:    types.SeverityError,
			Message:     "{value} integrations are unhealthy",
			Cooldown:    5 * time.Minute,
			Enabled:     true,
			Integration: SystemScope,
		},
	}
}
