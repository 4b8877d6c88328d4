package aggregator

import (
	"time"

	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// AggregationType distinguishes rule correlations from pattern matches
type AggregationType string

const (
	AggregationCorrelation AggregationType = "correlation"
	AggregationPattern     AggregationType = "pattern"
)

// CorrelationRule synthesizes an aggregation when enough events of its type
// set arrive within TimeWindow
type CorrelationRule struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	EventTypes  []integration.EventType `json:"event_types"`
	// Kinds restricts matching to these integration kinds; empty means any
	Kinds      []types.IntegrationKind `json:"kinds,omitempty"`
	TimeWindow time.Duration           `json:"time_window"`
	MinEvents  int                     `json:"min_events"`
	// MaxEvents of zero means unbounded
	MaxEvents int                            `json:"max_events"`
	Predicate func([]integration.Event) bool `json:"-"`
	Severity  types.Severity                 `json:"severity"`
	Enabled   bool                           `json:"enabled"`
}

func (r *CorrelationRule) matches(e integration.Event) bool {
	if !containsType(r.EventTypes, e.Type) {
		return false
	}
	if len(r.Kinds) == 0 {
		return true
	}
	for _, k := range r.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}

// PatternStep is one stage of an EventPattern
type PatternStep struct {
	Name      string                `json:"name"`
	EventType integration.EventType `json:"event_type"`
	Kind      types.IntegrationKind `json:"kind,omitempty"`
	// MaxDelay bounds the gap from the previously matched step; zero means unbounded
	MaxDelay time.Duration `json:"max_delay"`
	Optional bool          `json:"optional"`
}

func (s PatternStep) matches(e integration.Event) bool {
	return e.Type == s.EventType && (s.Kind == "" || s.Kind == e.Kind)
}

// EventPattern is an ordered sequence of steps detected over the event buffer
type EventPattern struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Steps       []PatternStep `json:"steps"`
	// SameIntegration requires every matched event to come from one integration
	SameIntegration bool                  `json:"same_integration"`
	Severity        types.Severity        `json:"severity"`
	Enabled         bool                  `json:"enabled"`
	OnMatch         func(AggregatedEvent) `json:"-"`
}

// AggregationMetrics summarises the events behind an aggregation
type AggregationMetrics struct {
	EventCount           int      `json:"event_count"`
	DistinctIntegrations int      `json:"distinct_integrations"`
	ErrorCount           int      `json:"error_count"`
	RecoveryCount        int      `json:"recovery_count"`
	AffectedIntegrations []string `json:"affected_integrations"`
}

// AggregatedEvent is a higher-level event synthesized from buffered events
type AggregatedEvent struct {
	ID                string              `json:"id"`
	Type              AggregationType     `json:"type"`
	SourceID          string              `json:"source_id"`
	Name              string              `json:"name"`
	Severity          types.Severity      `json:"severity"`
	Events            []integration.Event `json:"events"`
	WindowStart       time.Time           `json:"window_start"`
	WindowEnd         time.Time           `json:"window_end"`
	Metrics           AggregationMetrics  `json:"metrics"`
	RequiresAttention bool                `json:"requires_attention"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Filter selects stored aggregations. Zero fields match everything.
type Filter struct {
	MinSeverity types.Severity
	Type        AggregationType
	Since       time.Time
	Limit       int
}

// Stats reports aggregator counters
type Stats struct {
	EventsIngested    int64     `json:"events_ingested"`
	BufferedEvents    int       `json:"buffered_events"`
	BufferCapacity    int       `json:"buffer_capacity"`
	Aggregations      int       `json:"aggregations"`
	RuleMatches       int64     `json:"rule_matches"`
	PatternMatches    int64     `json:"pattern_matches"`
	Rules             int       `json:"rules"`
	Patterns          int       `json:"patterns"`
	Subscribers       int       `json:"subscribers"`
	ListenerPanics    int64     `json:"listener_panics"`
	LastAggregationAt time.Time `json:"last_aggregation_at"`
}

// Config represents aggregator configuration
type Config struct {
	BufferSize      int `yaml:"buffer_size" json:"buffer_size" mapstructure:"buffer_size"`
	MaxAggregations int `yaml:"max_aggregations" json:"max_aggregations" mapstructure:"max_aggregations"`
	MaxSubscribers  int `yaml:"max_subscribers" json:"max_subscribers" mapstructure:"max_subscribers"`
}

// DefaultConfig returns a default aggregator configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:      1000,
		MaxAggregations: 50,
		MaxSubscribers:  100,
	}
}

func containsType(set []integration.EventType, t integration.EventType) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

func isErrorEvent(t integration.EventType) bool {
	switch t {
	case integration.EventHealthCheckFailed, integration.EventCircuitBreakerOpened, integration.EventDegradedModeEntered:
		return true
	}
	return false
}

func isRecoveryEvent(t integration.EventType) bool {
	switch t {
	case integration.EventRecoveryCompleted, integration.EventCircuitBreakerClosed, integration.EventDegradedModeExited:
		return true
	}
	return false
}
