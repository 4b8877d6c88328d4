package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EventID represents a unique event identifier
type EventID uuid.UUID

// NewEventID generates a random event identifier
func NewEventID() EventID {
	return EventID(uuid.New())
}

// String returns the string representation of EventID
func (e EventID) String() string {
	return uuid.UUID(e).String()
}

// MarshalText renders the id in canonical uuid form
func (e EventID) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText parses a canonical uuid
func (e *EventID) UnmarshalText(data []byte) error {
	id, err := uuid.ParseBytes(data)
	if err != nil {
		return err
	}
	*e = EventID(id)
	return nil
}

// IntegrationKind identifies the class of external collaborator
type IntegrationKind string

const (
	KindDatabase    IntegrationKind = "database"
	KindAIService   IntegrationKind = "ai_service"
	KindMarketData  IntegrationKind = "market_data"
	KindCache       IntegrationKind = "cache"
	KindExternalAPI IntegrationKind = "external_api"
)

// AllIntegrationKinds lists every known kind
func AllIntegrationKinds() []IntegrationKind {
	return []IntegrationKind{KindDatabase, KindAIService, KindMarketData, KindCache, KindExternalAPI}
}

// Valid reports whether k is a known kind
func (k IntegrationKind) Valid() bool {
	switch k {
	case KindDatabase, KindAIService, KindMarketData, KindCache, KindExternalAPI:
		return true
	}
	return false
}

// Priority orders integrations; lower numbers are more important
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined priorities
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ParsePriority converts a priority name into a Priority
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// HealthStatus represents the derived health of an integration or the system
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

// Severity levels for aggregations and alerts, ordered from least to most severe
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = [...]string{"info", "warning", "error", "critical"}

// String returns the severity name
func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// AtLeast reports whether s is as severe as other or more
func (s Severity) AtLeast(other Severity) bool {
	return s >= other
}

// ParseSeverity converts a severity name into a Severity
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", name)
}

// MarshalText renders the severity name
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name
func (s *Severity) UnmarshalText(data []byte) error {
	parsed, err := ParseSeverity(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
