package aggregator

import (
	"time"

	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// matchPattern walks the steps from last to first. Each step takes the most
// recent unconsumed event of its type that precedes the event matched for the
// following step and lies within that step's MaxDelay. Skipped optional steps
// widen the allowed gap by their own MaxDelay. Events come back oldest first.
func matchPattern(pattern *EventPattern, buffered []integration.Event) ([]integration.Event, bool) {
	if !pattern.SameIntegration {
		return matchSteps(pattern.Steps, buffered, "")
	}

	tried := make(map[string]struct{})
	for i := len(buffered) - 1; i >= 0; i-- {
		name := buffered[i].Integration
		if _, ok := tried[name]; ok {
			continue
		}
		tried[name] = struct{}{}
		if matched, ok := matchSteps(pattern.Steps, buffered, name); ok {
			return matched, true
		}
	}
	return nil, false
}

func matchSteps(steps []PatternStep, buffered []integration.Event, only string) ([]integration.Event, bool) {
	matched := make([]integration.Event, 0, len(steps))
	limit := len(buffered)
	var next *integration.Event
	var gap time.Duration

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		found := -1
		for j := limit - 1; j >= 0; j-- {
			e := buffered[j]
			if !step.matches(e) || (only != "" && e.Integration != only) {
				continue
			}
			if next != nil {
				if e.Timestamp.After(next.Timestamp) {
					continue
				}
				if gap > 0 && next.Timestamp.Sub(e.Timestamp) > gap {
					break
				}
			}
			found = j
			break
		}

		if found < 0 {
			if !step.Optional {
				return nil, false
			}
			if gap > 0 && step.MaxDelay > 0 {
				gap += step.MaxDelay
			} else {
				gap = 0
			}
			continue
		}

		e := buffered[found]
		matched = append(matched, e)
		next = &e
		gap = step.MaxDelay
		limit = found
	}

	if len(matched) == 0 {
		return nil, false
	}
	for l, r := 0, len(matched)-1; l < r; l, r = l+1, r-1 {
		matched[l], matched[r] = matched[r], matched[l]
	}
	return matched, true
}

// DefaultRules returns the built-in correlation rules
func DefaultRules() []CorrelationRule {
	return []CorrelationRule{
		{
			ID:          "cascading-failures",
			Name:        "Cascading failures",
			Description: "Health check failures or breaker trips across several integrations",
			EventTypes:  []integration.EventType{integration.EventHealthCheckFailed, integration.EventCircuitBreakerOpened},
			TimeWindow:  30 * time.Second,
			MinEvents:   2,
			Predicate: func(events []integration.Event) bool {
				return computeMetrics(events).DistinctIntegrations >= 2
			},
			Severity: types.SeverityWarning,
			Enabled:  true,
		},
		{
			ID:          "circuit-storm",
			Name:        "Circuit breaker storm",
			Description: "Three or more circuit breakers opened within a minute",
			EventTypes:  []integration.EventType{integration.EventCircuitBreakerOpened},
			TimeWindow:  time.Minute,
			MinEvents:   3,
			Severity:    types.SeverityCritical,
			Enabled:     true,
		},
		{
			ID:          "degradation-spread",
			Name:        "Degradation spread",
			Description: "Degraded mode entered for two or more integrations",
			EventTypes:  []integration.EventType{integration.EventDegradedModeEntered},
			TimeWindow:  5 * time.Minute,
			MinEvents:   2,
			Severity:    types.SeverityError,
			Enabled:     true,
		},
	}
}

// DefaultPatterns returns the built-in sequence patterns
func DefaultPatterns() []EventPattern {
	return []EventPattern{
		{
			ID:          "breaker-flap",
			Name:        "Circuit breaker flapping",
			Description: "A breaker reopened shortly after probing recovery",
			Steps: []PatternStep{
				{Name: "opened", EventType: integration.EventCircuitBreakerOpened},
				{Name: "probing", EventType: integration.EventCircuitBreakerHalfOpen, MaxDelay: 5 * time.Minute},
				{Name: "reopened", EventType: integration.EventCircuitBreakerOpened, MaxDelay: 30 * time.Second},
			},
			SameIntegration: true,
			Severity:        types.SeverityWarning,
			Enabled:         true,
		},
		{
			ID:          "failed-recovery",
			Name:        "Recovery did not hold",
			Description: "An integration failed again soon after a completed recovery",
			Steps: []PatternStep{
				{Name: "started", EventType: integration.EventRecoveryStarted, Optional: true},
				{Name: "completed", EventType: integration.EventRecoveryCompleted, MaxDelay: 2 * time.Minute},
				{Name: "failed", EventType: integration.EventHealthCheckFailed, MaxDelay: time.Minute},
			},
			SameIntegration: true,
			Severity:        types.SeverityError,
			Enabled:         true,
		},
	}
}
