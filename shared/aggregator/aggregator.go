package aggregator

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/pkg/clock"
	"github.com/cpa02cmz/quanforge-sub008/pkg/ringbuffer"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

const patternMemory = 100

// Listener receives every aggregation
type Listener func(AggregatedEvent)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Aggregator correlates orchestrator events into higher-level aggregations
type Aggregator struct {
	config Config
	clock  clock.Clock
	logger *zap.Logger

	mu           sync.RWMutex
	events       *ringbuffer.Buffer[integration.Event]
	aggregations *ringbuffer.Buffer[AggregatedEvent]
	rules        []*CorrelationRule
	patterns     []*EventPattern
	seen         map[string]*matchMemory
	listeners    []listenerEntry
	nextID       uint64
	stats        Stats
}

// matchMemory remembers recently fired match keys for one pattern
type matchMemory struct {
	keys *ringbuffer.Buffer[string]
	set  map[string]struct{}
}

func newMatchMemory() *matchMemory {
	return &matchMemory{
		keys: ringbuffer.New[string](patternMemory),
		set:  make(map[string]struct{}),
	}
}

func (m *matchMemory) remember(key string) bool {
	if _, ok := m.set[key]; ok {
		return false
	}
	if m.keys.Len() == m.keys.Cap() {
		delete(m.set, m.keys.At(0))
	}
	m.keys.Push(key)
	m.set[key] = struct{}{}
	return true
}

// New creates an aggregator with no rules or patterns
func New(config Config, clk clock.Clock, logger *zap.Logger) *Aggregator {
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.MaxAggregations <= 0 {
		config.MaxAggregations = def.MaxAggregations
	}
	if config.MaxSubscribers <= 0 {
		config.MaxSubscribers = def.MaxSubscribers
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Aggregator{
		config:       config,
		clock:        clk,
		logger:       logger,
		events:       ringbuffer.New[integration.Event](config.BufferSize),
		aggregations: ringbuffer.New[AggregatedEvent](config.MaxAggregations),
		seen:         make(map[string]*matchMemory),
	}
}

// Attach subscribes the aggregator to every event on bus
func (a *Aggregator) Attach(bus *integration.EventBus) (func(), error) {
	return bus.SubscribeAll(a.Ingest)
}

// AddRule adds rule, replacing any rule with the same ID
func (a *Aggregator) AddRule(rule CorrelationRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.MinEvents <= 0 {
		rule.MinEvents = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, existing := range a.rules {
		if existing.ID == rule.ID {
			a.rules[i] = &rule
			return nil
		}
	}
	a.rules = append(a.rules, &rule)
	return nil
}

func validateRule(rule CorrelationRule) error {
	if rule.ID == "" {
		return common.ErrValidationFailed("rule id is required")
	}
	if len(rule.EventTypes) == 0 {
		return common.ErrValidationFailed(fmt.Sprintf("rule %s has no event types", rule.ID))
	}
	for _, t := range rule.EventTypes {
		if !t.Valid() {
			return common.ErrValidationFailed(fmt.Sprintf("rule %s has unknown event type %q", rule.ID, t))
		}
	}
	if rule.TimeWindow <= 0 {
		return common.ErrValidationFailed(fmt.Sprintf("rule %s needs a positive time window", rule.ID))
	}
	if rule.MaxEvents > 0 && rule.MaxEvents < rule.MinEvents {
		return common.ErrValidationFailed(fmt.Sprintf("rule %s has max events below min events", rule.ID))
	}
	return nil
}

// RemoveRule deletes a rule by ID
func (a *Aggregator) RemoveRule(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, rule := range a.rules {
		if rule.ID == id {
			a.rules = append(a.rules[:i], a.rules[i+1:]...)
			return true
		}
	}
	return false
}

// AddPattern adds pattern, replacing any pattern with the same ID
func (a *Aggregator) AddPattern(pattern EventPattern) error {
	if pattern.ID == "" {
		return common.ErrValidationFailed("pattern id is required")
	}
	if len(pattern.Steps) == 0 {
		return common.ErrValidationFailed(fmt.Sprintf("pattern %s has no steps", pattern.ID))
	}
	for _, step := range pattern.Steps {
		if !step.EventType.Valid() {
			return common.ErrValidationFailed(fmt.Sprintf("pattern %s has unknown event type %q", pattern.ID, step.EventType))
		}
		if step.MaxDelay < 0 {
			return common.ErrValidationFailed(fmt.Sprintf("pattern %s has a negative max delay", pattern.ID))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.seen[pattern.ID] = newMatchMemory()
	for i, existing := range a.patterns {
		if existing.ID == pattern.ID {
			a.patterns[i] = &pattern
			return nil
		}
	}
	a.patterns = append(a.patterns, &pattern)
	return nil
}

// RemovePattern deletes a pattern by ID
func (a *Aggregator) RemovePattern(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, p := range a.patterns {
		if p.ID == id {
			a.patterns = append(a.patterns[:i], a.patterns[i+1:]...)
			delete(a.seen, id)
			return true
		}
	}
	return false
}

// Subscribe registers listener for every new aggregation
func (a *Aggregator) Subscribe(listener Listener) (func(), error) {
	if listener == nil {
		return nil, common.ErrValidationFailed("listener is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.listeners) >= a.config.MaxSubscribers {
		return nil, common.ErrValidationFailed(fmt.Sprintf("subscriber limit %d reached", a.config.MaxSubscribers))
	}
	a.nextID++
	id := a.nextID
	a.listeners = append(a.listeners, listenerEntry{id: id, fn: listener})

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			for i, l := range a.listeners {
				if l.id == id {
					a.listeners = append(a.listeners[:i:i], a.listeners[i+1:]...)
					return
				}
			}
		})
	}, nil
}

type patternHit struct {
	aggregation AggregatedEvent
	callback    func(AggregatedEvent)
}

// Ingest buffers event and evaluates every rule and pattern against it
func (a *Aggregator) Ingest(event integration.Event) {
	a.mu.Lock()
	a.events.Push(event)
	a.stats.EventsIngested++

	buffered := a.events.Items()
	var created []AggregatedEvent
	var hits []patternHit

	for _, rule := range a.rules {
		if !rule.Enabled || !rule.matches(event) {
			continue
		}
		if agg, ok := a.evaluateRule(rule, event, buffered); ok {
			created = append(created, agg)
			a.stats.RuleMatches++
		}
	}

	for _, pattern := range a.patterns {
		if !pattern.Enabled {
			continue
		}
		matched, ok := matchPattern(pattern, buffered)
		if !ok || !a.seen[pattern.ID].remember(matchKey(matched)) {
			continue
		}
		agg := a.newAggregation(AggregationPattern, pattern.ID, pattern.Name, pattern.Severity, matched)
		created = append(created, agg)
		hits = append(hits, patternHit{aggregation: agg, callback: pattern.OnMatch})
		a.stats.PatternMatches++
	}

	for _, agg := range created {
		a.aggregations.Push(agg)
		a.stats.LastAggregationAt = agg.CreatedAt
	}
	listeners := append([]listenerEntry(nil), a.listeners...)
	a.mu.Unlock()

	for _, hit := range hits {
		if hit.callback != nil {
			a.notify(hit.aggregation, hit.callback)
		}
	}
	for _, agg := range created {
		a.logger.Info("Aggregation created",
			zap.String("type", string(agg.Type)),
			zap.String("source", agg.SourceID),
			zap.String("severity", agg.Severity.String()),
			zap.Int("events", agg.Metrics.EventCount),
			zap.Strings("integrations", agg.Metrics.AffectedIntegrations))
		for _, l := range listeners {
			a.notify(agg, l.fn)
		}
	}
}

func (a *Aggregator) evaluateRule(rule *CorrelationRule, trigger integration.Event, buffered []integration.Event) (AggregatedEvent, bool) {
	windowStart := trigger.Timestamp.Add(-rule.TimeWindow)

	var window []integration.Event
	for _, e := range buffered {
		if !rule.matches(e) || e.Timestamp.Before(windowStart) || e.Timestamp.After(trigger.Timestamp) {
			continue
		}
		window = append(window, e)
	}

	if len(window) < rule.MinEvents {
		return AggregatedEvent{}, false
	}
	if rule.MaxEvents > 0 && len(window) > rule.MaxEvents {
		return AggregatedEvent{}, false
	}
	if rule.Predicate != nil && !a.safePredicate(rule, window) {
		return AggregatedEvent{}, false
	}

	agg := a.newAggregation(AggregationCorrelation, rule.ID, rule.Name, rule.Severity, window)
	agg.WindowStart = windowStart
	agg.WindowEnd = trigger.Timestamp
	return agg, true
}

func (a *Aggregator) safePredicate(rule *CorrelationRule, events []integration.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Correlation predicate panicked",
				zap.String("rule", rule.ID),
				zap.Any("panic", r))
			ok = false
		}
	}()
	return rule.Predicate(events)
}

func (a *Aggregator) newAggregation(kind AggregationType, sourceID, name string, severity types.Severity, events []integration.Event) AggregatedEvent {
	agg := AggregatedEvent{
		ID:                uuid.New().String(),
		Type:              kind,
		SourceID:          sourceID,
		Name:              name,
		Severity:          severity,
		Events:            append([]integration.Event(nil), events...),
		Metrics:           computeMetrics(events),
		RequiresAttention: severity.AtLeast(types.SeverityWarning),
		CreatedAt:         a.clock.Now(),
	}
	if len(events) > 0 {
		agg.WindowStart = events[0].Timestamp
		agg.WindowEnd = events[len(events)-1].Timestamp
	}
	return agg
}

func (a *Aggregator) notify(agg AggregatedEvent, fn func(AggregatedEvent)) {
	defer func() {
		if r := recover(); r != nil {
			a.mu.Lock()
			a.stats.ListenerPanics++
			a.mu.Unlock()
			a.logger.Error("Aggregation listener panicked",
				zap.String("aggregation", agg.ID),
				zap.Any("panic", r))
		}
	}()
	fn(agg)
}

func computeMetrics(events []integration.Event) AggregationMetrics {
	m := AggregationMetrics{EventCount: len(events)}
	affected := make(map[string]struct{})
	for _, e := range events {
		if e.Integration != "" {
			affected[e.Integration] = struct{}{}
		}
		if isErrorEvent(e.Type) {
			m.ErrorCount++
		}
		if isRecoveryEvent(e.Type) {
			m.RecoveryCount++
		}
	}
	m.AffectedIntegrations = make([]string, 0, len(affected))
	for name := range affected {
		m.AffectedIntegrations = append(m.AffectedIntegrations, name)
	}
	sort.Strings(m.AffectedIntegrations)
	m.DistinctIntegrations = len(m.AffectedIntegrations)
	return m
}

// GetAggregations returns stored aggregations matching filter, newest first
func (a *Aggregator) GetAggregations(filter Filter) []AggregatedEvent {
	a.mu.RLock()
	items := a.aggregations.Items()
	a.mu.RUnlock()

	out := make([]AggregatedEvent, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		agg := items[i]
		if !agg.Severity.AtLeast(filter.MinSeverity) {
			continue
		}
		if filter.Type != "" && agg.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && agg.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, agg)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// GetRecentEvents returns up to n buffered events, oldest first
func (a *Aggregator) GetRecentEvents(n int) []integration.Event {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.events.Last(n)
}

// GetStats returns aggregator counters
func (a *Aggregator) GetStats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := a.stats
	stats.BufferedEvents = a.events.Len()
	stats.BufferCapacity = a.events.Cap()
	stats.Aggregations = a.aggregations.Len()
	stats.Rules = len(a.rules)
	stats.Patterns = len(a.patterns)
	stats.Subscribers = len(a.listeners)
	return stats
}

// Clear drops buffered events, stored aggregations and pattern memory
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.events.Clear()
	a.aggregations.Clear()
	for id := range a.seen {
		a.seen[id] = newMatchMemory()
	}
}

func matchKey(events []integration.Event) string {
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID.String()
	}
	return strings.Join(ids, ",")
}
