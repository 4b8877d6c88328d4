package exporter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/pkg/clock"
	"github.com/cpa02cmz/quanforge-sub008/pkg/metrics"
	"github.com/cpa02cmz/quanforge-sub008/pkg/ringbuffer"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/resilience"
)

const defaultMessage = "{metric} for {integration} is {value} (threshold {threshold})"

// Exporter snapshots the integration layer, renders it for scraping and raises
// alerts when thresholds are breached
type Exporter struct {
	config  Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Manager
	gauges  *gaugeSet

	summary   SummarySource
	discovery DiscoverySource
	store     SnapshotStore
	sink      AlertSink

	mu         sync.RWMutex
	pools      []PoolSource
	thresholds map[string]Threshold
	order      []string
	lastFired  map[string]time.Time
	snapshots  *ringbuffer.Buffer[Snapshot]
	alerts     *ringbuffer.Buffer[Alert]

	exportMu sync.Mutex

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an exporter over summary. manager may be nil, in which case a
// private registry without runtime collectors is used.
func New(config Config, summary SummarySource, clk clock.Clock, manager *metrics.Manager, logger *zap.Logger) (*Exporter, error) {
	if summary == nil {
		return nil, fmt.Errorf("summary source is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	if manager == nil {
		var err error
		manager, err = metrics.NewManager(&metrics.Config{
			Enabled:     true,
			Namespace:   config.Namespace,
			ServiceName: "integration-hub",
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics manager: %w", err)
		}
	}
	gauges, err := newGaugeSet(manager)
	if err != nil {
		return nil, err
	}

	e := &Exporter{
		config:     config,
		clock:      clk,
		logger:     logger,
		metrics:    manager,
		gauges:     gauges,
		summary:    summary,
		thresholds: make(map[string]Threshold),
		lastFired:  make(map[string]time.Time),
		snapshots:  ringbuffer.New[Snapshot](config.MaxSnapshots),
		alerts:     ringbuffer.New[Alert](config.MaxAlerts),
	}

	if config.DefaultThresholds {
		for _, t := range DefaultThresholds() {
			if err := e.AddThreshold(t); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// SetDiscovery attaches a service registry to snapshots
func (e *Exporter) SetDiscovery(source DiscoverySource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discovery = source
}

// AddPool attaches a connection pool to snapshots
func (e *Exporter) AddPool(source PoolSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools = append(e.pools, source)
}

// SetSnapshotStore sets where collected snapshots are persisted
func (e *Exporter) SetSnapshotStore(store SnapshotStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
}

// SetAlertSink sets where recorded alerts are forwarded
func (e *Exporter) SetAlertSink(sink AlertSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// AddThreshold adds or replaces a threshold by ID
func (e *Exporter) AddThreshold(t Threshold) error {
	if err := t.validate(); err != nil {
		return common.ErrValidationFailed(err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.thresholds[t.ID]; !exists {
		e.order = append(e.order, t.ID)
	}
	e.thresholds[t.ID] = t
	e.clearCooldownsLocked(t.ID)

	e.logger.Info("Alert threshold added",
		zap.String("threshold_id", t.ID),
		zap.String("metric", t.Metric),
		zap.String("operator", string(t.Operator)),
		zap.Float64("value", t.Value))
	return nil
}

// RemoveThreshold deletes a threshold and its cooldown state
func (e *Exporter) RemoveThreshold(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.thresholds[id]; !ok {
		return false
	}
	delete(e.thresholds, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.clearCooldownsLocked(id)
	return true
}

func (e *Exporter) clearCooldownsLocked(id string) {
	prefix := id + "|"
	for key := range e.lastFired {
		if strings.HasPrefix(key, prefix) {
			delete(e.lastFired, key)
		}
	}
}

// Thresholds returns every threshold in insertion order
func (e *Exporter) Thresholds() []Threshold {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Threshold, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.thresholds[id])
	}
	return out
}

// CollectMetrics takes a snapshot, appends it to the history, evaluates every
// threshold against it and persists it to the snapshot store if one is set
func (e *Exporter) CollectMetrics(ctx context.Context) Snapshot {
	snapshot := e.buildSnapshot()

	e.mu.Lock()
	e.snapshots.Push(snapshot)
	cutoff := snapshot.Timestamp.Add(-e.config.HistoryRetention)
	e.snapshots.DropWhile(func(s Snapshot) bool { return s.Timestamp.Before(cutoff) })
	store := e.store
	e.mu.Unlock()

	e.evaluate(ctx, snapshot, "snapshot")

	if store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, e.config.SinkTimeout)
		if err := store.SaveSnapshot(storeCtx, snapshot); err != nil {
			e.logger.Warn("Failed to persist snapshot", zap.Error(err))
		}
		cancel()
	}
	return snapshot
}

func (e *Exporter) buildSnapshot() Snapshot {
	e.mu.RLock()
	pools := append([]PoolSource(nil), e.pools...)
	registry := e.discovery
	e.mu.RUnlock()

	snapshot := Snapshot{
		Timestamp:    e.clock.Now(),
		System:       e.summary.GetSystemSummary(),
		Integrations: e.summary.GetIntegrationMetrics(),
	}
	for _, p := range pools {
		snapshot.Pools = append(snapshot.Pools, p.GetMetrics())
	}
	if registry != nil {
		stats := registry.GetStats()
		snapshot.Discovery = &stats
	}
	return snapshot
}

// latest returns the newest snapshot, building an unrecorded one when none was collected yet
func (e *Exporter) latest() Snapshot {
	e.mu.RLock()
	n := e.snapshots.Len()
	var last Snapshot
	if n > 0 {
		last = e.snapshots.At(n - 1)
	}
	e.mu.RUnlock()

	if n == 0 {
		return e.buildSnapshot()
	}
	return last
}

// ExportJSON returns the most recent snapshot
func (e *Exporter) ExportJSON() Snapshot {
	return e.latest()
}

// ExportPrometheus renders the most recent snapshot in Prometheus text exposition format
func (e *Exporter) ExportPrometheus() (string, error) {
	snapshot := e.latest()

	e.exportMu.Lock()
	defer e.exportMu.Unlock()

	e.gauges.apply(snapshot)
	var b strings.Builder
	if err := e.metrics.WriteText(&b); err != nil {
		return "", fmt.Errorf("failed to render metrics: %w", err)
	}
	return b.String(), nil
}

// GetSnapshotHistory returns retained snapshots, oldest first
func (e *Exporter) GetSnapshotHistory() []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshots.Items()
}

// GetAlertHistory returns matching alerts, newest first
func (e *Exporter) GetAlertHistory(filter AlertFilter) []Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Alert
	for i := e.alerts.Len() - 1; i >= 0; i-- {
		a := e.alerts.At(i)
		if !filter.matches(a) {
			continue
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// HandleEvent re-evaluates thresholds against live metrics on status changes
// and breaker trips. Other events are ignored.
func (e *Exporter) HandleEvent(event integration.Event) {
	switch event.Type {
	case integration.EventStatusChanged, integration.EventCircuitBreakerOpened:
	default:
		return
	}
	e.evaluate(context.Background(), e.buildSnapshot(), string(event.Type))
}

type breach struct {
	threshold   Threshold
	integration string
	value       float64
}

func (e *Exporter) evaluate(ctx context.Context, snapshot Snapshot, trigger string) []Alert {
	now := e.clock.Now()

	e.mu.Lock()
	var breaches []breach
	for _, id := range e.order {
		t := e.thresholds[id]
		if !t.Enabled {
			continue
		}
		for _, c := range candidates(t, snapshot) {
			breached, _ := t.Operator.Compare(c.value, t.Value)
			if !breached {
				continue
			}
			key := t.ID + "|" + c.integration
			if last, ok := e.lastFired[key]; ok && now.Sub(last) < t.Cooldown {
				continue
			}
			e.lastFired[key] = now
			breaches = append(breaches, breach{threshold: t, integration: c.integration, value: c.value})
		}
	}

	fired := make([]Alert, 0, len(breaches))
	for _, b := range breaches {
		alert := newAlert(b, trigger, now)
		e.alerts.Push(alert)
		fired = append(fired, alert)
	}
	sink := e.sink
	e.mu.Unlock()

	for _, alert := range fired {
		e.logger.Warn("Alert triggered",
			zap.String("alert_id", alert.ID),
			zap.String("threshold_id", alert.ThresholdID),
			zap.String("integration", alert.Integration),
			zap.String("severity", alert.Severity.String()),
			zap.String("message", alert.Message))
		e.gauges.countAlert(alert)

		if sink != nil {
			sinkCtx, cancel := context.WithTimeout(ctx, e.config.SinkTimeout)
			if err := sink.IndexAlert(sinkCtx, alert); err != nil {
				e.logger.Warn("Failed to forward alert", zap.String("alert_id", alert.ID), zap.Error(err))
			}
			cancel()
		}
	}
	return fired
}

type candidate struct {
	integration string
	value       float64
}

// candidates lists the (integration, value) pairs a threshold applies to
func candidates(t Threshold, snapshot Snapshot) []candidate {
	if _, ok := systemMetrics[t.Metric]; ok {
		if t.Integration != "" && t.Integration != SystemScope {
			return nil
		}
		return []candidate{{integration: SystemScope, value: systemValue(t.Metric, snapshot)}}
	}

	var out []candidate
	for _, m := range snapshot.Integrations {
		if t.Integration != "" && t.Integration != m.Name {
			continue
		}
		out = append(out, candidate{integration: m.Name, value: integrationValue(t.Metric, m)})
	}
	return out
}

func integrationValue(metric string, m integration.IntegrationMetrics) float64 {
	switch metric {
	case MetricErrorRate:
		return m.ErrorRate
	case MetricRequests:
		return float64(m.Requests)
	case MetricFailures:
		return float64(m.Failures)
	case MetricLatencyP50:
		return milliseconds(m.LatencyP50)
	case MetricLatencyP95:
		return milliseconds(m.LatencyP95)
	case MetricLatencyP99:
		return milliseconds(m.LatencyP99)
	case MetricCircuitTrips:
		return float64(m.CircuitTrips)
	case MetricCircuitOpen:
		if m.CircuitState == resilience.CircuitOpen {
			return 1
		}
		return 0
	case MetricFallbackUsage:
		return float64(m.FallbackUsage)
	case MetricUptime:
		return m.Uptime
	default:
		return float64(m.ConsecutiveFailures)
	}
}

func systemValue(metric string, snapshot Snapshot) float64 {
	switch metric {
	case MetricUnhealthyIntegrations:
		return float64(snapshot.System.Unhealthy)
	case MetricDegradedIntegrations:
		return float64(snapshot.System.Degraded)
	default:
		return snapshot.System.AverageUptime
	}
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func newAlert(b breach, trigger string, now time.Time) Alert {
	template := b.threshold.Message
	if template == "" {
		template = defaultMessage
	}
	message := strings.NewReplacer(
		"{integration}", b.integration,
		"{metric}", b.threshold.Metric,
		"{value}", formatValue(b.value),
		"{threshold}", formatValue(b.threshold.Value),
	).Replace(template)

	return Alert{
		ID:          uuid.New().String(),
		ThresholdID: b.threshold.ID,
		Integration: b.integration,
		Metric:      b.threshold.Metric,
		Operator:    b.threshold.Operator,
		Value:       b.value,
		Threshold:   b.threshold.Value,
		Severity:    b.threshold.Severity,
		Message:     message,
		Trigger:     trigger,
		Timestamp:   now,
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Start collects a snapshot every CollectionInterval until Stop
func (e *Exporter) Start(ctx context.Context) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	if e.loopCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel

	e.wg.Add(1)
	go e.collectLoop(loopCtx)

	e.logger.Info("Metrics exporter started", zap.Duration("interval", e.config.CollectionInterval))
}

func (e *Exporter) collectLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.config.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.CollectMetrics(ctx)
		}
	}
}

// Stop halts periodic collection
func (e *Exporter) Stop() {
	e.loopMu.Lock()
	cancel := e.loopCancel
	e.loopCancel = nil
	e.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info("Metrics exporter stopped")
}
