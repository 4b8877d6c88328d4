package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cpa02cmz/quanforge-sub008/pkg/clock"
	"github.com/cpa02cmz/quanforge-sub008/pkg/logging"
	"github.com/cpa02cmz/quanforge-sub008/pkg/ringbuffer"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/resilience"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

const diagnosticsEventLimit = 20

// Orchestrator owns the registry of integrations, their health state and the event bus
type Orchestrator struct {
	config      Config
	clock       clock.Clock
	logger      *zap.Logger
	statusLog   *logging.Logger
	bus         *EventBus
	breakers    *resilience.BreakerManager
	degradation DegradationController
	retryable   resilience.RetryableCategories

	mu           sync.RWMutex
	integrations map[string]*managedIntegration
	started      bool
	shuttingDown bool
	loopCancel   context.CancelFunc
	wg           sync.WaitGroup

	historyMu sync.Mutex
	history   *ringbuffer.Buffer[Event]

	transitionsMu sync.Mutex
	transitions   []breakerTransition
}

type breakerTransition struct {
	name     string
	from, to resilience.CircuitState
	at       time.Time
}

type managedIntegration struct {
	descriptor Descriptor

	mu          sync.Mutex
	status      StatusInfo
	lastDetails map[string]interface{}
	executor    *resilience.Executor
	requests    int64
	failures    int64
	fallbacks   int64
	latencies   *ringbuffer.Buffer[time.Duration]
}

// New creates an orchestrator. A nil degradation controller gets an in-memory DegradationRegistry.
func New(config Config, clk clock.Clock, degradation DegradationController, logger *zap.Logger) *Orchestrator {
	config = config.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if degradation == nil {
		degradation = NewDegradationRegistry()
	}

	o := &Orchestrator{
		config:       config,
		clock:        clk,
		logger:       logger,
		statusLog:    logging.Wrap(logger),
		bus:          NewEventBus(config.MaxSubscribers, logger),
		degradation:  degradation,
		retryable:    resilience.DefaultRetryableCategories(),
		integrations: make(map[string]*managedIntegration),
		history:      ringbuffer.New[Event](config.EventHistorySize),
	}
	o.breakers = resilience.NewBreakerManager(logger, o.queueTransition)
	return o
}

// Bus returns the orchestrator's event bus
func (o *Orchestrator) Bus() *EventBus {
	return o.bus
}

// Degradation returns the degraded-mode controller in use
func (o *Orchestrator) Degradation() DegradationController {
	return o.degradation
}

// RegisterIntegration stores descriptor with an unknown status. Re-registering a
// name replaces the previous descriptor and resets its state.
func (o *Orchestrator) RegisterIntegration(descriptor Descriptor) error {
	if descriptor.Name == "" {
		return common.ErrValidationFailed("integration name is required")
	}
	if !descriptor.Kind.Valid() {
		return common.ErrValidationFailed(fmt.Sprintf("integration %s has unknown kind %q", descriptor.Name, descriptor.Kind))
	}
	if descriptor.HealthCheck == nil {
		return common.ErrValidationFailed(fmt.Sprintf("integration %s has no health check", descriptor.Name))
	}
	if !descriptor.Priority.Valid() {
		descriptor.Priority = types.PriorityMedium
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return common.ErrShutdownInProgress("orchestrator")
	}
	_, replaced := o.integrations[descriptor.Name]
	mi := o.newManaged(descriptor, replaced)
	o.integrations[descriptor.Name] = mi
	started := o.started
	o.mu.Unlock()

	if replaced {
		o.logger.Warn("Integration re-registered, previous descriptor replaced",
			zap.String("integration", descriptor.Name))
	} else {
		o.logger.Info("Integration registered",
			zap.String("integration", descriptor.Name),
			zap.String("kind", string(descriptor.Kind)),
			zap.String("priority", descriptor.Priority.String()))
	}

	if started {
		o.emit(EventRegistered, descriptor.Name, descriptor.Kind, nil)
	}
	return nil
}

func (o *Orchestrator) newManaged(descriptor Descriptor, replace bool) *managedIntegration {
	breakerCfg := descriptor.Breaker
	if breakerCfg == (resilience.BreakerConfig{}) {
		breakerCfg = o.config.Breaker
	}
	var breaker *resilience.CircuitBreaker
	if replace {
		breaker = o.breakers.Replace(descriptor.Name, breakerCfg)
	} else {
		breaker = o.breakers.GetOrCreate(descriptor.Name, breakerCfg)
	}

	mi := &managedIntegration{
		descriptor: descriptor,
		status: StatusInfo{
			Name:            descriptor.Name,
			Kind:            descriptor.Kind,
			Priority:        descriptor.Priority,
			Status:          types.StatusUnknown,
			CircuitState:    breaker.State(),
			DependenciesMet: true,
		},
		latencies: ringbuffer.New[time.Duration](o.config.LatencyWindowSize),
	}
	mi.executor = o.newExecutor(descriptor, breaker)
	return mi
}

func (o *Orchestrator) newExecutor(descriptor Descriptor, breaker *resilience.CircuitBreaker) *resilience.Executor {
	retry := descriptor.Retry
	if retry.BackoffMultiplier <= 0 {
		retry = o.config.Retry
	}
	timeout := descriptor.CallTimeout
	if timeout <= 0 {
		timeout = o.config.CallTimeout
	}
	return resilience.NewExecutor(resilience.ExecutorConfig{
		Name:      descriptor.Name,
		Kind:      descriptor.Kind,
		Timeout:   timeout,
		Retry:     retry,
		Retryable: o.retryable,
		RateLimit: descriptor.RateLimit,
		RateBurst: descriptor.RateBurst,
	}, breaker, o.clock, o.logger)
}

// UnregisterIntegration removes an integration without calling its shutdown hook
func (o *Orchestrator) UnregisterIntegration(name string) bool {
	o.mu.Lock()
	mi, ok := o.integrations[name]
	if ok {
		delete(o.integrations, name)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}

	o.breakers.Remove(name)
	o.logger.Info("Integration unregistered", zap.String("integration", name))
	o.emit(EventUnregistered, name, mi.descriptor.Kind, nil)
	return true
}

// Initialize checks every integration once in priority order, emits registered
// events and starts the periodic health-check loop. Unmet dependencies are
// reported but do not block an integration.
func (o *Orchestrator) Initialize(ctx context.Context) ([]InitResult, error) {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return nil, common.ErrShutdownInProgress("orchestrator")
	}
	o.mu.Unlock()

	ordered := o.ordered()
	results := make([]InitResult, 0, len(ordered))
	start := o.clock.Now()

	for _, mi := range ordered {
		began := o.clock.Now()
		info := o.check(ctx, mi)
		o.emit(EventRegistered, mi.descriptor.Name, mi.descriptor.Kind, map[string]interface{}{
			"status":           string(info.Status),
			"dependencies_met": info.DependenciesMet,
		})

		if !info.DependenciesMet {
			o.logger.Warn("Integration dependencies not met",
				zap.String("integration", info.Name),
				zap.Strings("unmet", info.UnmetDependencies))
		}

		results = append(results, InitResult{
			Name:              info.Name,
			Success:           info.Status == types.StatusHealthy || info.Status == types.StatusDegraded,
			Status:            info.Status,
			Duration:          o.clock.Since(began),
			UnmetDependencies: info.UnmetDependencies,
			Error:             info.LastError,
		})
	}

	o.mu.Lock()
	if !o.started && !o.shuttingDown {
		o.started = true
		loopCtx, cancel := context.WithCancel(context.Background())
		o.loopCancel = cancel
		o.wg.Add(1)
		go o.healthCheckLoop(loopCtx)
	}
	o.mu.Unlock()

	healthy := 0
	for _, r := range results {
		if r.Success {
			healthy++
		}
	}
	o.logger.Info("Orchestrator initialized",
		zap.Int("integrations", len(results)),
		zap.Int("healthy", healthy),
		zap.Duration("duration", o.clock.Since(start)))
	return results, nil
}

// ordered returns integrations sorted by priority, then name
func (o *Orchestrator) ordered() []*managedIntegration {
	o.mu.RLock()
	list := make([]*managedIntegration, 0, len(o.integrations))
	for _, mi := range o.integrations {
		list = append(list, mi)
	}
	o.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		pi, pj := list[i].descriptor.Priority, list[j].descriptor.Priority
		if pi != pj {
			return pi < pj
		}
		return list[i].descriptor.Name < list[j].descriptor.Name
	})
	return list
}

func (o *Orchestrator) healthCheckLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := o.clock.NewTicker(o.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			o.runHealthChecks(ctx)
		}
	}
}

// runHealthChecks checks integrations in priority order, at most
// MaxConcurrentHealthChecks at a time, finishing each batch before the next
func (o *Orchestrator) runHealthChecks(ctx context.Context) {
	ordered := o.ordered()
	size := o.config.MaxConcurrentHealthChecks

	for i := 0; i < len(ordered); i += size {
		end := i + size
		if end > len(ordered) {
			end = len(ordered)
		}

		var g errgroup.Group
		for _, mi := range ordered[i:end] {
			mi := mi
			g.Go(func() error {
				o.check(ctx, mi)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return
		}
	}
}

// CheckIntegration runs an on-demand health check
func (o *Orchestrator) CheckIntegration(ctx context.Context, name string) (StatusInfo, error) {
	mi, err := o.lookup(name)
	if err != nil {
		return StatusInfo{}, err
	}
	return o.check(ctx, mi), nil
}

// check runs one health check through the integration's breaker and records the result
func (o *Orchestrator) check(ctx context.Context, mi *managedIntegration) StatusInfo {
	desc := mi.descriptor
	unmet := o.unmetDependencies(desc)
	breaker := o.breakers.GetOrCreate(desc.Name, o.config.Breaker)

	start := o.clock.Now()
	var result HealthResult
	_, err := breaker.Execute(func() (interface{}, error) {
		result = o.runHealthCheck(ctx, desc)
		if result.Healthy {
			return nil, nil
		}
		if result.Error == nil {
			result.Error = common.NewAppError(common.ErrCodeServerError, fmt.Sprintf("integration %s reported unhealthy", desc.Name))
		}
		return nil, result.Error
	})
	if err != nil && common.HasErrorCode(err, common.ErrCodeCircuitOpen) {
		result = HealthResult{Healthy: false, Error: err}
	}
	if result.Latency <= 0 {
		result.Latency = o.clock.Since(start)
	}

	degraded := o.degradation.IsDegraded(desc.Kind)
	level := o.degradation.DegradationLevel(desc.Kind)
	next := DeriveStatus(result.Healthy, degraded)
	now := o.clock.Now()

	mi.mu.Lock()
	previous := mi.status.Status
	s := &mi.status
	s.TotalChecks++
	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.LastErrorCategory = ""
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		s.TotalFailures++
		if result.Error != nil {
			s.LastError = result.Error.Error()
			s.LastErrorCategory = string(resilience.ClassifyError(result.Error))
		}
	}
	s.Uptime, s.ErrorRate = rates(s.ConsecutiveSuccesses, s.ConsecutiveFailures)
	s.Status = next
	s.Latency = result.Latency
	s.LastCheck = now
	s.CircuitState = breaker.State()
	s.Degraded = degraded
	s.DegradationLevel = level
	s.DependenciesMet = len(unmet) == 0
	s.UnmetDependencies = unmet
	if previous != next {
		s.LastStatusChange = now
	}
	mi.lastDetails = result.Details
	info := copyStatus(*s)
	mi.mu.Unlock()

	checkType := EventHealthCheckPassed
	if !result.Healthy {
		checkType = EventHealthCheckFailed
	}
	data := map[string]interface{}{
		"latency_ms": result.Latency.Milliseconds(),
		"status":     string(next),
	}
	if info.LastError != "" {
		data["error"] = info.LastError
		data["category"] = info.LastErrorCategory
	}
	o.emit(checkType, desc.Name, desc.Kind, data)

	if previous != next {
		o.statusChanged(desc, previous, next, info.LastError, now)
	}
	o.flushTransitions()
	return info
}

// runHealthCheck bounds the probe by its timeout; panics and timeouts become unhealthy results
func (o *Orchestrator) runHealthCheck(ctx context.Context, desc Descriptor) HealthResult {
	timeout := desc.HealthCheckTimeout
	if timeout <= 0 {
		timeout = o.config.HealthCheckTimeout
	}

	result, err := resilience.WrapWithTimeout(ctx, o.clock, func(ctx context.Context) (HealthResult, error) {
		return desc.HealthCheck(ctx), nil
	}, timeout, desc.Name+".health_check")
	if err != nil {
		o.logger.Warn("Health check failed to complete",
			zap.String("integration", desc.Name),
			zap.Error(err))
		return HealthResult{Healthy: false, Error: err}
	}
	return result
}

func (o *Orchestrator) statusChanged(desc Descriptor, previous, next types.HealthStatus, lastErr string, at time.Time) {
	change := StatusChange{
		Integration: desc.Name,
		Kind:        desc.Kind,
		Previous:    previous,
		Current:     next,
		Timestamp:   at,
		Error:       lastErr,
	}

	o.statusLog.LogStatusChange(desc.Name, previous, next, zap.String("integration_kind", string(desc.Kind)))

	o.emit(EventStatusChanged, desc.Name, desc.Kind, map[string]interface{}{
		"previous": string(previous),
		"current":  string(next),
	})

	if desc.OnStatusChange != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("Status change callback panicked",
						zap.String("integration", desc.Name),
						zap.Any("panic", r))
				}
			}()
			desc.OnStatusChange(change)
		}()
	}
}

func (o *Orchestrator) unmetDependencies(desc Descriptor) []string {
	if len(desc.Dependencies) == 0 {
		return nil
	}

	var unmet []string
	for _, dep := range desc.Dependencies {
		o.mu.RLock()
		mi, ok := o.integrations[dep]
		o.mu.RUnlock()
		if !ok {
			unmet = append(unmet, dep)
			continue
		}
		mi.mu.Lock()
		status := mi.status.Status
		mi.mu.Unlock()
		if status != types.StatusHealthy {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// RecoverIntegration runs the recovery handler. On success the breaker and
// counters are reset, degraded mode for the kind is cleared and the integration
// is checked again. Without a handler, or when it fails, nothing changes.
func (o *Orchestrator) RecoverIntegration(ctx context.Context, name string) bool {
	mi, err := o.lookup(name)
	if err != nil {
		o.logger.Warn("Recovery requested for unknown integration", zap.String("integration", name))
		return false
	}
	desc := mi.descriptor
	if desc.RecoveryHandler == nil {
		o.logger.Warn("Integration has no recovery handler", zap.String("integration", name))
		return false
	}

	if !o.runRecovery(ctx, desc) {
		o.logger.Warn("Integration recovery failed", zap.String("integration", name))
		return false
	}
	o.emit(EventRecoveryStarted, desc.Name, desc.Kind, nil)

	o.breakers.Reset(desc.Name)
	breaker := o.breakers.GetOrCreate(desc.Name, o.config.Breaker)

	mi.mu.Lock()
	mi.status.ConsecutiveFailures = 0
	mi.status.ConsecutiveSuccesses = 0
	mi.status.CircuitState = breaker.State()
	mi.executor = o.newExecutor(desc, breaker)
	mi.mu.Unlock()

	if o.degradation.IsDegraded(desc.Kind) {
		o.degradation.ExitDegradedMode(desc.Kind)
		o.emitForKind(EventDegradedModeExited, desc.Kind, nil)
	}

	info := o.check(ctx, mi)
	o.emit(EventRecoveryCompleted, desc.Name, desc.Kind, map[string]interface{}{
		"status": string(info.Status),
	})
	o.logger.Info("Integration recovered",
		zap.String("integration", name),
		zap.String("status", string(info.Status)))
	return true
}

func (o *Orchestrator) runRecovery(ctx context.Context, desc Descriptor) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Recovery handler panicked",
				zap.String("integration", desc.Name),
				zap.Any("panic", r))
			ok = false
		}
	}()
	return desc.RecoveryHandler(ctx)
}

// EnterDegradedMode marks kind degraded when the controller supports it
func (o *Orchestrator) EnterDegradedMode(kind types.IntegrationKind, level float64) error {
	setter, ok := o.degradation.(DegradationSetter)
	if !ok {
		return common.ErrValidationFailed("degradation controller is read-only")
	}
	setter.EnterDegradedMode(kind, level)
	o.logger.Warn("Degraded mode entered",
		zap.String("kind", string(kind)),
		zap.Float64("level", o.degradation.DegradationLevel(kind)))
	o.emitForKind(EventDegradedModeEntered, kind, map[string]interface{}{
		"level": o.degradation.DegradationLevel(kind),
	})
	return nil
}

// ExitDegradedMode clears degraded mode for kind
func (o *Orchestrator) ExitDegradedMode(kind types.IntegrationKind) {
	if !o.degradation.IsDegraded(kind) {
		return
	}
	o.degradation.ExitDegradedMode(kind)
	o.logger.Info("Degraded mode exited", zap.String("kind", string(kind)))
	o.emitForKind(EventDegradedModeExited, kind, nil)
}

// Execute runs op through the integration's rate limit, breaker, timeout and
// retry policy. When op fails and fallback is set, fallback decides the outcome.
func (o *Orchestrator) Execute(ctx context.Context, name string, op func(ctx context.Context) error, fallback func(ctx context.Context, cause error) error) error {
	mi, err := o.lookup(name)
	if err != nil {
		return err
	}

	mi.mu.Lock()
	executor := mi.executor
	mi.mu.Unlock()

	err = executor.Execute(ctx, op, func(attempt int, latency time.Duration, err error) {
		mi.mu.Lock()
		defer mi.mu.Unlock()
		mi.requests++
		if err != nil {
			mi.failures++
		}
		if !common.HasErrorCode(err, common.ErrCodeCircuitOpen) {
			mi.latencies.Push(latency)
		}
	})
	o.flushTransitions()

	if err == nil || fallback == nil {
		return err
	}

	mi.mu.Lock()
	mi.fallbacks++
	mi.mu.Unlock()
	o.logger.Debug("Using fallback", zap.String("integration", name), zap.Error(err))

	if ferr := fallback(ctx, err); ferr != nil {
		return resilience.StandardizeError(ferr, mi.descriptor.Kind, o.retryable)
	}
	return nil
}

func (o *Orchestrator) lookup(name string) (*managedIntegration, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.shuttingDown {
		return nil, common.ErrShutdownInProgress("orchestrator")
	}
	mi, ok := o.integrations[name]
	if !ok {
		return nil, common.ErrIntegrationNotFound(name)
	}
	return mi, nil
}

// GetStatus returns the status record for name
func (o *Orchestrator) GetStatus(name string) (StatusInfo, error) {
	mi, err := o.lookup(name)
	if err != nil {
		return StatusInfo{}, err
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return copyStatus(mi.status), nil
}

// BreakerStats returns the circuit breaker counters of every registered integration
func (o *Orchestrator) BreakerStats() map[string]resilience.BreakerStats {
	return o.breakers.GetAllStats()
}

// GetAllStatuses returns every status record in priority order
func (o *Orchestrator) GetAllStatuses() []StatusInfo {
	ordered := o.ordered()
	statuses := make([]StatusInfo, 0, len(ordered))
	for _, mi := range ordered {
		mi.mu.Lock()
		statuses = append(statuses, copyStatus(mi.status))
		mi.mu.Unlock()
	}
	return statuses
}

// GetSystemSummary rolls all integrations up into an overall status
func (o *Orchestrator) GetSystemSummary() SystemSummary {
	statuses := o.GetAllStatuses()
	summary := SystemSummary{
		Total:     len(statuses),
		Timestamp: o.clock.Now(),
	}

	var uptime float64
	for _, s := range statuses {
		switch s.Status {
		case types.StatusHealthy:
			summary.Healthy++
		case types.StatusDegraded:
			summary.Degraded++
		case types.StatusUnhealthy:
			summary.Unhealthy++
		default:
			summary.Unknown++
		}
		uptime += s.Uptime
	}
	if len(statuses) > 0 {
		summary.AverageUptime = uptime / float64(len(statuses))
	}
	summary.Status, summary.CriticalUnhealthy = overallStatus(statuses)
	return summary
}

// GetIntegrationMetrics returns call statistics for every integration in priority order
func (o *Orchestrator) GetIntegrationMetrics() []IntegrationMetrics {
	ordered := o.ordered()
	out := make([]IntegrationMetrics, 0, len(ordered))
	for _, mi := range ordered {
		out = append(out, o.metricsFor(mi))
	}
	return out
}

func (o *Orchestrator) metricsFor(mi *managedIntegration) IntegrationMetrics {
	var trips int64
	state := resilience.CircuitClosed
	if cb, ok := o.breakers.Get(mi.descriptor.Name); ok {
		trips = cb.Trips()
		state = cb.State()
	}

	mi.mu.Lock()
	defer mi.mu.Unlock()

	p50, p95, p99 := percentiles(mi.latencies.Items())
	m := IntegrationMetrics{
		Name:                mi.descriptor.Name,
		Kind:                mi.descriptor.Kind,
		Status:              mi.status.Status,
		Requests:            mi.requests,
		Failures:            mi.failures,
		LatencyP50:          p50,
		LatencyP95:          p95,
		LatencyP99:          p99,
		CircuitState:        state,
		CircuitTrips:        trips,
		FallbackUsage:       mi.fallbacks,
		Uptime:              mi.status.Uptime,
		ConsecutiveFailures: mi.status.ConsecutiveFailures,
	}
	if mi.requests > 0 {
		m.ErrorRate = float64(mi.failures) / float64(mi.requests)
	}
	return m
}

// GetDiagnostics returns a detailed view of one integration
func (o *Orchestrator) GetDiagnostics(name string) (Diagnostics, error) {
	mi, err := o.lookup(name)
	if err != nil {
		return Diagnostics{}, err
	}

	diag := Diagnostics{
		Dependencies:       append([]string(nil), mi.descriptor.Dependencies...),
		HasRecoveryHandler: mi.descriptor.RecoveryHandler != nil,
		HasGracefulStop:    mi.descriptor.GracefulShutdown != nil,
		Metrics:            o.metricsFor(mi),
		RecentEvents:       o.recentEvents(name, diagnosticsEventLimit),
	}
	if cb, ok := o.breakers.Get(name); ok {
		diag.Breaker = cb.Stats()
	}
	o.flushTransitions()

	mi.mu.Lock()
	diag.Status = copyStatus(mi.status)
	if mi.lastDetails != nil {
		diag.LastDetails = make(map[string]interface{}, len(mi.lastDetails))
		for k, v := range mi.lastDetails {
			diag.LastDetails[k] = v
		}
	}
	mi.mu.Unlock()
	return diag, nil
}

// RecentEvents returns up to n of the most recent events across all integrations
func (o *Orchestrator) RecentEvents(n int) []Event {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	return o.history.Last(n)
}

func (o *Orchestrator) recentEvents(name string, n int) []Event {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()

	var out []Event
	items := o.history.Items()
	for i := len(items) - 1; i >= 0 && len(out) < n; i-- {
		if items[i].Integration == name {
			out = append(out, items[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Subscribe registers listener for eventType and returns its unsubscribe func
func (o *Orchestrator) Subscribe(eventType EventType, listener Listener) (func(), error) {
	return o.bus.Subscribe(eventType, listener)
}

// SubscribeAll registers listener for every event type
func (o *Orchestrator) SubscribeAll(listener Listener) (func(), error) {
	return o.bus.SubscribeAll(listener)
}

// Shutdown stops the health-check loop, calls every graceful shutdown hook
// and clears all state. Hook failures are logged.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return nil
	}
	o.shuttingDown = true
	if o.loopCancel != nil {
		o.loopCancel()
	}
	managed := make([]*managedIntegration, 0, len(o.integrations))
	for _, mi := range o.integrations {
		managed = append(managed, mi)
	}
	o.mu.Unlock()

	loopDone := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(loopDone)
	}()
	select {
	case <-loopDone:
	case <-ctx.Done():
		o.logger.Warn("Health-check loop did not stop before shutdown deadline")
	}

	var g errgroup.Group
	var failedMu sync.Mutex
	var failed []string
	for _, mi := range managed {
		desc := mi.descriptor
		if desc.GracefulShutdown == nil {
			continue
		}
		g.Go(func() error {
			if err := o.runShutdownHook(ctx, desc); err != nil {
				o.logger.Error("Integration shutdown failed",
					zap.String("integration", desc.Name),
					zap.Error(err))
				failedMu.Lock()
				failed = append(failed, desc.Name)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	o.mu.Lock()
	o.integrations = make(map[string]*managedIntegration)
	o.mu.Unlock()
	for _, mi := range managed {
		o.breakers.Remove(mi.descriptor.Name)
	}
	o.bus.Clear()
	o.historyMu.Lock()
	o.history.Clear()
	o.historyMu.Unlock()

	o.logger.Info("Orchestrator shut down",
		zap.Int("integrations", len(managed)),
		zap.Strings("failed_shutdowns", failed))
	return nil
}

func (o *Orchestrator) runShutdownHook(ctx context.Context, desc Descriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown hook panicked: %v", r)
		}
	}()
	return desc.GracefulShutdown(ctx)
}

func (o *Orchestrator) emit(eventType EventType, name string, kind types.IntegrationKind, data map[string]interface{}) {
	event := Event{
		ID:          types.NewEventID(),
		Type:        eventType,
		Integration: name,
		Kind:        kind,
		Timestamp:   o.clock.Now(),
		Data:        data,
	}

	o.historyMu.Lock()
	o.history.Push(event)
	o.historyMu.Unlock()

	o.bus.Publish(event)
}

// emitForKind emits one event per registered integration of kind
func (o *Orchestrator) emitForKind(eventType EventType, kind types.IntegrationKind, data map[string]interface{}) {
	for _, mi := range o.ordered() {
		if mi.descriptor.Kind == kind {
			o.emit(eventType, mi.descriptor.Name, kind, data)
		}
	}
}

// queueTransition is the breaker callback. It runs while the breaker holds its
// own lock, so events are emitted later by flushTransitions.
func (o *Orchestrator) queueTransition(name string, from, to resilience.CircuitState) {
	o.transitionsMu.Lock()
	o.transitions = append(o.transitions, breakerTransition{name: name, from: from, to: to, at: o.clock.Now()})
	o.transitionsMu.Unlock()
}

func (o *Orchestrator) flushTransitions() {
	o.transitionsMu.Lock()
	pending := o.transitions
	o.transitions = nil
	o.transitionsMu.Unlock()

	for _, t := range pending {
		var eventType EventType
		switch t.to {
		case resilience.CircuitOpen:
			eventType = EventCircuitBreakerOpened
		case resilience.CircuitHalfOpen:
			eventType = EventCircuitBreakerHalfOpen
		default:
			eventType = EventCircuitBreakerClosed
		}

		var kind types.IntegrationKind
		o.mu.RLock()
		mi, ok := o.integrations[t.name]
		o.mu.RUnlock()
		if ok {
			kind = mi.descriptor.Kind
			mi.mu.Lock()
			mi.status.CircuitState = t.to
			mi.mu.Unlock()
		}

		o.emit(eventType, t.name, kind, map[string]interface{}{
			"from": string(t.from),
			"to":   string(t.to),
		})
	}
}

func copyStatus(s StatusInfo) StatusInfo {
	if s.UnmetDependencies != nil {
		s.UnmetDependencies = append([]string(nil), s.UnmetDependencies...)
	}
	return s
}

// IsNotFound reports whether err means the integration is unknown
func IsNotFound(err error) bool {
	var appErr *common.AppError
	return errors.As(err, &appErr) && appErr.Code == common.ErrCodeIntegrationNotFound
}
