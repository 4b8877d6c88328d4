package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cpa02cmz/quanforge-sub008/pkg/clock"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/resilience"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

type probe struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func newProbe(healthy bool) *probe {
	p := &probe{}
	p.healthy.Store(healthy)
	return p
}

func (p *probe) check(ctx context.Context) HealthResult {
	p.calls.Add(1)
	if p.healthy.Load() {
		return HealthResult{Healthy: true, Details: map[string]interface{}{"probe": "ok"}}
	}
	return HealthResult{Healthy: false, Error: errors.New("connection refused")}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, et := range r.types() {
		if et == t {
			n++
		}
	}
	return n
}

type OrchestratorTestSuite struct {
	suite.Suite
	clock    *clock.FakeClock
	orch     *Orchestrator
	recorder *recorder
	ctx      context.Context
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}

func (s *OrchestratorTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	config := DefaultConfig()
	config.Retry = resilience.RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond, BackoffMultiplier: 2}
	s.orch = New(config, s.clock, nil, zaptest.NewLogger(s.T()))

	s.recorder = &recorder{}
	_, err := s.orch.SubscribeAll(s.recorder.listen)
	s.Require().NoError(err)
}

func (s *OrchestratorTestSuite) TearDownTest() {
	s.Require().NoError(s.orch.Shutdown(s.ctx))
}

func (s *OrchestratorTestSuite) register(name string, kind types.IntegrationKind, priority types.Priority, p *probe) {
	s.Require().NoError(s.orch.RegisterIntegration(Descriptor{
		Name:        name,
		Kind:        kind,
		Priority:    priority,
		HealthCheck: p.check,
	}))
}

func (s *OrchestratorTestSuite) TestRegisterValidation() {
	err := s.orch.RegisterIntegration(Descriptor{Kind: types.KindDatabase, HealthCheck: newProbe(true).check})
	s.True(common.HasErrorCode(err, common.ErrCodeValidationFailed))

	err = s.orch.RegisterIntegration(Descriptor{Name: "x", Kind: "ftp", HealthCheck: newProbe(true).check})
	s.True(common.HasErrorCode(err, common.ErrCodeValidationFailed))

	err = s.orch.RegisterIntegration(Descriptor{Name: "x", Kind: types.KindCache})
	s.True(common.HasErrorCode(err, common.ErrCodeValidationFailed))
}

func (s *OrchestratorTestSuite) TestRegisteredIntegrationStartsUnknown() {
	s.register("redis", types.KindCache, types.PriorityHigh, newProbe(true))

	status, err := s.orch.GetStatus("redis")
	s.Require().NoError(err)
	s.Equal(types.StatusUnknown, status.Status)
	s.Equal(resilience.CircuitClosed, status.CircuitState)

	_, err = s.orch.GetStatus("missing")
	s.True(IsNotFound(err))
}

func (s *OrchestratorTestSuite) TestInitializeInPriorityOrder() {
	var order []string
	var mu sync.Mutex
	track := func(name string, healthy bool) HealthCheckFunc {
		return func(ctx context.Context) HealthResult {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return HealthResult{Healthy: healthy}
		}
	}

	s.Require().NoError(s.orch.RegisterIntegration(Descriptor{Name: "ai", Kind: types.KindAIService, Priority: types.PriorityLow, HealthCheck: track("ai", false)}))
	s.Require().NoError(s.orch.RegisterIntegration(Descriptor{Name: "postgres", Kind: types.KindDatabase, Priority: types.PriorityCritical, HealthCheck: track("postgres", true)}))
	s.Require().NoError(s.orch.RegisterIntegration(Descriptor{Name: "redis", Kind: types.KindCache, Priority: types.PriorityHigh, HealthCheck: track("redis", true), Dependencies: []string{"postgres", "vault"}}))

	results, err := s.orch.Initialize(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{"postgres", "redis", "ai"}, order)

	s.Require().Len(results, 3)
	s.True(results[0].Success)
	s.True(results[1].Success)
	s.Equal([]string{"vault"}, results[1].UnmetDependencies)
	s.False(results[2].Success)
	s.Equal(types.StatusUnhealthy, results[2].Status)
	s.Equal(3, s.recorder.count(EventRegistered))
}

func (s *OrchestratorTestSuite) TestStatusChangeEmitsEventAndCallsCallback() {
	p := newProbe(true)
	var changes []StatusChange
	s.Require().NoError(s.orch.RegisterIntegration(Descriptor{
		Name:        "market",
		Kind:        types.KindMarketData,
		Priority:    types.PriorityMedium,
		HealthCheck: p.check,
		OnStatusChange: func(c StatusChange) {
			changes = append(changes, c)
			panic("listener bug")
		},
	}))

	info, err := s.orch.CheckIntegration(s.ctx, "market")
	s.Require().NoError(err)
	s.Equal(types.StatusHealthy, info.Status)

	_, err = s.orch.CheckIntegration(s.ctx, "market")
	s.Require().NoError(err)

	p.healthy.Store(false)
	info, err = s.orch.CheckIntegration(s.ctx, "market")
	s.Require().NoError(err)
	s.Equal(types.StatusUnhealthy, info.Status)
	s.Equal(1, info.ConsecutiveFailures)
	s.Equal("connection refused", info.LastError)
	s.Equal(string(common.CategoryNetwork), info.LastErrorCategory)

	s.Require().Len(changes, 2)
	s.Equal(types.StatusUnknown, changes[0].Previous)
	s.Equal(types.StatusHealthy, changes[0].Current)
	s.Equal(types.StatusHealthy, changes[1].Previous)
	s.Equal(types.StatusUnhealthy, changes[1].Current)
	s.Equal(2, s.recorder.count(EventStatusChanged))
	s.Equal(2, s.recorder.count(EventHealthCheckPassed))
	s.Equal(1, s.recorder.count(EventHealthCheckFailed))
}

func (s *OrchestratorTestSuite) TestDegradedModeDerivation() {
	p := newProbe(true)
	s.register("gemini", types.KindAIService, types.PriorityMedium, p)

	s.Require().NoError(s.orch.EnterDegradedMode(types.KindAIService, 0.5))
	s.Equal(1, s.recorder.count(EventDegradedModeEntered))

	info, err := s.orch.CheckIntegration(s.ctx, "gemini")
	s.Require().NoError(err)
	s.Equal(types.StatusDegraded, info.Status)
	s.True(info.Degraded)
	s.Equal(0.5, info.DegradationLevel)

	p.healthy.Store(false)
	info, err = s.orch.CheckIntegration(s.ctx, "gemini")
	s.Require().NoError(err)
	s.Equal(types.StatusUnhealthy, info.Status)

	s.orch.ExitDegradedMode(types.KindAIService)
	s.Equal(1, s.recorder.count(EventDegradedModeExited))
	s.orch.ExitDegradedMode(types.KindAIService)
	s.Equal(1, s.recorder.count(EventDegradedModeExited))
}

func (s *OrchestratorTestSuite) TestSystemSummaryPrecedence() {
	s.Equal(types.StatusUnknown, s.orch.GetSystemSummary().Status)

	db := newProbe(true)
	cache := newProbe(true)
	s.register("postgres", types.KindDatabase, types.PriorityCritical, db)
	s.register("redis", types.KindCache, types.PriorityHigh, cache)

	s.Equal(types.StatusUnknown, s.orch.GetSystemSummary().Status)

	_, err := s.orch.Initialize(s.ctx)
	s.Require().NoError(err)
	summary := s.orch.GetSystemSummary()
	s.Equal(types.StatusHealthy, summary.Status)
	s.Equal(2, summary.Healthy)
	s.Equal(100.0, summary.AverageUptime)

	cache.healthy.Store(false)
	_, err = s.orch.CheckIntegration(s.ctx, "redis")
	s.Require().NoError(err)
	summary = s.orch.GetSystemSummary()
	s.Equal(types.StatusDegraded, summary.Status)
	s.Equal(1, summary.Unhealthy)
	s.Empty(summary.CriticalUnhealthy)

	db.healthy.Store(false)
	_, err = s.orch.CheckIntegration(s.ctx, "postgres")
	s.Require().NoError(err)
	summary = s.orch.GetSystemSummary()
	s.Equal(types.StatusUnhealthy, summary.Status)
	s.Equal([]string{"postgres"}, summary.CriticalUnhealthy)
}

func (s *OrchestratorTestSuite) TestBreakerOpensOnRepeatedHealthCheckFailures() {
	p := newProbe(false)
	s.Require().NoError(s.orch.RegisterIntegration(Descriptor{
		Name:        "quotes",
		Kind:        types.KindMarketData,
		Priority:    types.PriorityMedium,
		HealthCheck: p.check,
		Breaker:     resilience.BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Hour},
	}))

	for i := 0; i < 2; i++ {
		_, err := s.orch.CheckIntegration(s.ctx, "quotes")
		s.Require().NoError(err)
	}
	s.Equal(1, s.recorder.count(EventCircuitBreakerOpened))

	info, err := s.orch.CheckIntegration(s.ctx, "quotes")
	s.Require().NoError(err)
	s.Equal(int32(2), p.calls.Load())
	s.Equal(resilience.CircuitOpen, info.CircuitState)
	s.Equal(types.StatusUnhealthy, info.Status)
	s.Contains(info.LastError, "rejected")

	metrics := s.orch.GetIntegrationMetrics()
	s.Require().Len(metrics, 1)
	s.Equal(int64(1), metrics[0].CircuitTrips)
}

func (s *OrchestratorTestSuite) TestRecoverIntegration() {
	p := newProbe(false)
	recovered := atomic.Bool{}
	s.Require().NoError(s.orch.RegisterIntegration(Descriptor{
		Name:        "quotes",
		Kind:        types.KindMarketData,
		Priority:    types.PriorityMedium,
		HealthCheck: p.check,
		Breaker:     resilience.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour},
		RecoveryHandler: func(ctx context.Context) bool {
			recovered.Store(true)
			p.healthy.Store(true)
			return true
		},
	}))
	s.Require().NoError(s.orch.EnterDegradedMode(types.KindMarketData, 1))

	info, err := s.orch.CheckIntegration(s.ctx, "quotes")
	s.Require().NoError(err)
	s.Equal(resilience.CircuitOpen, info.CircuitState)

	s.True(s.orch.RecoverIntegration(s.ctx, "quotes"))
	s.True(recovered.Load())

	info, err = s.orch.GetStatus("quotes")
	s.Require().NoError(err)
	s.Equal(types.StatusHealthy, info.Status)
	s.Equal(resilience.CircuitClosed, info.CircuitState)
	s.Equal(1, info.ConsecutiveSuccesses)
	s.Zero(info.ConsecutiveFailures)
	s.False(s.orch.Degradation().IsDegraded(types.KindMarketData))

	seen := s.recorder.types()
	s.Contains(seen, EventRecoveryStarted)
	s.Contains(seen, EventDegradedModeExited)
	s.Equal(EventRecoveryCompleted, seen[len(seen)-1])
}

func (s *OrchestratorTestSuite) TestRecoverFailureLeavesStateUnchanged() {
	p := newProbe(false)
	s.Require().NoError(s.orch.RegisterIntegration(Descriptor{
		Name:            "gemini",
		Kind:            types.KindAIService,
		Priority:        types.PriorityMedium,
		HealthCheck:     p.check,
		RecoveryHandler: func(ctx context.Context) bool { return false },
	}))
	_, err := s.orch.CheckIntegration(s.ctx, "gemini")
	s.Require().NoError(err)

	s.False(s.orch.RecoverIntegration(s.ctx, "gemini"))

	info, err := s.orch.GetStatus("gemini")
	s.Require().NoError(err)
	s.Equal(types.StatusUnhealthy, info.Status)
	s.Equal(1, info.ConsecutiveFailures)
	s.Zero(s.recorder.count(EventRecoveryStarted))
	s.Zero(s.recorder.count(EventRecoveryCompleted))
	s.Zero(s.recorder.count(EventDegradedModeExited))
}

func (s *OrchestratorTestSuite) TestRecoverWithoutHandler() {
	s.register("redis", types.KindCache, types.PriorityHigh, newProbe(false))

	s.False(s.orch.RecoverIntegration(s.ctx, "redis"))
	s.False(s.orch.RecoverIntegration(s.ctx, "missing"))
	s.Zero(s.recorder.count(EventRecoveryStarted))
}

func (s *OrchestratorTestSuite) TestExecuteWithFallback() {
	s.register("gemini", types.KindAIService, types.PriorityMedium, newProbe(true))

	var cause error
	err := s.orch.Execute(s.ctx, "gemini", func(ctx context.Context) error {
		return common.ErrValidationFailed("prompt too long")
	}, func(ctx context.Context, err error) error {
		cause = err
		return nil
	})
	s.NoError(err)
	s.True(common.HasErrorCode(cause, common.ErrCodeValidationFailed))

	s.NoError(s.orch.Execute(s.ctx, "gemini", func(ctx context.Context) error { return nil }, nil))

	metrics := s.orch.GetIntegrationMetrics()
	s.Require().Len(metrics, 1)
	s.Equal(int64(2), metrics[0].Requests)
	s.Equal(int64(1), metrics[0].Failures)
	s.Equal(int64(1), metrics[0].FallbackUsage)
	s.Equal(0.5, metrics[0].ErrorRate)

	err = s.orch.Execute(s.ctx, "missing", func(ctx context.Context) error { return nil }, nil)
	s.True(IsNotFound(err))
}

func (s *OrchestratorTestSuite) TestDiagnostics() {
	s.register("redis", types.KindCache, types.PriorityHigh, newProbe(true))
	s.register("postgres", types.KindDatabase, types.PriorityCritical, newProbe(true))
	_, err := s.orch.Initialize(s.ctx)
	s.Require().NoError(err)

	diag, err := s.orch.GetDiagnostics("redis")
	s.Require().NoError(err)
	s.Equal(types.StatusHealthy, diag.Status.Status)
	s.Equal("ok", diag.LastDetails["probe"])
	s.False(diag.HasRecoveryHandler)
	s.NotEmpty(diag.RecentEvents)
	for _, e := range diag.RecentEvents {
		s.Equal("redis", e.Integration)
	}
}

func (s *OrchestratorTestSuite) TestUnregister() {
	s.register("redis", types.KindCache, types.PriorityHigh, newProbe(true))

	s.True(s.orch.UnregisterIntegration("redis"))
	s.False(s.orch.UnregisterIntegration("redis"))
	s.Equal(1, s.recorder.count(EventUnregistered))
	s.Empty(s.orch.GetAllStatuses())
}

func (s *OrchestratorTestSuite) TestPeriodicHealthChecks() {
	p := newProbe(true)
	s.register("redis", types.KindCache, types.PriorityHigh, p)

	_, err := s.orch.Initialize(s.ctx)
	s.Require().NoError(err)
	s.Equal(int32(1), p.calls.Load())

	s.clock.BlockUntil(1)
	s.clock.Advance(DefaultConfig().HealthCheckInterval)
	s.Eventually(func() bool { return p.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStatusChangesAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	orch := New(DefaultConfig(), clock.NewFake(time.Now()), nil, zap.New(core))
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	p := newProbe(true)
	require.NoError(t, orch.RegisterIntegration(Descriptor{
		Name:        "redis",
		Kind:        types.KindCache,
		Priority:    types.PriorityHigh,
		HealthCheck: p.check,
	}))

	ctx := context.Background()
	_, err := orch.CheckIntegration(ctx, "redis")
	require.NoError(t, err)
	p.healthy.Store(false)
	_, err = orch.CheckIntegration(ctx, "redis")
	require.NoError(t, err)

	entries := logs.FilterMessage("Integration status changed").AllUntimed()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, string(types.StatusHealthy), entries[0].ContextMap()["to"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, string(types.StatusUnhealthy), entries[1].ContextMap()["to"])
	assert.Equal(t, string(types.KindCache), entries[1].ContextMap()["integration_kind"])
}

func TestHealthChecksRunInBoundedBatches(t *testing.T) {
	config := DefaultConfig()
	config.MaxConcurrentHealthChecks = 3
	orch := New(config, clock.NewFake(time.Now()), nil, zaptest.NewLogger(t))

	var inFlight, maxInFlight, total atomic.Int32
	check := func(ctx context.Context) HealthResult {
		n := inFlight.Add(1)
		for {
			max := maxInFlight.Load()
			if n <= max || maxInFlight.CompareAndSwap(max, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		total.Add(1)
		return HealthResult{Healthy: true}
	}

	for i := 0; i < 8; i++ {
		require.NoError(t, orch.RegisterIntegration(Descriptor{
			Name:        fmt.Sprintf("feed-%d", i),
			Kind:        types.KindMarketData,
			Priority:    types.PriorityMedium,
			HealthCheck: check,
		}))
	}

	orch.runHealthChecks(context.Background())
	assert.Equal(t, int32(8), total.Load())
	assert.LessOrEqual(t, maxInFlight.Load(), int32(3))
}

func TestShutdownCallsHooksAndRejectsCalls(t *testing.T) {
	orch := New(DefaultConfig(), clock.NewFake(time.Now()), nil, zaptest.NewLogger(t))

	var stopped atomic.Int32
	for i, fail := range []bool{false, true} {
		fail := fail
		require.NoError(t, orch.RegisterIntegration(Descriptor{
			Name:        fmt.Sprintf("db-%d", i),
			Kind:        types.KindDatabase,
			Priority:    types.PriorityHigh,
			HealthCheck: func(ctx context.Context) HealthResult { return HealthResult{Healthy: true} },
			GracefulShutdown: func(ctx context.Context) error {
				stopped.Add(1)
				if fail {
					return errors.New("close failed")
				}
				return nil
			},
		}))
	}

	_, err := orch.Initialize(context.Background())
	require.NoError(t, err)

	require.NoError(t, orch.Shutdown(context.Background()))
	assert.Equal(t, int32(2), stopped.Load())
	assert.Zero(t, orch.Bus().SubscriberCount())

	err = orch.Execute(context.Background(), "db-0", func(ctx context.Context) error { return nil }, nil)
	assert.True(t, common.HasErrorCode(err, common.ErrCodeShutdownInProgress))
	assert.NoError(t, orch.Shutdown(context.Background()))
}
