package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cpa02cmz/quanforge-sub008/pkg/clock"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

type fakeRegistrar struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRegistrar) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeRegistrar) Register(ctx context.Context, s ServiceInstance) error {
	return f.record("register:" + s.Name)
}

func (f *fakeRegistrar) Deregister(ctx context.Context, id string) error {
	return f.record("deregister:" + id)
}

func (f *fakeRegistrar) Heartbeat(ctx context.Context, id string) error {
	return f.record("heartbeat:" + id)
}

func (f *fakeRegistrar) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestRegistry(t *testing.T, config Config) (*Registry, *clock.FakeClock, *fakeRegistrar) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	registrar := &fakeRegistrar{}
	return NewRegistry(config, clk, registrar, zaptest.NewLogger(t)), clk, registrar
}

func mustRegister(t *testing.T, r *Registry, reg Registration) ServiceInstance {
	t.Helper()
	s, err := r.RegisterService(reg)
	require.NoError(t, err)
	return s
}

func TestRegisterValidation(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())

	_, err := r.RegisterService(Registration{Kind: types.KindCache})
	assert.True(t, common.HasErrorCode(err, common.ErrCodeValidationFailed))
	_, err = r.RegisterService(Registration{Name: "x", Kind: "queue"})
	assert.True(t, common.HasErrorCode(err, common.ErrCodeValidationFailed))
	_, err = r.RegisterService(Registration{Name: "x", Kind: types.KindCache, Weight: 101})
	assert.True(t, common.HasErrorCode(err, common.ErrCodeValidationFailed))
	_, err = r.RegisterService(Registration{Name: "x", Kind: types.KindCache, Capabilities: []Capability{{Name: "nameless"}}})
	assert.True(t, common.HasErrorCode(err, common.ErrCodeValidationFailed))

	s := mustRegister(t, r, Registration{Name: "redis", Kind: types.KindCache})
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, types.PriorityMedium, s.Priority)
	assert.Equal(t, types.StatusHealthy, s.Status)
}

func TestMaxServices(t *testing.T) {
	config := DefaultConfig()
	config.MaxServices = 2
	r, _, _ := newTestRegistry(t, config)

	mustRegister(t, r, Registration{Name: "a", Kind: types.KindCache})
	b := mustRegister(t, r, Registration{Name: "b", Kind: types.KindCache})
	_, err := r.RegisterService(Registration{Name: "c", Kind: types.KindCache})
	assert.True(t, common.HasErrorCode(err, common.ErrCodeServiceLimitReached))

	require.NoError(t, r.UnregisterService(b.ID))
	mustRegister(t, r, Registration{Name: "c", Kind: types.KindCache})
	assert.True(t, common.HasErrorCode(r.UnregisterService("missing"), common.ErrCodeServiceNotFound))
}

func TestDiscoverByCapability(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())

	gpt := mustRegister(t, r, Registration{Name: "gen-a", Kind: types.KindAIService, Capabilities: []Capability{{ID: "codegen"}, {ID: "chat"}}})
	mustRegister(t, r, Registration{Name: "gen-b", Kind: types.KindAIService, Capabilities: []Capability{{ID: "chat"}}})
	mustRegister(t, r, Registration{Name: "quotes", Kind: types.KindMarketData})

	found := r.DiscoverServices(Query{Capability: "codegen"})
	require.Len(t, found, 1)
	assert.Equal(t, gpt.ID, found[0].ID)
	assert.True(t, found[0].HasCapability("codegen"))

	assert.Len(t, r.DiscoverServices(Query{Capability: "chat"}), 2)
	assert.Empty(t, r.DiscoverServices(Query{Capability: "backtest"}))
}

func TestDiscoverFilters(t *testing.T) {
	r, clk, _ := newTestRegistry(t, DefaultConfig())

	a := mustRegister(t, r, Registration{Name: "pg-primary", Kind: types.KindDatabase, Tags: []string{"primary", "eu"}, Priority: types.PriorityCritical, Weight: 10})
	clk.Advance(time.Second)
	b := mustRegister(t, r, Registration{Name: "pg-replica", Kind: types.KindDatabase, Tags: []string{"replica", "eu"}, Priority: types.PriorityHigh, Weight: 50})
	clk.Advance(time.Second)
	c := mustRegister(t, r, Registration{Name: "pg-archive", Kind: types.KindDatabase, Tags: []string{"archive", "us"}, Priority: types.PriorityLow, Weight: 30})
	mustRegister(t, r, Registration{Name: "redis", Kind: types.KindCache, Tags: []string{"eu"}})

	ids := func(list []ServiceInstance) []string {
		out := make([]string, len(list))
		for i, s := range list {
			out[i] = s.ID
		}
		return out
	}

	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(r.DiscoverServices(Query{Kind: types.KindDatabase})))
	assert.Equal(t, []string{a.ID, c.ID}, ids(r.DiscoverServices(Query{Kind: types.KindDatabase, Tags: []string{"primary", "us"}})))
	assert.Equal(t, []string{b.ID, c.ID}, ids(r.DiscoverServices(Query{Kind: types.KindDatabase, MinPriority: types.PriorityHigh})))
	assert.Equal(t, []string{b.ID, c.ID, a.ID}, ids(r.DiscoverServices(Query{Kind: types.KindDatabase, SortBy: SortByWeight, SortOrder: SortDesc})))
	assert.Equal(t, []string{c.ID}, ids(r.DiscoverServices(Query{Kind: types.KindDatabase, SortBy: SortByRegisteredAt, SortOrder: SortDesc, Limit: 1})))

	require.NoError(t, r.UpdateStatus(b.ID, types.StatusUnhealthy))
	assert.Equal(t, []string{a.ID, c.ID}, ids(r.DiscoverServices(Query{Kind: types.KindDatabase, HealthyOnly: true})))
	assert.Equal(t, []string{b.ID}, ids(r.DiscoverServices(Query{Status: types.StatusUnhealthy})))
	assert.Error(t, r.UpdateStatus(b.ID, "sleepy"))
}

func TestDiscoveryCache(t *testing.T) {
	config := DefaultConfig()
	config.CacheTTL = 10 * time.Second
	r, clk, _ := newTestRegistry(t, config)

	mustRegister(t, r, Registration{Name: "quotes-a", Kind: types.KindMarketData})
	query := Query{Kind: types.KindMarketData}

	assert.Len(t, r.DiscoverServices(query), 1)
	assert.Len(t, r.DiscoverServices(query), 1)
	stats := r.GetStats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, 1, stats.CacheEntries)

	mustRegister(t, r, Registration{Name: "quotes-b", Kind: types.KindMarketData})
	assert.Zero(t, r.GetStats().CacheEntries)
	assert.Len(t, r.DiscoverServices(query), 2)

	clk.Advance(11 * time.Second)
	assert.Len(t, r.DiscoverServices(query), 2)
	assert.Equal(t, int64(3), r.GetStats().CacheMisses)
}

func TestCacheKeyIgnoresTagOrderAndCallSite(t *testing.T) {
	a := cacheKey(Query{Tags: []string{"b", "a"}, CallSite: "x"})
	b := cacheKey(Query{Tags: []string{"a", "b"}, CallSite: "y"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, cacheKey(Query{Tags: []string{"a"}}))
}

func TestRoundRobinCyclesThroughAllInstances(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())

	const n = 4
	for i := 0; i < n; i++ {
		mustRegister(t, r, Registration{Name: fmt.Sprintf("gen-%d", i), Kind: types.KindAIService})
	}

	query := Query{Kind: types.KindAIService, CallSite: "strategy-generator"}
	for round := 0; round < 2; round++ {
		seen := make(map[string]int)
		for i := 0; i < n; i++ {
			s, err := r.GetService(query, StrategyRoundRobin)
			require.NoError(t, err)
			seen[s.ID]++
		}
		assert.Len(t, seen, n)
		for _, count := range seen {
			assert.Equal(t, 1, count)
		}
	}
}

func TestStrategies(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())

	a := mustRegister(t, r, Registration{Name: "a", Kind: types.KindExternalAPI, Priority: types.PriorityHigh, Weight: 10})
	b := mustRegister(t, r, Registration{Name: "b", Kind: types.KindExternalAPI, Priority: types.PriorityHigh, Weight: 90})
	c := mustRegister(t, r, Registration{Name: "c", Kind: types.KindExternalAPI, Priority: types.PriorityLow, Weight: 100})
	query := Query{Kind: types.KindExternalAPI}

	s, err := r.GetService(query, "")
	require.NoError(t, err)
	assert.Equal(t, b.ID, s.ID, "lowest priority number, then highest weight")

	require.NoError(t, r.AcquireConnection(a.ID))
	require.NoError(t, r.AcquireConnection(b.ID))
	require.NoError(t, r.AcquireConnection(b.ID))
	s, err = r.GetService(query, StrategyLeastConnections)
	require.NoError(t, err)
	assert.Equal(t, c.ID, s.ID)
	require.NoError(t, r.ReleaseConnection(a.ID))
	require.NoError(t, r.ReleaseConnection(a.ID))
	s, err = r.GetService(query, StrategyLeastConnections)
	require.NoError(t, err)
	assert.Equal(t, a.ID, s.ID)

	require.NoError(t, r.UpdateStatus(b.ID, types.StatusUnhealthy))
	require.NoError(t, r.UpdateStatus(c.ID, types.StatusUnhealthy))
	for i := 0; i < 10; i++ {
		s, err = r.GetService(query, StrategyWeighted)
		require.NoError(t, err)
		assert.Equal(t, a.ID, s.ID)
		s, err = r.GetService(query, StrategyRandom)
		require.NoError(t, err)
		assert.Equal(t, a.ID, s.ID)
	}

	_, err = r.GetService(query, "fastest")
	assert.True(t, common.HasErrorCode(err, common.ErrCodeValidationFailed))

	require.NoError(t, r.UpdateStatus(a.ID, types.StatusDegraded))
	_, err = r.GetService(query, StrategyRoundRobin)
	assert.True(t, common.HasErrorCode(err, common.ErrCodeNoHealthyInstances))
}

func TestWeightedFavoursHeavierInstances(t *testing.T) {
	r, _, _ := newTestRegistry(t, DefaultConfig())

	heavy := mustRegister(t, r, Registration{Name: "heavy", Kind: types.KindCache, Weight: 100})
	mustRegister(t, r, Registration{Name: "empty", Kind: types.KindCache, Weight: 0})

	for i := 0; i < 20; i++ {
		s, err := r.GetService(Query{Kind: types.KindCache}, StrategyWeighted)
		require.NoError(t, err)
		assert.Equal(t, heavy.ID, s.ID)
	}
}

func TestHeartbeat(t *testing.T) {
	config := DefaultConfig()
	config.HeartbeatRate = 1
	config.HeartbeatBurst = 1
	r, clk, registrar := newTestRegistry(t, config)

	s := mustRegister(t, r, Registration{Name: "quotes", Kind: types.KindMarketData})
	require.NoError(t, r.UpdateStatus(s.ID, types.StatusUnhealthy))

	clk.Advance(5 * time.Second)
	require.NoError(t, r.Heartbeat(s.ID))
	got, err := r.GetInstance(s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusHealthy, got.Status)
	assert.Equal(t, clk.Now(), got.LastHeartbeat)

	err = r.Heartbeat(s.ID)
	assert.True(t, common.HasErrorCode(err, common.ErrCodeRateLimited))

	clk.Advance(time.Second)
	assert.NoError(t, r.Heartbeat(s.ID))
	assert.True(t, common.HasErrorCode(r.Heartbeat("missing"), common.ErrCodeServiceNotFound))

	assert.Equal(t, []string{"register:quotes", "heartbeat:" + s.ID, "heartbeat:" + s.ID}, registrar.Calls())
}

func TestSweeps(t *testing.T) {
	config := DefaultConfig()
	config.HeartbeatTimeout = 10 * time.Second
	r, clk, registrar := newTestRegistry(t, config)

	quiet := mustRegister(t, r, Registration{Name: "quiet", Kind: types.KindCache})
	chatty := mustRegister(t, r, Registration{Name: "chatty", Kind: types.KindCache})

	clk.Advance(11 * time.Second)
	require.NoError(t, r.Heartbeat(chatty.ID))
	assert.Equal(t, 1, r.markUnhealthy())
	assert.Equal(t, 0, r.removeStale())

	got, err := r.GetInstance(quiet.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnhealthy, got.Status)

	clk.Advance(20 * time.Second)
	require.NoError(t, r.Heartbeat(chatty.ID))
	assert.Equal(t, 1, r.removeStale())
	_, err = r.GetInstance(quiet.ID)
	assert.True(t, common.HasErrorCode(err, common.ErrCodeServiceNotFound))
	assert.Contains(t, registrar.Calls(), "deregister:"+quiet.ID)

	stats := r.GetStats()
	assert.Equal(t, 1, stats.TotalServices)
	assert.Equal(t, int64(1), stats.MarkedUnhealthy)
	assert.Equal(t, int64(1), stats.Removed)
	assert.Empty(t, r.DiscoverServices(Query{Capability: "none"}))
}

func TestSweepLoopsRunOnClock(t *testing.T) {
	config := DefaultConfig()
	config.HeartbeatTimeout = 10 * time.Second
	r, clk, _ := newTestRegistry(t, config)

	s := mustRegister(t, r, Registration{Name: "quiet", Kind: types.KindCache})
	r.Start(context.Background())
	defer r.Stop()

	clk.BlockUntil(2)
	clk.Advance(10*time.Second + time.Millisecond)
	clk.Advance(10 * time.Second)
	assert.Eventually(t, func() bool {
		got, err := r.GetInstance(s.ID)
		return err == nil && got.Status == types.StatusUnhealthy
	}, time.Second, 5*time.Millisecond)

	clk.Advance(10 * time.Second)
	assert.Eventually(t, func() bool {
		_, err := r.GetInstance(s.ID)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestConsulRegistrar(t *testing.T) {
	var mu sync.Mutex
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		requests = append(requests, req.Method+" "+req.URL.Path+" "+string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	registrar, err := NewConsulRegistrar(ConsulConfig{
		Address: strings.TrimPrefix(server.URL, "http://"),
		Scheme:  "http",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	instance := ServiceInstance{
		ID:           "svc-1",
		Name:         "gen-a",
		Kind:         types.KindAIService,
		Priority:     types.PriorityHigh,
		Capabilities: []Capability{{ID: "codegen"}},
	}
	require.NoError(t, registrar.Register(ctx, instance))
	require.NoError(t, registrar.Heartbeat(ctx, "svc-1"))
	require.NoError(t, registrar.Deregister(ctx, "svc-1"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 3)
	assert.True(t, strings.HasPrefix(requests[0], "PUT /v1/agent/service/register"))
	assert.Contains(t, requests[0], "capability:codegen")
	assert.Contains(t, requests[0], "service:svc-1")
	assert.True(t, strings.HasPrefix(requests[1], "PUT /v1/agent/check/update/service:svc-1"))
	assert.True(t, strings.HasPrefix(requests[2], "PUT /v1/agent/service/deregister/svc-1"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, registrar.Heartbeat(cancelled, "svc-1"))
}
