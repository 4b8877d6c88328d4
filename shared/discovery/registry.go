package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cpa02cmz/quanforge-sub008/pkg/clock"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// Registrar mirrors registry changes into an external catalogue
type Registrar interface {
	Register(ctx context.Context, instance ServiceInstance) error
	Deregister(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string) error
}

// Registry is an in-memory, capability and tag indexed service registry
type Registry struct {
	config    Config
	clock     clock.Clock
	logger    *zap.Logger
	registrar Registrar
	cache     *queryCache
	balancer  *balancer

	mu           sync.RWMutex
	services     map[string]*ServiceInstance
	byCapability map[string]map[string]struct{}
	byTag        map[string]map[string]struct{}
	limiters     map[string]*rate.Limiter
	seq          uint64
	marked       int64
	removed      int64

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewRegistry creates a registry. registrar may be nil.
func NewRegistry(config Config, clk clock.Clock, registrar Registrar, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		config:       config.withDefaults(),
		clock:        clk,
		logger:       logger,
		registrar:    registrar,
		cache:        newQueryCache(),
		balancer:     newBalancer(clk.Now().UnixNano()),
		services:     make(map[string]*ServiceInstance),
		byCapability: make(map[string]map[string]struct{}),
		byTag:        make(map[string]map[string]struct{}),
		limiters:     make(map[string]*rate.Limiter),
	}
}

// RegisterService assigns an id to reg, stores it as healthy and indexes its capabilities and tags
func (r *Registry) RegisterService(reg Registration) (ServiceInstance, error) {
	if reg.Name == "" {
		return ServiceInstance{}, common.ErrValidationFailed("service name is required")
	}
	if !reg.Kind.Valid() {
		return ServiceInstance{}, common.ErrValidationFailed(fmt.Sprintf("service %s has unknown kind %q", reg.Name, reg.Kind))
	}
	if reg.Weight < 0 || reg.Weight > 100 {
		return ServiceInstance{}, common.ErrValidationFailed(fmt.Sprintf("service %s weight %d is outside 0-100", reg.Name, reg.Weight))
	}
	for _, c := range reg.Capabilities {
		if c.ID == "" {
			return ServiceInstance{}, common.ErrValidationFailed(fmt.Sprintf("service %s has a capability without id", reg.Name))
		}
	}
	if !reg.Priority.Valid() {
		reg.Priority = types.PriorityMedium
	}

	now := r.clock.Now()
	instance := &ServiceInstance{
		ID:            uuid.New().String(),
		Name:          reg.Name,
		Kind:          reg.Kind,
		Version:       reg.Version,
		Address:       reg.Address,
		Port:          reg.Port,
		Capabilities:  append([]Capability(nil), reg.Capabilities...),
		Tags:          append([]string(nil), reg.Tags...),
		Weight:        reg.Weight,
		Priority:      reg.Priority,
		Status:        types.StatusHealthy,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if reg.Metadata != nil {
		instance.Metadata = make(map[string]string, len(reg.Metadata))
		for k, v := range reg.Metadata {
			instance.Metadata[k] = v
		}
	}

	r.mu.Lock()
	if len(r.services) >= r.config.MaxServices {
		r.mu.Unlock()
		return ServiceInstance{}, common.NewAppError(common.ErrCodeServiceLimitReached,
			fmt.Sprintf("registry is full (%d services)", r.config.MaxServices))
	}
	r.seq++
	instance.seq = r.seq
	r.services[instance.ID] = instance
	r.indexLocked(instance)
	if r.config.HeartbeatRate > 0 {
		r.limiters[instance.ID] = rate.NewLimiter(rate.Limit(r.config.HeartbeatRate), r.config.HeartbeatBurst)
	}
	out := instance.clone()
	r.mu.Unlock()

	r.cache.invalidate()
	r.logger.Info("Service registered",
		zap.String("service_id", out.ID),
		zap.String("name", out.Name),
		zap.String("kind", string(out.Kind)),
		zap.Int("capabilities", len(out.Capabilities)))

	r.mirror("register", out.ID, func(ctx context.Context) error { return r.registrar.Register(ctx, out) })
	return out, nil
}

func (r *Registry) indexLocked(s *ServiceInstance) {
	for _, c := range s.Capabilities {
		addIndex(r.byCapability, c.ID, s.ID)
	}
	for _, t := range s.Tags {
		addIndex(r.byTag, t, s.ID)
	}
}

func (r *Registry) unindexLocked(s *ServiceInstance) {
	for _, c := range s.Capabilities {
		removeIndex(r.byCapability, c.ID, s.ID)
	}
	for _, t := range s.Tags {
		removeIndex(r.byTag, t, s.ID)
	}
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

// UnregisterService removes an instance
func (r *Registry) UnregisterService(id string) error {
	r.mu.Lock()
	instance, ok := r.services[id]
	if !ok {
		r.mu.Unlock()
		return common.ErrServiceNotFound(id)
	}
	r.removeLocked(instance)
	r.mu.Unlock()

	r.cache.invalidate()
	r.logger.Info("Service unregistered", zap.String("service_id", id), zap.String("name", instance.Name))
	r.mirror("deregister", id, func(ctx context.Context) error { return r.registrar.Deregister(ctx, id) })
	return nil
}

func (r *Registry) removeLocked(s *ServiceInstance) {
	r.unindexLocked(s)
	delete(r.services, s.ID)
	delete(r.limiters, s.ID)
}

// UpdateStatus sets the status of an instance
func (r *Registry) UpdateStatus(id string, status types.HealthStatus) error {
	switch status {
	case types.StatusHealthy, types.StatusDegraded, types.StatusUnhealthy, types.StatusUnknown:
	default:
		return common.ErrValidationFailed(fmt.Sprintf("unknown status %q", status))
	}

	r.mu.Lock()
	instance, ok := r.services[id]
	if !ok {
		r.mu.Unlock()
		return common.ErrServiceNotFound(id)
	}
	previous := instance.Status
	instance.Status = status
	r.mu.Unlock()

	r.cache.invalidate()
	if previous != status {
		r.logger.Info("Service status updated",
			zap.String("service_id", id),
			zap.String("from", string(previous)),
			zap.String("to", string(status)))
	}
	return nil
}

// Heartbeat refreshes an instance's liveness and revives it if it was unhealthy.
// Heartbeats above the configured rate are rejected with RATE_LIMITED.
func (r *Registry) Heartbeat(id string) error {
	now := r.clock.Now()

	r.mu.Lock()
	instance, ok := r.services[id]
	if !ok {
		r.mu.Unlock()
		return common.ErrServiceNotFound(id)
	}
	if limiter := r.limiters[id]; limiter != nil && !limiter.AllowN(now, 1) {
		r.mu.Unlock()
		return common.NewAppError(common.ErrCodeRateLimited, fmt.Sprintf("heartbeat rate exceeded for service %s", id))
	}
	instance.LastHeartbeat = now
	revived := instance.Status == types.StatusUnhealthy
	if revived {
		instance.Status = types.StatusHealthy
	}
	r.mu.Unlock()

	if revived {
		r.cache.invalidate()
		r.logger.Info("Service revived by heartbeat", zap.String("service_id", id))
	}
	r.mirror("heartbeat", id, func(ctx context.Context) error { return r.registrar.Heartbeat(ctx, id) })
	return nil
}

// AcquireConnection counts an in-flight call for least-connections balancing
func (r *Registry) AcquireConnection(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.services[id]
	if !ok {
		return common.ErrServiceNotFound(id)
	}
	instance.ActiveConnections++
	return nil
}

// ReleaseConnection ends an in-flight call started with AcquireConnection
func (r *Registry) ReleaseConnection(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.services[id]
	if !ok {
		return common.ErrServiceNotFound(id)
	}
	if instance.ActiveConnections > 0 {
		instance.ActiveConnections--
	}
	return nil
}

// GetInstance returns an instance by id
func (r *Registry) GetInstance(id string) (ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.services[id]
	if !ok {
		return ServiceInstance{}, common.ErrServiceNotFound(id)
	}
	return instance.clone(), nil
}

// DiscoverServices returns instances matching query. Results are cached per
// query for CacheTTL; any registry change invalidates the cache.
func (r *Registry) DiscoverServices(query Query) []ServiceInstance {
	key := cacheKey(query)
	now := r.clock.Now()

	cached, generation, ok := r.cache.get(key, now)
	if ok {
		return cloneAll(cached)
	}

	r.mu.RLock()
	result := r.filterLocked(query)
	r.mu.RUnlock()

	sortInstances(result, query.SortBy, query.SortOrder)
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}

	r.cache.put(key, result, now.Add(r.config.CacheTTL), generation)
	return cloneAll(result)
}

func (r *Registry) filterLocked(q Query) []ServiceInstance {
	var candidates []*ServiceInstance
	if q.Capability != "" {
		for id := range r.byCapability[q.Capability] {
			candidates = append(candidates, r.services[id])
		}
	} else {
		candidates = make([]*ServiceInstance, 0, len(r.services))
		for _, s := range r.services {
			candidates = append(candidates, s)
		}
	}

	out := make([]ServiceInstance, 0, len(candidates))
	for _, s := range candidates {
		if q.Name != "" && s.Name != q.Name {
			continue
		}
		if q.Kind != "" && s.Kind != q.Kind {
			continue
		}
		if len(q.Tags) > 0 && !r.hasAnyTagLocked(s.ID, q.Tags) {
			continue
		}
		if q.Status != "" && s.Status != q.Status {
			continue
		}
		if q.MinPriority != 0 && s.Priority < q.MinPriority {
			continue
		}
		if q.HealthyOnly && s.Status != types.StatusHealthy {
			continue
		}
		out = append(out, s.clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (r *Registry) hasAnyTagLocked(id string, tags []string) bool {
	for _, t := range tags {
		if _, ok := r.byTag[t][id]; ok {
			return true
		}
	}
	return false
}

func sortInstances(list []ServiceInstance, field SortField, order SortOrder) {
	if field == "" {
		return
	}
	less := func(a, b ServiceInstance) bool {
		switch field {
		case SortByPriority:
			return a.Priority < b.Priority
		case SortByWeight:
			return a.Weight < b.Weight
		case SortByLastHeartbeat:
			return a.LastHeartbeat.Before(b.LastHeartbeat)
		default:
			return a.RegisteredAt.Before(b.RegisteredAt)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if order == SortDesc {
			return less(list[j], list[i])
		}
		return less(list[i], list[j])
	})
}

func cloneAll(list []ServiceInstance) []ServiceInstance {
	out := make([]ServiceInstance, len(list))
	for i, s := range list {
		out[i] = s.clone()
	}
	return out
}

// GetService discovers healthy instances matching query and picks one with strategy
func (r *Registry) GetService(query Query, strategy Strategy) (ServiceInstance, error) {
	if !strategy.Valid() {
		return ServiceInstance{}, common.ErrValidationFailed(fmt.Sprintf("unknown strategy %q", strategy))
	}
	query.HealthyOnly = true

	candidates := r.DiscoverServices(query)
	if len(candidates) == 0 {
		return ServiceInstance{}, common.NewAppError(common.ErrCodeNoHealthyInstances,
			fmt.Sprintf("no healthy instances for query %s", cacheKey(query)))
	}

	if strategy == StrategyLeastConnections {
		r.mu.RLock()
		for i := range candidates {
			if live, ok := r.services[candidates[i].ID]; ok {
				candidates[i].ActiveConnections = live.ActiveConnections
			}
		}
		r.mu.RUnlock()
	}

	site := query.CallSite
	if site == "" {
		site = cacheKey(query)
	}
	return r.balancer.pick(strategy, site, candidates), nil
}

// GetStats returns registry counters
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	stats := Stats{
		TotalServices:   len(r.services),
		ByKind:          make(map[types.IntegrationKind]int),
		Capabilities:    len(r.byCapability),
		Tags:            len(r.byTag),
		MarkedUnhealthy: r.marked,
		Removed:         r.removed,
	}
	for _, s := range r.services {
		stats.ByKind[s.Kind]++
		stats.ActiveConnections += s.ActiveConnections
		switch s.Status {
		case types.StatusHealthy:
			stats.Healthy++
		case types.StatusUnhealthy:
			stats.Unhealthy++
		}
	}
	r.mu.RUnlock()

	stats.CacheEntries, stats.CacheHits, stats.CacheMisses = r.cache.stats()
	return stats
}

// Start runs the heartbeat sweep every HeartbeatTimeout and the stale sweep
// every three timeouts
func (r *Registry) Start(ctx context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.loopCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.loopCancel = cancel

	r.wg.Add(2)
	go r.sweepLoop(loopCtx, r.config.HeartbeatTimeout, r.markUnhealthy)
	go r.sweepLoop(loopCtx, 3*r.config.HeartbeatTimeout, r.removeStale)

	r.logger.Info("Service discovery sweeps started",
		zap.Duration("heartbeat_timeout", r.config.HeartbeatTimeout))
}

// Stop halts the sweeps and waits for them to exit
func (r *Registry) Stop() {
	r.loopMu.Lock()
	cancel := r.loopCancel
	r.loopCancel = nil
	r.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

func (r *Registry) sweepLoop(ctx context.Context, interval time.Duration, sweep func() int) {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			sweep()
		}
	}
}

// markUnhealthy flags instances whose last heartbeat is older than HeartbeatTimeout
func (r *Registry) markUnhealthy() int {
	now := r.clock.Now()
	var flagged []string

	r.mu.Lock()
	for id, s := range r.services {
		if s.Status != types.StatusUnhealthy && now.Sub(s.LastHeartbeat) > r.config.HeartbeatTimeout {
			s.Status = types.StatusUnhealthy
			flagged = append(flagged, id)
		}
	}
	r.marked += int64(len(flagged))
	r.mu.Unlock()

	if len(flagged) > 0 {
		r.cache.invalidate()
		r.logger.Warn("Services missed heartbeat", zap.Strings("service_ids", flagged))
	}
	return len(flagged)
}

// removeStale drops instances silent for more than three heartbeat timeouts
func (r *Registry) removeStale() int {
	now := r.clock.Now()
	limit := 3 * r.config.HeartbeatTimeout
	var stale []string

	r.mu.Lock()
	for id, s := range r.services {
		if now.Sub(s.LastHeartbeat) > limit {
			r.removeLocked(s)
			stale = append(stale, id)
		}
	}
	r.removed += int64(len(stale))
	r.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}
	r.cache.invalidate()
	r.logger.Warn("Stale services removed", zap.Strings("service_ids", stale))
	for _, id := range stale {
		id := id
		r.mirror("deregister", id, func(ctx context.Context) error { return r.registrar.Deregister(ctx, id) })
	}
	return len(stale)
}

// mirror forwards a change to the registrar; failures are logged only
func (r *Registry) mirror(op, id string, call func(ctx context.Context) error) {
	if r.registrar == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.config.RegistrarTimeout)
	defer cancel()

	if err := call(ctx); err != nil {
		r.logger.Warn("Registrar call failed",
			zap.String("op", op),
			zap.String("service_id", id),
			zap.Error(err))
	}
}
