package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cpa02cmz/quanforge-sub008/pkg/clock"
	"github.com/cpa02cmz/quanforge-sub008/pkg/ringbuffer"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/resilience"
)

const acquireLatencyWindow = 100

// Sentinels for errors.Is; every returned error is a fresh AppError with the same code
var (
	ErrAcquireTimeout   = common.NewAppError(common.ErrCodeAcquireTimeout, "acquire timed out")
	ErrPoolShuttingDown = common.NewAppError(common.ErrCodePoolShuttingDown, "pool is shutting down")
)

// Pool manages a bounded set of reusable resources produced by a Factory
type Pool[T any] struct {
	config   Config
	factory  Factory[T]
	resetter Resetter[T]
	clock    clock.Clock
	logger   *zap.Logger

	mu           sync.Mutex
	connections  map[string]*Connection[T]
	active       map[string]*Connection[T]
	idle         []*Connection[T]
	pending      *list.List
	creating     int
	initialized  bool
	shuttingDown bool
	reconnecting bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup

	stats   poolStats
	latency *ringbuffer.Buffer[time.Duration]
}

type poolStats struct {
	acquisitions    int64
	reconnections   int64
	created         int64
	destroyed       int64
	createFailures  int64
	acquireTimeouts int64
}

type acquireResult[T any] struct {
	conn *Connection[T]
	err  error
}

type pendingAcquire[T any] struct {
	result     chan acquireResult[T]
	enqueuedAt time.Time
	done       bool
}

// New creates a pool. Connections are not created until Initialize or Acquire.
func New[T any](config Config, factory Factory[T], clk clock.Clock, logger *zap.Logger) (*Pool[T], error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, common.NewAppErrorWithCause(common.ErrCodeValidationFailed, "invalid pool configuration", err)
	}
	if factory == nil {
		return nil, common.ErrValidationFailed("pool factory is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool[T]{
		config:      config,
		factory:     factory,
		clock:       clk,
		logger:      logger.With(zap.String("pool", config.Name)),
		connections: make(map[string]*Connection[T]),
		active:      make(map[string]*Connection[T]),
		pending:     list.New(),
		latency:     ringbuffer.New[time.Duration](acquireLatencyWindow),
	}
	if r, ok := factory.(Resetter[T]); ok {
		p.resetter = r
	}
	return p, nil
}

// Name returns the pool name
func (p *Pool[T]) Name() string {
	return p.config.Name
}

// Initialize warms the pool up to MinConnections and starts the health and idle sweeps.
// Creation failures are logged and counted; they do not fail initialization.
func (p *Pool[T]) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return p.shutdownError()
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	p.loopCtx, p.loopCancel = context.WithCancel(context.Background())

	want := p.config.MinConnections - len(p.connections) - p.creating
	reserved := 0
	for i := 0; i < want && p.reserveSlotLocked(); i++ {
		reserved++
	}
	p.mu.Unlock()

	var g errgroup.Group
	for i := 0; i < reserved; i++ {
		g.Go(func() error {
			conn, err := p.createConnection(ctx)
			if err != nil {
				p.logger.Warn("Failed to create initial connection", zap.Error(err))
				return nil
			}
			p.returnToPool(ctx, conn)
			return nil
		})
	}
	_ = g.Wait()

	p.wg.Add(2)
	go p.healthCheckRoutine()
	go p.idleSweepRoutine()

	metrics := p.GetMetrics()
	p.logger.Info("Connection pool initialized",
		zap.Int("min_connections", p.config.MinConnections),
		zap.Int("max_connections", p.config.MaxConnections),
		zap.Int("initial_connections", metrics.TotalConnections),
		zap.Int64("create_failures", metrics.CreateFailures),
	)
	return nil
}

// Acquire returns an idle connection, creates one while below MaxConnections,
// or waits in FIFO order until one is released or AcquireTimeout elapses.
func (p *Pool[T]) Acquire(ctx context.Context) (*Connection[T], error) {
	start := p.clock.Now()

	for {
		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			return nil, p.shutdownError()
		}

		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			conn.state = StateBusy
			p.active[conn.id] = conn
			p.mu.Unlock()

			if p.config.ValidateOnBorrow && !p.factory.Validate(ctx, conn.resource) {
				p.logger.Debug("Idle connection failed validation", zap.String("connection_id", conn.id))
				p.markError(conn)
				p.destroyConnection(ctx, conn, "validation_failed_on_borrow")
				continue
			}
			p.markAcquired(conn, start)
			return conn, nil
		}

		if p.reserveSlotLocked() {
			p.mu.Unlock()
			conn, err := p.createConnection(ctx)
			if err != nil {
				return nil, err
			}
			p.mu.Lock()
			p.active[conn.id] = conn
			p.mu.Unlock()
			p.markAcquired(conn, start)
			return conn, nil
		}

		req := &pendingAcquire[T]{
			result:     make(chan acquireResult[T], 1),
			enqueuedAt: start,
		}
		elem := p.pending.PushBack(req)
		p.mu.Unlock()

		return p.awaitPending(ctx, req, elem, start)
	}
}

func (p *Pool[T]) awaitPending(ctx context.Context, req *pendingAcquire[T], elem *list.Element, start time.Time) (*Connection[T], error) {
	timer := p.clock.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case res := <-req.result:
		if res.err != nil {
			return nil, res.err
		}
		p.markAcquired(res.conn, start)
		return res.conn, nil
	case <-timer.C():
		return p.abandonPending(req, elem, start, p.timeoutError())
	case <-ctx.Done():
		return p.abandonPending(req, elem, start, common.WrapError(ctx.Err(), common.ErrCodeAcquireTimeout, "acquire cancelled"))
	}
}

func (p *Pool[T]) abandonPending(req *pendingAcquire[T], elem *list.Element, start time.Time, cause *common.AppError) (*Connection[T], error) {
	p.mu.Lock()
	if req.done {
		// Handed a connection (or a shutdown error) just as the deadline fired
		p.mu.Unlock()
		res := <-req.result
		if res.err != nil {
			return nil, res.err
		}
		p.markAcquired(res.conn, start)
		return res.conn, nil
	}
	p.pending.Remove(elem)
	req.done = true
	p.stats.acquireTimeouts++
	p.mu.Unlock()

	p.logger.Warn("Connection acquire timed out",
		zap.Duration("waited", p.clock.Since(start)),
		zap.Duration("acquire_timeout", p.config.AcquireTimeout))
	return nil, cause
}

// Release returns a connection to the pool. Expired, invalid or unresettable
// connections are destroyed and the pool is topped back up.
func (p *Pool[T]) Release(ctx context.Context, conn *Connection[T]) error {
	if conn == nil {
		return common.ErrValidationFailed("cannot release a nil connection")
	}

	p.mu.Lock()
	if p.shuttingDown {
		_, tracked := p.connections[conn.id]
		p.mu.Unlock()
		if tracked {
			p.destroyConnection(ctx, conn, "pool_shutting_down")
		}
		return nil
	}
	if _, ok := p.active[conn.id]; !ok {
		p.mu.Unlock()
		return common.ErrValidationFailed(fmt.Sprintf("connection %s is not checked out from pool %s", conn.id, p.config.Name))
	}
	delete(p.active, conn.id)
	conn.state = StateBusy
	age := p.clock.Since(conn.createdAt)
	p.mu.Unlock()

	if p.config.MaxConnectionAge > 0 && age > p.config.MaxConnectionAge {
		p.logger.Debug("Connection exceeded max age", zap.String("connection_id", conn.id), zap.Duration("age", age))
		p.destroyConnection(ctx, conn, "max_age_exceeded")
		p.replenish(ctx)
		return nil
	}

	if p.config.ValidateOnReturn && !p.factory.Validate(ctx, conn.resource) {
		p.markError(conn)
		p.destroyConnection(ctx, conn, "validation_failed_on_return")
		p.replenish(ctx)
		return nil
	}

	if p.resetter != nil {
		if err := p.resetter.Reset(ctx, conn.resource); err != nil {
			p.logger.Warn("Connection reset failed", zap.String("connection_id", conn.id), zap.Error(err))
			p.markError(conn)
			p.destroyConnection(ctx, conn, "reset_failed")
			p.replenish(ctx)
			return nil
		}
	}

	p.returnToPool(ctx, conn)
	return nil
}

// Shutdown stops the sweeps, rejects waiting acquirers and destroys every connection
func (p *Pool[T]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil
	}
	p.shuttingDown = true
	if p.loopCancel != nil {
		p.loopCancel()
	}

	rejected := 0
	for e := p.pending.Front(); e != nil; e = e.Next() {
		req := e.Value.(*pendingAcquire[T])
		req.done = true
		req.result <- acquireResult[T]{err: p.shutdownError()}
		rejected++
	}
	p.pending.Init()

	all := make([]*Connection[T], 0, len(p.connections))
	for _, conn := range p.connections {
		conn.state = StateClosed
		all = append(all, conn)
	}
	p.connections = make(map[string]*Connection[T])
	p.active = make(map[string]*Connection[T])
	p.idle = nil
	p.stats.destroyed += int64(len(all))
	p.mu.Unlock()

	for _, conn := range all {
		if err := p.factory.Destroy(ctx, conn.resource); err != nil {
			p.logger.Warn("Failed to destroy connection during shutdown",
				zap.String("connection_id", conn.id),
				zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Pool sweeps did not stop before shutdown deadline")
	}

	p.logger.Info("Connection pool shut down",
		zap.Int("destroyed", len(all)),
		zap.Int("rejected_pending", rejected))
	return nil
}

// Size returns live connections plus those being created
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections) + p.creating
}

func (p *Pool[T]) reserveSlotLocked() bool {
	if len(p.connections)+p.creating >= p.config.MaxConnections {
		return false
	}
	p.creating++
	return true
}

// createConnection requires a slot reserved with reserveSlotLocked
func (p *Pool[T]) createConnection(ctx context.Context) (*Connection[T], error) {
	resource, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.stats.createFailures++
		p.mu.Unlock()
		p.logger.Warn("Failed to create connection", zap.Error(err))
		return nil, common.NewAppErrorWithCause(common.ErrCodeConnectionCreateFailed,
			fmt.Sprintf("failed to create connection for pool %s", p.config.Name), err)
	}
	if p.shuttingDown {
		p.mu.Unlock()
		_ = p.factory.Destroy(ctx, resource)
		return nil, p.shutdownError()
	}

	now := p.clock.Now()
	conn := &Connection[T]{
		id:         uuid.New().String(),
		resource:   resource,
		state:      StateIdle,
		createdAt:  now,
		lastUsedAt: now,
	}
	p.connections[conn.id] = conn
	p.stats.created++
	p.mu.Unlock()

	p.logger.Debug("Connection created", zap.String("connection_id", conn.id))
	return conn, nil
}

// returnToPool hands conn to the oldest waiter or parks it in the idle set
func (p *Pool[T]) returnToPool(ctx context.Context, conn *Connection[T]) {
	p.requeue(ctx, conn, true)
}

// requeue is returnToPool with control over the idle timestamp.
// Health sweeps pass touch=false so validated connections keep aging.
func (p *Pool[T]) requeue(ctx context.Context, conn *Connection[T], touch bool) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		p.destroyConnection(ctx, conn, "pool_shutting_down")
		return
	}
	if touch {
		conn.lastUsedAt = p.clock.Now()
	}

	for front := p.pending.Front(); front != nil; front = p.pending.Front() {
		req := p.pending.Remove(front).(*pendingAcquire[T])
		if req.done {
			continue
		}
		req.done = true
		conn.state = StateActive
		p.active[conn.id] = conn
		req.result <- acquireResult[T]{conn: conn}
		p.mu.Unlock()
		return
	}

	conn.state = StateIdle
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

func (p *Pool[T]) markAcquired(conn *Connection[T], start time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	conn.state = StateActive
	conn.usageCount++
	conn.lastUsedAt = now
	p.active[conn.id] = conn
	p.stats.acquisitions++
	p.latency.Push(now.Sub(start))
}

func (p *Pool[T]) markError(conn *Connection[T]) {
	p.mu.Lock()
	conn.errorCount++
	conn.state = StateError
	p.mu.Unlock()
}

func (p *Pool[T]) destroyConnection(ctx context.Context, conn *Connection[T], reason string) {
	p.mu.Lock()
	if _, tracked := p.connections[conn.id]; !tracked {
		p.mu.Unlock()
		return
	}
	delete(p.connections, conn.id)
	delete(p.active, conn.id)
	for i, c := range p.idle {
		if c == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	conn.state = StateClosed
	p.stats.destroyed++
	p.mu.Unlock()

	if err := p.factory.Destroy(ctx, conn.resource); err != nil {
		p.logger.Warn("Failed to destroy connection",
			zap.String("connection_id", conn.id),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	p.logger.Debug("Connection destroyed", zap.String("connection_id", conn.id), zap.String("reason", reason))
}

// replenish restores MinConnections and serves waiters while below MaxConnections
func (p *Pool[T]) replenish(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			return
		}
		size := len(p.connections) + p.creating
		needed := size < p.config.MinConnections || (p.pending.Len() > 0 && size < p.config.MaxConnections)
		if !needed || !p.reserveSlotLocked() {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		conn, err := p.createConnection(ctx)
		if err != nil {
			p.logger.Warn("Failed to restore pool size", zap.Error(err))
			return
		}
		p.returnToPool(ctx, conn)
	}
}

func (p *Pool[T]) healthCheckRoutine() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.loopCtx.Done():
			return
		case <-ticker.C():
			p.runHealthCheck(p.loopCtx)
		}
	}
}

func (p *Pool[T]) idleSweepRoutine() {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.config.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.loopCtx.Done():
			return
		case <-ticker.C():
			p.runIdleSweep(p.loopCtx)
		}
	}
}

// runHealthCheck validates every idle connection, destroys failures and reconnects
func (p *Pool[T]) runHealthCheck(ctx context.Context) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	candidates := p.idle
	p.idle = nil
	for _, conn := range candidates {
		conn.state = StateBusy
	}
	p.mu.Unlock()

	destroyed := 0
	for _, conn := range candidates {
		if p.factory.Validate(ctx, conn.resource) {
			p.requeue(ctx, conn, false)
			continue
		}
		p.markError(conn)
		p.destroyConnection(ctx, conn, "health_check_failed")
		destroyed++
	}

	if destroyed == 0 {
		return
	}
	p.logger.Warn("Unhealthy connections removed", zap.Int("destroyed", destroyed))

	if p.config.EnableReconnection {
		p.reconnectWithBackoff(ctx)
	}
}

// reconnectWithBackoff recreates connections until MinConnections is restored
// or MaxReconnectAttempts consecutive failures have occurred
func (p *Pool[T]) reconnectWithBackoff(ctx context.Context) {
	p.mu.Lock()
	if p.reconnecting || p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	policy := resilience.RetryPolicy{
		InitialDelay:      p.config.ReconnectDelay,
		MaxDelay:          p.config.MaxReconnectDelay,
		BackoffMultiplier: 2,
	}

	failures := 0
	for {
		p.mu.Lock()
		if p.shuttingDown || len(p.connections)+p.creating >= p.config.MinConnections || !p.reserveSlotLocked() {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		conn, err := p.createConnection(ctx)
		if err == nil {
			p.mu.Lock()
			conn.reconnectAttempts = failures
			p.stats.reconnections++
			p.mu.Unlock()
			p.logger.Info("Connection re-established", zap.String("connection_id", conn.id), zap.Int("failed_attempts", failures))
			p.returnToPool(ctx, conn)
			continue
		}

		failures++
		if failures >= p.config.MaxReconnectAttempts {
			p.logger.Error("Reconnection attempts exhausted",
				zap.Int("attempts", failures),
				zap.Int("min_connections", p.config.MinConnections),
				zap.Error(err))
			return
		}

		delay := resilience.CalculateRetryDelay(failures-1, policy)
		p.logger.Debug("Reconnect failed, backing off", zap.Int("attempt", failures), zap.Duration("delay", delay))

		timer := p.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}

// runIdleSweep destroys connections idle past IdleTimeout without dropping below MinConnections
func (p *Pool[T]) runIdleSweep(ctx context.Context) {
	if p.config.IdleTimeout <= 0 {
		return
	}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	total := len(p.connections)
	var expired []*Connection[T]
	kept := p.idle[:0]
	for _, conn := range p.idle {
		if total > p.config.MinConnections && now.Sub(conn.lastUsedAt) > p.config.IdleTimeout {
			expired = append(expired, conn)
			total--
			continue
		}
		kept = append(kept, conn)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, conn := range expired {
		p.destroyConnection(ctx, conn, "idle_timeout")
	}
	if len(expired) > 0 {
		p.logger.Debug("Idle connections reclaimed", zap.Int("count", len(expired)))
	}
}

func (p *Pool[T]) timeoutError() *common.AppError {
	return common.NewAppError(common.ErrCodeAcquireTimeout,
		fmt.Sprintf("timed out acquiring connection from pool %s after %v", p.config.Name, p.config.AcquireTimeout)).
		WithDetail("pool", p.config.Name).
		WithDetail("timeout_ms", p.config.AcquireTimeout.Milliseconds())
}

func (p *Pool[T]) shutdownError() *common.AppError {
	return common.NewAppError(common.ErrCodePoolShuttingDown,
		fmt.Sprintf("pool %s is shutting down", p.config.Name))
}
