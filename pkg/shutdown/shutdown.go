package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Hook priorities; lower numbers run first
const (
	PriorityHTTPServer   = 10
	PriorityOrchestrator = 20
	PriorityPools        = 30
	PriorityDiscovery    = 40
	PriorityLogger       = 90
)

// GracefulShutdown runs prioritised hooks once, on a signal or on demand
type GracefulShutdown struct {
	timeout time.Duration
	logger  *zap.Logger
	hooks   []Hook
	done    chan struct{}
	signals chan os.Signal
	errs    []error
	mu      sync.RWMutex
	started bool
	wg      sync.WaitGroup
}

// Hook represents a function to be called during shutdown
type Hook struct {
	Name     string
	Priority int
	Timeout  time.Duration
	Fn       func(context.Context) error
}

// Config represents graceful shutdown configuration
type Config struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns a default shutdown configuration
func DefaultConfig() *Config {
	return &Config{Timeout: 30 * time.Second}
}

// New creates a new graceful shutdown manager
func New(config *Config, logger *zap.Logger) *GracefulShutdown {
	if config == nil || config.Timeout <= 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GracefulShutdown{
		timeout: config.Timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// AddHook registers a hook. Hooks with equal priority run in registration order.
func (gs *GracefulShutdown) AddHook(hook Hook) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if hook.Timeout <= 0 {
		hook.Timeout = gs.timeout
	}
	gs.hooks = append(gs.hooks, hook)
	sort.SliceStable(gs.hooks, func(i, j int) bool {
		return gs.hooks[i].Priority < gs.hooks[j].Priority
	})

	gs.logger.Debug("Shutdown hook added",
		zap.String("name", hook.Name),
		zap.Int("priority", hook.Priority),
		zap.Duration("timeout", hook.Timeout),
	)
}

// AddHooks adds multiple shutdown hooks
func (gs *GracefulShutdown) AddHooks(hooks ...Hook) {
	for _, hook := range hooks {
		gs.AddHook(hook)
	}
}

// Listen starts shutdown on the first of the given signals (SIGTERM and SIGINT by default)
func (gs *GracefulShutdown) Listen(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}
	}

	gs.mu.Lock()
	gs.signals = make(chan os.Signal, 1)
	c := gs.signals
	gs.mu.Unlock()
	signal.Notify(c, signals...)

	gs.wg.Add(1)
	go func() {
		defer gs.wg.Done()

		select {
		case sig := <-c:
			gs.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
			gs.trigger()
		case <-gs.done:
		}
	}()
}

// Shutdown triggers graceful shutdown programmatically and blocks until it completes
func (gs *GracefulShutdown) Shutdown() {
	gs.logger.Info("Programmatic shutdown initiated")
	gs.trigger()
	<-gs.done
}

func (gs *GracefulShutdown) trigger() {
	gs.mu.Lock()
	if gs.started {
		gs.mu.Unlock()
		gs.logger.Warn("Shutdown already in progress")
		return
	}
	gs.started = true
	hooks := append([]Hook(nil), gs.hooks...)
	gs.mu.Unlock()

	gs.execute(hooks)
}

func (gs *GracefulShutdown) execute(hooks []Hook) {
	defer close(gs.done)

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	gs.logger.Info("Starting graceful shutdown",
		zap.Duration("timeout", gs.timeout),
		zap.Int("hooks", len(hooks)),
	)

	start := time.Now()
	for _, hook := range hooks {
		if err := gs.executeHook(ctx, hook); err != nil {
			gs.mu.Lock()
			gs.errs = append(gs.errs, err)
			gs.mu.Unlock()
		}
	}

	gs.logger.Info("Graceful shutdown completed", zap.Duration("duration", time.Since(start)))
}

func (gs *GracefulShutdown) executeHook(ctx context.Context, hook Hook) error {
	hookCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	start := time.Now()
	gs.logger.Info("Executing shutdown hook",
		zap.String("name", hook.Name),
		zap.Duration("timeout", hook.Timeout),
	)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("shutdown hook %s panicked: %v", hook.Name, r)
			}
		}()
		done <- hook.Fn(hookCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			gs.logger.Error("Shutdown hook failed",
				zap.String("name", hook.Name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return fmt.Errorf("%s: %w", hook.Name, err)
		}
		gs.logger.Info("Shutdown hook completed",
			zap.String("name", hook.Name),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	case <-hookCtx.Done():
		gs.logger.Warn("Shutdown hook timed out",
			zap.String("name", hook.Name),
			zap.Duration("timeout", hook.Timeout),
		)
		return fmt.Errorf("%s: timed out after %v", hook.Name, hook.Timeout)
	}
}

// Wait blocks until shutdown has completed
func (gs *GracefulShutdown) Wait() {
	<-gs.done
}

// WaitWithTimeout waits for shutdown to complete with a timeout
func (gs *GracefulShutdown) WaitWithTimeout(timeout time.Duration) error {
	select {
	case <-gs.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown wait timeout after %v", timeout)
	}
}

// IsShuttingDown returns true once shutdown has started
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return gs.started
}

// Done returns a channel that closes when shutdown is complete
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Errors returns the failures of hooks that errored or timed out
func (gs *GracefulShutdown) Errors() []error {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return append([]error(nil), gs.errs...)
}

// Stop stops listening for signals
func (gs *GracefulShutdown) Stop() {
	gs.mu.Lock()
	c := gs.signals
	gs.mu.Unlock()
	if c != nil {
		signal.Stop(c)
	}
}

// HTTPServerHook creates a shutdown hook for HTTP servers
func HTTPServerHook(name string, server interface{ Shutdown(context.Context) error }) Hook {
	return Hook{
		Name:     name,
		Priority: PriorityHTTPServer,
		Timeout:  15 * time.Second,
		Fn:       server.Shutdown,
	}
}

// ComponentHook creates a hook for components with a context-aware Shutdown,
// such as the orchestrator and connection pools
func ComponentHook(name string, priority int, component interface{ Shutdown(context.Context) error }) Hook {
	return Hook{
		Name:     name,
		Priority: priority,
		Timeout:  10 * time.Second,
		Fn:       component.Shutdown,
	}
}

// StopperHook creates a hook for background loops stopped with Stop()
func StopperHook(name string, priority int, stopper interface{ Stop() }) Hook {
	return Hook{
		Name:     name,
		Priority: priority,
		Timeout:  5 * time.Second,
		Fn: func(ctx context.Context) error {
			stopper.Stop()
			return nil
		},
	}
}

// LoggerHook creates a shutdown hook that flushes the logger last
func LoggerHook(name string, logger interface{ Cleanup() }) Hook {
	return Hook{
		Name:     name,
		Priority: PriorityLogger,
		Timeout:  2 * time.Second,
		Fn: func(ctx context.Context) error {
			logger.Cleanup()
			return nil
		},
	}
}
