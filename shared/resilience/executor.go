package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cpa02cmz/quanforge-sub008/pkg/clock"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// ExecutorConfig configures a resilient call path for one integration
type ExecutorConfig struct {
	Name      string
	Kind      types.IntegrationKind
	Timeout   time.Duration
	Retry     RetryPolicy
	Retryable RetryableCategories
	// RateLimit caps attempts per second; zero disables limiting
	RateLimit float64
	RateBurst int
}

// Executor runs operations through rate limiting, circuit breaking, timeout and retry
type Executor struct {
	config  ExecutorConfig
	breaker *CircuitBreaker
	limiter *rate.Limiter
	clock   clock.Clock
	logger  *zap.Logger
}

// AttemptObserver is told the outcome of every attempt
type AttemptObserver func(attempt int, latency time.Duration, err error)

// NewExecutor creates an executor. breaker may be nil.
func NewExecutor(config ExecutorConfig, breaker *CircuitBreaker, clk clock.Clock, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if config.Retryable == nil {
		config.Retryable = DefaultRetryableCategories()
	}

	e := &Executor{
		config:  config,
		breaker: breaker,
		clock:   clk,
		logger:  logger,
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return e
}

// Execute runs op until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The returned error is always a categorised AppError.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error, observe AttemptObserver) error {
	var lastErr *common.AppError

	for attempt := 0; attempt <= e.config.Retry.MaxRetries; attempt++ {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return StandardizeError(ctx.Err(), e.config.Kind, e.config.Retryable)
		default:
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return StandardizeError(common.NewAppErrorWithCause(common.ErrCodeRateLimited, "rate limiter wait aborted", err), e.config.Kind, e.config.Retryable)
			}
		}

		start := e.clock.Now()
		err := e.attempt(ctx, op)
		if observe != nil {
			observe(attempt, e.clock.Since(start), err)
		}
		if err == nil {
			if attempt > 0 {
				e.logger.Debug("Operation succeeded after retries",
					zap.String("operation", e.config.Name),
					zap.Int("attempt", attempt+1))
			}
			return nil
		}

		lastErr = StandardizeError(err, e.config.Kind, e.config.Retryable)
		if lastErr.Code == common.ErrCodeCircuitOpen {
			lastErr.Retryable = false
		}
		if !lastErr.Retryable || attempt == e.config.Retry.MaxRetries {
			break
		}

		backoff := CalculateRetryDelay(attempt, e.config.Retry)
		e.logger.Debug("Operation failed, retrying",
			zap.String("operation", e.config.Name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.String("category", string(lastErr.Category)),
			zap.Error(err))

		timer := e.clock.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return StandardizeError(ctx.Err(), e.config.Kind, e.config.Retryable)
		case <-timer.C():
		}
	}

	e.logger.Warn("Operation failed",
		zap.String("operation", e.config.Name),
		zap.String("code", string(lastErr.Code)),
		zap.Bool("retryable", lastErr.Retryable),
		zap.Error(lastErr))
	return lastErr
}

func (e *Executor) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	call := func() (interface{}, error) {
		return WrapWithTimeout(ctx, e.clock, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, op(ctx)
		}, e.config.Timeout, e.config.Name)
	}

	if e.breaker == nil {
		_, err := call()
		return err
	}
	_, err := e.breaker.Execute(call)
	return err
}
