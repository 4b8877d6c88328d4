package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cpa02cmz/quanforge-sub008/pkg/clock"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

type httpStatusError struct {
	status int
	msg    string
}

func (e *httpStatusError) Error() string   { return e.msg }
func (e *httpStatusError) StatusCode() int { return e.status }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want common.ErrorCategory
	}{
		{"deadline", context.DeadlineExceeded, common.CategoryTimeout},
		{"timeout words", errors.New("request timed out"), common.CategoryTimeout},
		{"status 429", &httpStatusError{status: 429, msg: "slow down"}, common.CategoryRateLimit},
		{"rate limit words", errors.New("Rate limit exceeded for key"), common.CategoryRateLimit},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("boom")}, common.CategoryNetwork},
		{"network words", errors.New("dial tcp: connection refused"), common.CategoryNetwork},
		{"5xx", &httpStatusError{status: 503, msg: "upstream said no"}, common.CategoryServerError},
		{"4xx", &httpStatusError{status: 404, msg: "missing"}, common.CategoryClientError},
		{"validation words", errors.New("field symbol is required"), common.CategoryValidation},
		{"unknown", errors.New("something odd"), common.CategoryUnknown},
		{"timeout wins over 5xx", &httpStatusError{status: 504, msg: "gateway timeout"}, common.CategoryTimeout},
		{"tagged app error", common.NewAppError(common.ErrCodeRateLimited, "quota"), common.CategoryRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestStandardizeError_RetryablePerKind(t *testing.T) {
	rateLimited := &httpStatusError{status: 429, msg: "too many"}

	aiErr := StandardizeError(rateLimited, types.KindAIService, nil)
	require.NotNil(t, aiErr)
	assert.Equal(t, common.CategoryRateLimit, aiErr.Category)
	assert.Equal(t, common.ErrCodeRateLimited, aiErr.Code)
	assert.True(t, aiErr.Retryable)
	assert.Equal(t, types.KindAIService, aiErr.IntegrationKind)
	assert.False(t, aiErr.Timestamp.IsZero())
	assert.ErrorIs(t, aiErr, rateLimited)

	cacheErr := StandardizeError(rateLimited, types.KindCache, nil)
	assert.False(t, cacheErr.Retryable)

	assert.Nil(t, StandardizeError(nil, types.KindCache, nil))
}

func TestCalculateRetryDelay(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}

	assert.Equal(t, 100*time.Millisecond, CalculateRetryDelay(0, policy))
	assert.Equal(t, 200*time.Millisecond, CalculateRetryDelay(1, policy))
	assert.Equal(t, 800*time.Millisecond, CalculateRetryDelay(3, policy))
	assert.Equal(t, time.Second, CalculateRetryDelay(10, policy))
}

func TestCalculateRetryDelay_Jitter(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay:      1000 * time.Millisecond,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2,
		Jitter:            true,
	}

	assert.Equal(t, 1000*time.Millisecond, calculateRetryDelay(0, policy, func() float64 { return 1 }))
	assert.Equal(t, 500*time.Millisecond, calculateRetryDelay(0, policy, func() float64 { return 0 }))
	assert.Equal(t, 1500*time.Millisecond, calculateRetryDelay(1, policy, func() float64 { return 0.5 }))

	for i := 0; i < 50; i++ {
		d := CalculateRetryDelay(2, policy)
		assert.GreaterOrEqual(t, d, 2000*time.Millisecond)
		assert.LessOrEqual(t, d, 4000*time.Millisecond)
		assert.Zero(t, d%time.Millisecond)
	}
}

func TestWrapWithTimeout(t *testing.T) {
	ctx := context.Background()

	value, err := WrapWithTimeout(ctx, nil, func(ctx context.Context) (int, error) {
		return 42, nil
	}, time.Second, "fast")
	require.NoError(t, err)
	assert.Equal(t, 42, value)

	_, err = WrapWithTimeout(ctx, nil, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, 20*time.Millisecond, "slow-query")
	require.Error(t, err)

	appErr := common.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, common.ErrCodeTimeout, appErr.Code)
	assert.Equal(t, common.CategoryTimeout, appErr.Category)
	assert.Equal(t, "slow-query", appErr.Details["operation"])
	assert.Equal(t, int64(20), appErr.Details["timeout_ms"])
	assert.Contains(t, err.Error(), "slow-query")

	opErr := errors.New("boom")
	_, err = WrapWithTimeout(ctx, nil, func(ctx context.Context) (int, error) {
		return 0, opErr
	}, time.Second, "failing")
	assert.ErrorIs(t, err, opErr)
}

func TestWrapWithTimeout_DeadlineFollowsClock(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cancelled := make(chan struct{})

	type result struct{ err error }
	out := make(chan result, 1)
	go func() {
		_, err := WrapWithTimeout(context.Background(), clk, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			close(cancelled)
			return 0, ctx.Err()
		}, time.Minute, "health_check")
		out <- result{err: err}
	}()

	clk.BlockUntil(1)
	select {
	case <-out:
		t.Fatal("returned before the clock advanced")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Minute)
	select {
	case res := <-out:
		assert.True(t, common.HasErrorCode(res.err, common.ErrCodeTimeout))
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire on clock advance")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("operation context was not cancelled")
	}
	assert.Zero(t, clk.Waiters())
}

func TestBreakerManager_OpensAndResets(t *testing.T) {
	var transitions []string
	manager := NewBreakerManager(zaptest.NewLogger(t), func(name string, from, to CircuitState) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
	})

	cb := manager.GetOrCreate("postgres", BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute})
	assert.Same(t, cb, manager.GetOrCreate("postgres", BreakerConfig{}))

	failing := func() (interface{}, error) { return nil, errors.New("down") }
	_, _ = cb.Execute(failing)
	_, _ = cb.Execute(failing)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, int64(1), cb.Trips())

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	assert.True(t, common.HasErrorCode(err, common.ErrCodeCircuitOpen))
	assert.Equal(t, common.CategoryServerError, ClassifyError(err))

	require.True(t, manager.Reset("postgres"))
	fresh, ok := manager.Get("postgres")
	require.True(t, ok)
	assert.Equal(t, CircuitClosed, fresh.State())
	assert.Zero(t, fresh.Stats().TotalFailures)
	assert.Equal(t, []string{"postgres:closed->open"}, transitions)
	assert.False(t, manager.Reset("missing"))
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	manager := NewBreakerManager(nil, nil)
	cb := manager.GetOrCreate("feed", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 30 * time.Millisecond})

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("down") })
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	ok := func() (interface{}, error) { return nil, nil }
	_, err := cb.Execute(ok)
	require.NoError(t, err)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	_, err = cb.Execute(ok)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestExecutor_RetriesRetryableErrors(t *testing.T) {
	var calls atomic.Int32
	exec := NewExecutor(ExecutorConfig{
		Name:    "quotes",
		Kind:    types.KindMarketData,
		Timeout: time.Second,
		Retry:   RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2},
	}, nil, nil, zaptest.NewLogger(t))

	var attempts []int
	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	}, func(attempt int, _ time.Duration, _ error) {
		attempts = append(attempts, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestExecutor_StopsOnNonRetryable(t *testing.T) {
	var calls atomic.Int32
	exec := NewExecutor(ExecutorConfig{
		Name:  "orders",
		Kind:  types.KindDatabase,
		Retry: RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond, BackoffMultiplier: 2},
	}, nil, nil, nil)

	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("invalid order payload")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	appErr := common.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, common.CategoryValidation, appErr.Category)
	assert.False(t, appErr.Retryable)
}

func TestExecutor_CircuitOpenIsNotRetried(t *testing.T) {
	manager := NewBreakerManager(nil, nil)
	breaker := manager.GetOrCreate("ai", BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	_, _ = breaker.Execute(func() (interface{}, error) { return nil, errors.New("down") })

	var calls atomic.Int32
	exec := NewExecutor(ExecutorConfig{
		Name:  "ai",
		Kind:  types.KindAIService,
		Retry: RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 2},
	}, breaker, nil, nil)

	err := exec.Execute(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, nil)

	assert.True(t, common.HasErrorCode(err, common.ErrCodeCircuitOpen))
	assert.Zero(t, calls.Load())
}
