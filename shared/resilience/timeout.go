package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cpa02cmz/quanforge-sub008/pkg/clock"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
)

// WrapWithTimeout runs op and fails with a TIMEOUT error naming the operation if
// it does not finish within timeout as measured by clk. op's context is cancelled
// when the deadline passes and always released on return.
func WrapWithTimeout[T any](ctx context.Context, clk clock.Clock, op func(ctx context.Context) (T, error), timeout time.Duration, name string) (T, error) {
	var zero T
	if timeout <= 0 {
		return op(ctx)
	}
	if clk == nil {
		clk = clock.New()
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer := clk.NewTimer(timeout)
	defer timer.Stop()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: common.NewAppError(common.ErrCodeUnknown, fmt.Sprintf("operation %s panicked: %v", name, r))}
			}
		}()
		v, err := op(opCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-timer.C():
		return zero, common.ErrTimeout(name, timeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, common.ErrTimeout(name, timeout)
		}
		return zero, common.WrapError(ctx.Err(), common.ErrCodeClientError, fmt.Sprintf("operation %s cancelled", name))
	}
}
