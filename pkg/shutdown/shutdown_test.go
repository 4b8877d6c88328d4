package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) hook(name string, priority int, err error) Hook {
	return Hook{
		Name:     name,
		Priority: priority,
		Fn: func(ctx context.Context) error {
			r.mu.Lock()
			r.order = append(r.order, name)
			r.mu.Unlock()
			return err
		},
	}
}

func TestGracefulShutdown_RunsHooksInPriorityOrder(t *testing.T) {
	gs := New(&Config{Timeout: time.Second}, zaptest.NewLogger(t))
	rec := &recorder{}

	gs.AddHooks(
		rec.hook("discovery", PriorityDiscovery, nil),
		rec.hook("http", PriorityHTTPServer, nil),
		rec.hook("pool-a", PriorityPools, errors.New("destroy failed")),
		rec.hook("orchestrator", PriorityOrchestrator, nil),
		rec.hook("pool-b", PriorityPools, nil),
	)

	gs.Shutdown()

	assert.Equal(t, []string{"http", "orchestrator", "pool-a", "pool-b", "discovery"}, rec.order)
	assert.True(t, gs.IsShuttingDown())
	require.Len(t, gs.Errors(), 1)
	assert.Contains(t, gs.Errors()[0].Error(), "pool-a")
	require.NoError(t, gs.WaitWithTimeout(time.Second))
}

func TestGracefulShutdown_RunsOnce(t *testing.T) {
	gs := New(nil, zaptest.NewLogger(t))
	rec := &recorder{}
	gs.AddHook(rec.hook("only", 1, nil))

	gs.Shutdown()
	gs.Shutdown()

	assert.Equal(t, []string{"only"}, rec.order)
}

func TestGracefulShutdown_HookTimeoutAndPanic(t *testing.T) {
	gs := New(&Config{Timeout: time.Second}, zaptest.NewLogger(t))
	gs.AddHook(Hook{
		Name:    "stuck",
		Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return nil
		},
	})
	gs.AddHook(Hook{
		Name:     "panicky",
		Priority: 1,
		Fn: func(ctx context.Context) error {
			panic("boom")
		},
	})

	gs.Shutdown()

	errs := gs.Errors()
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "stuck")
	assert.Contains(t, errs[1].Error(), "panicked")
}

type fakeStopper struct{ stopped bool }

func (f *fakeStopper) Stop() { f.stopped = true }

func TestStopperHook(t *testing.T) {
	s := &fakeStopper{}
	hook := StopperHook("discovery", PriorityDiscovery, s)
	require.NoError(t, hook.Fn(context.Background()))
	assert.True(t, s.stopped)
	assert.Equal(t, PriorityDiscovery, hook.Priority)
}

type fakeFlusher struct{ flushed int }

func (f *fakeFlusher) Cleanup() { f.flushed++ }

func TestLoggerHookRunsLast(t *testing.T) {
	gs := New(&Config{Timeout: time.Second}, zaptest.NewLogger(t))
	rec := &recorder{}
	flusher := &fakeFlusher{}

	logHook := LoggerHook("logger", flusher)
	assert.Equal(t, PriorityLogger, logHook.Priority)

	gs.AddHooks(logHook, rec.hook("http", PriorityHTTPServer, nil))
	gs.Shutdown()

	assert.Equal(t, 1, flusher.flushed)
	assert.Equal(t, []string{"http"}, rec.order)
	assert.Empty(t, gs.Errors())
}
