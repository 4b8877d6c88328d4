package testutil

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteConfigFile(t *testing.T) {
	dir := WriteConfigFile(t, "server:\n  port: 9090\n")

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "server:\n  port: 9090\n", string(data))
}

func TestRunConcurrently(t *testing.T) {
	var calls, sum atomic.Int64
	RunConcurrentlyWithTimeout(t, 5*time.Second, 10, func(i int) {
		calls.Add(1)
		sum.Add(int64(i))
	})

	assert.Equal(t, int64(10), calls.Load())
	assert.Equal(t, int64(45), sum.Load())
}

func TestContextWithTimeout(t *testing.T) {
	ctx := ContextWithTimeout(t, time.Millisecond)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled")
	}
}
