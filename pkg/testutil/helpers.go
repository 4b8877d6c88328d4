// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ContextWithTimeout returns a context cancelled when the test ends or timeout elapses
func ContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// GRPCHealthServer is a loopback gRPC server exposing the standard health service
type GRPCHealthServer struct {
	*health.Server
	Target string
}

// NewGRPCHealthServer starts a health server on a free loopback port.
// The server is stopped when the test ends.
func NewGRPCHealthServer(t *testing.T, opts ...grpc.ServerOption) *GRPCHealthServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	return &GRPCHealthServer{Server: healthServer, Target: listener.Addr().String()}
}

// WriteConfigFile writes content as config.yaml in a fresh temp dir and returns the dir
func WriteConfigFile(t *testing.T, content string) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	return dir
}

// RunConcurrently runs fn on n goroutines and waits for all of them
func RunConcurrently(n int, fn func(i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// RunConcurrentlyWithTimeout is RunConcurrently that fails the test after timeout
func RunConcurrentlyWithTimeout(t *testing.T, timeout time.Duration, n int, fn func(i int)) {
	done := make(chan struct{})
	go func() {
		RunConcurrently(n, fn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		require.Fail(t, fmt.Sprintf("concurrent execution did not complete within %v", timeout))
	}
}
