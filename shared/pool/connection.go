package pool

import (
	"context"
	"time"
)

// ConnectionState is the lifecycle state of a pooled connection
type ConnectionState string

const (
	StateIdle   ConnectionState = "idle"
	StateActive ConnectionState = "active"
	StateBusy   ConnectionState = "busy"
	StateError  ConnectionState = "error"
	StateClosed ConnectionState = "closed"
)

// Factory creates, checks and tears down pooled resources
type Factory[T any] interface {
	Create(ctx context.Context) (T, error)
	Validate(ctx context.Context, resource T) bool
	Destroy(ctx context.Context, resource T) error
}

// Resetter is optionally implemented by factories that can scrub a resource
// before it goes back to the idle set
type Resetter[T any] interface {
	Reset(ctx context.Context, resource T) error
}

// FactoryFuncs adapts plain functions to Factory and Resetter
type FactoryFuncs[T any] struct {
	CreateFunc   func(ctx context.Context) (T, error)
	ValidateFunc func(ctx context.Context, resource T) bool
	DestroyFunc  func(ctx context.Context, resource T) error
	ResetFunc    func(ctx context.Context, resource T) error
}

func (f FactoryFuncs[T]) Create(ctx context.Context) (T, error) {
	return f.CreateFunc(ctx)
}

func (f FactoryFuncs[T]) Validate(ctx context.Context, resource T) bool {
	if f.ValidateFunc == nil {
		return true
	}
	return f.ValidateFunc(ctx, resource)
}

func (f FactoryFuncs[T]) Destroy(ctx context.Context, resource T) error {
	if f.DestroyFunc == nil {
		return nil
	}
	return f.DestroyFunc(ctx, resource)
}

func (f FactoryFuncs[T]) Reset(ctx context.Context, resource T) error {
	if f.ResetFunc == nil {
		return nil
	}
	return f.ResetFunc(ctx, resource)
}

// Connection is a pooled resource. Its bookkeeping is owned by the pool and
// only exposed through read accessors.
type Connection[T any] struct {
	id                string
	resource          T
	state             ConnectionState
	createdAt         time.Time
	lastUsedAt        time.Time
	usageCount        int64
	errorCount        int64
	reconnectAttempts int
}

// ID returns the connection identifier
func (c *Connection[T]) ID() string { return c.id }

// Resource returns the underlying resource handle
func (c *Connection[T]) Resource() T { return c.resource }

// ConnectionInfo is a snapshot of a connection's bookkeeping
type ConnectionInfo struct {
	ID                string          `json:"id"`
	State             ConnectionState `json:"state"`
	CreatedAt         time.Time       `json:"created_at"`
	LastUsedAt        time.Time       `json:"last_used_at"`
	UsageCount        int64           `json:"usage_count"`
	ErrorCount        int64           `json:"error_count"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
}

func (c *Connection[T]) info() ConnectionInfo {
	return ConnectionInfo{
		ID:                c.id,
		State:             c.state,
		CreatedAt:         c.createdAt,
		LastUsedAt:        c.lastUsedAt,
		UsageCount:        c.usageCount,
		ErrorCount:        c.errorCount,
		ReconnectAttempts: c.reconnectAttempts,
	}
}
