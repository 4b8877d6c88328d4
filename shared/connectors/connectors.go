// Package connectors adapts concrete backends (Postgres, Mongo, Redis, Kafka,
// Elasticsearch, gRPC and HTTP AI services) to the orchestrator's integration
// descriptors and the generic connection pool.
package connectors

import (
	"context"
	"time"

	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// Connector is implemented by every adapter in this package
type Connector interface {
	Name() string
	Kind() types.IntegrationKind
	HealthCheck(ctx context.Context) integration.HealthResult
	Close(ctx context.Context) error
}

// Recoverer is implemented by connectors that can re-establish their client
type Recoverer interface {
	Recover(ctx context.Context) bool
}

// Describe builds an orchestrator descriptor for c
func Describe(c Connector, priority types.Priority, dependencies ...string) integration.Descriptor {
	d := integration.Descriptor{
		Name:             c.Name(),
		Kind:             c.Kind(),
		Priority:         priority,
		Dependencies:     dependencies,
		HealthCheck:      c.HealthCheck,
		GracefulShutdown: c.Close,
	}
	if r, ok := c.(Recoverer); ok {
		d.RecoveryHandler = r.Recover
	}
	return d
}

// probe times check and turns its error into a health result
func probe(ctx context.Context, check func(ctx context.Context) (map[string]interface{}, error)) integration.HealthResult {
	start := time.Now()
	details, err := check(ctx)
	return integration.HealthResult{
		Healthy: err == nil,
		Latency: time.Since(start),
		Error:   err,
		Details: details,
	}
}
