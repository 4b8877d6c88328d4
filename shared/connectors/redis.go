package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/shared/exporter"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Name         string        `yaml:"name" json:"name" mapstructure:"name"`
	Address      string        `yaml:"address" json:"address" mapstructure:"address"`
	Password     string        `yaml:"password" json:"-" mapstructure:"password"`
	DB           int           `yaml:"db" json:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns" mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`

	// Snapshot history kept by RedisSnapshotStore
	SnapshotKey   string        `yaml:"snapshot_key" json:"snapshot_key" mapstructure:"snapshot_key"`
	SnapshotLimit int64         `yaml:"snapshot_limit" json:"snapshot_limit" mapstructure:"snapshot_limit"`
	SnapshotTTL   time.Duration `yaml:"snapshot_ttl" json:"snapshot_ttl" mapstructure:"snapshot_ttl"`
}

// RedisConnector is the cache integration
type RedisConnector struct {
	config RedisConfig
	client *redis.Client
	logger *zap.Logger
}

// NewRedisConnector creates a client; connections are dialled on first use
func NewRedisConnector(config RedisConfig, logger *zap.Logger) *RedisConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "cache"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})
	return &RedisConnector{config: config, client: client, logger: logger}
}

func (c *RedisConnector) Name() string { return c.config.Name }

func (c *RedisConnector) Kind() types.IntegrationKind { return types.KindCache }

// Client returns the underlying client
func (c *RedisConnector) Client() *redis.Client { return c.client }

// HealthCheck pings the server and reports pool statistics
func (c *RedisConnector) HealthCheck(ctx context.Context) integration.HealthResult {
	return probe(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		stats := c.client.PoolStats()
		details := map[string]interface{}{
			"total_conns": stats.TotalConns,
			"idle_conns":  stats.IdleConns,
			"timeouts":    stats.Timeouts,
		}
		if err := c.client.Ping(ctx).Err(); err != nil {
			return details, errors.Wrap(err, "redis ping failed")
		}
		return details, nil
	})
}

// Close closes the client
func (c *RedisConnector) Close(ctx context.Context) error {
	return c.client.Close()
}

// SnapshotStore returns a store writing exporter snapshots into this Redis
func (c *RedisConnector) SnapshotStore() *RedisSnapshotStore {
	return NewRedisSnapshotStore(c.client, c.config.SnapshotKey, c.config.SnapshotLimit, c.config.SnapshotTTL)
}

// RedisSnapshotStore keeps the newest snapshots in a capped Redis list
type RedisSnapshotStore struct {
	client redis.Cmdable
	key    string
	limit  int64
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a store on key holding at most limit snapshots
func NewRedisSnapshotStore(client redis.Cmdable, key string, limit int64, ttl time.Duration) *RedisSnapshotStore {
	if key == "" {
		key = "quanforge:integration:snapshots"
	}
	if limit <= 0 {
		limit = 240
	}
	return &RedisSnapshotStore{client: client, key: key, limit: limit, ttl: ttl}
}

// SaveSnapshot pushes snapshot to the head of the list and trims the tail
func (s *RedisSnapshotStore) SaveSnapshot(ctx context.Context, snapshot exporter.Snapshot) error {
	payload, err := Encode(snapshot)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, payload)
	pipe.LTrim(ctx, s.key, 0, s.limit-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to store snapshot")
	}
	return nil
}

// LoadSnapshots returns up to n stored snapshots, newest first
func (s *RedisSnapshotStore) LoadSnapshots(ctx context.Context, n int64) ([]exporter.Snapshot, error) {
	if n <= 0 || n > s.limit {
		n = s.limit
	}
	raw, err := s.client.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read snapshots")
	}

	out := make([]exporter.Snapshot, 0, len(raw))
	for i, item := range raw {
		var snapshot exporter.Snapshot
		if err := Decode([]byte(item), &snapshot); err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", i, err)
		}
		out = append(out, snapshot)
	}
	return out, nil
}
