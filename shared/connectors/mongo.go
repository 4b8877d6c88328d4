package connectors

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// MongoConfig holds MongoDB connection settings for the market-data store
type MongoConfig struct {
	Enabled                bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Name                   string        `yaml:"name" json:"name" mapstructure:"name"`
	URI                    string        `yaml:"uri" json:"-" mapstructure:"uri"`
	Database               string        `yaml:"database" json:"database" mapstructure:"database"`
	MaxPoolSize            uint64        `yaml:"max_pool_size" json:"max_pool_size" mapstructure:"max_pool_size"`
	MinPoolSize            uint64        `yaml:"min_pool_size" json:"min_pool_size" mapstructure:"min_pool_size"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout" json:"server_selection_timeout" mapstructure:"server_selection_timeout"`
}

// MongoConnector is the market-data store integration
type MongoConnector struct {
	config MongoConfig
	client *mongo.Client
	logger *zap.Logger
}

// NewMongoConnector builds a client. The driver connects in the background,
// so an unreachable server shows up in health checks rather than here.
func NewMongoConnector(ctx context.Context, config MongoConfig, logger *zap.Logger) (*MongoConnector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "market-data-store"
	}

	opts := options.Client().ApplyURI(config.URI)
	if config.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(config.MaxPoolSize)
	}
	if config.MinPoolSize > 0 {
		opts.SetMinPoolSize(config.MinPoolSize)
	}
	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(config.ConnectTimeout)
	}
	if config.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(config.ServerSelectionTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create MongoDB client")
	}

	logger.Info("MongoDB client created", zap.String("database", config.Database))
	return &MongoConnector{config: config, client: client, logger: logger}, nil
}

func (c *MongoConnector) Name() string { return c.config.Name }

func (c *MongoConnector) Kind() types.IntegrationKind { return types.KindMarketData }

// Database returns the configured database handle
func (c *MongoConnector) Database() *mongo.Database {
	return c.client.Database(c.config.Database)
}

// HealthCheck pings the primary
func (c *MongoConnector) HealthCheck(ctx context.Context) integration.HealthResult {
	return probe(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		details := map[string]interface{}{"database": c.config.Database}
		if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
			return details, errors.Wrap(err, "mongodb ping failed")
		}
		return details, nil
	})
}

// Close disconnects the client
func (c *MongoConnector) Close(ctx context.Context) error {
	if err := c.client.Disconnect(ctx); err != nil {
		return errors.Wrap(err, "failed to disconnect MongoDB client")
	}
	return nil
}
