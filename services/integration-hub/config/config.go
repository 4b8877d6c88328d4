package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cpa02cmz/quanforge-sub008/pkg/logging"
	"github.com/cpa02cmz/quanforge-sub008/pkg/metrics"
	"github.com/cpa02cmz/quanforge-sub008/shared/aggregator"
	"github.com/cpa02cmz/quanforge-sub008/shared/connectors"
	"github.com/cpa02cmz/quanforge-sub008/shared/discovery"
	"github.com/cpa02cmz/quanforge-sub008/shared/exporter"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/pool"
)

// Config represents the integration hub configuration
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Server  ServerConfig  `mapstructure:"server"`

	Logging logging.Config `mapstructure:"logging"`
	Metrics metrics.Config `mapstructure:"metrics"`

	// Domain components
	Orchestrator integration.Config `mapstructure:"orchestrator"`
	Pool         pool.Config        `mapstructure:"pool"`
	Aggregator   aggregator.Config  `mapstructure:"aggregator"`
	Discovery    discovery.Config   `mapstructure:"discovery"`
	Exporter     exporter.Config    `mapstructure:"exporter"`

	Security         SecurityConfig         `mapstructure:"security"`
	ServiceDiscovery ServiceDiscoveryConfig `mapstructure:"servicediscovery"`
	Integrations     IntegrationsConfig     `mapstructure:"integrations"`
}

// ServiceConfig contains service identity
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns host:port
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig contains API security settings
type SecurityConfig struct {
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// JWTConfig contains JWT validation settings
type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// RateLimitConfig contains API rate limiting settings
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// ServiceDiscoveryConfig contains external registry settings
type ServiceDiscoveryConfig struct {
	Consul ConsulConfig `mapstructure:"consul"`
}

// ConsulConfig enables mirroring registry changes into Consul
type ConsulConfig struct {
	Enabled                bool `mapstructure:"enabled"`
	discovery.ConsulConfig `mapstructure:",squash"`
}

// IntegrationsConfig holds every backend the hub supervises
type IntegrationsConfig struct {
	Postgres      connectors.PostgresConfig      `mapstructure:"postgres"`
	MongoDB       connectors.MongoConfig         `mapstructure:"mongodb"`
	Redis         connectors.RedisConfig         `mapstructure:"redis"`
	Kafka         connectors.KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch connectors.ElasticsearchConfig `mapstructure:"elasticsearch"`
	AIService     connectors.AIServiceConfig     `mapstructure:"ai_service"`
	GRPC          connectors.GRPCConfig          `mapstructure:"grpc"`
}

// LoadConfig loads configuration from file, environment and defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	config := &Config{}

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/quanforge")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvPrefix("QUANFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvironmentVariables(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("service.name", "integration-hub")
	v.SetDefault("service.version", "1.0.0")
	v.SetDefault("service.environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.service_name", "integration-hub")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "quanforge")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.service_name", "integration-hub")
	v.SetDefault("metrics.collect_go_metrics", true)
	v.SetDefault("metrics.collect_process_metrics", true)

	// Orchestrator defaults
	v.SetDefault("orchestrator.health_check_interval", "30s")
	v.SetDefault("orchestrator.health_check_timeout", "5s")
	v.SetDefault("orchestrator.max_concurrent_health_checks", 5)
	v.SetDefault("orchestrator.call_timeout", "10s")
	v.SetDefault("orchestrator.event_history_size", 200)
	v.SetDefault("orchestrator.max_subscribers", 100)
	v.SetDefault("orchestrator.latency_window_size", 100)
	v.SetDefault("orchestrator.breaker.failure_threshold", 5)
	v.SetDefault("orchestrator.breaker.success_threshold", 2)
	v.SetDefault("orchestrator.breaker.reset_timeout", "60s")
	v.SetDefault("orchestrator.retry.max_retries", 3)
	v.SetDefault("orchestrator.retry.initial_delay", "1s")
	v.SetDefault("orchestrator.retry.max_delay", "30s")
	v.SetDefault("orchestrator.retry.backoff_multiplier", 2.0)
	v.SetDefault("orchestrator.retry.jitter", true)

	// Pool defaults
	v.SetDefault("pool.min_connections", 2)
	v.SetDefault("pool.max_connections", 10)
	v.SetDefault("pool.acquire_timeout", "30s")
	v.SetDefault("pool.idle_timeout", "5m")
	v.SetDefault("pool.max_connection_age", "1h")
	v.SetDefault("pool.health_check_interval", "30s")
	v.SetDefault("pool.idle_check_interval", "1m")
	v.SetDefault("pool.validate_on_borrow", true)
	v.SetDefault("pool.enable_reconnection", true)
	v.SetDefault("pool.reconnect_delay", "1s")
	v.SetDefault("pool.max_reconnect_delay", "30s")
	v.SetDefault("pool.max_reconnect_attempts", 5)

	// Aggregator defaults
	v.SetDefault("aggregator.buffer_size", 1000)
	v.SetDefault("aggregator.max_aggregations", 50)
	v.SetDefault("aggregator.max_subscribers", 100)

	// Discovery defaults
	v.SetDefault("discovery.max_services", 1000)
	v.SetDefault("discovery.cache_ttl", "5s")
	v.SetDefault("discovery.heartbeat_timeout", "30s")
	v.SetDefault("discovery.heartbeat_rate", 5)
	v.SetDefault("discovery.heartbeat_burst", 5)
	v.SetDefault("discovery.registrar_timeout", "5s")

	// Exporter defaults
	v.SetDefault("exporter.collection_interval", "15s")
	v.SetDefault("exporter.max_snapshots", 240)
	v.SetDefault("exporter.history_retention", "1h")
	v.SetDefault("exporter.max_alerts", 1000)
	v.SetDefault("exporter.sink_timeout", "5s")
	v.SetDefault("exporter.namespace", "quanforge")
	v.SetDefault("exporter.default_thresholds", true)

	// Security defaults
	v.SetDefault("security.jwt.issuer", "quanforge")
	v.SetDefault("security.jwt.audience", "quanforge-api")
	v.SetDefault("security.rate_limit.enabled", true)
	v.SetDefault("security.rate_limit.rps", 100)
	v.SetDefault("security.rate_limit.burst", 200)

	// Service discovery defaults
	v.SetDefault("servicediscovery.consul.enabled", false)
	v.SetDefault("servicediscovery.consul.address", "localhost:8500")
	v.SetDefault("servicediscovery.consul.scheme", "http")
	v.SetDefault("servicediscovery.consul.datacenter", "dc1")
	v.SetDefault("servicediscovery.consul.check_ttl", "90s")
	v.SetDefault("servicediscovery.consul.deregister_critical_after", "10m")

	// Integration defaults
	v.SetDefault("integrations.postgres.enabled", false)
	v.SetDefault("integrations.postgres.name", "postgres")
	v.SetDefault("integrations.postgres.host", "localhost")
	v.SetDefault("integrations.postgres.port", 5432)
	v.SetDefault("integrations.postgres.database", "quanforge")
	v.SetDefault("integrations.postgres.username", "quanforge_app")
	v.SetDefault("integrations.postgres.ssl_mode", "disable")
	v.SetDefault("integrations.postgres.max_open_conns", 25)
	v.SetDefault("integrations.postgres.max_idle_conns", 5)
	v.SetDefault("integrations.postgres.conn_max_lifetime", "5m")

	v.SetDefault("integrations.mongodb.enabled", false)
	v.SetDefault("integrations.mongodb.name", "market-data-store")
	v.SetDefault("integrations.mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("integrations.mongodb.database", "quanforge")
	v.SetDefault("integrations.mongodb.max_pool_size", 100)
	v.SetDefault("integrations.mongodb.min_pool_size", 5)
	v.SetDefault("integrations.mongodb.connect_timeout", "10s")
	v.SetDefault("integrations.mongodb.server_selection_timeout", "5s")

	v.SetDefault("integrations.redis.enabled", false)
	v.SetDefault("integrations.redis.name", "cache")
	v.SetDefault("integrations.redis.address", "localhost:6379")
	v.SetDefault("integrations.redis.db", 0)
	v.SetDefault("integrations.redis.pool_size", 10)
	v.SetDefault("integrations.redis.dial_timeout", "5s")
	v.SetDefault("integrations.redis.read_timeout", "3s")
	v.SetDefault("integrations.redis.write_timeout", "3s")
	v.SetDefault("integrations.redis.snapshot_key", "quanforge:integration:snapshots")
	v.SetDefault("integrations.redis.snapshot_limit", 240)
	v.SetDefault("integrations.redis.snapshot_ttl", "24h")

	v.SetDefault("integrations.kafka.enabled", false)
	v.SetDefault("integrations.kafka.name", "event-stream")
	v.SetDefault("integrations.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("integrations.kafka.client_id", "integration-hub")
	v.SetDefault("integrations.kafka.events_topic", "quanforge.integration.events")
	v.SetDefault("integrations.kafka.aggregations_topic", "quanforge.integration.aggregations")
	v.SetDefault("integrations.kafka.batch_size", 100)
	v.SetDefault("integrations.kafka.batch_timeout", "1s")
	v.SetDefault("integrations.kafka.write_timeout", "10s")
	v.SetDefault("integrations.kafka.buffer_size", 1000)

	v.SetDefault("integrations.elasticsearch.enabled", false)
	v.SetDefault("integrations.elasticsearch.name", "alert-index")
	v.SetDefault("integrations.elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("integrations.elasticsearch.index_prefix", "quanforge-alerts")
	v.SetDefault("integrations.elasticsearch.max_retries", 3)

	v.SetDefault("integrations.ai_service.enabled", false)
	v.SetDefault("integrations.ai_service.name", "ai-generator")
	v.SetDefault("integrations.ai_service.base_url", "http://localhost:8090")
	v.SetDefault("integrations.ai_service.health_path", "/health")
	v.SetDefault("integrations.ai_service.timeout", "10s")

	v.SetDefault("integrations.grpc.enabled", false)
	v.SetDefault("integrations.grpc.name", "external-api")
	v.SetDefault("integrations.grpc.target", "localhost:50051")
	v.SetDefault("integrations.grpc.dial_timeout", "5s")
}

// bindEnvironmentVariables binds environment variables to configuration keys
func bindEnvironmentVariables(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", "SERVICE_NAME")
	v.BindEnv("service.version", "SERVICE_VERSION")
	v.BindEnv("service.environment", "ENVIRONMENT")

	// Server
	v.BindEnv("server.host", "SERVER_HOST")
	v.BindEnv("server.port", "SERVER_PORT")

	// Logging
	v.BindEnv("logging.level", "LOG_LEVEL")

	// Integrations
	v.BindEnv("integrations.postgres.host", "POSTGRES_HOST")
	v.BindEnv("integrations.postgres.port", "POSTGRES_PORT")
	v.BindEnv("integrations.postgres.database", "POSTGRES_DB")
	v.BindEnv("integrations.postgres.username", "POSTGRES_USER")
	v.BindEnv("integrations.postgres.password", "POSTGRES_PASSWORD")

	v.BindEnv("integrations.mongodb.uri", "MONGODB_URI")
	v.BindEnv("integrations.mongodb.database", "MONGODB_DATABASE")

	v.BindEnv("integrations.redis.address", "REDIS_ADDRESS")
	v.BindEnv("integrations.redis.password", "REDIS_PASSWORD")

	v.BindEnv("integrations.kafka.brokers", "KAFKA_BROKERS")

	v.BindEnv("integrations.elasticsearch.username", "ELASTICSEARCH_USERNAME")
	v.BindEnv("integrations.elasticsearch.password", "ELASTICSEARCH_PASSWORD")
	v.BindEnv("integrations.elasticsearch.api_key", "ELASTICSEARCH_API_KEY")

	v.BindEnv("integrations.ai_service.base_url", "AI_SERVICE_URL")
	v.BindEnv("integrations.ai_service.api_key", "AI_SERVICE_API_KEY")

	// Security
	v.BindEnv("security.jwt.secret", "JWT_SECRET")

	// Service discovery
	v.BindEnv("servicediscovery.consul.address", "CONSUL_ADDRESS")
	v.BindEnv("servicediscovery.consul.token", "CONSUL_TOKEN")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Security.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	if config.Pool.MaxConnections <= 0 || config.Pool.MinConnections > config.Pool.MaxConnections {
		return fmt.Errorf("invalid pool bounds: min %d, max %d", config.Pool.MinConnections, config.Pool.MaxConnections)
	}

	if config.Orchestrator.HealthCheckInterval <= 0 {
		return fmt.Errorf("orchestrator health check interval must be positive")
	}

	if config.Integrations.Kafka.Enabled && len(config.Integrations.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka is enabled but no brokers are configured")
	}

	if config.Integrations.Elasticsearch.Enabled && len(config.Integrations.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch is enabled but no addresses are configured")
	}

	if config.Integrations.GRPC.Enabled && config.Integrations.GRPC.Target == "" {
		return fmt.Errorf("grpc integration is enabled but no target is configured")
	}

	return nil
}
