package pool

import (
	"fmt"
	"time"
)

// Config represents connection pool configuration
type Config struct {
	Name string `yaml:"name" json:"name" mapstructure:"name"`

	// Pool settings
	MinConnections   int           `yaml:"min_connections" json:"min_connections" mapstructure:"min_connections"`
	MaxConnections   int           `yaml:"max_connections" json:"max_connections" mapstructure:"max_connections"`
	AcquireTimeout   time.Duration `yaml:"acquire_timeout" json:"acquire_timeout" mapstructure:"acquire_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" json:"idle_timeout" mapstructure:"idle_timeout"`
	MaxConnectionAge time.Duration `yaml:"max_connection_age" json:"max_connection_age" mapstructure:"max_connection_age"`

	// Health check settings
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" mapstructure:"health_check_interval"`
	IdleCheckInterval   time.Duration `yaml:"idle_check_interval" json:"idle_check_interval" mapstructure:"idle_check_interval"`
	ValidateOnBorrow    bool          `yaml:"validate_on_borrow" json:"validate_on_borrow" mapstructure:"validate_on_borrow"`
	ValidateOnReturn    bool          `yaml:"validate_on_return" json:"validate_on_return" mapstructure:"validate_on_return"`

	// Reconnection settings
	EnableReconnection   bool          `yaml:"enable_reconnection" json:"enable_reconnection" mapstructure:"enable_reconnection"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay" json:"reconnect_delay" mapstructure:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay" json:"max_reconnect_delay" mapstructure:"max_reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
}

// DefaultConfig returns a default pool configuration
func DefaultConfig() Config {
	return Config{
		Name:                 "default",
		MinConnections:       2,
		MaxConnections:       10,
		AcquireTimeout:       30 * time.Second,
		IdleTimeout:          5 * time.Minute,
		MaxConnectionAge:     30 * time.Minute,
		HealthCheckInterval:  30 * time.Second,
		IdleCheckInterval:    10 * time.Second,
		ValidateOnBorrow:     true,
		ValidateOnReturn:     false,
		EnableReconnection:   true,
		ReconnectDelay:       time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// Validate checks the configuration for inconsistencies
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MinConnections < 0 {
		return fmt.Errorf("min_connections must not be negative, got %d", c.MinConnections)
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("min_connections (%d) exceeds max_connections (%d)", c.MinConnections, c.MaxConnections)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be positive")
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = def.IdleCheckInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return c
}
