package connectors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/pool"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Name            string        `yaml:"name" json:"name" mapstructure:"name"`
	Host            string        `yaml:"host" json:"host" mapstructure:"host"`
	Port            int           `yaml:"port" json:"port" mapstructure:"port"`
	Database        string        `yaml:"database" json:"database" mapstructure:"database"`
	Username        string        `yaml:"username" json:"username" mapstructure:"username"`
	Password        string        `yaml:"password" json:"-" mapstructure:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode" mapstructure:"ssl_mode"`
	Timezone        string        `yaml:"timezone" json:"timezone" mapstructure:"timezone"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// DSN returns the lib/pq connection string
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	timezone := c.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s timezone=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, sslMode, timezone,
	)
}

// PostgresConnector is the database integration
type PostgresConnector struct {
	config PostgresConfig
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresConnector opens a lazily connecting sqlx handle
func NewPostgresConnector(config PostgresConfig, logger *zap.Logger) (*PostgresConnector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "postgres"
	}

	db, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open PostgreSQL handle")
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	return &PostgresConnector{config: config, db: db, logger: logger}, nil
}

func (c *PostgresConnector) Name() string { return c.config.Name }
func (c *PostgresConnector) Kind() types.IntegrationKind { return types.KindDatabase }

// DB returns the underlying handle
func (c *PostgresConnector) DB() *sqlx.DB { return c.db }

// HealthCheck runs SELECT 1 and reports connection statistics
func (c *PostgresConnector) HealthCheck(ctx context.Context) integration.HealthResult {
	return probe(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		stats := c.db.Stats()
		details := map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
		}

		var result int
		if err := c.db.GetContext(ctx, &result, "SELECT 1"); err != nil {
			return details, classifyPostgres(errors.Wrap(err, "database health check failed"))
		}
		return details, nil
	})
}

// Recover pings the database, which re-dials dropped connections
func (c *PostgresConnector) Recover(ctx context.Context) bool {
	if err := c.db.PingContext(ctx); err != nil {
		c.logger.Warn("PostgreSQL recovery failed", zap.Error(err))
		return false
	}
	return true
}

// Close closes the handle
func (c *PostgresConnector) Close(ctx context.Context) error {
	return c.db.Close()
}

// ConnFactory returns a pool factory handing out dedicated connections
func (c *PostgresConnector) ConnFactory() pool.Factory[*sqlx.Conn] {
	return pool.FactoryFuncs[*sqlx.Conn]{
		CreateFunc: func(ctx context.Context) (*sqlx.Conn, error) {
			conn, err := c.db.Connx(ctx)
			if err != nil {
				return nil, classifyPostgres(errors.Wrap(err, "failed to open dedicated connection"))
			}
			return conn, nil
		},
		ValidateFunc: func(ctx context.Context, conn *sqlx.Conn) bool {
			return conn.PingContext(ctx) == nil
		},
		DestroyFunc: func(ctx context.Context, conn *sqlx.Conn) error {
			return conn.Close()
		},
		ResetFunc: func(ctx context.Context, conn *sqlx.Conn) error {
			_, err := conn.ExecContext(ctx, "DISCARD ALL")
			return err
		},
	}
}

// classifyPostgres tags driver errors with an error code by SQLSTATE class
func classifyPostgres(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	code := string(pqErr.Code)
	var appErr *common.AppError
	switch {
	case code == "53300":
		appErr = common.NewAppErrorWithCause(common.ErrCodeRateLimited, "too many connections", err)
	case code == "57014":
		appErr = common.NewAppErrorWithCause(common.ErrCodeTimeout, "query canceled", err)
	case code == "40001" || code == "40P01":
		appErr = common.NewAppErrorWithCause(common.ErrCodeServerError, "transaction conflict", err)
		appErr.Retryable = true
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "57P"):
		appErr = common.NewAppErrorWithCause(common.ErrCodeNetworkError, "connection exception", err)
	case strings.HasPrefix(code, "28"):
		appErr = common.NewAppErrorWithCause(common.ErrCodeClientError, "authorization failed", err)
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"):
		appErr = common.NewAppErrorWithCause(common.ErrCodeValidationFailed, "data exception", err)
	default:
		appErr = common.NewAppErrorWithCause(common.ErrCodeServerError, pqErr.Code.Name(), err)
	}
	return appErr.WithKind(types.KindDatabase).WithDetail("sqlstate", code)
}
