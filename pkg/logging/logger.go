package logging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// Logger wraps zap.Logger with integration-aware helpers
type Logger struct {
	*zap.Logger
}

// Config represents logger configuration
type Config struct {
	Level       string `json:"level" yaml:"level" mapstructure:"level"`
	Format      string `json:"format" yaml:"format" mapstructure:"format"`
	Output      string `json:"output" yaml:"output" mapstructure:"output"`
	ServiceName string `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	Development bool   `json:"development" yaml:"development" mapstructure:"development"`
}

// Field represents a log field
type Field = zapcore.Field

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	integrationKey   contextKey = "integration"
)

// NewLogger creates a new logger instance
func NewLogger(config Config) (*Logger, error) {
	if config.Level == "" {
		config.Level = "info"
	}
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var zapConfig zap.Config
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	switch strings.ToLower(config.Format) {
	case "console":
		zapConfig.Encoding = "console"
	default:
		zapConfig.Encoding = "json"
	}

	switch strings.ToLower(config.Output) {
	case "", "stdout":
		zapConfig.OutputPaths = []string{"stdout"}
	case "stderr":
		zapConfig.OutputPaths = []string{"stderr"}
	default:
		zapConfig.OutputPaths = []string{config.Output}
	}

	if config.ServiceName != "" {
		zapConfig.InitialFields = map[string]interface{}{
			"service": config.ServiceName,
		}
	}

	zapLogger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &Logger{Logger: zapLogger}, nil
}

// Wrap adapts an existing zap logger, e.g. one built by zaptest
func Wrap(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{Logger: logger}
}

func (l *Logger) with(fields ...Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// WithContext adds correlation and integration fields carried by ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := extractContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.with(fields...)
}

// WithComponent adds component information to logger
func (l *Logger) WithComponent(component string) *Logger {
	return l.with(zap.String("component", component))
}

// WithFields adds multiple fields to logger
func (l *Logger) WithFields(fields ...Field) *Logger {
	return l.with(fields...)
}

// LogStatusChange logs an integration health transition. Moves into an
// unhealthy state are logged at warn level.
func (l *Logger) LogStatusChange(integration string, from, to types.HealthStatus, fields ...Field) {
	allFields := append([]Field{
		zap.String("event_type", "status_change"),
		zap.String("integration", integration),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}, fields...)

	if to == types.StatusUnhealthy || to == types.StatusDegraded {
		l.Warn("Integration status changed", allFields...)
		return
	}
	l.Info("Integration status changed", allFields...)
}

// LogAlert logs a fired threshold alert at a level matching its severity
func (l *Logger) LogAlert(rule, integration string, severity types.Severity, message string, fields ...Field) {
	allFields := append([]Field{
		zap.String("event_type", "alert"),
		zap.String("rule", rule),
		zap.String("integration", integration),
		zap.String("severity", severity.String()),
		zap.String("message", message),
	}, fields...)

	switch {
	case severity.AtLeast(types.SeverityError):
		l.Error("Alert fired", allFields...)
	case severity.AtLeast(types.SeverityWarning):
		l.Warn("Alert fired", allFields...)
	default:
		l.Info("Alert fired", allFields...)
	}
}

// LogPerformance logs an operation duration
func (l *Logger) LogPerformance(operation string, duration time.Duration, fields ...Field) {
	allFields := append([]Field{
		zap.String("event_type", "performance"),
		zap.String("operation", operation),
		zap.Duration("duration", duration),
		zap.Float64("duration_ms", float64(duration.Nanoseconds())/1000000),
	}, fields...)

	l.Info("Performance metric", allFields...)
}

// ContextWithCorrelationID stores a correlation id for WithContext
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation id stored in ctx, if any
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok && id != ""
}

// ContextWithIntegration stores the integration name for WithContext
func ContextWithIntegration(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, integrationKey, name)
}

func extractContextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}

	var fields []Field
	if id, ok := CorrelationIDFromContext(ctx); ok {
		fields = append(fields, zap.String("correlation_id", id))
	}
	if name, ok := ctx.Value(integrationKey).(string); ok && name != "" {
		fields = append(fields, zap.String("integration", name))
	}
	return fields
}

// Cleanup flushes any buffered log entries
func (l *Logger) Cleanup() {
	if l.Logger != nil {
		_ = l.Logger.Sync()
	}
}
