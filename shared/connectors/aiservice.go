package connectors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// AIServiceConfig holds settings for the strategy generation service
type AIServiceConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Name       string        `yaml:"name" json:"name" mapstructure:"name"`
	BaseURL    string        `yaml:"base_url" json:"base_url" mapstructure:"base_url"`
	HealthPath string        `yaml:"health_path" json:"health_path" mapstructure:"health_path"`
	APIKey     string        `yaml:"api_key" json:"-" mapstructure:"api_key"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// AIServiceConnector probes an HTTP AI generation backend
type AIServiceConnector struct {
	config AIServiceConfig
	client *http.Client
	logger *zap.Logger
}

// NewAIServiceConnector creates the connector
func NewAIServiceConnector(config AIServiceConfig, logger *zap.Logger) *AIServiceConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "ai-generator"
	}
	if config.HealthPath == "" {
		config.HealthPath = "/health"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &AIServiceConnector{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

func (c *AIServiceConnector) Name() string { return c.config.Name }

func (c *AIServiceConnector) Kind() types.IntegrationKind { return types.KindAIService }

// HealthCheck issues GET {BaseURL}{HealthPath}; any 2xx is healthy
func (c *AIServiceConnector) HealthCheck(ctx context.Context) integration.HealthResult {
	return probe(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		url := strings.TrimRight(c.config.BaseURL, "/") + c.config.HealthPath
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build health request")
		}
		if c.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, "ai service health request failed")
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		details := map[string]interface{}{"status_code": resp.StatusCode}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return details, nil
		}
		return details, statusError(resp.StatusCode)
	})
}

// statusError maps an upstream HTTP status onto an error code
func statusError(status int) error {
	var code common.ErrorCode
	switch {
	case status == http.StatusTooManyRequests:
		code = common.ErrCodeRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = common.ErrCodeTimeout
	case status >= 500:
		code = common.ErrCodeServerError
	default:
		code = common.ErrCodeClientError
	}
	return common.NewAppError(code, fmt.Sprintf("ai service responded %d", status)).
		WithKind(types.KindAIService).
		WithStatusCode(status)
}

// Close releases idle connections
func (c *AIServiceConnector) Close(ctx context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}
