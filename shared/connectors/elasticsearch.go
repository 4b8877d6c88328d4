package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/shared/exporter"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// ElasticsearchConfig holds alert index settings
type ElasticsearchConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Name        string   `yaml:"name" json:"name" mapstructure:"name"`
	Addresses   []string `yaml:"addresses" json:"addresses" mapstructure:"addresses"`
	Username    string   `yaml:"username" json:"username" mapstructure:"username"`
	Password    string   `yaml:"password" json:"-" mapstructure:"password"`
	APIKey      string   `yaml:"api_key" json:"-" mapstructure:"api_key"`
	IndexPrefix string   `yaml:"index_prefix" json:"index_prefix" mapstructure:"index_prefix"`
	MaxRetries  int      `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
}

// AlertIndexer writes exporter alerts into daily Elasticsearch indices
type AlertIndexer struct {
	config ElasticsearchConfig
	client *elasticsearch.Client
	logger *zap.Logger
}

// NewAlertIndexer creates the client without contacting the cluster
func NewAlertIndexer(config ElasticsearchConfig, logger *zap.Logger) (*AlertIndexer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "alert-index"
	}
	if config.IndexPrefix == "" {
		config.IndexPrefix = "quanforge-alerts"
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  config.Addresses,
		Username:   config.Username,
		Password:   config.Password,
		APIKey:     config.APIKey,
		MaxRetries: config.MaxRetries,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}
	return &AlertIndexer{config: config, client: client, logger: logger}, nil
}

func (a *AlertIndexer) Name() string { return a.config.Name }

func (a *AlertIndexer) Kind() types.IntegrationKind { return types.KindExternalAPI }

// IndexName returns the daily index an alert is written to
func (a *AlertIndexer) IndexName(alert exporter.Alert) string {
	return fmt.Sprintf("%s-%s", a.config.IndexPrefix, alert.Timestamp.UTC().Format("2006.01.02"))
}

// IndexAlert stores alert under its id
func (a *AlertIndexer) IndexAlert(ctx context.Context, alert exporter.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "failed to serialize alert")
	}

	req := esapi.IndexRequest{
		Index:      a.IndexName(alert),
		DocumentID: alert.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, a.client)
	if err != nil {
		return errors.Wrap(err, "index request failed")
	}
	defer res.Body.Close()

	if res.IsError() {
		payload, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index failed with status %s: %s", res.Status(), string(payload))
	}
	return nil
}

// HealthCheck pings the cluster
func (a *AlertIndexer) HealthCheck(ctx context.Context) integration.HealthResult {
	return probe(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		res, err := a.client.Ping(a.client.Ping.WithContext(ctx))
		if err != nil {
			return nil, errors.Wrap(err, "elasticsearch ping failed")
		}
		defer res.Body.Close()

		details := map[string]interface{}{"status": res.StatusCode}
		if res.IsError() {
			return details, fmt.Errorf("ping failed with status: %s", res.Status())
		}
		return details, nil
	})
}

// Close is a no-op; the client holds no persistent connections beyond its transport
func (a *AlertIndexer) Close(ctx context.Context) error {
	a.logger.Info("Elasticsearch alert indexer closed")
	return nil
}
