package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace" mapstructure:"namespace"`
	Path      string `yaml:"path" json:"path" mapstructure:"path"`

	// Service information, attached to every metric as constant labels
	ServiceName    string `yaml:"service_name" json:"service_name" mapstructure:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version" mapstructure:"service_version"`
	Environment    string `yaml:"environment" json:"environment" mapstructure:"environment"`

	CollectGoMetrics      bool `yaml:"collect_go_metrics" json:"collect_go_metrics" mapstructure:"collect_go_metrics"`
	CollectProcessMetrics bool `yaml:"collect_process_metrics" json:"collect_process_metrics" mapstructure:"collect_process_metrics"`
}

// DefaultConfig returns a default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:               true,
		Namespace:             "quanforge",
		Path:                  "/metrics",
		ServiceName:           "unknown",
		ServiceVersion:        "unknown",
		Environment:           "development",
		CollectGoMetrics:      true,
		CollectProcessMetrics: true,
	}
}

// Manager owns a private Prometheus registry and the metric vectors registered on it
type Manager struct {
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewManager creates a new metrics manager
func NewManager(config *Config, logger *zap.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     logger,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	if config.CollectGoMetrics {
		if err := m.registry.Register(collectors.NewGoCollector()); err != nil {
			return nil, fmt.Errorf("failed to register go collector: %w", err)
		}
	}
	if config.CollectProcessMetrics {
		if err := m.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, fmt.Errorf("failed to register process collector: %w", err)
		}
	}

	var err error
	m.requestsTotal, err = m.CounterVec("http_requests_total", "Total number of HTTP requests", []string{"method", "endpoint", "status_code"})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	m.requestDuration, err = m.HistogramVec("http_request_duration_seconds", "HTTP request duration in seconds",
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10}, []string{"method", "endpoint", "status_code"})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

func (m *Manager) constLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if m.config.ServiceName != "" {
		labels["service"] = m.config.ServiceName
	}
	if m.config.ServiceVersion != "" {
		labels["version"] = m.config.ServiceVersion
	}
	if m.config.Environment != "" {
		labels["environment"] = m.config.Environment
	}
	return labels
}

// CounterVec returns the named counter vector, registering it on first use
func (m *Manager) CounterVec(name, help string, labelNames []string) (*prometheus.CounterVec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if counter, ok := m.counters[name]; ok {
		return counter, nil
	}
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.config.Namespace,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels(),
	}, labelNames)
	if err := m.registry.Register(counter); err != nil {
		return nil, fmt.Errorf("failed to register counter %s: %w", name, err)
	}
	m.counters[name] = counter
	return counter, nil
}

// GaugeVec returns the named gauge vector, registering it on first use
func (m *Manager) GaugeVec(name, help string, labelNames []string) (*prometheus.GaugeVec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gauge, ok := m.gauges[name]; ok {
		return gauge, nil
	}
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels(),
	}, labelNames)
	if err := m.registry.Register(gauge); err != nil {
		return nil, fmt.Errorf("failed to register gauge %s: %w", name, err)
	}
	m.gauges[name] = gauge
	return gauge, nil
}

// HistogramVec returns the named histogram vector, registering it on first use
func (m *Manager) HistogramVec(name, help string, buckets []float64, labelNames []string) (*prometheus.HistogramVec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if histogram, ok := m.histograms[name]; ok {
		return histogram, nil
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.config.Namespace,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.constLabels(),
	}, labelNames)
	if err := m.registry.Register(histogram); err != nil {
		return nil, fmt.Errorf("failed to register histogram %s: %w", name, err)
	}
	m.histograms[name] = histogram
	return histogram, nil
}

// RecordRequest records HTTP request metrics
func (m *Manager) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.requestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.requestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}

// Gather collects every registered metric family
func (m *Manager) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}

// WriteText writes the registry in Prometheus text exposition format
func (m *Manager) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return fmt.Errorf("failed to encode metric family %s: %w", family.GetName(), err)
		}
	}
	return nil
}

// Handler returns an HTTP handler serving the registry
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Config returns the manager configuration
func (m *Manager) Config() Config {
	return *m.config
}
