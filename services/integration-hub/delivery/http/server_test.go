package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cpa02cmz/quanforge-sub008/pkg/metrics"
	"github.com/cpa02cmz/quanforge-sub008/services/integration-hub/delivery/http/middleware"
	"github.com/cpa02cmz/quanforge-sub008/shared/aggregator"
	"github.com/cpa02cmz/quanforge-sub008/shared/discovery"
	"github.com/cpa02cmz/quanforge-sub008/shared/exporter"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/resilience"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

type switchProbe struct {
	healthy atomic.Bool
}

func newSwitchProbe(healthy bool) *switchProbe {
	p := &switchProbe{}
	p.healthy.Store(healthy)
	return p
}

func (p *switchProbe) check(ctx context.Context) integration.HealthResult {
	if p.healthy.Load() {
		return integration.HealthResult{Healthy: true}
	}
	return integration.HealthResult{Healthy: false, Error: errors.New("connection refused")}
}

type ServerTestSuite struct {
	suite.Suite
	ctx      context.Context
	orch     *integration.Orchestrator
	exporter *exporter.Exporter
	registry *discovery.Registry
	auth     *middleware.AuthMiddleware
	server   *Server
	database *switchProbe
	ai       *switchProbe
	operator string
	viewer   string
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(s.T())
	s.ctx = context.Background()

	s.orch = integration.New(integration.DefaultConfig(), nil, nil, logger)
	s.database = newSwitchProbe(true)
	s.ai = newSwitchProbe(true)

	s.Require().NoError(s.orch.RegisterIntegration(integration.Descriptor{
		Name:        "postgres",
		Kind:        types.KindDatabase,
		Priority:    types.PriorityCritical,
		HealthCheck: s.database.check,
	}))
	s.Require().NoError(s.orch.RegisterIntegration(integration.Descriptor{
		Name:        "ai-generator",
		Kind:        types.KindAIService,
		Priority:    types.PriorityHigh,
		HealthCheck: s.ai.check,
		RecoveryHandler: func(ctx context.Context) bool {
			s.ai.healthy.Store(true)
			return true
		},
	}))
	s.checkAll()

	agg := aggregator.New(aggregator.DefaultConfig(), nil, logger)
	_, err := agg.Attach(s.orch.Bus())
	s.Require().NoError(err)

	s.registry = discovery.NewRegistry(discovery.DefaultConfig(), nil, nil, logger)

	manager, err := metrics.NewManager(&metrics.Config{Enabled: true, Namespace: "quanforge", ServiceName: "integration-hub"}, logger)
	s.Require().NoError(err)

	s.exporter, err = exporter.New(exporter.DefaultConfig(), s.orch, nil, manager, logger)
	s.Require().NoError(err)

	s.auth = middleware.NewAuthMiddleware("secret", "quanforge", "quanforge-api", logger)
	s.operator, err = s.auth.IssueToken("ops", []string{OperatorRole}, time.Hour)
	s.Require().NoError(err)
	s.viewer, err = s.auth.IssueToken("viewer", []string{"viewer"}, time.Hour)
	s.Require().NoError(err)

	s.server = NewServer(Dependencies{
		Orchestrator: s.orch,
		Aggregator:   agg,
		Registry:     s.registry,
		Exporter:     s.exporter,
		Metrics:      manager,
		Auth:         s.auth,
	}, ServiceInfo{Name: "integration-hub", Version: "test", Environment: "test"}, logger)
}

func (s *ServerTestSuite) checkAll() {
	for _, name := range []string{"postgres", "ai-generator"} {
		_, err := s.orch.CheckIntegration(s.ctx, name)
		s.Require().NoError(err)
	}
}

func (s *ServerTestSuite) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(w, req)
	return w
}

func (s *ServerTestSuite) decode(w *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func (s *ServerTestSuite) TestHealth() {
	w := s.do(http.MethodGet, "/health", "", nil)
	s.Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Equal("healthy", body["status"])
	s.Equal("integration-hub", body["service"])

	s.database.healthy.Store(false)
	s.checkAll()

	w = s.do(http.MethodGet, "/health", "", nil)
	s.Equal(http.StatusServiceUnavailable, w.Code)
	body = s.decode(w)
	s.Equal("unhealthy", body["status"])
	summary := body["summary"].(map[string]interface{})
	s.Equal([]interface{}{"postgres"}, summary["critical_unhealthy"])
}

func (s *ServerTestSuite) TestListIntegrations() {
	w := s.do(http.MethodGet, "/api/v1/integrations", "", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(float64(2), s.decode(w)["total"])

	w = s.do(http.MethodGet, "/api/v1/integrations?kind=database", "", nil)
	body := s.decode(w)
	s.Equal(float64(1), body["total"])
	first := body["integrations"].([]interface{})[0].(map[string]interface{})
	s.Equal("postgres", first["name"])

	w = s.do(http.MethodGet, "/api/v1/integrations?status=unhealthy", "", nil)
	s.Equal(float64(0), s.decode(w)["total"])
}

func (s *ServerTestSuite) TestGetIntegration() {
	w := s.do(http.MethodGet, "/api/v1/integrations/postgres", "", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("healthy", s.decode(w)["status"])

	w = s.do(http.MethodGet, "/api/v1/integrations/missing", "", nil)
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal("INTEGRATION_NOT_FOUND", s.decode(w)["error"])

	w = s.do(http.MethodGet, "/api/v1/integrations/ai-generator/diagnostics", "", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(true, s.decode(w)["has_recovery_handler"])
}

func (s *ServerTestSuite) TestRecoverRequiresOperator() {
	s.ai.healthy.Store(false)
	s.checkAll()

	path := "/api/v1/integrations/ai-generator/recover"
	s.Equal(http.StatusUnauthorized, s.do(http.MethodPost, path, "", nil).Code)
	s.Equal(http.StatusForbidden, s.do(http.MethodPost, path, s.viewer, nil).Code)

	w := s.do(http.MethodPost, path, s.operator, nil)
	s.Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Equal(true, body["recovered"])
	s.Equal("healthy", body["status"])

	w = s.do(http.MethodPost, "/api/v1/integrations/missing/recover", s.operator, nil)
	s.Equal(http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/v1/integrations/postgres/recover", s.operator, nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(false, s.decode(w)["recovered"])
}

func (s *ServerTestSuite) TestSummaryAndAggregations() {
	w := s.do(http.MethodGet, "/api/v1/summary", "", nil)
	s.Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Contains(body, "system")
	s.Contains(body, "integrations")
	s.Contains(body, "aggregator")
	s.Contains(body, "discovery")

	w = s.do(http.MethodGet, "/api/v1/aggregations?min_severity=warning&limit=5", "", nil)
	s.Equal(http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/v1/aggregations?min_severity=catastrophic", "", nil)
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("VALIDATION_FAILED", s.decode(w)["error"])

	w = s.do(http.MethodGet, "/api/v1/aggregations?limit=-1", "", nil)
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/v1/aggregations?since=yesterday", "", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ServerTestSuite) TestServiceLifecycle() {
	reg := discovery.Registration{
		Name:         "quote-feed",
		Kind:         types.KindMarketData,
		Version:      "1.2.0",
		Capabilities: []discovery.Capability{{ID: "quotes"}},
		Tags:         []string{"eu"},
		Weight:       50,
		Priority:     types.PriorityHigh,
	}

	s.Equal(http.StatusUnauthorized, s.do(http.MethodPost, "/api/v1/services", "", reg).Code)

	w := s.do(http.MethodPost, "/api/v1/services", s.operator, reg)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	id := s.decode(w)["id"].(string)

	w = s.do(http.MethodGet, "/api/v1/services?capability=quotes&tags=eu,us", "", nil)
	s.Equal(float64(1), s.decode(w)["total"])

	w = s.do(http.MethodGet, "/api/v1/services/select?kind=market_data&strategy=least_connections", "", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(id, s.decode(w)["id"])

	w = s.do(http.MethodGet, "/api/v1/services/select?strategy=fastest", "", nil)
	s.Equal(http.StatusBadRequest, w.Code)

	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/api/v1/services/"+id+"/heartbeat", s.operator, nil).Code)
	s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/api/v1/services/"+id, s.operator, nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodDelete, "/api/v1/services/"+id, s.operator, nil).Code)

	w = s.do(http.MethodGet, "/api/v1/services/select?kind=market_data", "", nil)
	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.Equal("NO_HEALTHY_INSTANCES", s.decode(w)["error"])
}

func (s *ServerTestSuite) TestRegisterServiceValidation() {
	w := s.do(http.MethodPost, "/api/v1/services", s.operator, map[string]interface{}{"name": "feed", "kind": "mainframe"})
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("VALIDATION_FAILED", s.decode(w)["error"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/services", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+s.operator)
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *ServerTestSuite) TestThresholdsAndAlerts() {
	threshold := map[string]interface{}{
		"id":       "db-failing",
		"metric":   exporter.MetricConsecutiveFailures,
		"operator": "gte",
		"value":    1,
		"severity": "critical",
		"cooldown": "10m",
		"message":  "{integration} failing",
	}
	s.Equal(http.StatusUnauthorized, s.do(http.MethodPost, "/api/v1/thresholds", "", threshold).Code)

	w := s.do(http.MethodPost, "/api/v1/thresholds", s.operator, threshold)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	s.Equal(true, s.decode(w)["enabled"])

	bad := map[string]interface{}{"id": "x", "metric": "error_rate", "operator": "between"}
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/thresholds", s.operator, bad).Code)

	badCooldown := map[string]interface{}{"id": "y", "metric": "error_rate", "operator": "gt", "cooldown": "soon"}
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/thresholds", s.operator, badCooldown).Code)

	w = s.do(http.MethodGet, "/api/v1/thresholds", "", nil)
	s.Equal(float64(len(exporter.DefaultThresholds())+1), s.decode(w)["total"])

	s.database.healthy.Store(false)
	s.checkAll()
	s.exporter.CollectMetrics(s.ctx)

	w = s.do(http.MethodGet, "/api/v1/alerts?threshold=db-failing", "", nil)
	s.Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Equal(float64(1), body["total"])
	alert := body["alerts"].([]interface{})[0].(map[string]interface{})
	s.Equal("postgres", alert["integration"])
	s.Equal("postgres failing", alert["message"])
	s.Equal("critical", alert["severity"])

	w = s.do(http.MethodGet, "/api/v1/alerts?min_severity=critical&integration=ai-generator", "", nil)
	s.Equal(float64(0), s.decode(w)["total"])

	s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/api/v1/thresholds/db-failing", s.operator, nil).Code)
	w = s.do(http.MethodDelete, "/api/v1/thresholds/db-failing", s.operator, nil)
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal("THRESHOLD_NOT_FOUND", s.decode(w)["error"])
}

func (s *ServerTestSuite) TestMetricsEndpoints() {
	s.exporter.CollectMetrics(s.ctx)

	w := s.do(http.MethodGet, "/api/v1/metrics/json", "", nil)
	s.Equal(http.StatusOK, w.Code)
	body := s.decode(w)
	s.Len(body["integrations"], 2)

	w = s.do(http.MethodGet, "/metrics", "", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Header().Get("Content-Type"), "text/plain")
	s.Contains(w.Body.String(), `quanforge_integration_health{integration="postgres",kind="database"`)
	// requests served above are recorded by the metrics middleware
	s.Contains(w.Body.String(), `/api/v1/metrics/json`)
}

func (s *ServerTestSuite) TestListBreakers() {
	w := s.do(http.MethodGet, "/api/v1/breakers", "", nil)
	s.Equal(http.StatusOK, w.Code)

	var body struct {
		Breakers map[string]resilience.BreakerStats `json:"breakers"`
		Total    int                                `json:"total"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &body))
	s.Equal(2, body.Total)
	s.Require().Contains(body.Breakers, "postgres")
	s.Contains(body.Breakers, "ai-generator")
	s.Equal(resilience.CircuitClosed, body.Breakers["postgres"].State)
}

func TestRateLimitedServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	orch := integration.New(integration.DefaultConfig(), nil, nil, logger)
	exp, err := exporter.New(exporter.DefaultConfig(), orch, nil, nil, logger)
	require.NoError(t, err)

	server := NewServer(Dependencies{
		Orchestrator: orch,
		Exporter:     exp,
		Registry:     discovery.NewRegistry(discovery.DefaultConfig(), nil, nil, logger),
		RateLimiter:  middleware.NewRateLimiter(1, 1, nil, logger),
	}, ServiceInfo{Name: "integration-hub"}, logger)

	first := httptest.NewRecorder()
	server.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	server.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
}

func TestMutatingRoutesOpenWithoutAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	orch := integration.New(integration.DefaultConfig(), nil, nil, logger)
	exp, err := exporter.New(exporter.DefaultConfig(), orch, nil, nil, logger)
	require.NoError(t, err)

	server := NewServer(Dependencies{
		Orchestrator: orch,
		Exporter:     exp,
		Registry:     discovery.NewRegistry(discovery.DefaultConfig(), nil, nil, logger),
	}, ServiceInfo{Name: "integration-hub"}, logger)

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/thresholds/high-latency", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/aggregations", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"aggregations":[],"total":0}`, w.Body.String())
}

func TestRequestLogsCarryCorrelationID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	orch := integration.New(integration.DefaultConfig(), nil, nil, logger)
	exp, err := exporter.New(exporter.DefaultConfig(), orch, nil, nil, logger)
	require.NoError(t, err)

	server := NewServer(Dependencies{
		Orchestrator: orch,
		Exporter:     exp,
		Registry:     discovery.NewRegistry(discovery.DefaultConfig(), nil, nil, logger),
	}, ServiceInfo{Name: "integration-hub"}, logger)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/integrations/postgres", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	generated := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, generated)

	entries := logs.FilterMessage("HTTP Request").AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "req-42", entries[0].ContextMap()["correlation_id"])
	assert.Equal(t, "postgres", entries[0].ContextMap()["integration"])
	assert.Equal(t, generated, entries[1].ContextMap()["correlation_id"])
	assert.NotContains(t, entries[1].ContextMap(), "integration")
}
