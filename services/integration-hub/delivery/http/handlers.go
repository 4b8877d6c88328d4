package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/services/integration-hub/delivery/http/middleware"
	"github.com/cpa02cmz/quanforge-sub008/shared/aggregator"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/discovery"
	"github.com/cpa02cmz/quanforge-sub008/shared/exporter"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status      types.HealthStatus        `json:"status"`
	Service     string                    `json:"service"`
	Version     string                    `json:"version"`
	Environment string                    `json:"environment"`
	Uptime      string                    `json:"uptime"`
	Timestamp   time.Time                 `json:"timestamp"`
	Summary     integration.SystemSummary `json:"summary"`
}

// health reports the rolled-up integration status; unhealthy maps to 503
func (s *Server) health(c *gin.Context) {
	summary := s.orchestrator.GetSystemSummary()
	response := HealthResponse{
		Status:      summary.Status,
		Service:     s.info.Name,
		Version:     s.info.Version,
		Environment: s.info.Environment,
		Uptime:      time.Since(s.startTime).String(),
		Timestamp:   time.Now(),
		Summary:     summary,
	}

	if summary.Status == types.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) summary(c *gin.Context) {
	body := gin.H{
		"system":       s.orchestrator.GetSystemSummary(),
		"integrations": s.orchestrator.GetIntegrationMetrics(),
	}
	if s.aggregator != nil {
		body["aggregator"] = s.aggregator.GetStats()
	}
	if s.registry != nil {
		body["discovery"] = s.registry.GetStats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listIntegrations(c *gin.Context) {
	status := types.HealthStatus(c.Query("status"))
	kind := types.IntegrationKind(c.Query("kind"))

	statuses := s.orchestrator.GetAllStatuses()
	filtered := make([]integration.StatusInfo, 0, len(statuses))
	for _, info := range statuses {
		if status != "" && info.Status != status {
			continue
		}
		if kind != "" && info.Kind != kind {
			continue
		}
		filtered = append(filtered, info)
	}

	c.JSON(http.StatusOK, gin.H{
		"integrations": filtered,
		"total":        len(filtered),
	})
}

func (s *Server) getIntegration(c *gin.Context) {
	info, err := s.orchestrator.GetStatus(c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getDiagnostics(c *gin.Context) {
	diagnostics, err := s.orchestrator.GetDiagnostics(c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, diagnostics)
}

func (s *Server) recoverIntegration(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.orchestrator.GetStatus(name); err != nil {
		s.respondError(c, err)
		return
	}

	recovered := s.orchestrator.RecoverIntegration(c.Request.Context(), name)
	info, _ := s.orchestrator.GetStatus(name)

	s.logger.Info("Manual recovery requested",
		zap.String("integration", name),
		zap.Bool("recovered", recovered),
		zap.String("subject", subject(c)),
	)

	c.JSON(http.StatusOK, gin.H{
		"integration": name,
		"recovered":   recovered,
		"status":      info.Status,
	})
}

func (s *Server) listAggregations(c *gin.Context) {
	if s.aggregator == nil {
		c.JSON(http.StatusOK, gin.H{"aggregations": []aggregator.AggregatedEvent{}, "total": 0})
		return
	}

	filter := aggregator.Filter{Type: aggregator.AggregationType(c.Query("type"))}
	var err error
	if filter.MinSeverity, err = severityParam(c, "min_severity"); err != nil {
		s.respondError(c, err)
		return
	}
	if filter.Since, err = timeParam(c, "since"); err != nil {
		s.respondError(c, err)
		return
	}
	if filter.Limit, err = intParam(c, "limit"); err != nil {
		s.respondError(c, err)
		return
	}

	aggregations := s.aggregator.GetAggregations(filter)
	c.JSON(http.StatusOK, gin.H{
		"aggregations": aggregations,
		"total":        len(aggregations),
	})
}

func (s *Server) listAlerts(c *gin.Context) {
	filter := exporter.AlertFilter{
		Integration: c.Query("integration"),
		ThresholdID: c.Query("threshold"),
	}
	var err error
	if filter.MinSeverity, err = severityParam(c, "min_severity"); err != nil {
		s.respondError(c, err)
		return
	}
	if filter.Since, err = timeParam(c, "since"); err != nil {
		s.respondError(c, err)
		return
	}
	if filter.Limit, err = intParam(c, "limit"); err != nil {
		s.respondError(c, err)
		return
	}

	alerts := s.exporter.GetAlertHistory(filter)
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

func (s *Server) jsonMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.exporter.ExportJSON())
}

func (s *Server) listBreakers(c *gin.Context) {
	stats := s.orchestrator.BreakerStats()
	c.JSON(http.StatusOK, gin.H{
		"breakers": stats,
		"total":    len(stats),
	})
}

func (s *Server) prometheusMetrics(c *gin.Context) {
	text, err := s.exporter.ExportPrometheus()
	if err != nil {
		s.respondError(c, common.WrapError(err, common.ErrCodeUnknown, "failed to render metrics"))
		return
	}
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(text))
}

// Services

func (s *Server) discoveryQuery(c *gin.Context) (discovery.Query, error) {
	query := discovery.Query{
		Name:        c.Query("name"),
		Kind:        types.IntegrationKind(c.Query("kind")),
		Capability:  c.Query("capability"),
		Status:      types.HealthStatus(c.Query("status")),
		HealthyOnly: c.Query("healthy_only") == "true",
		SortBy:      discovery.SortField(c.Query("sort_by")),
		SortOrder:   discovery.SortOrder(c.Query("sort_order")),
		CallSite:    "http:" + c.FullPath(),
	}
	if tags := c.Query("tags"); tags != "" {
		query.Tags = strings.Split(tags, ",")
	}
	if raw := c.Query("min_priority"); raw != "" {
		priority, err := types.ParsePriority(raw)
		if err != nil {
			return query, common.ErrValidationFailed(err.Error())
		}
		query.MinPriority = priority
	}
	limit, err := intParam(c, "limit")
	if err != nil {
		return query, err
	}
	query.Limit = limit
	return query, nil
}

func (s *Server) listServices(c *gin.Context) {
	query, err := s.discoveryQuery(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	instances := s.registry.DiscoverServices(query)
	c.JSON(http.StatusOK, gin.H{
		"services": instances,
		"total":    len(instances),
	})
}

func (s *Server) selectService(c *gin.Context) {
	query, err := s.discoveryQuery(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	strategy := discovery.Strategy(c.DefaultQuery("strategy", string(discovery.StrategyRoundRobin)))
	instance, err := s.registry.GetService(query, strategy)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

func (s *Server) registerService(c *gin.Context) {
	var reg discovery.Registration
	if err := c.ShouldBindJSON(&reg); err != nil {
		s.respondError(c, common.ErrValidationFailed(err.Error()))
		return
	}

	instance, err := s.registry.RegisterService(reg)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, instance)
}

func (s *Server) heartbeat(c *gin.Context) {
	if err := s.registry.Heartbeat(c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unregisterService(c *gin.Context) {
	if err := s.registry.UnregisterService(c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Thresholds

// ThresholdRequest is the body of POST /api/v1/thresholds
type ThresholdRequest struct {
	ID          string            `json:"id" binding:"required"`
	Name        string            `json:"name"`
	Metric      string            `json:"metric" binding:"required"`
	Operator    exporter.Operator `json:"operator" binding:"required"`
	Value       float64           `json:"value"`
	Severity    types.Severity    `json:"severity"`
	Message     string            `json:"message"`
	Cooldown    string            `json:"cooldown"`
	Enabled     *bool             `json:"enabled"`
	Integration string            `json:"integration"`
}

func (r ThresholdRequest) toThreshold() (exporter.Threshold, error) {
	threshold := exporter.Threshold{
		ID:          r.ID,
		Name:        r.Name,
		Metric:      r.Metric,
		Operator:    r.Operator,
		Value:       r.Value,
		Severity:    r.Severity,
		Message:     r.Message,
		Enabled:     r.Enabled == nil || *r.Enabled,
		Integration: r.Integration,
	}
	if r.Cooldown != "" {
		cooldown, err := time.ParseDuration(r.Cooldown)
		if err != nil {
			return threshold, common.ErrValidationFailed(fmt.Sprintf("invalid cooldown %q", r.Cooldown))
		}
		threshold.Cooldown = cooldown
	}
	return threshold, nil
}

func (s *Server) listThresholds(c *gin.Context) {
	thresholds := s.exporter.Thresholds()
	c.JSON(http.StatusOK, gin.H{
		"thresholds": thresholds,
		"total":      len(thresholds),
	})
}

func (s *Server) createThreshold(c *gin.Context) {
	var req ThresholdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, common.ErrValidationFailed(err.Error()))
		return
	}

	threshold, err := req.toThreshold()
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.exporter.AddThreshold(threshold); err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.Info("Threshold configured",
		zap.String("threshold", threshold.ID),
		zap.String("metric", threshold.Metric),
		zap.String("subject", subject(c)),
	)
	c.JSON(http.StatusCreated, threshold)
}

func (s *Server) deleteThreshold(c *gin.Context) {
	id := c.Param("id")
	if !s.exporter.RemoveThreshold(id) {
		s.respondError(c, common.NewAppError(common.ErrCodeThresholdNotFound, "threshold not found").
			WithDetail("threshold", id))
		return
	}
	c.Status(http.StatusNoContent)
}

// Query helpers

func severityParam(c *gin.Context, key string) (types.Severity, error) {
	raw := c.Query(key)
	if raw == "" {
		return types.SeverityInfo, nil
	}
	severity, err := types.ParseSeverity(raw)
	if err != nil {
		return types.SeverityInfo, common.ErrValidationFailed(err.Error())
	}
	return severity, nil
}

func timeParam(c *gin.Context, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, common.ErrValidationFailed(fmt.Sprintf("%s must be RFC3339", key))
	}
	return t, nil
}

func intParam(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, common.ErrValidationFailed(fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return n, nil
}

func subject(c *gin.Context) string {
	if claims, ok := middleware.GetClaims(c); ok {
		return claims.Subject
	}
	return ""
}
