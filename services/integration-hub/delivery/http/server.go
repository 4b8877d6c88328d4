package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/pkg/logging"
	"github.com/cpa02cmz/quanforge-sub008/pkg/metrics"
	"github.com/cpa02cmz/quanforge-sub008/services/integration-hub/delivery/http/middleware"
	"github.com/cpa02cmz/quanforge-sub008/shared/aggregator"
	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/discovery"
	"github.com/cpa02cmz/quanforge-sub008/shared/exporter"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
)

// OperatorRole is required on every mutating route
const OperatorRole = "operator"

// RequestIDHeader carries the correlation id of a request
const RequestIDHeader = "X-Request-ID"

// ServiceInfo identifies the running service in health responses
type ServiceInfo struct {
	Name        string
	Version     string
	Environment string
}

// Dependencies are the components exposed by the admin API
type Dependencies struct {
	Orchestrator *integration.Orchestrator
	Aggregator   *aggregator.Aggregator
	Registry     *discovery.Registry
	Exporter     *exporter.Exporter
	Metrics      *metrics.Manager
	Auth         *middleware.AuthMiddleware
	RateLimiter  *middleware.RateLimiter
}

// Server implements the integration hub admin API
type Server struct {
	router       *gin.Engine
	httpServer   *http.Server
	orchestrator *integration.Orchestrator
	aggregator   *aggregator.Aggregator
	registry     *discovery.Registry
	exporter     *exporter.Exporter
	metrics      *metrics.Manager
	auth         *middleware.AuthMiddleware
	limiter      *middleware.RateLimiter
	info         ServiceInfo
	startTime    time.Time
	logger       *zap.Logger
}

// NewServer creates the router; Start binds it to an address
func NewServer(deps Dependencies, info ServiceInfo, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orchestrator: deps.Orchestrator,
		aggregator:   deps.Aggregator,
		registry:     deps.Registry,
		exporter:     deps.Exporter,
		metrics:      deps.Metrics,
		auth:         deps.Auth,
		limiter:      deps.RateLimiter,
		info:         info,
		startTime:    time.Now(),
		logger:       logger,
	}
	s.setupRoutes()
	return s
}

// Handler returns the gin engine
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router = gin.New()

	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware())
	}
	if s.limiter != nil {
		s.router.Use(s.limiter.Middleware())
	}

	s.router.GET("/health", s.health)
	s.router.GET("/metrics", s.prometheusMetrics)

	protected := s.requireOperator()

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/summary", s.summary)
		v1.GET("/aggregations", s.listAggregations)
		v1.GET("/alerts", s.listAlerts)
		v1.GET("/metrics/json", s.jsonMetrics)
		v1.GET("/breakers", s.listBreakers)

		integrations := v1.Group("/integrations")
		{
			integrations.GET("", s.listIntegrations)
			integrations.GET("/:name", s.getIntegration)
			integrations.GET("/:name/diagnostics", s.getDiagnostics)
			integrations.POST("/:name/recover", protected, s.recoverIntegration)
		}

		services := v1.Group("/services")
		{
			services.GET("", s.listServices)
			services.GET("/select", s.selectService)
			services.POST("", protected, s.registerService)
			services.POST("/:id/heartbeat", protected, s.heartbeat)
			services.DELETE("/:id", protected, s.unregisterService)
		}

		thresholds := v1.Group("/thresholds")
		{
			thresholds.GET("", s.listThresholds)
			thresholds.POST("", protected, s.createThreshold)
			thresholds.DELETE("/:id", protected, s.deleteThreshold)
		}
	}
}

func (s *Server) requireOperator() gin.HandlerFunc {
	if s.auth == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.auth.RequireAuth(OperatorRole)
}

// Start serves on addr until Shutdown is called
func (s *Server) Start(addr string, readTimeout, writeTimeout, idleTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	s.logger.Info("Starting HTTP server", zap.String("address", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := logging.ContextWithCorrelationID(c.Request.Context(), requestID)
		if name := c.Param("name"); name != "" {
			ctx = logging.ContextWithIntegration(ctx, name)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		logging.Wrap(s.logger).WithContext(ctx).Info("HTTP Request",
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status_code", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.RecordRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}

// respondError renders err using its error code
func (s *Server) respondError(c *gin.Context, err error) {
	appErr := common.GetAppError(err)
	if appErr == nil {
		s.logger.Error("Unhandled request error", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   common.ErrCodeUnknown,
			"message": "Internal server error",
		})
		return
	}

	body := gin.H{
		"error":   appErr.Code,
		"message": appErr.Message,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	c.JSON(appErr.HTTPStatus(), body)
}
