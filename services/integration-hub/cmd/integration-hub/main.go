package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/cpa02cmz/quanforge-sub008/pkg/logging"
	"github.com/cpa02cmz/quanforge-sub008/pkg/metrics"
	"github.com/cpa02cmz/quanforge-sub008/pkg/shutdown"
	"github.com/cpa02cmz/quanforge-sub008/services/integration-hub/config"
	httpdelivery "github.com/cpa02cmz/quanforge-sub008/services/integration-hub/delivery/http"
	"github.com/cpa02cmz/quanforge-sub008/services/integration-hub/delivery/http/middleware"
	"github.com/cpa02cmz/quanforge-sub008/shared/aggregator"
	"github.com/cpa02cmz/quanforge-sub008/shared/connectors"
	"github.com/cpa02cmz/quanforge-sub008/shared/discovery"
	"github.com/cpa02cmz/quanforge-sub008/shared/exporter"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/pool"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

const (
	serviceName = "integration-hub"
	version     = "1.0.0"
)

// Application represents the main application
type Application struct {
	config  *config.Config
	log     *logging.Logger
	logger  *zap.Logger
	metrics *metrics.Manager

	// Integration layer
	orchestrator *integration.Orchestrator
	aggregator   *aggregator.Aggregator
	registry     *discovery.Registry
	exporter     *exporter.Exporter

	// Connectors
	postgres  *connectors.PostgresConnector
	mongo     *connectors.MongoConnector
	redis     *connectors.RedisConnector
	publisher *connectors.EventPublisher
	indexer   *connectors.AlertIndexer
	ai        *connectors.AIServiceConnector
	grpc      *connectors.GRPCConnector

	// Pools
	postgresPool *pool.Pool[*sqlx.Conn]
	grpcPool     *pool.Pool[*grpc.ClientConn]

	httpServer *httpdelivery.Server
	shutdown   *shutdown.GracefulShutdown

	unsubscribe []func()
}

func main() {
	app := &Application{}

	if err := app.Initialize(); err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}

	app.shutdown.Listen(syscall.SIGINT, syscall.SIGTERM)
	app.shutdown.Wait()

	if errs := app.shutdown.Errors(); len(errs) > 0 {
		app.logger.Error("Shutdown completed with errors", zap.Errors("errors", errs))
		os.Exit(1)
	}
	app.logger.Info("Application shutdown complete")
}

// Initialize initializes all application components
func (app *Application) Initialize() error {
	var err error

	app.config, err = config.LoadConfig(os.Getenv("QUANFORGE_CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := app.initLogger(); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	app.logger.Info("Starting Integration Hub",
		zap.String("service", app.config.Service.Name),
		zap.String("version", version),
		zap.String("environment", app.config.Service.Environment),
	)

	if err := app.initMetrics(); err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}

	if err := app.initIntegrationLayer(); err != nil {
		return fmt.Errorf("failed to init integration layer: %w", err)
	}

	if err := app.initConnectors(); err != nil {
		return fmt.Errorf("failed to init connectors: %w", err)
	}

	if err := app.initPools(); err != nil {
		return fmt.Errorf("failed to init pools: %w", err)
	}

	if err := app.initServer(); err != nil {
		return fmt.Errorf("failed to init server: %w", err)
	}

	app.initShutdown()

	app.logger.Info("Application initialization complete")
	return nil
}

func (app *Application) initLogger() error {
	cfg := app.config.Logging
	if cfg.ServiceName == "" {
		cfg.ServiceName = app.config.Service.Name
	}
	if app.config.Service.Environment == "development" {
		cfg.Development = true
	}

	logger, err := logging.NewLogger(cfg)
	if err != nil {
		return err
	}
	app.log = logger.WithFields(zap.String("version", version))
	app.logger = app.log.Logger
	return nil
}

func (app *Application) component(name string) *zap.Logger {
	return app.log.WithComponent(name).Logger
}

func (app *Application) initMetrics() error {
	cfg := app.config.Metrics
	cfg.ServiceName = app.config.Service.Name
	cfg.ServiceVersion = app.config.Service.Version
	cfg.Environment = app.config.Service.Environment

	manager, err := metrics.NewManager(&cfg, app.logger)
	if err != nil {
		return err
	}
	app.metrics = manager
	return nil
}

// initIntegrationLayer builds the orchestrator, aggregator, registry and exporter
func (app *Application) initIntegrationLayer() error {
	app.orchestrator = integration.New(app.config.Orchestrator, nil, nil, app.component("orchestrator"))

	app.aggregator = aggregator.New(app.config.Aggregator, nil, app.component("aggregator"))
	for _, rule := range aggregator.DefaultRules() {
		if err := app.aggregator.AddRule(rule); err != nil {
			return err
		}
	}
	for _, pattern := range aggregator.DefaultPatterns() {
		if err := app.aggregator.AddPattern(pattern); err != nil {
			return err
		}
	}
	detach, err := app.aggregator.Attach(app.orchestrator.Bus())
	if err != nil {
		return err
	}
	app.unsubscribe = append(app.unsubscribe, detach)

	var registrar discovery.Registrar
	if consul := app.config.ServiceDiscovery.Consul; consul.Enabled {
		r, err := discovery.NewConsulRegistrar(consul.ConsulConfig, app.component("consul"))
		if err != nil {
			return fmt.Errorf("failed to create consul registrar: %w", err)
		}
		registrar = r
	}
	app.registry = discovery.NewRegistry(app.config.Discovery, nil, registrar, app.component("discovery"))

	app.exporter, err = exporter.New(app.config.Exporter, app.orchestrator, nil, app.metrics, app.component("exporter"))
	if err != nil {
		return err
	}
	app.exporter.SetDiscovery(app.registry)

	unsubscribe, err := app.orchestrator.SubscribeAll(app.exporter.HandleEvent)
	if err != nil {
		return err
	}
	app.unsubscribe = append(app.unsubscribe, unsubscribe)

	unsubscribe, err = app.aggregator.Subscribe(func(agg aggregator.AggregatedEvent) {
		if agg.Severity.AtLeast(types.SeverityError) {
			app.log.LogAlert(agg.SourceID, "", agg.Severity, agg.Name)
		}
	})
	if err != nil {
		return err
	}
	app.unsubscribe = append(app.unsubscribe, unsubscribe)
	return nil
}

// initConnectors registers every enabled backend with the orchestrator
func (app *Application) initConnectors() error {
	integrations := app.config.Integrations
	var err error

	if integrations.Postgres.Enabled {
		app.postgres, err = connectors.NewPostgresConnector(integrations.Postgres, app.logger)
		if err != nil {
			return err
		}
		if err := app.orchestrator.RegisterIntegration(connectors.Describe(app.postgres, types.PriorityCritical)); err != nil {
			return err
		}
	}

	if integrations.Redis.Enabled {
		app.redis = connectors.NewRedisConnector(integrations.Redis, app.logger)
		if err := app.orchestrator.RegisterIntegration(connectors.Describe(app.redis, types.PriorityHigh)); err != nil {
			return err
		}
		app.exporter.SetSnapshotStore(app.redis.SnapshotStore())
	}

	if integrations.MongoDB.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		app.mongo, err = connectors.NewMongoConnector(ctx, integrations.MongoDB, app.logger)
		cancel()
		if err != nil {
			return err
		}
		if err := app.orchestrator.RegisterIntegration(connectors.Describe(app.mongo, types.PriorityHigh)); err != nil {
			return err
		}
	}

	if integrations.AIService.Enabled {
		app.ai = connectors.NewAIServiceConnector(integrations.AIService, app.logger)
		var deps []string
		if app.postgres != nil {
			deps = append(deps, app.postgres.Name())
		}
		if err := app.orchestrator.RegisterIntegration(connectors.Describe(app.ai, types.PriorityMedium, deps...)); err != nil {
			return err
		}
	}

	if integrations.GRPC.Enabled {
		app.grpc, err = connectors.NewGRPCConnector(integrations.GRPC, app.logger)
		if err != nil {
			return err
		}
		if err := app.orchestrator.RegisterIntegration(connectors.Describe(app.grpc, types.PriorityMedium)); err != nil {
			return err
		}
	}

	if integrations.Elasticsearch.Enabled {
		app.indexer, err = connectors.NewAlertIndexer(integrations.Elasticsearch, app.logger)
		if err != nil {
			return err
		}
		if err := app.orchestrator.RegisterIntegration(connectors.Describe(app.indexer, types.PriorityLow)); err != nil {
			return err
		}
		app.exporter.SetAlertSink(app.indexer)
	}

	if integrations.Kafka.Enabled {
		app.publisher = connectors.NewEventPublisher(integrations.Kafka, app.logger)
		if err := app.orchestrator.RegisterIntegration(connectors.Describe(app.publisher, types.PriorityLow)); err != nil {
			return err
		}

		unsubscribe, err := app.orchestrator.SubscribeAll(app.publisher.PublishEvent)
		if err != nil {
			return err
		}
		app.unsubscribe = append(app.unsubscribe, unsubscribe)

		unsubscribe, err = app.aggregator.Subscribe(app.publisher.PublishAggregation)
		if err != nil {
			return err
		}
		app.unsubscribe = append(app.unsubscribe, unsubscribe)
	}

	return nil
}

// initPools creates connection pools over the pooled backends
func (app *Application) initPools() error {
	if app.postgres != nil {
		cfg := app.config.Pool
		cfg.Name = "postgres"
		p, err := pool.New[*sqlx.Conn](cfg, app.postgres.ConnFactory(), nil, app.component("pool"))
		if err != nil {
			return err
		}
		app.postgresPool = p
		app.exporter.AddPool(p)
	}

	if app.grpc != nil {
		cfg := app.config.Pool
		cfg.Name = "grpc"
		p, err := pool.New[*grpc.ClientConn](cfg, app.grpc.ConnFactory(), nil, app.component("pool"))
		if err != nil {
			return err
		}
		app.grpcPool = p
		app.exporter.AddPool(p)
	}
	return nil
}

func (app *Application) initServer() error {
	deps := httpdelivery.Dependencies{
		Orchestrator: app.orchestrator,
		Aggregator:   app.aggregator,
		Registry:     app.registry,
		Exporter:     app.exporter,
		Metrics:      app.metrics,
		Auth: middleware.NewAuthMiddleware(
			app.config.Security.JWT.Secret,
			app.config.Security.JWT.Issuer,
			app.config.Security.JWT.Audience,
			app.component("auth"),
		),
	}
	if rl := app.config.Security.RateLimit; rl.Enabled {
		deps.RateLimiter = middleware.NewRateLimiter(rl.RPS, rl.Burst, nil, app.component("ratelimit"))
	}

	app.httpServer = httpdelivery.NewServer(deps, httpdelivery.ServiceInfo{
		Name:        app.config.Service.Name,
		Version:     app.config.Service.Version,
		Environment: app.config.Service.Environment,
	}, app.component("http"))
	return nil
}

// initShutdown registers hooks: HTTP first, logger last
func (app *Application) initShutdown() {
	app.shutdown = shutdown.New(&shutdown.Config{Timeout: app.config.Server.ShutdownTimeout}, app.logger)

	app.shutdown.AddHooks(
		shutdown.HTTPServerHook("http-server", app.httpServer),
		shutdown.StopperHook("exporter", shutdown.PriorityOrchestrator-5, app.exporter),
		shutdown.StopperHook("discovery", shutdown.PriorityDiscovery, app.registry),
		shutdown.Hook{
			Name:     "event-subscriptions",
			Priority: shutdown.PriorityOrchestrator - 1,
			Timeout:  time.Second,
			Fn: func(ctx context.Context) error {
				for _, unsubscribe := range app.unsubscribe {
					unsubscribe()
				}
				return nil
			},
		},
		shutdown.ComponentHook("orchestrator", shutdown.PriorityOrchestrator, app.orchestrator),
	)
	if app.postgresPool != nil {
		app.shutdown.AddHook(shutdown.ComponentHook("postgres-pool", shutdown.PriorityPools, app.postgresPool))
	}
	if app.grpcPool != nil {
		app.shutdown.AddHook(shutdown.ComponentHook("grpc-pool", shutdown.PriorityPools, app.grpcPool))
	}
	app.shutdown.AddHook(shutdown.LoggerHook("logger", app.log))
}

// Start runs the initial health checks, warms the pools and starts the server
func (app *Application) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	started := time.Now()
	results, err := app.orchestrator.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize integrations: %w", err)
	}
	app.log.LogPerformance("integrations_initialize", time.Since(started), zap.Int("integrations", len(results)))
	for _, r := range results {
		app.logger.Info("Integration initialized",
			zap.String("integration", r.Name),
			zap.String("status", string(r.Status)),
			zap.Bool("success", r.Success),
			zap.Duration("duration", r.Duration),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	if app.postgresPool != nil {
		g.Go(func() error { return app.postgresPool.Initialize(gctx) })
	}
	if app.grpcPool != nil {
		g.Go(func() error { return app.grpcPool.Initialize(gctx) })
	}
	if err := g.Wait(); err != nil {
		// Pools replenish in the background; a cold start is not fatal
		app.logger.Warn("Connection pool warm-up incomplete", zap.Error(err))
	}

	app.registry.Start(context.Background())
	app.exporter.Start(context.Background())

	go func() {
		server := app.config.Server
		if err := app.httpServer.Start(server.Address(), server.ReadTimeout, server.WriteTimeout, server.IdleTimeout); err != nil {
			app.logger.Error("HTTP server failed", zap.Error(err))
			app.shutdown.Shutdown()
		}
	}()

	app.logger.Info("Integration Hub started",
		zap.String("address", app.config.Server.Address()),
		zap.Int("integrations", len(results)),
	)
	return nil
}
