package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"convsync/internal/api"
	"convsync/internal/auth"
	"convsync/internal/config"
	"convsync/internal/consent"
	"convsync/internal/constants"
	"convsync/internal/dispatch"
	"convsync/internal/hashing"
	"convsync/internal/ledger"
	"convsync/internal/logger"
	"convsync/internal/pipeline"
	"convsync/internal/settings"
	"convsync/internal/visit"
	"convsync/pkg/bootstrap"
	"convsync/pkg/cel"
	"convsync/pkg/health"
	"convsync/pkg/logging"
	"convsync/pkg/metrics"
	"convsync/pkg/middleware"
	"convsync/pkg/migrations"
	"convsync/pkg/retry"
	"convsync/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	redis          *redis.Client
	postgresDB     *sql.DB
	mongoClient    *mongo.Client
	tracerProvider *tracing.TracerProvider
	analytics      *visit.MatomoClient
	runner         *pipeline.Runner
	health         *health.CheckerRegistry
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

// Initialize connects what mode needs. migrate only needs the settings databases.
func (a *App) Initialize(ctx context.Context, mode string) error {
	ctx = logging.WithServiceName(ctx, constants.ServiceName)

	if err := a.initSettingsDatabases(ctx); err != nil {
		return err
	}

	if mode == "migrate" {
		return nil
	}

	if a.Config.Database.RunMigrations {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
	}

	a.initRedis(ctx)

	tp, err := tracing.Init(a.Config.Tracing, constants.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterPipelineMetrics()

	if err := a.initPipeline(ctx); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	a.initHealth()
	return nil
}

func (a *App) initSettingsDatabases(ctx context.Context) error {
	switch a.Config.Settings.Backend {
	case constants.SettingsBackendPostgres:
		db, err := a.dbConnector.InitPostgreSQL(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		a.postgresDB = db
	case constants.SettingsBackendMongoDB:
		client, err := a.dbConnector.InitMongoDB(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize MongoDB: %w", err)
		}
		a.mongoClient = client
	}
	return nil
}

// initRedis connects the shared token cache and ledger. Without redis the pipeline still
// runs, with a per-process token cache and no ledger.
func (a *App) initRedis(ctx context.Context) {
	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "Redis unavailable, falling back to in-memory token cache without ledger",
			"error", err,
		)
		return
	}
	a.redis = rdb
}

func (a *App) settingsStore() (settings.Store, error) {
	cfg := a.Config.Settings
	switch cfg.Backend {
	case constants.SettingsBackendPostgres:
		if a.postgresDB == nil {
			return nil, fmt.Errorf("postgres settings backend is not connected")
		}
		return settings.NewPostgresStore(a.postgresDB, cfg.Table), nil
	case constants.SettingsBackendMongoDB:
		if a.mongoClient == nil {
			return nil, fmt.Errorf("mongodb settings backend is not connected")
		}
		return settings.NewMongoStore(a.dbConnector.MongoDatabase(a.mongoClient), cfg.Collection), nil
	default:
		return settings.NewFileStore(cfg.Sites)
	}
}

func (a *App) initPipeline(ctx context.Context) error {
	store, err := a.settingsStore()
	if err != nil {
		return err
	}

	a.analytics = visit.NewMatomoClient(a.Config.Analytics, a.Logger)
	fetcher := visit.NewFetcher(a.analytics, visit.FetcherConfig{
		PageSize:   a.Config.Analytics.PageSize,
		MaxRecords: a.Config.Analytics.MaxRecords,
	}, a.Logger)

	hasher, err := hashing.New(a.Config.Pipeline.HashAlgorithm)
	if err != nil {
		return err
	}

	filter, err := cel.NewEvaluator()
	if err != nil {
		return err
	}

	var tokenCache auth.TokenCache = auth.NewMemoryTokenCache()
	var sentLedger ledger.Ledger = ledger.Nop{}
	if a.redis != nil {
		tokenCache = auth.NewRedisTokenCache(a.redis)
		if a.Config.Dispatch.Ledger.Enabled {
			sentLedger = ledger.NewRedisLedger(a.redis, time.Duration(a.Config.Dispatch.Ledger.TTLSeconds)*time.Second)
		}
	} else if a.Config.Dispatch.Ledger.Enabled {
		a.Logger.WarnwCtx(ctx, "Sent-event ledger enabled but redis is unavailable, ledger disabled")
	}

	timeout := a.Config.Dispatch.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	tokens := auth.NewGoogleTokenSource(
		a.Config.Dispatch.Endpoints.GoogleOAuthURL,
		&http.Client{Timeout: timeout},
		tokenCache,
		retry.FromConfig(a.Config.Dispatch.Retry),
		a.Logger,
	)

	deps := dispatch.Deps{
		Client:  dispatch.NewClient(a.Config.Dispatch, a.Config.CircuitBreaker, a.Logger),
		Consent: consent.NewResolver(a.Logger),
		Ledger:  sentLedger,
		Logger:  a.Logger,
	}
	dispatchers := dispatch.New(deps, a.Config.Dispatch.Endpoints, tokens)

	orchestrator := pipeline.NewOrchestrator(fetcher, filter, hasher, dispatchers, a.Logger)
	a.runner = pipeline.NewRunner(store, orchestrator, pipeline.RunnerConfig{
		MaxExecutionTime: a.Config.Pipeline.MaxExecutionTime,
		Sites:            a.Config.Pipeline.Sites,
		Timezones:        a.analytics,
	}, a.Logger)

	a.Logger.InfowCtx(ctx, "Pipeline initialized",
		"settings_backend", a.Config.Settings.Backend,
		"hash_algorithm", hasher.Algorithm(),
		"ledger", a.Config.Dispatch.Ledger.Enabled && a.redis != nil,
	)
	return nil
}

func (a *App) initHealth() {
	registry := health.NewCheckerRegistry()
	registry.Register(health.NewAnalyticsChecker(a.analytics))
	if a.postgresDB != nil {
		registry.Register(health.NewPostgreSQLChecker(a.postgresDB))
	}
	if a.mongoClient != nil {
		registry.Register(health.NewMongoDBChecker(a.mongoClient))
	}
	if a.redis != nil {
		registry.RegisterOptional(health.NewRedisChecker(a.redis))
	}
	a.health = registry
}

// RunOnce processes one window over the selected sites.
func (a *App) RunOnce(ctx context.Context, opts pipeline.RunOptions) (pipeline.RunResult, error) {
	return a.runner.Run(ctx, opts)
}

// Serve runs the scheduler and the operational HTTP server until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	scheduler := pipeline.NewScheduler(a.runner, a.Config.Pipeline.ScheduleInterval, a.Logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(constants.ServiceName))
	}
	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(a.Logger))
	api.NewHandler(scheduler, a.health, a.Logger).RegisterRoutes(router)

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return scheduler.Start(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Migrate applies the schema of whichever settings database is connected.
func (a *App) Migrate(ctx context.Context) error {
	switch {
	case a.postgresDB != nil:
		if err := migrations.MigratePostgres(a.postgresDB); err != nil {
			return err
		}
		a.Logger.InfowCtx(ctx, "PostgreSQL migrations applied")
	case a.mongoClient != nil:
		db := a.dbConnector.MongoDatabase(a.mongoClient)
		if err := migrations.EnsureMongoCollection(ctx, db, a.Config.Settings.Collection); err != nil {
			return err
		}
		a.Logger.InfowCtx(ctx, "MongoDB indexes ensured")
	default:
		a.Logger.InfowCtx(ctx, "File settings backend has no schema to migrate")
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redis, a.postgresDB, a.mongoClient)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
