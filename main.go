package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/kinstack/briar/config"
	"github.com/kinstack/briar/internal/repositories/duplicatecandidate"
	"github.com/kinstack/briar/internal/repositories/entity"
	"github.com/kinstack/briar/internal/repositories/family"
	"github.com/kinstack/briar/internal/repositories/mergeproposal"
	"github.com/kinstack/briar/internal/repositories/mergerecord"
	"github.com/kinstack/briar/pkg/database"
	"github.com/kinstack/briar/pkg/detector"
	"github.com/kinstack/briar/pkg/events"
	"github.com/kinstack/briar/pkg/graph"
	"github.com/kinstack/briar/pkg/kafka"
	"github.com/kinstack/briar/pkg/merging"
	"github.com/kinstack/briar/pkg/middleware"
	"github.com/kinstack/briar/pkg/preview"
	"github.com/kinstack/briar/pkg/proposals"
	collisionrunroutes "github.com/kinstack/briar/pkg/routes/collisionrun"
	duplicatecandidateroutes "github.com/kinstack/briar/pkg/routes/duplicatecandidate"
	healthroutes "github.com/kinstack/briar/pkg/routes/health"
	mergeproposalroutes "github.com/kinstack/briar/pkg/routes/mergeproposal"
	mergerecordroutes "github.com/kinstack/briar/pkg/routes/mergerecord"
	"github.com/kinstack/briar/pkg/signals"
	"github.com/kinstack/briar/pkg/startup"
	"github.com/kinstack/briar/pkg/tracing"
	"github.com/kinstack/briar/pkg/tracing/exporters"
)

func main() {
	_ = godotenv.Load()

	cfg := &config.Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg)

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(&exporters.ConsoleExporter{}))
	tracing.SetTracer(tp.Tracer(cfg.AppName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := connectDatabase(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaAuditTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	emitter := events.NewEmitter(producer, cfg.AuditEmitTimeout, logger)

	graphClient, err := graph.NewClient(graph.Config{
		Host:     cfg.GraphDBHost,
		Port:     cfg.GraphDBPort,
		Username: cfg.GraphDBUser,
		Password: cfg.GraphDBPassword,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create graph client")
	}
	projector := graph.NewProjector(graphClient, logger)

	entityRepo := entity.NewRepository(db, logger)
	familyRepo := family.NewRepository(db, logger)
	candidateRepo := duplicatecandidate.NewRepository(db, logger)
	proposalRepo := mergeproposal.NewRepository(db, logger)
	recordRepo := mergerecord.NewRepository(db, logger)

	policy := preview.PolicyFromConfig(cfg.ConflictSensitiveFields)
	previewEngine := preview.NewEngine(entityRepo, policy, logger)
	executor := merging.NewExecutor(logger, db, entityRepo, proposalRepo, candidateRepo, recordRepo)
	proposalService := proposals.NewService(logger, db, proposalRepo, entityRepo, familyRepo, candidateRepo, previewEngine, executor, emitter, projector)
	signalStore := signals.NewPostgresStore(db, logger)
	collisionDetector := detector.NewDetector(logger, signalStore, proposalService, proposalRepo, emitter, detector.Config{
		HighRiskThreshold: cfg.HighRiskThreshold,
		BatchSize:         cfg.DetectorBatchSize,
	})

	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DI container")
	}
	mustRegister(logger, ectoinject.RegisterInstance[database.DB](container, db))
	mustRegister(logger, ectoinject.RegisterInstance[*mergerecord.Repository](container, recordRepo))
	mustRegister(logger, ectoinject.RegisterInstance[*duplicatecandidate.Repository](container, candidateRepo))
	mustRegister(logger, ectoinject.RegisterInstance[*proposals.Service](container, proposalService))
	mustRegister(logger, ectoinject.RegisterInstance[*detector.Detector](container, collisionDetector))

	e := buildServer(cfg, logger, container.GetContainerID())

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	boot.AddDependency(&databaseDependency{db: db, cfg: cfg, logger: logger})
	boot.AddDependency(&graphDependency{client: graphClient})
	boot.AddDependency(&kafkaDependency{producer: producer})
	boot.AddDependency(&serverDependency{e: e, cfg: cfg, logger: logger})

	if err := boot.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Startup failed")
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := boot.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown incomplete")
	}
	_ = tp.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func connectDatabase(cfg *config.Config, logger ectologger.Logger) (database.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode,
	)

	sqlxDB, err := sqlx.Open(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, err
	}

	db := database.NewDatabaseInstance(sqlxDB, logger)
	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	return db, nil
}

func buildServer(cfg *config.Config, logger ectologger.Logger, containerID string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, err := ectoinject.SetActiveContainer(c.Request().Context(), containerID)
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.HTTPErrorHandler = middleware.Error(logger)

	healthroutes.Register(e)
	api := e.Group("/api/v1")
	mergeproposalroutes.Register(api.Group("/merge-proposals"))
	mergerecordroutes.Register(api.Group("/merge-records"))
	duplicatecandidateroutes.Register(api.Group("/duplicate-candidates"))
	collisionrunroutes.Register(api.Group("/collision-runs"))

	return e
}

func mustRegister(logger ectologger.Logger, err error) {
	if err != nil {
		logger.WithError(err).Fatal("Failed to register dependency")
	}
}

type databaseDependency struct {
	db     database.DB
	cfg    *config.Config
	logger ectologger.Logger
}

func (d *databaseDependency) GetName() string { return "postgres" }
func (d *databaseDependency) DependsOn() []string { return nil }

func (d *databaseDependency) Start(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(d.db.Unsafe().DB, &migratepg.Config{})
	if err != nil {
		return err
	}

	migrations := database.NewMigrationService(d.logger, &database.MigrationConfig{
		MigrationFolderPath: d.cfg.DatabaseMigrationFolderPath,
		Version:             uint(d.cfg.DatabaseMigrationVersion),
		Force:               d.cfg.DatabaseMigrationForce,
		AutoRollback:        d.cfg.DatabaseMigrationAutoRollback,
	})
	return migrations.Migrate(d.cfg.DatabaseName, driver)
}

func (d *databaseDependency) Stop(ctx context.Context) error {
	return d.db.Close()
}

type graphDependency struct {
	client *graph.Client
}

func (d *graphDependency) GetName() string { return "graphdb" }
func (d *graphDependency) DependsOn() []string { return nil }

func (d *graphDependency) Start(ctx context.Context) error {
	return d.client.VerifyConnectivity(ctx)
}

func (d *graphDependency) Stop(ctx context.Context) error {
	return d.client.Close(ctx)
}

type kafkaDependency struct {
	producer *kafka.Producer
}

func (d *kafkaDependency) GetName() string { return "kafka" }
func (d *kafkaDependency) DependsOn() []string { return nil }

// Start is a no-op; the writer connects lazily on first publish.
func (d *kafkaDependency) Start(ctx context.Context) error { return nil }

func (d *kafkaDependency) Stop(ctx context.Context) error {
	return d.producer.Close()
}

type serverDependency struct {
	e      *echo.Echo
	cfg    *config.Config
	logger ectologger.Logger
}

func (d *serverDependency) GetName() string { return "http" }
func (d *serverDependency) DependsOn() []string { return []string{"postgres", "graphdb", "kafka"} }

func (d *serverDependency) Start(ctx context.Context) error {
	go func() {
		addr := fmt.Sprintf(":%d", d.cfg.Port)
		if err := d.e.Start(addr); err != nil && err != http.ErrServerClosed {
			d.logger.WithError(err).Error("HTTP server stopped")
			p, _ := os.FindProcess(os.Getpid())
			_ = p.Signal(syscall.SIGTERM)
		}
	}()
	return nil
}

func (d *serverDependency) Stop(ctx context.Context) error {
	return d.e.Shutdown(ctx)
}
