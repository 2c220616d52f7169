package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/api/handler"
	"github.com/cuongbtq/hv-orchestrator/internal/api/router"
	"github.com/cuongbtq/hv-orchestrator/internal/config"
	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/events"
	"github.com/cuongbtq/hv-orchestrator/internal/metrics"
	"github.com/cuongbtq/hv-orchestrator/internal/pool"
	"github.com/cuongbtq/hv-orchestrator/internal/registry"
	"github.com/cuongbtq/hv-orchestrator/internal/transport"
	"github.com/cuongbtq/hv-orchestrator/internal/workflow"
	"github.com/cuongbtq/hv-orchestrator/shared/logger"
	"github.com/cuongbtq/hv-orchestrator/shared/postgresql"
	"github.com/cuongbtq/hv-orchestrator/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Console logger for everything that happens before the configured one
	// exists.
	boot := logger.NewDefault()
	if err := run(boot); err != nil {
		boot.Error("Orchestrator failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(boot *logger.Logger) error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		boot.Info("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("ORCHESTRATOR_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/orchestrator/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		for _, p := range config.Problems(err) {
			boot.Error("Invalid configuration", slog.String("problem", p))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	rootLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLogger.Close()

	appLogger := rootLogger.WithAttrs(slog.String("service", cfg.App.Name))
	component := func(name string) *slog.Logger {
		return appLogger.With("component", name).Logger
	}

	appLogger.Info("Starting orchestrator",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("transport", cfg.Transport.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Host transport
	tr, closeTransport, err := initTransport(cfg, component("transport"))
	if err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	defer closeTransport()

	checks := map[string]handler.HealthCheck{}

	// Completion event sinks
	sinks := []events.Sink{events.NewLogSink(component("events"))}

	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(ctx, &cfg.RabbitMQ, component("rabbitmq"))
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		appLogger.Info("RabbitMQ connection established")

		sinks = append(sinks, events.NewAMQPSink(rabbitClient, cfg.Events.RoutingPrefix))
		checks["rabbitmq"] = func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return rabbitmq.ErrNotConnected
			}
			return nil
		}
	}

	var inventory *events.InventorySink
	if cfg.Database.Enabled {
		dbClient, err := initPostgreSQL(ctx, &cfg.Database, component("postgresql"))
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()
		appLogger.Info("Database connection established")

		inventory = events.NewInventorySink(dbClient)
		if err := inventory.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare inventory schema: %w", err)
		}
		sinks = append(sinks, inventory)
		checks["database"] = dbClient.HealthCheck
	}

	bus := events.NewBus(cfg.Events.BufferSize, cfg.Events.HandleTimeout, component("events"), sinks...)
	m := metrics.New(bus.Dropped)

	// Remote task pool
	taskPool, err := pool.New(pool.Config{
		MinWorkers:      cfg.Pool.MinWorkers,
		MaxWorkers:      cfg.Pool.MaxWorkers,
		ReservedForJobs: cfg.Pool.ReservedJobWorkers,
		ScaleUpBacklog:  cfg.Pool.ScaleUpBacklog,
		SustainWindow:   cfg.Pool.ScaleUpSustain,
		DurationGuard:   cfg.Pool.ScaleUpDurationGuard,
		IdleRelease:     cfg.Pool.IdleRelease,
		SizingInterval:  cfg.Pool.SizingInterval,
		DurationSamples: cfg.Pool.DurationSamples,
	}, pool.Options{
		Caller:   transport.NewCaller(tr, component("transport")),
		Logger:   component("pool"),
		Observer: m,
	})
	if err != nil {
		return fmt.Errorf("failed to create task pool: %w", err)
	}

	// Job registry
	reg, err := registry.New(registry.Config{
		ShortTimeout:    cfg.Registry.ShortTimeout,
		LongTimeout:     cfg.Registry.LongTimeout,
		TypeLimits:      typeLimits(cfg.Registry.TypeLimits),
		Retention:       cfg.Registry.Retention,
		JanitorInterval: cfg.Registry.JanitorInterval,
	}, registry.Options{
		Executor: taskPool,
		Logger:   component("registry"),
		Notifier: bus,
		Observer: m,
	})
	if err != nil {
		return fmt.Errorf("failed to create job registry: %w", err)
	}

	deployment := workflow.NewManagedDeployment(buildSchema(cfg.Workflow.FieldScopes), component("workflow"))
	if err := reg.RegisterComposite(domain.JobTypeManagedDeployment, deployment); err != nil {
		return fmt.Errorf("failed to register managed deployment: %w", err)
	}

	bus.Start()
	taskPool.Start()
	reg.Start()

	// HTTP server
	deps := &handler.Dependencies{
		Logger:  appLogger.WithGroup("http").Logger,
		Jobs:    reg,
		Pool:    taskPool,
		Checks:  checks,
		Metrics: m.Handler(),
		Service: cfg.App.Name,
	}
	if inventory != nil {
		deps.Inventory = inventory
	}
	r := initRouter(cfg.App.Environment, deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return shutdown(shutdownCtx, appLogger.Logger, srv, reg, taskPool, bus)
	})

	appLogger.Info("Orchestrator is running", slog.String("address", addr))

	if err := g.Wait(); err != nil {
		appLogger.Error("Orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	appLogger.Info("Orchestrator shutdown complete")
	return nil
}

// shutdown stops accepting requests, fails unfinished jobs, then drains
// workers and pending events
func shutdown(ctx context.Context, logger *slog.Logger, srv *http.Server, reg *registry.Registry, taskPool *pool.Pool, bus *events.Bus) error {
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := reg.Close(ctx); err != nil {
		logger.Error("Registry did not stop cleanly", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	taskPool.Stop()
	if err := bus.Close(ctx); err != nil {
		logger.Warn("Event bus closed with undelivered events", slog.String("error", err.Error()))
	}
	return errors.Join(errs...)
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		MaxSizeMB:    cfg.MaxSizeMB,
		MaxBackups:   cfg.MaxBackups,
		MaxAgeDays:   cfg.MaxAgeDays,
		Compress:     cfg.Compress,
	}

	return logger.New(loggerCfg)
}

// initTransport builds the host transport selected by the config
func initTransport(cfg *config.Config, logger *slog.Logger) (transport.Transport, func(), error) {
	switch cfg.Transport.Mode {
	case config.TransportLocal:
		logger.Warn("Using local transport; every host runs on this machine",
			slog.String("command", cfg.Transport.Local.Command),
		)
		return transport.NewLocal(cfg.Transport.Local.Command, cfg.Transport.Local.Args, logger), func() {}, nil
	default:
		s := cfg.Transport.SSH
		t, err := transport.NewSSH(transport.SSHConfig{
			User:                  s.User,
			PrivateKeyPath:        s.PrivateKeyPath,
			KnownHostsPath:        s.KnownHostsPath,
			InsecureIgnoreHostKey: s.InsecureIgnoreHostKey,
			Port:                  s.Port,
			Command:               s.Command,
			DialTimeout:           s.DialTimeout,
			DialRate:              s.DialRate,
			DialBurst:             s.DialBurst,
			Hosts:                 cfg.Hosts,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, func() { _ = t.Close() }, nil
	}
}

// initPostgreSQL initializes the inventory database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  10 * time.Second,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ initializes the event publisher
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(ctx, rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}

func typeLimits(in map[string]int) map[domain.JobType]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[domain.JobType]int, len(in))
	for t, n := range in {
		out[domain.JobType(t)] = n
	}
	return out
}

// buildSchema layers configured field scopes over the built-in schema
func buildSchema(scopes map[string]string) workflow.Schema {
	schema := make(workflow.Schema, len(workflow.DefaultSchema)+len(scopes))
	for field, scope := range workflow.DefaultSchema {
		schema[field] = scope
	}
	for field, scope := range scopes {
		schema[field] = workflow.Scope(scope)
	}
	return schema
}
