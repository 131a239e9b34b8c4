// Package main provides the entry point of the Orochi bulk-message dispatch engine
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/orochi-dispatch/app/handlers"
	"github.com/amirphl/orochi-dispatch/app/lock"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	"github.com/amirphl/orochi-dispatch/app/router"
	"github.com/amirphl/orochi-dispatch/app/scheduler"
	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Application represents the main application structure
type Application struct {
	config    *config.DispatchConfig
	logger    *log.Logger
	router    *router.FiberRouter
	server    *fiber.App
	scheduler *scheduler.CampaignScheduler
	stopFuncs []func()
	closers   []func() error
}

func main() {
	log.Println("Starting Orochi dispatch engine...")

	// Load configuration
	cfg, err := config.LoadDispatchConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize application
	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	// Setup routes
	app.router.SetupRoutes()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := app.router.Start(address); err != nil {
			app.logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	app.logger.Println("Shutting down gracefully...")
	app.shutdown()
	app.logger.Println("Server stopped")
}

// shutdown stops the scheduler tick and the reconciler, cancels the workers and waits
// for them to release their locks, then stops HTTP and closes the clients
func (a *Application) shutdown() {
	for i := len(a.stopFuncs) - 1; i >= 0; i-- {
		a.stopFuncs[i]()
	}

	workerCtx, workerCancel := context.WithTimeout(context.Background(), a.config.Dispatch.ShutdownWorkerTimeout)
	defer workerCancel()
	if err := a.scheduler.Shutdown(workerCtx); err != nil {
		a.logger.Printf("Workers did not stop in time, still active=%v: %v", a.scheduler.Registry().ActiveIDs(), err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.server.ShutdownWithContext(shutdownCtx); err != nil {
		a.logger.Printf("Error during shutdown: %v", err)
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Printf("Error closing resource: %v", err)
		}
	}
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig, logger *log.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB for connection pooling configuration
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pooling
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test the connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&models.Campaign{}, &models.CampaignContact{}); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Println("Database schema migrated")
	}

	logger.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

// initializeCache initializes the Redis client and verifies connectivity
func initializeCache(cfg config.CacheConfig, logger *log.Logger) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	// Override DB if provided in config
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Printf("Redis connection established (db=%d)", cfg.RedisDB)
	return rc, nil
}

// startCacheHealthMonitor starts a background goroutine that periodically pings Redis
// to detect connectivity issues. The returned cancel function stops the monitor.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration, logger *log.Logger) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(monitorCtx, 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					logger.Printf("Redis healthcheck failed: %v", err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeLocker selects the per-campaign lock backend
func initializeLocker(cfg config.EngineConfig, db *gorm.DB, rc *redis.Client, logger *log.Logger) (lock.Locker, error) {
	switch cfg.LockBackend {
	case "redis":
		return lock.NewRedisLocker(rc, cfg.LockTTL, logger), nil
	case "memory":
		logger.Println("Using in-process campaign locks; run a single replica")
		return lock.NewMemoryLocker(), nil
	default:
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		return lock.NewPostgresLocker(sqlDB), nil
	}
}

// initializePublisher selects the progress event channel
func initializePublisher(cfg config.EventsConfig, rc *redis.Client) (services.ProgressPublisher, error) {
	switch cfg.Backend {
	case "redis":
		return services.NewRedisPublisher(rc, cfg.RedisChannel), nil
	case "amqp":
		return services.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	default:
		return services.NoopPublisher{}, nil
	}
}

// initializeMediaLoader builds the media loader, backed by S3 when enabled
func initializeMediaLoader(ctx context.Context, cfg config.MediaConfig) (services.MediaLoader, error) {
	if !cfg.S3Enabled {
		return services.NewMediaLoader(cfg, nil), nil
	}
	downloader, err := services.NewS3Downloader(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return services.NewMediaLoader(cfg, downloader), nil
}

// initializeGateway selects the messaging gateway client
func initializeGateway(cfg config.GatewayConfig, logger *log.Logger) services.GatewayClient {
	if cfg.Provider == "mock" {
		logger.Println("Using mock messaging gateway; nothing will be delivered")
		return services.NewMockGateway()
	}
	return services.NewGatewayClient(cfg)
}

func initializeApplication(cfg *config.DispatchConfig) (*Application, error) {
	logger := utils.NewLogger(cfg.Logging, "")
	var (
		stopFuncs []func()
		closers   []func() error
	)

	// Initialize database
	db, err := initializeDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	closers = append(closers, sqlDB.Close)

	rc, err := initializeCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		closers = append(closers, rc.Close)
		stopFuncs = append(stopFuncs, startCacheHealthMonitor(context.Background(), rc, 30*time.Second, logger))
	}

	locker, err := initializeLocker(cfg.Dispatch, db, rc, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := initializePublisher(cfg.Events, rc)
	if err != nil {
		return nil, err
	}
	closers = append(closers, publisher.Close)

	mediaLoader, err := initializeMediaLoader(context.Background(), cfg.Media)
	if err != nil {
		return nil, err
	}

	// Initialize delivery
	gateway := initializeGateway(cfg.Gateway, logger)
	delivery := services.NewDeliveryClient(gateway, services.DeliveryOptionsFromConfig(cfg.Dispatch))
	delivery.Observer = scheduler.ObserveGatewayAttempt

	// Initialize repositories
	campaignRepo := repository.NewCampaignRepository(db)
	contactRepo := repository.NewCampaignContactRepository(db)
	store := repository.NewDispatchStore(db, campaignRepo, contactRepo)

	// Initialize the engine
	worker := scheduler.NewCampaignWorker(store, delivery, mediaLoader, publisher, logger, scheduler.WorkerOptions{
		Gateway:             cfg.Gateway,
		DefaultTimezone:     cfg.Dispatch.DefaultTimezone,
		ErrorCooldown:       cfg.Dispatch.ErrorCooldown,
		EventPublishTimeout: cfg.Dispatch.EventPublishTimeout,
	})
	sched := scheduler.NewCampaignScheduler(store, worker, scheduler.NewRegistry(logger), locker,
		cfg.Cache.RedisPrefix+"dispatch", cfg.Gateway, logger, cfg.Dispatch.TickInterval)
	stopFuncs = append(stopFuncs, sched.Start(context.Background()))

	reconciler := scheduler.NewReconciler(store, logger, cfg.Dispatch.ReconcileSchedule, cfg.Dispatch.StaleClaimAfter)
	stopReconciler, err := reconciler.Start(context.Background())
	if err != nil {
		return nil, err
	}
	stopFuncs = append(stopFuncs, stopReconciler)

	// Initialize business flows and handlers
	dispatchFlow := businessflow.NewCampaignDispatchFlow(store, sched, cfg.Gateway, cfg.Dispatch.DefaultCountryCode, logger)
	campaignHandler := handlers.NewCampaignHandler(dispatchFlow, logger)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Server.APIKeys)

	checks := map[string]router.HealthCheck{
		"database": sqlDB.PingContext,
	}
	if rc != nil {
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}

	// Initialize router
	appRouter := router.NewFiberRouter(cfg.Server, cfg.Metrics, campaignHandler, authMiddleware, checks, logger)

	return &Application{
		config:    cfg,
		logger:    logger,
		router:    appRouter,
		server:    appRouter.GetApp(),
		scheduler: sched,
		stopFuncs: stopFuncs,
		closers:   closers,
	}, nil
}
