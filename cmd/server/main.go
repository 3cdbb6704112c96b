// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cash-device-service/internal/config"
	"cash-device-service/internal/database"
	"cash-device-service/internal/driver"
	"cash-device-service/internal/handler"
	"cash-device-service/internal/repository"
	"cash-device-service/internal/routes"
	"cash-device-service/internal/service"
	"cash-device-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB
	redis    *redis.Client

	// Services
	deviceService    *service.DeviceService
	paymentService   *service.PaymentService
	discoveryService *service.DiscoveryService

	// Repositories
	deviceRepo  repository.DeviceRepository
	sessionRepo repository.SessionRepository
	txRepo      repository.TransactionRepository
	cashState   repository.CashStateRepository

	// Driver registry
	driverRegistry *driver.Registry

	// Handlers wired into the event chain
	wsHandler       *handler.WebSocketHandler
	commandConsumer *handler.CommandConsumer
}

// @title Cash Device Service API
// @version 1.0.0
// @description Cash device management service for bill validators, bill dispensers and coin acceptors

// @contact.name Cash Device Service Support

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8086
// @BasePath /api/v1
func main() {
	// Initialize application
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	// Start the application
	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Create service logger
	serviceLogger := utils.NewServiceLogger(logger, "cash-device-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	// Initialize components
	if err := app.initializeDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initializeRedis(); err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	if err := app.initializeRepositories(); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := app.initializeDriverRegistry(); err != nil {
		return nil, fmt.Errorf("failed to initialize driver registry: %w", err)
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeDatabase sets up database connection and runs migrations
func (app *Application) initializeDatabase() error {
	// Create database connection
	db, err := database.NewConnection(&app.config.Database, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}

	app.database = db

	// Run migrations
	migrator := database.NewMigrator(db, app.logger, &app.config.Database)
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	app.logger.Info("Database initialized successfully")
	return nil
}

// initializeRedis sets up the Redis client shared by the cash state
// store and the command channel
func (app *Application) initializeRedis() error {
	client := redis.NewClient(&redis.Options{
		Addr:     app.config.GetRedisAddr(),
		Password: app.config.Redis.Password,
		DB:       app.config.Redis.DB,
		PoolSize: app.config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	app.redis = client
	app.logger.Info("Redis initialized successfully",
		zap.String("addr", app.config.GetRedisAddr()),
	)
	return nil
}

// initializeRepositories creates repository instances
func (app *Application) initializeRepositories() error {
	app.deviceRepo = repository.NewDeviceRepository(app.database, app.logger)
	app.sessionRepo = repository.NewSessionRepository(app.database, app.logger)
	app.txRepo = repository.NewTransactionRepository(app.database, app.logger)
	app.cashState = repository.NewCashStateRepository(app.redis, app.logger)

	app.logger.Info("Repositories initialized successfully")
	return nil
}

// initializeDriverRegistry sets up device driver registry
func (app *Application) initializeDriverRegistry() error {
	app.driverRegistry = driver.NewRegistry(app.logger)

	// Register all supported drivers
	driver.RegisterDefaultDrivers(app.driverRegistry, app.logger)

	app.logger.Info("Driver registry initialized successfully",
		zap.Int("registered_drivers", len(app.driverRegistry.ListDrivers())),
	)
	return nil
}

// initializeServices creates service instances and wires the device
// event chain
func (app *Application) initializeServices() error {
	// Create device service
	app.deviceService = service.NewDeviceService(
		app.deviceRepo,
		app.cashState,
		app.driverRegistry,
		app.config,
		app.logger,
	)

	// Create payment service
	app.paymentService = service.NewPaymentService(
		app.deviceService,
		app.sessionRepo,
		app.txRepo,
		app.cashState,
		app.config,
		app.logger,
	)

	// Create discovery service
	app.discoveryService = service.NewDiscoveryService(
		app.driverRegistry,
		app.config,
		app.logger,
	)

	// WebSocket handler doubles as the payment progress notifier
	app.wsHandler = handler.NewWebSocketHandler(app.deviceService, app.paymentService, app.logger)
	app.paymentService.SetNotifier(app.wsHandler)

	// The event handler must be in place before devices initialize so
	// no startup event is lost
	eventHandler := handler.NewDeviceEventHandler(app.wsHandler, app.paymentService, app.logger)
	app.deviceService.SetEventHandler(eventHandler)

	// Command consumer bridges the terminal application over Redis
	app.commandConsumer = handler.NewCommandConsumer(
		app.redis,
		app.paymentService,
		app.deviceService,
		&app.config.Redis,
		app.logger,
	)

	app.logger.Info("Services initialized successfully")
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	// Create router
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.redis,
		app.deviceService,
		app.paymentService,
		app.discoveryService,
		app.wsHandler,
	)

	// Setup router with all routes
	router := routerManager.SetupRouter()

	// Create HTTP server
	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)

	return nil
}

// startDevices recovers state and brings the configured devices online
func (app *Application) startDevices() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Close out any session left open by a previous run
	if err := app.paymentService.RecoverSession(ctx); err != nil {
		app.logger.Error("Session recovery failed", zap.Error(err))
	}

	if err := app.deviceService.InitializeDevices(ctx); err != nil {
		app.logger.Error("Device initialization failed", zap.Error(err))
	}
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	// Create channel to receive OS signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for signal
	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Perform graceful shutdown
	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "cash-device-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	// Stop the command consumer
	if app.commandConsumer != nil {
		app.commandConsumer.Stop()
	}

	// Disconnect devices
	app.deviceService.Shutdown(ctx)

	// Close database connection
	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	// Close Redis connection
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("Redis close error", zap.Error(err))
		}
	}

	// Flush logger
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

func (app *Application) Start() error {
	// Start server in goroutine
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		var err error
		if app.config.Server.TLS.Enabled {
			err = app.server.ListenAndServeTLS(
				app.config.Server.TLS.CertFile,
				app.config.Server.TLS.KeyFile,
			)
		} else {
			err = app.server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// Bring devices online and start the command channel
	app.startDevices()
	app.commandConsumer.Start(context.Background())

	// Wait for interrupt signal
	app.waitForShutdown()

	return nil
}
