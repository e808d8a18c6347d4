package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/deviceguard/server/docs"
	"github.com/deviceguard/server/internal/config"
	"github.com/deviceguard/server/internal/handlers"
	"github.com/deviceguard/server/internal/observability"
	"github.com/deviceguard/server/internal/repository"
	"github.com/deviceguard/server/internal/services"
)

const serviceName = "deviceguard-server"

// @title DeviceGuard Server API
// @version 1.0
// @description Device identity and cross-node admission control for proxy nodes
// @BasePath /

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

// @securityDefinitions.apikey NodeAuth
// @in header
// @name Authorization
// @description Node session token. Format: Bearer {token}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		observability.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	observability.Configure(observability.ParseLevel(cfg.LogLevel), nil)

	ctx := context.Background()
	telemetry, err := observability.Initialize(ctx, observability.NewConfig(serviceName, handlers.Version))
	if err != nil {
		observability.Warnf("Telemetry unavailable: %v", err)
	}

	// Initialize database
	var sqlDB *sql.DB
	dialect := repository.DialectSQLite
	if cfg.UsePostgres() {
		observability.Info("Using PostgreSQL database")
		dialect = repository.DialectPostgres
		sqlDB, err = repository.NewPostgresDB(cfg.DatabaseURL)
	} else {
		observability.Infof("Using SQLite database at %s", cfg.DatabasePath)
		sqlDB, err = repository.NewSQLiteDB(cfg.DatabasePath)
	}
	if err != nil {
		observability.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	defer sqlDB.Close()
	observability.SetDBSystem(dialect.String())

	db := repository.NewDB(sqlDB, dialect, cfg.Store.RetryAttempts, repository.PolicyDefaults{
		DeviceLimit: cfg.Admission.DefaultDeviceLimit,
		Enforce:     cfg.Admission.DefaultEnforce,
	})
	deviceRepo := repository.NewDeviceRepository(db)
	ipRepo := repository.NewDeviceIPRepository(db)
	allowListRepo := repository.NewAllowListRepository(db)
	nodeRepo := repository.NewNodeRepository(db)
	stateRepo := repository.NewNodeSyncStateRepository(db)

	deviceMetrics, err := observability.NewDeviceMetrics()
	if err != nil {
		observability.Warnf("Device metrics unavailable: %v", err)
	}
	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		observability.Warnf("HTTP metrics unavailable: %v", err)
	}

	// IP enrichment
	var enricher services.Enricher = services.NoopEnricher{}
	if cfg.Enrichment.Enabled() {
		httpEnricher := services.NewHTTPEnricher(cfg.Enrichment)
		defer httpEnricher.Close()
		enricher = httpEnricher
		observability.Infof("IP enrichment enabled: %s", cfg.Enrichment.URL)
	}

	// Node transport and allow-list propagation
	hub := services.NewNodeHub(deviceMetrics)
	go hub.Run()

	dispatcher := services.NewSyncDispatcher(allowListRepo, nodeRepo, stateRepo, hub, cfg.Sync, deviceMetrics)
	dispatcher.Start()

	nodeService := services.NewNodeService(nodeRepo, stateRepo, dispatcher, cfg.Security, deviceMetrics)
	hub.OnConnect(nodeService.NodeConnected)
	hub.OnDisconnect(nodeService.NodeDisconnected)

	deviceService := services.NewDeviceService(deviceRepo, ipRepo, allowListRepo, stateRepo, dispatcher)
	admissionService := services.NewAdmissionService(deviceRepo, services.NewFingerprintService(), enricher, dispatcher, deviceMetrics)
	anomalyService := services.NewAnomalyService(deviceRepo, ipRepo, allowListRepo, nodeRepo, stateRepo, cfg.Anomaly)

	reconciler := services.NewReconciler(allowListRepo, nodeRepo, stateRepo, hub, dispatcher, cfg.Sync.ReconcileInterval())
	reconciler.Start(cfg.Sync.ReconcileOnStart)

	router := handlers.NewRouter(handlers.RouterDeps{
		Security:    cfg.Security,
		ServiceName: serviceName,
		HTTPMetrics: httpMetrics,
		Tokens:      nodeService,
		Health:      handlers.NewHealthHandler(sqlDB, hub),
		Devices:     handlers.NewDeviceHandler(deviceService, anomalyService),
		Sync:        handlers.NewSyncHandler(deviceService, dispatcher, reconciler),
		Nodes:       handlers.NewNodeHandler(nodeService, hub, dispatcher),
		NodeAPI:     handlers.NewNodeAPIHandler(nodeService, admissionService),
		WebSocket:   handlers.NewWebSocketHandler(hub),
	})

	// Create server
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		observability.Infof("DeviceGuard server starting on %s", cfg.ServerAddress)
		observability.Infof("Sync: %d workers, queue %d, reconcile every %s",
			cfg.Sync.Workers, cfg.Sync.QueueSize, cfg.Sync.ReconcileInterval())

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observability.Errorf("Server error: %v", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	observability.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		observability.Errorf("Server forced to shutdown: %v", err)
	}

	reconciler.Stop()
	dispatcher.Stop()
	hub.Stop()

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			observability.Warnf("Telemetry shutdown failed: %v", err)
		}
	}

	observability.Info("Server stopped")
}
