package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"lmsbridge/internal/activation"
	"lmsbridge/internal/config"
	"lmsbridge/internal/credentials"
	"lmsbridge/internal/dispatch"
	"lmsbridge/internal/infrastructure"
	"lmsbridge/internal/outbox"
	"lmsbridge/internal/services"
	"lmsbridge/internal/store"
	transport "lmsbridge/internal/transport/http"
	ws "lmsbridge/internal/websocket"
)

// Version is stamped by the build; the default marks local builds.
var Version = "dev"

// Application is the assembled bridge process.
type Application struct {
	Config    *config.Config
	Server    *http.Server
	Logger    *slog.Logger
	DB        *store.DB
	Hub       *ws.Hub
	Scheduler *dispatch.Scheduler
	Gateway   *activation.Gateway
	EventLog  *outbox.Logger
	OTel      *infrastructure.OTelProviders
}

// Collaborators are the host-supplied integrations the bridge calls back
// into. All fields are optional; nil fields disable the corresponding
// behavior.
type Collaborators struct {
	Users     activation.UserProvisioner
	TenantDir activation.TenantDirectory
	Actors    dispatch.ActorDirectory
	Packager  outbox.PayloadPackager
	Resolver  outbox.TenantResolver
}

// New builds the application from configuration and host collaborators.
func New(collab Collaborators) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	db, err := store.NewDB(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.RunMigrations(db.Writer); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	var cipher *store.Cipher
	if cfg.Store.SecretPassphrase != "" {
		cipher = store.NewCipher(cfg.Store.SecretPassphrase)
	} else {
		logger.Warn("no secret passphrase configured, secrets stored unencrypted",
			slog.String("action", "app_init"),
		)
	}

	deployments := store.NewDeploymentRepo(db, cipher)
	tenants := store.NewTenantRepo(db)
	events := store.NewOutboxRepo(db)
	credRepo := store.NewCredentialRepo(db, cipher)

	provisioner := credentials.NewProvisioner(credRepo, cfg.Remote.MultiTenant)
	state := activation.NewStateCache(deployments)
	client := activation.NewClient(cfg.Remote)

	gateway := activation.NewGateway(client, deployments, tenants, events, provisioner,
		state, collab.Users, collab.TenantDir, cfg.Remote, cfg.Dispatch.StatusInterval, Version)

	eventLog := outbox.NewLogger(events, state, cfg.Remote.Enabled)
	if collab.Packager != nil && collab.Resolver != nil {
		eventLog.SetCollaborators(collab.Packager, collab.Resolver)
	}

	dispatcher := dispatch.NewDispatcher(events, deployments, gateway, client,
		collab.Actors, cfg.Dispatch.BatchLimit)
	if metrics, err := dispatch.NewMetrics(); err != nil {
		logger.Warn("dispatch metrics unavailable",
			slog.String("action", "app_init"),
			slog.String("error", err.Error()),
		)
	} else {
		dispatcher.SetMetrics(metrics)
	}

	hub := ws.NewHub(logger)
	dispatcher.SetNotifier(hub)

	scheduler := dispatch.NewScheduler(dispatcher, cfg.Dispatch.Interval)
	gateway.SetDispatchTrigger(scheduler)

	bridgeService := services.NewBridgeService(gateway, scheduler, events, deployments, tenants, logger)
	healthService := services.NewHealthService(Version, db, logger)

	router := transport.NewRouter(transport.RouterDeps{
		Bridge:    transport.NewBridgeHandler(bridgeService, logger),
		Health:    transport.NewHealthHandler(healthService, logger),
		Hub:       hub,
		Metrics:   otelProviders.PrometheusHTTP,
		RateLimit: cfg.Security.RateLimit,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Application{
		Config:    cfg,
		Server:    server,
		Logger:    logger,
		DB:        db,
		Hub:       hub,
		Scheduler: scheduler,
		Gateway:   gateway,
		EventLog:  eventLog,
		OTel:      otelProviders,
	}, nil
}

// Start launches the hub, the dispatch scheduler, and the admin server.
// Blocks until the server stops.
func (a *Application) Start() error {
	a.Hub.Start()
	a.Scheduler.Start()

	a.Logger.Info("bridge started",
		slog.String("action", "app_start"),
		slog.String("version", Version),
		slog.String("addr", a.Server.Addr),
		slog.Bool("multi_tenant", a.Config.Remote.MultiTenant),
	)

	if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown stops the scheduler, the hub, the server, and the store, in
// that order, so in-flight dispatch work finishes before its dependencies
// close.
func (a *Application) Shutdown(ctx context.Context) error {
	a.Logger.Info("bridge shutting down", slog.String("action", "app_shutdown"))

	a.Scheduler.Stop()
	a.Hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("server shutdown failed",
			slog.String("action", "app_shutdown"),
			slog.String("error", err.Error()),
		)
	}

	if a.OTel != nil {
		otelCtx, otelCancel := context.WithTimeout(ctx, 5*time.Second)
		defer otelCancel()
		_ = a.OTel.Shutdown(otelCtx)
	}

	return a.DB.Close()
}
