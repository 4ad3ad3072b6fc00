package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/youlyank/corebase/internal/adapter/dockercli"
	cbhttp "github.com/youlyank/corebase/internal/adapter/http"
	cbnats "github.com/youlyank/corebase/internal/adapter/nats"
	"github.com/youlyank/corebase/internal/adapter/natskv"
	cbotel "github.com/youlyank/corebase/internal/adapter/otel"
	"github.com/youlyank/corebase/internal/adapter/postgres"
	"github.com/youlyank/corebase/internal/adapter/ristretto"
	"github.com/youlyank/corebase/internal/adapter/tiered"
	"github.com/youlyank/corebase/internal/adapter/ws"
	"github.com/youlyank/corebase/internal/config"
	"github.com/youlyank/corebase/internal/logger"
	"github.com/youlyank/corebase/internal/middleware"
	"github.com/youlyank/corebase/internal/port/runtimedriver"
	"github.com/youlyank/corebase/internal/provision"
	"github.com/youlyank/corebase/internal/resilience"
	"github.com/youlyank/corebase/internal/service"
)

const idempotencyBucket = "corebase-idempotency"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	holder := config.NewHolder(cfg, cfgPath)

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Server.Port,
		"driver", cfg.Driver.Name,
		"templates", len(cfg.Templates),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Telemetry ---

	shutdownTelemetry, err := cbotel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := cbotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL
	pgPool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pgPool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// NATS
	queue, err := cbnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() {
		if err := queue.Drain(); err != nil {
			slog.Warn("nats drain failed", "error", err)
		}
	}()

	// Tiered metrics cache: in-process ristretto in front of a NATS KV bucket.
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("metrics cache: %w", err)
	}
	defer l1.Close()

	l2KV, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("metrics kv bucket: %w", err)
	}
	metricsCache := tiered.New(l1, natskv.New(l2KV), cfg.Monitor.Interval)

	idemKV, err := queue.KeyValue(ctx, idempotencyBucket, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("idempotency kv bucket: %w", err)
	}

	// --- Runtime driver ---

	var driver runtimedriver.Driver
	switch cfg.Driver.Name {
	case "docker":
		driver = dockercli.New(cfg.Driver.DockerBin)
	default:
		return fmt.Errorf("driver: unknown runtime driver %q", cfg.Driver.Name)
	}

	// --- Services ---

	store := postgres.NewStore(pgPool)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	limiter := provision.NewLimiter(cfg.Pool.MaxColdProvisions)

	pool := service.NewPoolService(store, driver, breaker, limiter, &cfg.Pool, cfg.Templates)
	authz := service.NewAuthorizer(store)
	orch := service.NewOrchestratorService(store, driver, pool, queue, authz, &cfg.Runtime)
	collab := service.NewCollabService(store, queue, &cfg.Collab)
	authz.SetCollab(collab)
	orch.SetCollab(collab)

	monitor := service.NewMonitorService(store, driver, metricsCache, queue, &cfg.Monitor, cfg.Cache.L2TTL)
	orch.SetMonitor(monitor)

	audit := service.NewAuditService(store, queue)

	pool.SetMetrics(metrics)
	orch.SetMetrics(metrics)
	collab.SetMetrics(metrics)

	// Re-adopt environments that survived a restart before serving traffic.
	if err := orch.RecoverState(ctx); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}

	// --- Background loops ---

	pool.StartRefillLoop(ctx)
	orch.StartSweeps(ctx)
	collab.StartCleanupLoop(ctx)
	monitor.Start(ctx)

	cancelSubs, err := audit.StartSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("audit subscribers: %w", err)
	}
	defer func() {
		for _, cancel := range cancelSubs {
			cancel()
		}
	}()

	// --- WebSocket fan-out ---

	hub := ws.NewHub(cfg.Server.CORSOrigin, log)
	relay := ws.NewRelay(hub, queue, log)
	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("ws relay: %w", err)
	}
	defer relay.Stop()

	// --- HTTP ---

	rl := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopRL := rl.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopRL()

	handlers := &cbhttp.Handlers{
		Orchestrator: orch,
		Pool:         pool,
		Collab:       collab,
		Audit:        audit,
		DB:           pgPool,
		Queue:        queue,
	}

	r := chi.NewRouter()

	// No global request timeout: log streams and the WS upgrade outlive any
	// fixed budget. Per-call deadlines live in the services.
	r.Use(chimw.RealIP)
	r.Use(cbhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cbhttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(cbhttp.Logger)
	r.Use(cbotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.Recoverer)
	r.Use(rl.Handler)
	r.Use(middleware.Identity(middleware.AppEnv() == "production"))
	r.Use(middleware.Idempotency(idemKV))

	// WebSocket endpoint
	r.Get("/ws", hub.HandleWS)

	// API routes
	cbhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SIGHUP re-reads the config file into the holder.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := holder.Reload(); err != nil {
				slog.Warn("config reload failed", "error", err)
				continue
			}
			slog.Info("config reloaded", "path", cfgPath)
		}
	}()

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Stop background loops before the deferred teardown drains NATS.
	stop()
	return nil
}
