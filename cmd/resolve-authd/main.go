package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/resolvehq/resolve/pkg/api"
	"github.com/resolvehq/resolve/pkg/audit"
	"github.com/resolvehq/resolve/pkg/auth"
	"github.com/resolvehq/resolve/pkg/config"
	"github.com/resolvehq/resolve/pkg/middleware"
	"github.com/resolvehq/resolve/pkg/observability"
	"github.com/resolvehq/resolve/pkg/rbac"
	"github.com/resolvehq/resolve/pkg/sso"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("starting resolve-authd")

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.WithError(err).Error("failed to parse redis url")
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(startupCtx); err != nil {
		logger.WithError(err).Error("database is unreachable")
		os.Exit(1)
	}
	if err := redisClient.Ping(startupCtx).Err(); err != nil {
		logger.WithError(err).Error("redis is unreachable")
		os.Exit(1)
	}

	store := auth.NewStore(db)
	ssoStorage := sso.NewStorage(db)
	if err := auth.Migrate(startupCtx, db); err != nil {
		logger.WithError(err).Error("schema migration failed")
		os.Exit(1)
	}
	if err := ssoStorage.Migrate(startupCtx); err != nil {
		logger.WithError(err).Error("provider schema migration failed")
		os.Exit(1)
	}
	if err := auth.SeedRoles(startupCtx, db); err != nil {
		logger.WithError(err).Error("role seeding failed")
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	poolCtx, stopPoolWatch := context.WithCancel(context.Background())
	defer stopPoolWatch()
	metrics.WatchDBPool(poolCtx, db, 15*time.Second)

	var sink audit.Sink = audit.NewDBSink(db)

	limiter := auth.NewKeyRateLimiter(redisClient, "ratelimit")
	tokens := auth.NewTokenIssuer([]byte(cfg.Auth.TokenSecret), cfg.Auth.TokenTTL, store)
	local := auth.NewLocalAuthenticator(store, logger, auth.LocalConfig{
		AllowRegistration: cfg.Auth.AllowRegistration,
		DefaultRole:       cfg.Auth.DefaultRole,
	})
	mfa := auth.NewMFAManager(store, cfg.Auth.MFAIssuer)
	keys := auth.NewAPIKeyEngine(store, limiter, logger)

	flows := sso.NewFlowStore(redisClient, cfg.Auth.PendingFlowTTL)
	oidcClient := sso.NewOIDCClient(flows, logger, cfg.Server.BaseURL+"/api/v1/auth/oidc/callback", cfg.Auth.ProviderTimeout)
	samlClient := sso.NewSAMLClient(flows, logger, cfg.Server.BaseURL, cfg.Auth.SAMLClockSkew)
	resolver := sso.NewResolver(store, logger)

	checker := rbac.NewChecker()

	authMW := middleware.NewAuthMiddleware(tokens, keys, store, metrics, logger)
	loginLimiter := middleware.NewLoginRateLimiter(limiter, cfg.Auth.LoginRateLimit, metrics, logger)

	server := api.NewServer(api.Deps{
		AuthHandlers: api.NewAuthHandlers(local, mfa, tokens, keys, store, sink, metrics, logger),
		UserHandlers: api.NewUserHandlers(store, checker, logger),
		SSOHandlers:  sso.NewHandlers(ssoStorage, oidcClient, samlClient, resolver, tokens, store, sink, metrics, logger),
		AuthMW:       authMW,
		LoginLimiter: loginLimiter,
		Checker:      checker,
		Metrics:      metrics,
		Logger:       logger,
		Sink:         sink,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Probes and metrics live on their own port so they stay reachable
	// even when the API port is saturated.
	health := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return sink.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return redisClient.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return db.Close()
	})

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
