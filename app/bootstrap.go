package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"

	"entity-registry/internal/auth"
	"entity-registry/internal/auth/memstore"
	"entity-registry/internal/auth/sqlstore"
	"entity-registry/internal/config"
	"entity-registry/internal/db"
	"entity-registry/internal/maintenance"
	"entity-registry/internal/notify"
	"entity-registry/internal/observability"
)

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Logger  *observability.Logger
	Close   func() error
}

type credentialBackend interface {
	auth.CredentialStore
	maintenance.Cleaner
}

type pinger interface {
	Ping(ctx context.Context) error
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger()
	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}
	metrics := observability.NewMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		database  *sql.DB
		backend   credentialBackend
		ipAllower auth.IPAllower
		health    pinger
	)
	if dialect, ok := cfg.Dialect(); ok {
		database, err = db.Open(ctx, dialect, cfg.DSN(), cfg.Pool)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := db.RunMigrations(ctx, database, dialect); err != nil {
				_ = database.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		metrics.Registry().MustRegister(collectors.NewDBStatsCollector(database, string(dialect)))
		store := sqlstore.New(database, dialect)
		backend = store
		ipAllower = store
		health = store
	} else {
		logger.Warn("memory_store_in_use", map[string]any{"store_driver": cfg.StoreDriver})
		backend = memstore.New()
	}

	closeDatabase := func() error {
		if database == nil {
			return nil
		}
		return database.Close()
	}

	sinks := notify.Fanout{notify.NewLogSink(logger), notify.NewMetricsSink(metrics)}
	if cfg.MailerWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.MailerWebhookURL, cfg.MailerWebhookToken, nil))
	}
	events := notify.NewAsync(sinks, logger, metrics, cfg.EventQueueSize)

	authService, err := auth.NewService(backend, cfg.Auth,
		auth.WithHasher(auth.NewPBKDF2Hasher(cfg.HashIterations), cfg.HashWorkers),
		auth.WithEventSink(events),
		auth.WithLogger(logger),
	)
	if err != nil {
		_ = events.Close()
		_ = closeDatabase()
		return nil, err
	}

	if err := authService.SeedAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		_ = events.Close()
		_ = closeDatabase()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	signer, err := auth.NewAccessTokenSigner(cfg.JWTSecret)
	if err != nil {
		_ = events.Close()
		_ = closeDatabase()
		return nil, err
	}

	authHandler := auth.NewHandler(authService, signer, logger)
	loginLimiter := auth.NewLoginRateLimiter(ipAllower, logger, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	cleanupHandler := maintenance.NewCleanupHandler(
		backend,
		logger,
		cfg.CronSecret,
		cfg.IPLimitRetention,
		cfg.CleanupBatchSize,
	)

	mux := http.NewServeMux()
	authHandler.Routes(mux, loginLimiter)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(health))
	mux.Handle("GET /metrics", metrics.Handler())

	handler := observability.RequestIDMiddleware(
		observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, metrics.Middleware(mux))),
	)

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			_ = events.Close()
			observability.FlushSentry()
			return closeDatabase()
		},
	}, nil
}

func healthHandler(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if database != nil {
			if err := database.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
