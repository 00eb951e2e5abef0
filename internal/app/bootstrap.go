package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"patient-records-auth/internal/auth"
	"patient-records-auth/internal/config"
	"patient-records-auth/internal/db"
	"patient-records-auth/internal/maintenance"
	"patient-records-auth/internal/observability"
)

type Runtime struct {
	Handler http.Handler
	Logger  *zap.Logger
	Close   func() error
}

type stores struct {
	creds   auth.CredentialStore
	refresh auth.RefreshStore
	ping    func(ctx context.Context) error
	close   func() error
}

// Load reads configuration and builds the runtime.
func Load(opts config.Options) (*Runtime, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, err
	}
	return Build(cfg)
}

func Build(cfg *config.Config) (*Runtime, error) {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		Service: cfg.App.Name,
		Env:     cfg.App.Env,
		Version: cfg.App.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if err := observability.InitSentry(cfg.Sentry.DSN, cfg.App.Env, cfg.App.Version); err != nil {
		logger.Error("init_sentry_failed", zap.Error(err))
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	signer, err := auth.NewTokenSigner(auth.SignerConfig{
		Secret:   cfg.Auth.SigningSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		_ = st.close()
		return nil, fmt.Errorf("init token signer: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	refreshTokens := auth.NewRefreshTokenRegistry(st.refresh, cfg.Auth.RefreshTTL, nil)
	authService := auth.NewService(st.creds, signer, refreshTokens, auth.Config{
		AccessTTL:        cfg.Auth.AccessTTL,
		LockoutThreshold: cfg.Auth.LockoutThreshold,
		LockoutDuration:  cfg.Auth.LockoutDuration,
	})
	authService.WithObservability(logger.Named("auth"), auth.NewMetrics(registry))

	bootstrapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := authService.BootstrapAdmin(bootstrapCtx, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		_ = st.close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	authHandler := auth.NewHandler(authService)
	cleanupHandler := maintenance.NewCleanupHandler(
		st.refresh,
		logger.Named("maintenance"),
		cfg.Cleanup.CronSecret,
		cfg.Cleanup.RefreshRetention,
		cfg.Cleanup.BatchSize,
	)
	loginLimiter := auth.NewLoginRateLimiter(cfg.Login.RateLimitMax, cfg.Login.RateLimitWindow, cfg.HTTP.TrustProxy)

	mux := http.NewServeMux()
	mux.Handle("POST /login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /refresh-token", authHandler.Refresh)
	mux.Handle("POST /logout", auth.Middleware(signer, http.HandlerFunc(authHandler.Logout)))
	mux.Handle("GET /me", auth.Middleware(signer, http.HandlerFunc(authHandler.Me)))
	mux.Handle("POST /admin/credentials/{id}/unlock",
		auth.Protect(signer, []string{auth.RoleAdmin}, http.HandlerFunc(authHandler.Unlock)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(st.ping))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpMetrics := observability.NewHTTPMetrics(registry)
	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger, httpMetrics, cfg.HTTP.TrustProxy, mux))

	return &Runtime{
		Handler: handler,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			_ = logger.Sync()
			return st.close()
		},
	}, nil
}

func openStores(cfg *config.Config, logger *zap.Logger) (stores, error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		logger.Warn("using in-memory credential store; data is lost on restart")
		return stores{
			creds:   auth.NewMemoryCredentialStore(),
			refresh: auth.NewMemoryRefreshStore(),
			ping:    func(context.Context) error { return nil },
			close:   func() error { return nil },
		}, nil
	}

	database, err := sql.Open("pgx", cfg.DB.URL)
	if err != nil {
		return stores{}, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DB.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return stores{}, fmt.Errorf("ping database: %w", err)
	}

	if cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return stores{}, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("migrations_applied")
	}

	repo := auth.NewRepository(database)
	return stores{
		creds:   repo,
		refresh: repo,
		ping:    repo.Ping,
		close:   database.Close,
	}, nil
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
