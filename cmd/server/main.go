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
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/velomart/storefront/backend/internal/auth"
	"github.com/velomart/storefront/backend/internal/config"
	"github.com/velomart/storefront/backend/internal/health"
	"github.com/velomart/storefront/backend/internal/logger"
	"github.com/velomart/storefront/backend/internal/mailer"
	"github.com/velomart/storefront/backend/internal/metrics"
	authmw "github.com/velomart/storefront/backend/internal/middleware"
	"github.com/velomart/storefront/backend/internal/repository"
)

var version = "dev"

func main() {
	cfg := config.Load()

	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	if cfg.JWT.AccessSecret == "" {
		log.Error("JWT_ACCESS_SECRET environment variable is required")
		os.Exit(1)
	}

	dbPool, err := setupDatabase(cfg, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	sqlxDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
	if err != nil {
		log.Error("failed to open sqlx connection", "error", err)
		os.Exit(1)
	}
	defer sqlxDB.Close()

	// Repositories
	accountRepo := repository.NewAccountRepository(dbPool)
	sessionRepo := repository.NewSessionRepository(dbPool)
	otpRepo := repository.NewOTPRepository(dbPool)
	loginLogRepo := repository.NewLoginLogRepository(sqlxDB)

	// Services
	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:       cfg.JWT.AccessSecret,
		RefreshSecret:      cfg.JWT.RefreshSecret,
		AccessTokenExpiry:  cfg.JWT.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.JWT.RefreshTokenExpiry,
		Issuer:             cfg.JWT.Issuer,
	})

	otpMailer := mailer.NewSMTPMailer(mailer.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})

	otpService := auth.NewOTPService(otpRepo, otpMailer, log)
	passwordValidator := auth.NewPasswordValidator()
	googleProvider := auth.NewGoogleProvider(cfg.Google.ClientID)

	authService := auth.NewAuthService(
		accountRepo,
		sessionRepo,
		loginLogRepo,
		otpService,
		tokenService,
		passwordValidator,
		googleProvider,
		log,
	)

	rotator := auth.NewRotator(sessionRepo, accountRepo, tokenService, log)

	// Handlers and middleware
	cookiePolicy := auth.NewCookiePolicy(cfg.Cookies.CrossSite, cfg.Cookies.Production)
	authHandler := auth.NewAuthHandler(authService, rotator, cookiePolicy)
	authMiddleware := authmw.NewAuthMiddleware(tokenService)
	otpLimiter := authmw.NewOTPRateLimiter()

	healthHandler := health.NewHandler(health.Config{
		DBPool:  dbPool,
		Version: version,
	})

	// Background jobs
	cleanupJob := auth.NewCleanupJob(sessionRepo, otpRepo, auth.CleanupConfig{
		Interval:         cfg.Cleanup.Interval,
		SweepInterval:    cfg.Cleanup.SweepInterval,
		RevokedRetention: cfg.Cleanup.RevokedRetention,
		Enabled:          cfg.Cleanup.Enabled,
	}, log)
	if err := cleanupJob.Start(); err != nil {
		log.Error("failed to start cleanup job", "error", err)
		os.Exit(1)
	}
	defer cleanupJob.Stop()

	statsCollector := metrics.NewDBStatsCollector(dbPool, sqlxDB, log)
	statsCollector.Start(30 * time.Second)
	defer statsCollector.Stop()

	// Router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(authmw.StructuredLogger(log))
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Readiness)
	r.Get("/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		auth.RegisterAuthRoutes(r, authHandler, authMiddleware.Authenticate, otpLimiter.Limit)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}

// setupDatabase creates and configures the database connection pool
func setupDatabase(cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to database",
		"db", cfg.Database.DBName,
		"host", cfg.Database.Host,
		"port", cfg.Database.Port)
	return pool, nil
}
