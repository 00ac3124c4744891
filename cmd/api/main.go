package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge-api/internal/config"
	"github.com/pageforge/pageforge-api/internal/domain/admin"
	"github.com/pageforge/pageforge-api/internal/domain/credit"
	"github.com/pageforge/pageforge-api/internal/domain/payment"
	"github.com/pageforge/pageforge-api/internal/middleware"
	"github.com/pageforge/pageforge-api/internal/pkg/database"
	"github.com/pageforge/pageforge-api/internal/pkg/jwt"
	"github.com/pageforge/pageforge-api/internal/pkg/lock"
	"github.com/pageforge/pageforge-api/internal/pkg/logger"
	pkgresponse "github.com/pageforge/pageforge-api/internal/pkg/response"
	"github.com/pageforge/pageforge-api/internal/pkg/stripe"
)

func main() {
	cfg := config.Load()

	logCloser, err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, LogFile: cfg.LogFile})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting PageForge API")

	db, err := database.NewPostgres(database.PostgresConfig{
		URL:          cfg.DatabaseURL,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	if cfg.DBAutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := credit.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate credit schema")
		}
		if err := payment.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate payment schema")
		}
		cancel()
	}

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	// ---------- Credits ----------
	creditOpts := []credit.Option{
		credit.WithGatePolicy(credit.ParseGatePolicy(cfg.CreditGatePolicy)),
		credit.WithRefundOnActionFailure(cfg.CreditRefundOnActionFailure),
	}
	var locker lock.Locker = lock.Noop{}
	if redis != nil {
		creditOpts = append(creditOpts, credit.WithSnapshotCache(credit.NewRedisSnapshotCache(redis, cfg.CreditSnapshotTTL)))
		locker = lock.NewRedisLocker(redis, cfg.GrantLockTTL)
	} else {
		log.Warn().Msg("Redis not configured: snapshot cache and grant lock disabled")
	}
	creditSvc := credit.NewService(credit.NewRepository(db), credit.DefaultCatalog(), creditOpts...)

	// ---------- Payments ----------
	paymentSvc := payment.NewService(creditSvc, payment.NewRepository(db), locker)
	paymentHandler := payment.NewHandler(paymentSvc, stripe.NewVerifier(cfg.StripeWebhookSecret, cfg.StripeWebhookTolerance))

	r := newRouter(cfg, jwtService, creditSvc, paymentHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

func newRouter(cfg *config.Config, jwtService *jwt.Service, creditSvc *credit.Service, paymentHandler *payment.Handler) http.Handler {
	authMiddleware := middleware.Auth(jwtService)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Provider webhooks are authenticated by signature, not JWT.
	r.Mount("/webhooks", paymentHandler.WebhookRoutes())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/credits", credit.NewHandler(creditSvc).Routes(authMiddleware))
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Use(middleware.RequireAdmin())
		r.Mount("/credits", admin.NewCreditHandler(creditSvc).Routes())
	})

	return r
}
