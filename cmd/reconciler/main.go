package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge-api/internal/config"
	"github.com/pageforge/pageforge-api/internal/domain/credit"
	"github.com/pageforge/pageforge-api/internal/pkg/database"
	"github.com/pageforge/pageforge-api/internal/pkg/logger"
	"github.com/pageforge/pageforge-api/internal/pkg/response"
)

// runTimeout bounds one reconciliation pass so overlapping runs cannot pile up.
const runTimeout = 10 * time.Minute

func main() {
	cfg := config.Load()

	logCloser, err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, LogFile: cfg.LogFile})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	db, err := database.NewPostgres(database.PostgresConfig{
		URL:          cfg.DatabaseURL,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	svc := credit.NewService(credit.NewRepository(db), credit.DefaultCatalog())

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		ctx = logger.With(ctx, "job", "credit_reconcile")

		start := time.Now()
		mismatched, err := svc.ReconcileAll(ctx, cfg.ReconcileBatchSize)
		if err != nil {
			log.Error().Err(err).Msg("Credit reconciliation failed")
			return
		}

		for _, report := range mismatched {
			for pool, pr := range report.Pools {
				if pr.Balanced {
					continue
				}
				log.Error().
					Str("user_id", report.UserID).
					Str("pool", string(pool)).
					Int("expected", pr.Expected).
					Int("actual", pr.Actual).
					Msg("Credit ledger out of balance")
			}
		}
		log.Info().Dur("duration", time.Since(start)).Int("mismatched", len(mismatched)).Msg("Reconciliation run complete")
	}

	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.ReconcileSchedule, run); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.ReconcileSchedule).Msg("Invalid reconcile schedule")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           newMetricsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.MetricsPort).Msg("Reconciler metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Metrics server failed")
		}
	}()

	c.Start()
	log.Info().Str("schedule", cfg.ReconcileSchedule).Msg("Reconciler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Stopping reconciler...")
	<-c.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Metrics server forced to shutdown")
	}
	log.Info().Msg("Reconciler exited properly")
}

func newMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
