package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lookout-dev/lookout/internal/app/migrate"
	"github.com/lookout-dev/lookout/internal/config"
	httpx "github.com/lookout-dev/lookout/internal/http"
	"github.com/lookout-dev/lookout/internal/logger"
	"github.com/lookout-dev/lookout/internal/repository/postgres"
	"github.com/lookout-dev/lookout/internal/service/incident"
	"github.com/lookout-dev/lookout/internal/service/ingest"
	"github.com/lookout-dev/lookout/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New("collector", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	if err := incident.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Error("failed to register incident metrics", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	classifier := incident.NewClassifier()
	aggregator := incident.NewAggregator(repo, classifier, log)
	incidentSvc := incident.NewService(repo, log)
	ingestSvc := ingest.New(repo, aggregator, hub, log, cfg.IngestTimeout)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, ingestSvc, incidentSvc, limiter, cfg.LogQueryLimit, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("collector starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("collector stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
