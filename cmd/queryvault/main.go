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

	"github.com/YASSERRMD/query-vault/internal/app/migrate"
	"github.com/YASSERRMD/query-vault/internal/buffer"
	"github.com/YASSERRMD/query-vault/internal/domain"
	"github.com/YASSERRMD/query-vault/internal/httpx"
	"github.com/YASSERRMD/query-vault/internal/metrics"
	"github.com/YASSERRMD/query-vault/internal/repository/postgres"
	"github.com/YASSERRMD/query-vault/internal/service/baseline"
	"github.com/YASSERRMD/query-vault/internal/service/embedding"
	"github.com/YASSERRMD/query-vault/internal/service/ingest"
	"github.com/YASSERRMD/query-vault/internal/service/search"
	"github.com/YASSERRMD/query-vault/internal/tasks"
	"github.com/YASSERRMD/query-vault/internal/ws"
	"github.com/YASSERRMD/query-vault/pkg/config"
	"github.com/YASSERRMD/query-vault/pkg/logger"
)

func main() {
	cfg := config.LoadCoreConfig()
	log := logger.New("queryvault", slog.LevelInfo)

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

	metrics.Register(prometheus.DefaultRegisterer)

	buf, err := buffer.New(cfg.BufferCapacity)
	if err != nil {
		log.Error("failed to size metric buffer", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	baselines := baseline.NewReader(repo)
	embedder := embedding.NewStubEmbedder(cfg.EmbeddingDim)
	ingestSvc := ingest.New(buf, log)
	searchSvc := search.New(repo, embedder, log)

	flusher := tasks.NewFlusher(buf, repo, hub, cfg.FlushInterval, cfg.FlushBatchSize, log)
	go flusher.Run(ctx)

	detector := tasks.NewDetector(repo, repo, baselines, hub,
		cfg.AnomalyInterval, anomalyWindow(cfg, log), cfg.AnomalyZThreshold, cfg.AnomalyMinSamples, log)
	go detector.Run(ctx)

	embedTask := tasks.NewEmbeddingTask(repo, repo, embedder, cfg.EmbeddingInterval, cfg.EmbeddingBatchSize, log)
	go embedTask.Run(ctx)

	sweeper := tasks.NewSweeper(repo, cfg.RetentionInterval, cfg.RetentionStartupDelay, tasks.RetentionAges{
		Raw:       time.Duration(cfg.RetentionRawDays) * 24 * time.Hour,
		FineAgg:   time.Duration(cfg.RetentionFineAggDays) * 24 * time.Hour,
		MidAgg:    time.Duration(cfg.RetentionMidAggDays) * 24 * time.Hour,
		CoarseAgg: time.Duration(cfg.RetentionCoarseAggDays) * 24 * time.Hour,
	}, log)
	go sweeper.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, repo, repo, repo, baselines, ingestSvc, searchSvc, hub, limiter, cfg.SubscriberBuffer, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func anomalyWindow(cfg config.CoreConfig, log *slog.Logger) domain.AggregateWindow {
	w := domain.AggregateWindow(cfg.AnomalyWindow)
	if !w.Valid() {
		log.Warn("invalid anomaly window, falling back to 1m", "window", cfg.AnomalyWindow)
		return domain.Window1m
	}
	return w
}
