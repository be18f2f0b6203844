// Package main runs the ticker collector worker: it consumes scheduled
// collection jobs from the queue, fetches market data, persists it and
// schedules the next day's run.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/ticker-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ticker-collector/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ticker-collector/internal/adapter/quote/stub"
	"github.com/fairyhunter13/ticker-collector/internal/adapter/quote/yahoo"
	"github.com/fairyhunter13/ticker-collector/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ticker-collector/internal/app"
	"github.com/fairyhunter13/ticker-collector/internal/config"
	"github.com/fairyhunter13/ticker-collector/internal/domain"
	"github.com/fairyhunter13/ticker-collector/internal/schedule"
	"github.com/fairyhunter13/ticker-collector/internal/service/ratelimit"
	"github.com/fairyhunter13/ticker-collector/internal/usecase"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return 1
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	slog.Info("starting collector", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	marketRepo := postgres.NewMarketDataRepo(pool)
	rateRepo := postgres.NewRateLimitRepo(pool)
	auditRepo := postgres.NewJobAuditRepo(pool)

	// Jobs stranded RUNNING by a previous crash go back to PENDING before
	// the consumer starts pulling.
	if n, err := auditRepo.ResetRunning(ctx); err != nil {
		slog.Error("stale job reset failed", slog.Any("error", err))
		return 1
	} else if n > 0 {
		slog.Warn("stale running jobs reset", slog.Int64("count", n))
	}

	hour, minute, err := cfg.ExecutionClock()
	if err != nil {
		slog.Error("bad execution time", slog.Any("error", err))
		return 1
	}
	loc, err := cfg.Location()
	if err != nil {
		slog.Error("bad timezone", slog.Any("error", err))
		return 1
	}
	var calendar schedule.BusinessCalendar
	if cfg.HolidayFile != "" {
		cal, err := schedule.LoadHolidayCalendar(cfg.HolidayFile)
		if err != nil {
			slog.Error("holiday calendar load failed", slog.Any("error", err))
			return 1
		}
		calendar = cal
	}
	planner := schedule.NewPlanner(loc, hour, minute, calendar)

	var source domain.QuoteSource
	if cfg.IsTest() {
		source = stub.New()
		slog.Info("using stub quote source")
	} else {
		source = yahoo.New(cfg.QuoteBaseURL, cfg.QuoteTimeout)
	}

	policy := domain.RetryPolicy{
		Base:       cfg.BackoffBase,
		MaxBackoff: cfg.BackoffCeiling(),
		MaxRetries: cfg.MaxRetries,
	}

	tracker := ratelimit.NewTracker(rateRepo)
	engine := usecase.NewFetchEngine(source, tracker, policy, cfg.BatchSize, cfg.InterBatchDelay)
	collector := usecase.NewCollector(engine, marketRepo, auditRepo, nil, planner)

	producer, err := redpanda.NewProducer(cfg.QueueBrokers, cfg.QueueTopic, cfg.DLQTopic(), "ticker-collector-producer")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		return 1
	}
	defer producer.Close()
	collector.Queue = producer

	consumer, err := redpanda.NewConsumer(cfg.QueueBrokers, cfg.QueueTopic, "ticker-collector", producer, collector, planner, policy, cfg.PollDelay, cfg.ShutdownGrace)
	if err != nil {
		slog.Error("queue consumer init failed", slog.Any("error", err))
		return 1
	}
	defer consumer.Close()

	checks := app.BuildReadinessChecks(cfg, pool, producer)
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: app.BuildRouter(checks)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	err = consumer.Start(ctx)
	slog.Info("consumer stopped", slog.Any("error", err))

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return 1
	}
	return 0
}
