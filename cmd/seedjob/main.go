// Package main seeds the first collection job onto the queue. Run once when
// standing the system up; after that every job schedules its successor.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fairyhunter13/ticker-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ticker-collector/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ticker-collector/internal/config"
	"github.com/fairyhunter13/ticker-collector/internal/domain"
	"github.com/fairyhunter13/ticker-collector/internal/schedule"
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
	slog.SetDefault(observability.SetupLogger(cfg))

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

	producer, err := redpanda.NewProducer(cfg.QueueBrokers, cfg.QueueTopic, cfg.DLQTopic(), "ticker-collector-seed")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		return 1
	}
	defer producer.Close()

	now := time.Now().In(loc)
	at := firstSlot(planner, now)
	msg := domain.NewJobMessage(cfg.SymbolList(), at)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := producer.Enqueue(ctx, msg); err != nil {
		slog.Error("seed enqueue failed", slog.Any("error", err))
		return 1
	}
	slog.Info("seed job enqueued",
		slog.String("job_id", msg.JobID),
		slog.Time("execution_time", at),
		slog.Int("symbols", len(msg.TickerList)))
	return 0
}

// firstSlot picks today's slot when it is still ahead on a business day,
// otherwise the planner's next execution.
func firstSlot(p *schedule.Planner, now time.Time) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), p.Hour, p.Minute, 0, 0, p.Loc)
	if now.Before(today) && p.Calendar.IsBusinessDay(now) {
		return today
	}
	return p.NextExecution(now)
}
