package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ticker-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ticker-collector/internal/domain"
	"github.com/fairyhunter13/ticker-collector/internal/schedule"
)

// Collector executes one due collection job end to end: duplicate guard,
// audit row lifecycle, fetch, persist, and the hand-off of tomorrow's job.
type Collector struct {
	Fetch   *FetchEngine
	Market  domain.MarketDataRepository
	Audit   domain.JobAuditRepository
	Queue   domain.JobQueue
	Planner *schedule.Planner

	Now func() time.Time
}

// NewCollector wires a Collector. Now defaults to the wall clock.
func NewCollector(fetch *FetchEngine, market domain.MarketDataRepository, audit domain.JobAuditRepository, queue domain.JobQueue, planner *schedule.Planner) *Collector {
	return &Collector{
		Fetch:   fetch,
		Market:  market,
		Audit:   audit,
		Queue:   queue,
		Planner: planner,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one job. A job whose day already saw a successful run is
// skipped, but the successor is still scheduled so the chain never breaks.
// A context cancellation mid-run parks the audit row back at PENDING and
// surfaces the error so the message is redelivered.
func (c *Collector) Execute(ctx context.Context, msg domain.JobMessage) error {
	now := c.Now()
	started := now

	from, to := c.Planner.DayBounds(now)
	done, err := c.Audit.SucceededBetween(ctx, from, to)
	if err != nil {
		return fmt.Errorf("op=collect.execute: duplicate guard: %w", err)
	}
	if done {
		slog.Info("job skipped, day already collected",
			slog.String("job_id", msg.JobID),
			slog.Time("window_from", from), slog.Time("window_to", to))
		observability.JobOutcome("skipped")
		return c.enqueueSuccessor(ctx, msg, now)
	}

	auditID, err := c.Audit.Create(ctx, domain.Job{
		Symbols:     msg.TickerList,
		ScheduledAt: msg.ExecutionTime,
		RetryCount:  msg.RetryCount,
		Status:      domain.JobPending,
	})
	if err != nil {
		return fmt.Errorf("op=collect.execute: audit create: %w", err)
	}
	if err := c.Audit.Transition(ctx, auditID, domain.JobPending, domain.JobRunning); err != nil {
		return fmt.Errorf("op=collect.execute: audit start: %w", err)
	}

	report, err := c.Fetch.Run(ctx, msg.TickerList)
	if err != nil {
		// Only cancellation escapes Run. Park the row for redelivery,
		// detached from the dying context.
		pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer pcancel()
		if terr := c.Audit.Transition(pctx, auditID, domain.JobRunning, domain.JobPending); terr != nil {
			slog.Error("audit row not parked", slog.Int64("audit_id", auditID), slog.Any("error", terr))
		}
		observability.JobOutcome("requeued")
		return fmt.Errorf("op=collect.execute: %w", err)
	}

	if len(msg.TickerList) > 0 && len(report.Successes) == 0 {
		// Nothing came back for any symbol. Fail the job so the queue's
		// retry and dead-letter discipline takes over; a partial run below
		// still counts as success.
		if terr := c.Audit.Transition(ctx, auditID, domain.JobRunning, domain.JobFailed); terr != nil {
			slog.Error("audit row not failed", slog.Int64("audit_id", auditID), slog.Any("error", terr))
		}
		observability.JobOutcome("failed")
		return fmt.Errorf("op=collect.execute: no symbol yielded data: %w", domain.ErrTransient)
	}

	saved, failedSaves, err := c.Market.SaveAll(ctx, report.Successes)
	if err != nil {
		if terr := c.Audit.Transition(ctx, auditID, domain.JobRunning, domain.JobFailed); terr != nil {
			slog.Error("audit row not failed", slog.Int64("audit_id", auditID), slog.Any("error", terr))
		}
		observability.JobOutcome("failed")
		return fmt.Errorf("op=collect.execute: persist: %w", err)
	}

	if err := c.enqueueSuccessor(ctx, msg, now); err != nil {
		// The day's data is in; losing the successor is the worse failure,
		// so surface it for redelivery before marking success.
		if terr := c.Audit.Transition(ctx, auditID, domain.JobRunning, domain.JobPending); terr != nil {
			slog.Error("audit row not parked", slog.Int64("audit_id", auditID), slog.Any("error", terr))
		}
		return err
	}

	if err := c.Audit.Transition(ctx, auditID, domain.JobRunning, domain.JobSuccess); err != nil {
		return fmt.Errorf("op=collect.execute: audit finish: %w", err)
	}

	observability.JobOutcome("success")
	observability.JobDuration.Observe(c.Now().Sub(started).Seconds())
	slog.Info("job completed",
		slog.String("job_id", msg.JobID),
		slog.Int64("audit_id", auditID),
		slog.Int("symbols", len(msg.TickerList)),
		slog.Int("saved", saved),
		slog.Int("fetch_failures", len(report.PermanentFailures)),
		slog.Int("save_failures", len(failedSaves)))
	return nil
}

// enqueueSuccessor publishes the next day's job at the planner's next
// business-day execution instant, with a fresh retry budget.
func (c *Collector) enqueueSuccessor(ctx context.Context, msg domain.JobMessage, now time.Time) error {
	next := c.Planner.NextExecution(now)
	succ := domain.NewJobMessage(msg.TickerList, next)
	if err := c.Queue.Enqueue(ctx, succ); err != nil {
		return fmt.Errorf("op=collect.successor: %w", err)
	}
	slog.Info("successor scheduled",
		slog.String("job_id", succ.JobID),
		slog.Time("execution_time", next))
	return nil
}
