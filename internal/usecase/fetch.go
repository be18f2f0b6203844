// Package usecase contains the collector's application services.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ticker-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

// FetchEngine pulls quotes for a symbol list in fixed-size batches, in the
// order given. Each batch is retried on transient and rate-limit failures
// following the engine's policy; a batch that exhausts its retries marks
// every one of its symbols as a permanent failure. Every input symbol ends
// up either in Successes or in PermanentFailures, never both, never neither.
type FetchEngine struct {
	Source   domain.QuoteSource
	Throttle domain.ThrottleTracker
	Policy   domain.RetryPolicy

	BatchSize       int
	InterBatchDelay time.Duration

	// Sleep is swapped out in tests. The default honors ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewFetchEngine constructs a FetchEngine with the default sleeper.
func NewFetchEngine(src domain.QuoteSource, throttle domain.ThrottleTracker, policy domain.RetryPolicy, batchSize int, delay time.Duration) *FetchEngine {
	return &FetchEngine{
		Source:          src,
		Throttle:        throttle,
		Policy:          policy,
		BatchSize:       batchSize,
		InterBatchDelay: delay,
		Sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run fetches all symbols and reports the outcome. It returns an error only
// when the context is cancelled mid-run; provider failures are absorbed into
// the report.
func (e *FetchEngine) Run(ctx context.Context, symbols []string) (domain.FetchReport, error) {
	var report domain.FetchReport
	if len(symbols) == 0 {
		return report, nil
	}
	size := e.BatchSize
	if size <= 0 {
		size = 1
	}

	for start := 0; start < len(symbols); start += size {
		if start > 0 {
			if err := e.Sleep(ctx, e.InterBatchDelay); err != nil {
				return report, fmt.Errorf("op=fetch.run: %w", err)
			}
		}
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[start:end]

		res, err := e.fetchWithRetry(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return report, fmt.Errorf("op=fetch.run: %w", ctx.Err())
			}
			// Retries exhausted: the whole batch fails permanently.
			slog.Error("batch abandoned after retries",
				slog.Any("symbols", batch), slog.Any("error", err))
			observability.BatchResult("exhausted")
			observability.SymbolsFailed(len(batch))
			report.PermanentFailures = append(report.PermanentFailures, batch...)
			continue
		}
		observability.BatchResult("ok")
		report.Successes = append(report.Successes, res.Records...)
		if len(res.Failed) > 0 {
			observability.SymbolsFailed(len(res.Failed))
			report.PermanentFailures = append(report.PermanentFailures, res.Failed...)
		}
	}
	return report, nil
}

// fetchWithRetry calls the source until it succeeds, the policy is exhausted
// or the context dies. Every rate-limit response opens a throttle episode per
// batch symbol carrying the current attempt number, resolving the symbol's
// previous episode first; the final episodes close when the batch succeeds.
func (e *FetchEngine) fetchWithRetry(ctx context.Context, batch []string) (domain.BatchResult, error) {
	// Episodes for symbols that never recover stay ACTIVE; only a
	// successful fetch closes them.
	open := map[string]int64{}

	for attempt := 1; ; attempt++ {
		res, err := e.Source.FetchBatch(ctx, batch)
		if err == nil {
			e.closeEpisodes(ctx, open)
			return res, nil
		}
		if !e.Policy.Retryable(err) {
			return domain.BatchResult{}, err
		}
		if errors.Is(err, domain.ErrRateLimited) {
			e.openEpisodes(ctx, batch, attempt, open)
		}
		if e.Policy.Exhausted(attempt) {
			return domain.BatchResult{}, fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err)
		}
		wait := e.Policy.Delay(attempt)
		slog.Warn("batch fetch failed, backing off",
			slog.Any("symbols", batch),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))
		if serr := e.Sleep(ctx, wait); serr != nil {
			return domain.BatchResult{}, serr
		}
	}
}

func (e *FetchEngine) openEpisodes(ctx context.Context, batch []string, attempt int, open map[string]int64) {
	if e.Throttle == nil {
		return
	}
	for _, sym := range batch {
		if prior, tracked := open[sym]; tracked {
			// A fresh throttle supersedes the running episode, so the
			// store never holds two ACTIVE rows for one symbol.
			if err := e.Throttle.Close(ctx, prior); err != nil {
				slog.Warn("rate limit episode not resolved",
					slog.String("symbol", sym), slog.Int64("event_id", prior), slog.Any("error", err))
			}
			delete(open, sym)
		}
		id, err := e.Throttle.Open(ctx, sym, attempt)
		if err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				slog.Warn("rate limit episode not recorded",
					slog.String("symbol", sym), slog.Any("error", err))
			}
			continue
		}
		open[sym] = id
	}
}

func (e *FetchEngine) closeEpisodes(ctx context.Context, open map[string]int64) {
	if e.Throttle == nil {
		return
	}
	for sym, id := range open {
		if err := e.Throttle.Close(ctx, id); err != nil {
			slog.Warn("rate limit episode not resolved",
				slog.String("symbol", sym), slog.Int64("event_id", id), slog.Any("error", err))
		}
	}
}
