// Package ratelimit tracks quote-provider throttling episodes.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ticker-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

// Tracker opens and closes rate-limit episodes against the repository.
// At most one ACTIVE episode may exist per symbol; Open rejects a second
// one with ErrConflict so overlapping fetch attempts never double-count.
type Tracker struct {
	Repo domain.RateLimitRepository
	Now  func() time.Time
}

// NewTracker constructs a Tracker over the given repository.
func NewTracker(repo domain.RateLimitRepository) *Tracker {
	return &Tracker{Repo: repo, Now: func() time.Time { return time.Now().UTC() }}
}

// Open records the start of a throttling episode and returns its event id.
func (t *Tracker) Open(ctx context.Context, symbol string, retryCount int) (int64, error) {
	active, err := t.Repo.Active(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("op=ratelimit.open: %w", err)
	}
	if len(active) > 0 {
		return 0, fmt.Errorf("op=ratelimit.open: symbol %q already blocked: %w", symbol, domain.ErrConflict)
	}
	id, err := t.Repo.Insert(ctx, domain.RateLimitEvent{
		Symbol:     symbol,
		BlockedAt:  t.Now(),
		RetryCount: retryCount,
		Status:     domain.RateLimitActive,
	})
	if err != nil {
		return 0, fmt.Errorf("op=ratelimit.open: %w", err)
	}
	observability.RateLimitTransition("opened")
	slog.Warn("rate limit episode opened",
		slog.Int64("event_id", id),
		slog.String("symbol", symbol),
		slog.Int("retry_count", retryCount))
	return id, nil
}

// Close resolves an episode. Closing an already-resolved event is a no-op.
func (t *Tracker) Close(ctx context.Context, eventID int64) error {
	if err := t.Repo.Resolve(ctx, eventID, t.Now()); err != nil {
		return fmt.Errorf("op=ratelimit.close: %w", err)
	}
	observability.RateLimitTransition("resolved")
	slog.Info("rate limit episode resolved", slog.Int64("event_id", eventID))
	return nil
}

// Active lists the episodes currently open, optionally for one symbol.
func (t *Tracker) Active(ctx context.Context, symbol string) ([]domain.RateLimitEvent, error) {
	return t.Repo.Active(ctx, symbol)
}

// Stats reports aggregate throttling figures for a symbol.
func (t *Tracker) Stats(ctx context.Context, symbol string) (domain.RateLimitStats, error) {
	return t.Repo.Stats(ctx, symbol)
}
