package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

// RateLimitRepo stores throttling episodes in rate_limit_events.
// Symbols are referenced by text and resolved to ticker ids lazily; a
// batch-wide event carries a NULL ticker_id.
type RateLimitRepo struct{ Pool PgxPool }

// NewRateLimitRepo constructs a RateLimitRepo with the given pool.
func NewRateLimitRepo(p PgxPool) *RateLimitRepo { return &RateLimitRepo{Pool: p} }

// Insert stores a new episode and returns its id.
func (r *RateLimitRepo) Insert(ctx context.Context, ev domain.RateLimitEvent) (int64, error) {
	blocked := ev.BlockedAt
	if blocked.IsZero() {
		blocked = time.Now().UTC()
	}
	status := ev.Status
	if status == "" {
		status = domain.RateLimitActive
	}
	q := `INSERT INTO rate_limit_events (ticker_id, blocked_at, retry_count, status, created_at)
	      VALUES ((SELECT id FROM tickers WHERE symbol = NULLIF($1,'')), $2, $3, $4, $5)
	      RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, ev.Symbol, blocked.UTC(), ev.RetryCount, status, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=ratelimit.insert: %w", classify(err))
	}
	return id, nil
}

// Resolve closes an episode, computing duration_seconds from blocked_at.
// Already-resolved events are left untouched (idempotent close).
func (r *RateLimitRepo) Resolve(ctx context.Context, id int64, at time.Time) error {
	q := `UPDATE rate_limit_events
	      SET resolved_at = $2,
	          duration_seconds = FLOOR(EXTRACT(EPOCH FROM ($2 - blocked_at))),
	          status = 'RESOLVED'
	      WHERE id = $1 AND status = 'ACTIVE'`
	if _, err := r.Pool.Exec(ctx, q, id, at.UTC()); err != nil {
		return fmt.Errorf("op=ratelimit.resolve: %w", classify(err))
	}
	return nil
}

// Get loads one episode by id.
func (r *RateLimitRepo) Get(ctx context.Context, id int64) (domain.RateLimitEvent, error) {
	q := `SELECT e.id, COALESCE(t.symbol,''), e.blocked_at, e.duration_seconds,
	             e.retry_count, e.resolved_at, e.status
	      FROM rate_limit_events e
	      LEFT JOIN tickers t ON t.id = e.ticker_id
	      WHERE e.id = $1`
	var ev domain.RateLimitEvent
	err := r.Pool.QueryRow(ctx, q, id).Scan(&ev.ID, &ev.Symbol, &ev.BlockedAt,
		&ev.DurationSeconds, &ev.RetryCount, &ev.ResolvedAt, &ev.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RateLimitEvent{}, fmt.Errorf("op=ratelimit.get: %w", domain.ErrNotFound)
		}
		return domain.RateLimitEvent{}, fmt.Errorf("op=ratelimit.get: %w", classify(err))
	}
	return ev, nil
}

// Active lists ACTIVE episodes, optionally filtered by symbol.
func (r *RateLimitRepo) Active(ctx context.Context, symbol string) ([]domain.RateLimitEvent, error) {
	q := `SELECT e.id, COALESCE(t.symbol,''), e.blocked_at, e.duration_seconds,
	             e.retry_count, e.resolved_at, e.status
	      FROM rate_limit_events e
	      LEFT JOIN tickers t ON t.id = e.ticker_id
	      WHERE e.status = 'ACTIVE' AND ($1 = '' OR t.symbol = $1)
	      ORDER BY e.blocked_at`
	rows, err := r.Pool.Query(ctx, q, symbol)
	if err != nil {
		return nil, fmt.Errorf("op=ratelimit.active: %w", classify(err))
	}
	defer rows.Close()
	var out []domain.RateLimitEvent
	for rows.Next() {
		var ev domain.RateLimitEvent
		if err := rows.Scan(&ev.ID, &ev.Symbol, &ev.BlockedAt, &ev.DurationSeconds,
			&ev.RetryCount, &ev.ResolvedAt, &ev.Status); err != nil {
			return nil, fmt.Errorf("op=ratelimit.active: %w", classify(err))
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ratelimit.active: %w", classify(err))
	}
	return out, nil
}

// Stats aggregates a symbol's episodes.
func (r *RateLimitRepo) Stats(ctx context.Context, symbol string) (domain.RateLimitStats, error) {
	q := `SELECT COUNT(*),
	             COUNT(*) FILTER (WHERE e.status = 'ACTIVE'),
	             COUNT(*) FILTER (WHERE e.status = 'RESOLVED'),
	             COALESCE(AVG(e.duration_seconds), 0),
	             COALESCE(MAX(e.duration_seconds), 0),
	             MAX(e.blocked_at),
	             COALESCE(MAX(e.retry_count), 0)
	      FROM rate_limit_events e
	      JOIN tickers t ON t.id = e.ticker_id
	      WHERE t.symbol = $1`
	st := domain.RateLimitStats{Symbol: symbol}
	err := r.Pool.QueryRow(ctx, q, symbol).Scan(&st.TotalBlocks, &st.ActiveCount,
		&st.ResolvedCount, &st.AvgDurationSec, &st.MaxDurationSec,
		&st.LastBlockedAt, &st.PeakRetryCount)
	if err != nil {
		return domain.RateLimitStats{}, fmt.Errorf("op=ratelimit.stats: %w", classify(err))
	}
	return st, nil
}
