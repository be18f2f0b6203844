package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ticker-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

// MarketDataRepo persists quote records: price samples, fundamentals and
// OHLCV history under one transaction per record.
type MarketDataRepo struct{ Pool PgxPool }

// NewMarketDataRepo constructs a MarketDataRepo with the given pool.
func NewMarketDataRepo(p PgxPool) *MarketDataRepo { return &MarketDataRepo{Pool: p} }

// SaveAll commits each record in its own transaction. A failed record rolls
// back alone, lands in the returned slice, and the loop continues.
func (r *MarketDataRepo) SaveAll(ctx context.Context, records []domain.QuoteRecord) (int, []string, error) {
	saved := 0
	var failed []string
	for _, rec := range records {
		if err := r.saveOne(ctx, rec); err != nil {
			slog.Error("record save failed",
				slog.String("symbol", rec.Symbol),
				slog.Any("error", err))
			observability.RecordsFailedTotal.Inc()
			failed = append(failed, rec.Symbol)
			// Context loss aborts the whole loop; per-record SQL errors do not.
			if ctx.Err() != nil {
				return saved, failed, fmt.Errorf("op=marketdata.save_all: %w", classify(ctx.Err()))
			}
			continue
		}
		observability.RecordsSavedTotal.Inc()
		saved++
	}
	slog.Info("save_all complete", slog.Int("saved", saved), slog.Int("failed", len(failed)))
	return saved, failed, nil
}

// saveOne runs the per-record transaction: upsert master, append price,
// append fundamentals when present, upsert history bars.
func (r *MarketDataRepo) saveOne(ctx context.Context, rec domain.QuoteRecord) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=marketdata.begin: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	symbolID, err := upsertSymbol(ctx, tx, rec.Symbol, rec.AssetType, rec.Currency)
	if err != nil {
		return err
	}

	price := domain.TruncatePrice(rec.LastPrice)
	q := `INSERT INTO ticker_prices (ticker_id, price, volume, updated_at, created_at)
	      VALUES ($1,$2,$3,$4,$5)`
	if _, err := tx.Exec(ctx, q, symbolID, price, rec.Volume, rec.ObservedAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=marketdata.insert_price: %w", classify(err))
	}

	if !rec.Fundamentals.Empty() {
		f := rec.Fundamentals
		q = `INSERT INTO ticker_fundamentals (ticker_id, pe_ratio, eps, dividend_yield, market_cap, collected_at, created_at)
		     VALUES ($1,$2,$3,$4,$5,$6,$7)`
		if _, err := tx.Exec(ctx, q, symbolID, f.PERatio, f.EPS, f.DividendYield, f.MarketCap, rec.ObservedAt.UTC(), time.Now().UTC()); err != nil {
			return fmt.Errorf("op=marketdata.insert_fundamentals: %w", classify(err))
		}
	}

	for _, bar := range rec.History {
		q = `INSERT INTO ticker_history (ticker_id, date, open, high, low, close, volume, created_at)
		     VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		     ON CONFLICT (ticker_id, date) DO NOTHING`
		_, err := tx.Exec(ctx, q, symbolID, bar.Date.UTC().Truncate(24*time.Hour),
			domain.TruncatePrice(bar.Open), domain.TruncatePrice(bar.High),
			domain.TruncatePrice(bar.Low), domain.TruncatePrice(bar.Close),
			bar.Volume, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("op=marketdata.insert_history: %w", classify(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=marketdata.commit: %w", classify(err))
	}
	return nil
}

// LatestPrice returns the most recent persisted price for a symbol.
func (r *MarketDataRepo) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	q := `SELECT p.price FROM ticker_prices p
	      JOIN tickers t ON t.id = p.ticker_id
	      WHERE t.symbol = $1
	      ORDER BY p.updated_at DESC
	      LIMIT 1`
	var price float64
	if err := r.Pool.QueryRow(ctx, q, symbol).Scan(&price); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=marketdata.latest_price: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=marketdata.latest_price: %w", classify(err))
	}
	return price, nil
}
