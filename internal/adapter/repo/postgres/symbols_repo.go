package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

// SymbolRepo maintains the symbol master table.
type SymbolRepo struct{ Pool PgxPool }

// NewSymbolRepo constructs a SymbolRepo with the given pool.
func NewSymbolRepo(p PgxPool) *SymbolRepo { return &SymbolRepo{Pool: p} }

// Upsert inserts the symbol if unseen and returns its surrogate id either way.
func (r *SymbolRepo) Upsert(ctx context.Context, symbol, assetType, currency string) (int64, error) {
	return upsertSymbol(ctx, r.Pool, symbol, assetType, currency)
}

// upsertSymbol runs against either the pool or an open transaction.
func upsertSymbol(ctx context.Context, q querier, symbol, assetType, currency string) (int64, error) {
	if symbol == "" {
		return 0, fmt.Errorf("op=symbol.upsert: empty symbol: %w", domain.ErrInvalidArgument)
	}
	q1 := `INSERT INTO tickers (symbol, asset_type, currency, created_at)
	       VALUES ($1,$2,$3,$4)
	       ON CONFLICT (symbol) DO NOTHING`
	if _, err := q.Exec(ctx, q1, symbol, assetType, currency, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("op=symbol.upsert: %w", classify(err))
	}
	var id int64
	if err := q.QueryRow(ctx, `SELECT id FROM tickers WHERE symbol=$1`, symbol).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=symbol.upsert: %w", classify(err))
	}
	return id, nil
}

// GetBySymbol loads a master row by its textual symbol.
func (r *SymbolRepo) GetBySymbol(ctx context.Context, symbol string) (domain.Symbol, error) {
	q := `SELECT id, symbol, COALESCE(asset_type,''), COALESCE(currency,''), created_at
	      FROM tickers WHERE symbol=$1`
	var s domain.Symbol
	err := r.Pool.QueryRow(ctx, q, symbol).Scan(&s.ID, &s.Symbol, &s.AssetType, &s.Currency, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Symbol{}, fmt.Errorf("op=symbol.get: %w", domain.ErrNotFound)
		}
		return domain.Symbol{}, fmt.Errorf("op=symbol.get: %w", classify(err))
	}
	return s, nil
}
