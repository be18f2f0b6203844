package postgres_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ticker-collector/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ticker-collector/internal/domain"
)

func TestSymbolRepoUpsert(t *testing.T) {
	pool := &poolStub{
		rowFn: func(_ string, _ []any) pgx.Row {
			return rowStub{scan: func(dest ...any) error {
				*(dest[0].(*int64)) = 7
				return nil
			}}
		},
	}
	repo := postgres.NewSymbolRepo(pool)

	id, err := repo.Upsert(context.Background(), "PETR4.SA", domain.AssetStock, "BRL")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	require.Len(t, pool.calls, 2)
	assert.Contains(t, pool.calls[0].sql, "ON CONFLICT (symbol) DO NOTHING")
	assert.Equal(t, "PETR4.SA", pool.calls[0].args[0])
}

func TestSymbolRepoUpsertEmptySymbol(t *testing.T) {
	repo := postgres.NewSymbolRepo(&poolStub{})
	_, err := repo.Upsert(context.Background(), "", domain.AssetStock, "BRL")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestSymbolRepoUpsertExecError(t *testing.T) {
	pool := &poolStub{
		execFn: func(string, []any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, assert.AnError
		},
	}
	repo := postgres.NewSymbolRepo(pool)
	_, err := repo.Upsert(context.Background(), "PETR4.SA", domain.AssetStock, "BRL")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "op=symbol.upsert"))
}

func TestSymbolRepoGetBySymbol(t *testing.T) {
	created := time.Now().UTC()
	pool := &poolStub{
		rowFn: func(_ string, _ []any) pgx.Row {
			return rowStub{scan: func(dest ...any) error {
				*(dest[0].(*int64)) = 3
				*(dest[1].(*string)) = "VALE3.SA"
				*(dest[2].(*string)) = domain.AssetStock
				*(dest[3].(*string)) = "BRL"
				*(dest[4].(*time.Time)) = created
				return nil
			}}
		},
	}
	repo := postgres.NewSymbolRepo(pool)

	s, err := repo.GetBySymbol(context.Background(), "VALE3.SA")
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.ID)
	assert.Equal(t, "VALE3.SA", s.Symbol)
	assert.Equal(t, created, s.CreatedAt)
}

func TestSymbolRepoGetBySymbolNotFound(t *testing.T) {
	pool := &poolStub{rowFn: func(_ string, _ []any) pgx.Row { return errRow(pgx.ErrNoRows) }}
	repo := postgres.NewSymbolRepo(pool)
	_, err := repo.GetBySymbol(context.Background(), "NOPE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
