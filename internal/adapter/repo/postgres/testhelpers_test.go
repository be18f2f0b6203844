package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func errRow(err error) rowStub { return rowStub{scan: func(...any) error { return err }} }

// rowsStub implements pgx.Rows over a fixed set of scan funcs.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool                                   { return r.idx < len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error {
	s := r.scans[r.idx]
	r.idx++
	return s(dest...)
}
func (r *rowsStub) Values() ([]any, error)  { return nil, nil }
func (r *rowsStub) RawValues() [][]byte     { return nil }
func (r *rowsStub) Conn() *pgx.Conn         { return nil }

// call records one statement seen by the stub.
type call struct {
	sql  string
	args []any
}

// poolStub implements postgres.PgxPool. Exec and QueryRow dispatch through
// configurable funcs; all statements are recorded for assertions.
type poolStub struct {
	calls    []call
	execFn   func(sql string, args []any) (pgconn.CommandTag, error)
	rowFn    func(sql string, args []any) pgx.Row
	queryFn  func(sql string, args []any) (pgx.Rows, error)
	beginErr error
	tx       *txStub
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.calls = append(p.calls, call{sql: sql, args: args})
	if p.execFn == nil {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return p.execFn(sql, args)
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.calls = append(p.calls, call{sql: sql, args: args})
	if p.rowFn == nil {
		return errRow(errors.New("no row configured"))
	}
	return p.rowFn(sql, args)
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.calls = append(p.calls, call{sql: sql, args: args})
	if p.queryFn == nil {
		return nil, errors.New("no query configured")
	}
	return p.queryFn(sql, args)
}

func (p *poolStub) Begin(_ context.Context) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{pool: p}
	}
	return p.tx, nil
}

// txStub implements pgx.Tx, delegating statements back to the pool stub so a
// single script covers both paths.
type txStub struct {
	pool       *poolStub
	commitErr  error
	committed  int
	rolledBack int
}

func (t *txStub) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(_ context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed++
	return nil
}
func (t *txStub) Rollback(_ context.Context) error { t.rolledBack++; return nil }
func (t *txStub) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *txStub) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *txStub) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *txStub) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.pool.Exec(ctx, sql, args...)
}
func (t *txStub) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}
func (t *txStub) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}
func (t *txStub) Conn() *pgx.Conn { return nil }
