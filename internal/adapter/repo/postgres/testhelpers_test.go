package postgres_test

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// docRow scans a single JSONB doc column.
func docRow(doc []byte) rowStub {
	return rowStub{scan: func(dest ...any) error {
		*(dest[0].(*[]byte)) = doc
		return nil
	}}
}

func noRow() rowStub {
	return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
}

// rowsStub implements the subset of pgx.Rows the repos touch; the embedded
// interface panics on anything else.
type rowsStub struct {
	pgx.Rows
	data [][]any
	idx  int
	err  error
}

func (r *rowsStub) Close()      {}
func (r *rowsStub) Err() error  { return r.err }
func (r *rowsStub) Next() bool  { r.idx++; return r.idx <= len(r.data) }
func (r *rowsStub) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *time.Time:
			*v = row[i].(time.Time)
		case *bool:
			*v = row[i].(bool)
		case *[]byte:
			*v = row[i].([]byte)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

// txStub implements the subset of pgx.Tx used by the repos.
type txStub struct {
	pgx.Tx
	rows      pgx.Rows
	row       pgx.Row
	execErr   error
	committed bool
}

func (t *txStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if t.rows == nil {
		return &rowsStub{}, nil
	}
	return t.rows, nil
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if t.row == nil {
		return noRow()
	}
	return t.row
}

func (t *txStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, t.execErr
}

func (t *txStub) Commit(context.Context) error   { t.committed = true; return nil }
func (t *txStub) Rollback(context.Context) error { return nil }

// poolStub implements postgres.PgxPool for tests.
type poolStub struct {
	execTag  pgconn.CommandTag
	execErr  error
	row      pgx.Row
	rows     pgx.Rows
	queryErr error
	tx       *txStub
	beginErr error
	execSQL  []string
	execArgs [][]any
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row == nil {
		return noRow()
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		p.tx = &txStub{}
	}
	return p.tx, nil
}
