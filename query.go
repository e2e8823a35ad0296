package sqlproc

import (
	"context"
	"database/sql"
)

// Queryer abstracts *sql.DB / *sql.Tx / *sql.Conn QueryContext for easy
// testing.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Query runs query and materializes every result set it returns into T.
// The rows are closed before Query returns.
func Query[T any](ctx context.Context, e *Engine, db Queryer, query string, args []any, opts ...Option) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return Materialize[T](ctx, e, FromRows(rows), opts...)
}

// QueryOne runs query and returns its single row. It returns sql.ErrNoRows
// if no rows are returned and ErrMoreThanOneRow if more than one is.
func QueryOne[T any](ctx context.Context, e *Engine, db Queryer, query string, args []any, opts ...Option) (T, error) {
	var zero T
	out, err := Query[T](ctx, e, db, query, args, opts...)
	if err != nil {
		return zero, err
	}
	switch len(out) {
	case 0:
		return zero, sql.ErrNoRows
	case 1:
		return out[0], nil
	default:
		return zero, ErrMoreThanOneRow
	}
}
