package sqlproc

import (
	"database/sql"
	"reflect"
)

// Column describes one column of the current result set.
type Column struct {
	Name         string
	DatabaseType string       // driver type name, may be empty
	ScanType     reflect.Type // may be nil
	Ordinal      int
}

// Cursor is a forward-only reader over one or more result sets.
//
// Columns describes the current result set and must be called before its
// first Next. Values returns the raw values of the current row; nil stands
// for a database null. The slice is only valid until the next call to Next.
type Cursor interface {
	Columns() ([]Column, error)
	Next() bool
	Values() ([]any, error)
	NextResultSet() bool
	Err() error
}

// FromRows adapts *sql.Rows. The caller keeps ownership of rows and closes
// it.
func FromRows(rows *sql.Rows) Cursor {
	return &sqlCursor{rows: rows}
}

type sqlCursor struct {
	rows *sql.Rows
	vals []any
	ptrs []any
}

func (c *sqlCursor) Columns() ([]Column, error) {
	types, err := c.rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]Column, len(types))
	for i, ct := range types {
		cols[i] = Column{
			Name:         ct.Name(),
			DatabaseType: ct.DatabaseTypeName(),
			ScanType:     ct.ScanType(),
			Ordinal:      i,
		}
	}
	c.resize(len(cols))
	return cols, nil
}

func (c *sqlCursor) resize(n int) {
	if len(c.vals) == n {
		return
	}
	c.vals = make([]any, n)
	c.ptrs = make([]any, n)
	for i := range c.vals {
		c.ptrs[i] = &c.vals[i]
	}
}

func (c *sqlCursor) Next() bool { return c.rows.Next() }

func (c *sqlCursor) Values() ([]any, error) {
	if c.ptrs == nil {
		names, err := c.rows.Columns()
		if err != nil {
			return nil, err
		}
		c.resize(len(names))
	}
	clear(c.vals)
	if err := c.rows.Scan(c.ptrs...); err != nil {
		return nil, err
	}
	return c.vals, nil
}

func (c *sqlCursor) NextResultSet() bool { return c.rows.NextResultSet() }

func (c *sqlCursor) Err() error { return c.rows.Err() }
