package sqlproc

import (
	"reflect"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// pgTypes resolves type OIDs to names. Lookups only read the map.
var pgTypes = sync.OnceValue(pgtype.NewMap)

func pgTypeName(oid uint32) string {
	if t, ok := pgTypes().TypeForOID(oid); ok {
		return t.Name
	}
	return strconv.FormatUint(uint64(oid), 10)
}

// FromPgxRows chains several pgx.Rows into one cursor, each being one result
// set. Every set is closed when the cursor moves past it; the caller closes
// the current one.
func FromPgxRows(sets ...pgx.Rows) Cursor {
	i := 0
	return &pgxCursor{next: func() (pgx.Rows, bool, error) {
		if i >= len(sets) {
			return nil, false, nil
		}
		r := sets[i]
		i++
		return r, true, nil
	}}
}

// FromPgxBatch reads the results of the first n queued queries of a batch
// as consecutive result sets. The caller closes br.
func FromPgxBatch(br pgx.BatchResults, n int) Cursor {
	i := 0
	return &pgxCursor{next: func() (pgx.Rows, bool, error) {
		if i >= n {
			return nil, false, nil
		}
		i++
		r, err := br.Query()
		if err != nil {
			if r != nil {
				r.Close()
			}
			return nil, false, err
		}
		return r, true, nil
	}}
}

type pgxCursor struct {
	next    func() (pgx.Rows, bool, error)
	cur     pgx.Rows
	started bool
	err     error
}

// ensure loads the first result set on first use.
func (c *pgxCursor) ensure() bool {
	if !c.started {
		c.started = true
		c.advance()
	}
	return c.cur != nil
}

func (c *pgxCursor) advance() {
	r, ok, err := c.next()
	switch {
	case err != nil:
		c.err = err
		c.cur = nil
	case ok:
		c.cur = r
	default:
		c.cur = nil
	}
}

func (c *pgxCursor) Columns() ([]Column, error) {
	if !c.ensure() {
		if c.err != nil {
			return nil, c.err
		}
		return nil, nil
	}
	fds := c.cur.FieldDescriptions()
	cols := make([]Column, len(fds))
	for i, fd := range fds {
		cols[i] = Column{
			Name:         fd.Name,
			DatabaseType: pgTypeName(fd.DataTypeOID),
			ScanType:     reflect.TypeFor[any](),
			Ordinal:      i,
		}
	}
	return cols, nil
}

func (c *pgxCursor) Next() bool {
	if !c.ensure() {
		return false
	}
	return c.cur.Next()
}

func (c *pgxCursor) Values() ([]any, error) {
	if !c.ensure() {
		return nil, c.err
	}
	return c.cur.Values()
}

func (c *pgxCursor) NextResultSet() bool {
	if !c.ensure() {
		return false
	}
	c.cur.Close()
	if err := c.cur.Err(); err != nil {
		c.err = err
		c.cur = nil
		return false
	}
	c.advance()
	return c.cur != nil
}

func (c *pgxCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if c.cur != nil {
		return c.cur.Err()
	}
	return nil
}
