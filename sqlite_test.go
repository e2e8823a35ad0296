package sqlproc

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func newSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	assertNoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT, age INTEGER);
		INSERT INTO people (id, name, email, age) VALUES (1, 'ann', 'ann@example.com', 30), (2, 'bob', NULL, 41);
	`)
	assertNoError(t, err)
	return db
}

func TestSQLite_Query(t *testing.T) {
	db := newSQLite(t)
	ctx := context.Background()

	out, err := Query[person](ctx, New(), db, "SELECT id, name, email, age FROM people ORDER BY id", nil)
	assertNoError(t, err)
	if len(out) != 2 || out[0].Name != "ann" || *out[0].Email != "ann@example.com" || out[1].Email != nil || out[1].Age != 41 {
		t.Fatalf("got %+v", out)
	}

	names, err := Query[string](ctx, New(), db, "SELECT name FROM people WHERE age > ?", []any{35})
	assertNoError(t, err)
	if len(names) != 1 || names[0] != "bob" {
		t.Fatalf("got %v", names)
	}

	recs, err := Query[Record](ctx, New(), db, "SELECT id, email FROM people ORDER BY id", nil)
	assertNoError(t, err)
	if recs[0].At(0).Kind() != KindInt || !recs[1].At(1).IsNull() {
		t.Fatalf("got %v", recs)
	}
}

func TestSQLite_QueryOne(t *testing.T) {
	db := newSQLite(t)
	ctx := context.Background()

	p, err := QueryOne[*person](ctx, New(), db, "SELECT id, name, email FROM people WHERE id = ?", []any{2})
	assertNoError(t, err)
	if p.ID != 2 || p.Name != "bob" {
		t.Fatalf("got %+v", p)
	}

	if _, err := QueryOne[person](ctx, New(), db, "SELECT id, name, email FROM people WHERE id = 9", nil); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("want sql.ErrNoRows, got %v", err)
	}
	if _, err := QueryOne[int](ctx, New(), db, "SELECT id FROM people", nil); !errors.Is(err, ErrMoreThanOneRow) {
		t.Fatalf("want ErrMoreThanOneRow, got %v", err)
	}
}

// TestSQLite_TypeMismatchNamesDatabaseType carries the declared column type
// reported by the driver.
func TestSQLite_TypeMismatchNamesDatabaseType(t *testing.T) {
	db := newSQLite(t)
	type Row struct {
		Name int `db:"name"`
	}
	_, err := Query[Row](context.Background(), New(), db, "SELECT name FROM people", nil)
	var tm *TypeMismatchError
	if !errors.As(err, &tm) {
		t.Fatalf("want TypeMismatchError, got %v", err)
	}
	if tm.Column != "name" || tm.DatabaseType == "" || tm.FieldType != "int" {
		t.Fatalf("unexpected details: %+v", tm)
	}
}
