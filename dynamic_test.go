package sqlproc

import (
	"context"
	"database/sql"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestValueOf_Kinds(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	price := decimal.RequireFromString("9.99")

	tests := []struct {
		in   any
		kind Kind
		str  string
	}{
		{nil, KindNull, "NULL"},
		{true, KindBool, "true"},
		{int32(-4), KindInt, "-4"},
		{uint8(4), KindUint, "4"},
		{1.5, KindFloat, "1.5"},
		{"hi", KindString, "hi"},
		{[]byte("raw"), KindBytes, "raw"},
		{at, KindTime, at.String()},
		{price, KindDecimal, "9.99"},
		{id, KindUUID, id.String()},
		{sql.NullString{String: "v", Valid: true}, KindString, "v"},
		{sql.NullInt64{}, KindNull, "NULL"},
		{struct{ X int }{1}, KindOther, "{1}"},
	}
	for _, tt := range tests {
		v := ValueOf(tt.in)
		if v.Kind() != tt.kind {
			t.Errorf("ValueOf(%#v).Kind()=%s, want %s", tt.in, v.Kind(), tt.kind)
		}
		if got := v.String(); got != tt.str {
			t.Errorf("ValueOf(%#v).String()=%q, want %q", tt.in, got, tt.str)
		}
	}

	if v := ValueOf(int64(-7)); v.Int() != -7 || v.Uint() != 0 || v.Float() != 0 {
		t.Errorf("accessors on Int: %d %d %v", v.Int(), v.Uint(), v.Float())
	}
	if v := ValueOf(price); !v.Decimal().Equal(price) || v.Any() != any(price) {
		t.Errorf("decimal accessors: %v", v)
	}
	if v := ValueOf(id); v.UUID() != id || v.Time() != (time.Time{}) {
		t.Errorf("uuid accessors: %v", v)
	}
	if !ValueOf(true).Bool() || ValueOf(1).Bool() {
		t.Errorf("Bool accessor mismatch")
	}
	if !ValueOf(nil).IsNull() || ValueOf(nil).Any() != nil {
		t.Errorf("null accessors mismatch")
	}
}

func TestMaterialize_Record(t *testing.T) {
	cur := newMemCursor(resultSet("Id", `"Name"`, "payload", "note", "id").
		row(int64(1), "ann", []byte("abc"), nil, int64(99)))

	out, err := Materialize[Record](context.Background(), New(), cur)
	assertNoError(t, err)
	if len(out) != 1 {
		t.Fatalf("len(out)=%d, want 1", len(out))
	}
	r := out[0]
	if r.Len() != 5 || !reflect.DeepEqual(r.Columns(), []string{"Id", `"Name"`, "payload", "note", "id"}) {
		t.Fatalf("columns mismatch: %v", r.Columns())
	}
	cols := r.Columns()
	cols[0] = "changed"
	if r.Columns()[0] != "Id" {
		t.Fatalf("Columns must not alias the record")
	}
	if v, ok := r.Get("ID"); !ok || v.Int() != 1 {
		t.Fatalf("Get(ID)=%v,%v, want the first id column", v, ok)
	}
	if v, ok := r.Get("name"); !ok || v.String() != "ann" {
		t.Fatalf("Get(name)=%v,%v", v, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("Get(missing) should fail")
	}
	if !r.At(3).IsNull() || r.At(2).Kind() != KindBytes {
		t.Fatalf("At mismatch: %v %v", r.At(3), r.At(2))
	}

	m := r.Map()
	if m["Id"] != int64(1) || m["id"] != int64(99) || m["note"] != nil || string(m["payload"].([]byte)) != "abc" {
		t.Fatalf("Map mismatch: %v", m)
	}
}

// TestMaterialize_RecordCopiesBytes keeps byte values valid after the
// cursor reuses its buffers.
func TestMaterialize_RecordCopiesBytes(t *testing.T) {
	buf := []byte("abc")
	cur := newMemCursor(resultSet("b").row(buf))
	out, err := Materialize[Record](context.Background(), New(), cur)
	assertNoError(t, err)
	buf[0] = 'z'
	if got := string(out[0].At(0).Bytes()); got != "abc" {
		t.Fatalf("got %q, want abc", got)
	}
}

func TestMaterialize_Map(t *testing.T) {
	cur := newMemCursor(resultSet("a", "b", "a").row(1, "x", 2).row(nil, "y", 3))
	out, err := Materialize[map[string]any](context.Background(), New(), cur)
	assertNoError(t, err)
	if len(out) != 2 {
		t.Fatalf("len(out)=%d, want 2", len(out))
	}
	if out[0]["a"] != int64(1) || out[0]["b"] != "x" || len(out[0]) != 2 {
		t.Fatalf("row0 mismatch: %v", out[0])
	}
	if v, ok := out[1]["a"]; !ok || v != nil {
		t.Fatalf("null column should be present as nil: %v", out[1])
	}
}

// TestMaterialize_RecordTransformers applies transformers to non-null values
// only, engine-wide ones first.
func TestMaterialize_RecordTransformers(t *testing.T) {
	var seen []string
	spy := TransformFunc("spy", func(s string, a Attributes) (string, error) {
		seen = append(seen, a.Column)
		return s + "!", nil
	})
	e := New(Config{Transformers: []Transformer{builtinTransformers["upper"]}})
	cur := newMemCursor(resultSet("s", "n", "z").row("ab", 3, nil))

	out, err := Materialize[Record](context.Background(), e, cur, WithTransformers(spy))
	assertNoError(t, err)
	r := out[0]
	if r.At(0).String() != "AB!" || r.At(1).Int() != 3 || !r.At(2).IsNull() {
		t.Fatalf("got %v %v %v", r.At(0), r.At(1), r.At(2))
	}
	if strings.Join(seen, ",") != "s" {
		t.Fatalf("spy saw %v, want only s", seen)
	}
}
