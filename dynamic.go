package sqlproc

import (
	"context"
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind is the kind of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindTime
	KindDecimal
	KindUUID
	KindOther
)

var kindNames = [...]string{
	KindNull:    "Null",
	KindBool:    "Bool",
	KindInt:     "Int",
	KindUint:    "Uint",
	KindFloat:   "Float",
	KindString:  "String",
	KindBytes:   "Bytes",
	KindTime:    "Time",
	KindDecimal: "Decimal",
	KindUUID:    "UUID",
	KindOther:   "Other",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "<unknown sqlproc.Kind>"
}

// Value is a column value of a Record. The zero Value is null.
//
// Accessors return the zero value of their type when called on a Value of
// another kind.
type Value struct {
	kind Kind
	num  uint64 // bool, int, uint, float bits
	any  any    // string, []byte, time, decimal, uuid, other
}

// ValueOf classifies a driver value. driver.Valuer implementations such as
// pgtype.Numeric are normalized through Value first.
func ValueOf(v any) Value {
	switch x := v.(type) {
	case nil:
		return Value{}
	case bool:
		var n uint64
		if x {
			n = 1
		}
		return Value{kind: KindBool, num: n}
	case string:
		return Value{kind: KindString, any: x}
	case []byte:
		return Value{kind: KindBytes, any: x}
	case time.Time:
		return Value{kind: KindTime, any: x}
	case decimal.Decimal:
		return Value{kind: KindDecimal, any: x}
	case uuid.UUID:
		return Value{kind: KindUUID, any: x}
	case driver.Valuer:
		nv, err := x.Value()
		if err != nil || reflect.TypeOf(nv) == reflect.TypeOf(v) {
			return Value{kind: KindOther, any: v}
		}
		return ValueOf(nv)
	}

	rv := reflect.ValueOf(v)
	switch k := rv.Kind(); {
	case isIntKind(k):
		return Value{kind: KindInt, num: uint64(rv.Int())}
	case isUintKind(k):
		return Value{kind: KindUint, num: rv.Uint()}
	case isFloatKind(k):
		return Value{kind: KindFloat, num: math.Float64bits(rv.Float())}
	}
	return Value{kind: KindOther, any: v}
}

// Kind returns the kind of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v holds a database null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the value of a KindBool value.
func (v Value) Bool() bool { return v.kind == KindBool && v.num == 1 }

// Int returns the value of a KindInt value.
func (v Value) Int() int64 {
	if v.kind != KindInt {
		return 0
	}
	return int64(v.num)
}

// Uint returns the value of a KindUint value.
func (v Value) Uint() uint64 {
	if v.kind != KindUint {
		return 0
	}
	return v.num
}

// Float returns the value of a KindFloat value.
func (v Value) Float() float64 {
	if v.kind != KindFloat {
		return 0
	}
	return math.Float64frombits(v.num)
}

// Bytes returns the value of a KindBytes value.
func (v Value) Bytes() []byte {
	b, _ := v.any.([]byte)
	return b
}

// Time returns the value of a KindTime value.
func (v Value) Time() time.Time {
	t, _ := v.any.(time.Time)
	return t
}

// Decimal returns the value of a KindDecimal value.
func (v Value) Decimal() decimal.Decimal {
	d, _ := v.any.(decimal.Decimal)
	return d
}

// UUID returns the value of a KindUUID value.
func (v Value) UUID() uuid.UUID {
	id, _ := v.any.(uuid.UUID)
	return id
}

// String returns the text of a KindString value and a formatted
// representation of any other kind. Null formats as "NULL".
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindString:
		return v.any.(string)
	case KindBytes:
		return string(v.any.([]byte))
	}
	return fmt.Sprint(v.Any())
}

// Any returns the value as a plain Go value, nil for null.
func (v Value) Any() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool()
	case KindInt:
		return v.Int()
	case KindUint:
		return v.Uint()
	case KindFloat:
		return v.Float()
	}
	return v.any
}

// Record is one row read without a model: the columns of its result set in
// order, each with its Value.
type Record struct {
	columns []string
	values  []Value
}

// Len returns the number of columns.
func (r Record) Len() int { return len(r.values) }

// Columns returns a copy of the column names in result-set order.
func (r Record) Columns() []string { return slices.Clone(r.columns) }

// At returns the value of the i-th column.
func (r Record) At(i int) Value { return r.values[i] }

// Get returns the value of the first column named name. Names are compared
// the way model fields are matched: quoting removed, case-insensitive.
func (r Record) Get(name string) (Value, bool) {
	n := normalizeColumn(name)
	for i, c := range r.columns {
		if normalizeColumn(c) == n {
			return r.values[i], true
		}
	}
	return Value{}, false
}

// Map returns the record as a map of column name to plain value. A later
// column with a duplicate name does not overwrite an earlier one.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		if _, ok := m[c]; !ok {
			m[c] = r.values[i].Any()
		}
	}
	return m
}

// readRecords reads the current result set as records. Transformers apply to
// every non-null value.
func readRecords(ctx context.Context, cur Cursor, cols []Column, transformers []Transformer) ([]Record, error) {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	var out []Record
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !cur.Next() {
			break
		}
		raw, err := cur.Values()
		if err != nil {
			return nil, err
		}
		rec := Record{columns: names, values: make([]Value, len(raw))}
		for i, v := range raw {
			if v != nil && len(transformers) > 0 {
				attrs := Attributes{Field: names[i], Column: names[i], Optional: true}
				if v, err = Apply(v, reflect.TypeOf(v), true, attrs, transformers...); err != nil {
					return nil, annotate(err, cols[i])
				}
			}
			rec.values[i] = ValueOf(cloneBytes(v))
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneBytes(v any) any {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v
}
