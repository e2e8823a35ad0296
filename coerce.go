package sqlproc

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Enumeration is implemented by named integer types whose values may come
// back from the database either as numbers or as member names.
//
//	type Color int
//
//	func (Color) EnumNames() map[string]int64 {
//		return map[string]int64{"Red": 1, "Green": 2}
//	}
type Enumeration interface {
	EnumNames() map[string]int64
}

var (
	scannerIface = reflect.TypeFor[sql.Scanner]()
	enumIface    = reflect.TypeFor[Enumeration]()
	timeType     = reflect.TypeFor[time.Time]()
	decimalType  = reflect.TypeFor[decimal.Decimal]()
	uuidType     = reflect.TypeFor[uuid.UUID]()
	bytesType    = reflect.TypeFor[[]byte]()
)

var (
	errIncompatible = errors.New("incompatible types")
	errNull         = errors.New("null value")
)

// integerTypes maps an integer kind to its builtin type, i.e. the storage
// type of an enumeration declared on that kind.
var integerTypes = map[reflect.Kind]reflect.Type{
	reflect.Int:    reflect.TypeFor[int](),
	reflect.Int8:   reflect.TypeFor[int8](),
	reflect.Int16:  reflect.TypeFor[int16](),
	reflect.Int32:  reflect.TypeFor[int32](),
	reflect.Int64:  reflect.TypeFor[int64](),
	reflect.Uint:   reflect.TypeFor[uint](),
	reflect.Uint8:  reflect.TypeFor[uint8](),
	reflect.Uint16: reflect.TypeFor[uint16](),
	reflect.Uint32: reflect.TypeFor[uint32](),
	reflect.Uint64: reflect.TypeFor[uint64](),
}

// timeLayouts are tried in order when text is converted to time.Time.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// --------------------------------
// Nullability
// --------------------------------

// nullKind classifies how a declared type represents a database null.
type nullKind uint8

const (
	nullNone      nullKind = iota // value type, null not representable
	nullPointer                   // *T
	nullWrapper                   // sql.NullString, sql.Null[T], decimal.NullDecimal, ...
	nullReference                 // slice, map, interface
)

// nullInfo describes a declared type after unwrapping nullability.
type nullInfo struct {
	kind  nullKind
	base  reflect.Type
	value int // wrapper only: index of the value field
	valid int // wrapper only: index of the Valid field
}

func (n nullInfo) nullable() bool { return n.kind != nullNone }

// unwrapNullable reports whether t can hold a null and which non-nullable
// type carries its value.
func unwrapNullable(t reflect.Type) nullInfo {
	switch t.Kind() {
	case reflect.Pointer:
		return nullInfo{kind: nullPointer, base: t.Elem()}
	case reflect.Slice, reflect.Map, reflect.Interface:
		return nullInfo{kind: nullReference, base: t}
	case reflect.Struct:
		if value, valid, ok := wrapperFields(t); ok {
			return nullInfo{kind: nullWrapper, base: t.Field(value).Type, value: value, valid: valid}
		}
	}
	return nullInfo{base: t}
}

// wrapperFields recognizes null wrappers: Scanner structs made of exactly one
// exported value field and a Valid bool.
func wrapperFields(t reflect.Type) (value, valid int, ok bool) {
	if t.NumField() != 2 || !reflect.PointerTo(t).Implements(scannerIface) {
		return 0, 0, false
	}
	value, valid = -1, -1
	for i := 0; i < 2; i++ {
		f := t.Field(i)
		switch {
		case f.Name == "Valid" && f.Type.Kind() == reflect.Bool:
			valid = i
		case f.IsExported():
			value = i
		}
	}
	return value, valid, value >= 0 && valid >= 0
}

// --------------------------------
// Enumerations
// --------------------------------

// enumInfo holds the member names of an Enumeration.
type enumInfo struct {
	names  map[string]int64
	folded map[string]int64 // lower-cased names
}

// enumOf returns the member table of t when t is an integer Enumeration.
// Callers unwrap nullability first.
func enumOf(t reflect.Type) (*enumInfo, bool) {
	if !isIntKind(t.Kind()) && !isUintKind(t.Kind()) {
		return nil, false
	}
	if !t.Implements(enumIface) {
		return nil, false
	}
	names := reflect.Zero(t).Interface().(Enumeration).EnumNames()
	e := &enumInfo{names: names, folded: make(map[string]int64, len(names))}
	for k, v := range names {
		e.folded[strings.ToLower(k)] = v
	}
	return e, true
}

// enumStorage returns the builtin integer type an enumeration is stored as.
func enumStorage(t reflect.Type) reflect.Type {
	if st, ok := integerTypes[t.Kind()]; ok {
		return st
	}
	return t
}

// coerce converts a member name, a numeric string or a number into a value
// of the enumeration type to.
func (e *enumInfo) coerce(raw any, to reflect.Type) (reflect.Value, error) {
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		rv, err := coerceValue(raw, enumStorage(to), false)
		if err != nil {
			return reflect.Value{}, err
		}
		return rv.Convert(to), nil
	}

	s = strings.TrimSpace(s)
	n, ok := e.names[s]
	if !ok {
		n, ok = e.folded[strings.ToLower(s)]
	}
	if !ok {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%q is not a member of %s", s, to)
		}
		n = parsed
	}
	return coerceValue(n, to, false)
}

// --------------------------------
// Signed substitutes
// --------------------------------

// signedSubstitute returns the signed type of the same width as the unsigned
// type t. Databases without unsigned columns store such values in their
// signed counterpart; the bits are reinterpreted on the way back.
func signedSubstitute(t reflect.Type) (reflect.Type, bool) {
	switch t.Kind() {
	case reflect.Uint16:
		return integerTypes[reflect.Int16], true
	case reflect.Uint32:
		return integerTypes[reflect.Int32], true
	case reflect.Uint64:
		return integerTypes[reflect.Int64], true
	case reflect.Uint:
		return integerTypes[reflect.Int], true
	}
	return nil, false
}

func widthMask(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return 1<<uint(bits) - 1
}

// --------------------------------
// Scalar classification
// --------------------------------

// isSimple reports whether t is read from a single column rather than mapped
// as a model.
func isSimple(t reflect.Type) bool {
	switch t {
	case timeType, decimalType, uuidType, bytesType:
		return true
	}
	switch k := t.Kind(); {
	case k == reflect.Bool, k == reflect.String, k == reflect.Interface:
		return true
	case isIntKind(k), isUintKind(k), isFloatKind(k):
		return true
	case k == reflect.Slice:
		return t.Elem().Kind() == reflect.Uint8
	}
	return reflect.PointerTo(t).Implements(scannerIface)
}

// isScanner reports whether t is filled through its own Scan method instead
// of the built-in conversions.
func isScanner(t reflect.Type) bool {
	switch t {
	case timeType, decimalType, uuidType:
		return false
	}
	return reflect.PointerTo(t).Implements(scannerIface)
}

func isIntKind(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUintKind(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloatKind(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

// --------------------------------
// Conversion
// --------------------------------

// coerceValue converts a non-null driver value into a value of type to.
// Conversions inside a family (integers, floats, text) are always allowed;
// conversions across families need convert.
func coerceValue(raw any, to reflect.Type, convert bool) (reflect.Value, error) {
	rv := reflect.ValueOf(raw)
	if !rv.IsValid() {
		return reflect.Value{}, errNull
	}
	rt := rv.Type()
	if rt == to {
		return rv, nil
	}

	switch to {
	case decimalType:
		return toDecimal(raw)
	case uuidType:
		return toUUID(raw)
	case timeType:
		return toTime(raw, convert)
	}

	if to.Kind() == reflect.Interface {
		if !rt.Implements(to) {
			return reflect.Value{}, errIncompatible
		}
		out := reflect.New(to).Elem()
		out.Set(rv)
		return out, nil
	}

	// Driver-specific types (pgtype.Numeric, ...) normalize through Value.
	// Decimals keep their own conversions to detect fractional parts.
	if v, ok := raw.(driver.Valuer); ok && rt != decimalType {
		nv, err := v.Value()
		if err != nil {
			return reflect.Value{}, err
		}
		if nv == nil {
			return reflect.Value{}, errNull
		}
		if reflect.TypeOf(nv) != rt {
			return coerceValue(nv, to, convert)
		}
	}

	switch k := to.Kind(); {
	case isIntKind(k):
		return toInt(rv, to, convert)
	case isUintKind(k):
		return toUint(rv, to, convert)
	case isFloatKind(k):
		return toFloat(rv, to, convert)
	case k == reflect.String:
		return toString(rv, to, convert)
	case k == reflect.Bool:
		return toBool(rv, to, convert)
	case k == reflect.Slice && to.Elem().Kind() == reflect.Uint8:
		return toBytes(rv, to)
	}

	// Same-shaped named types, e.g. [16]byte into a named array.
	if rt.Kind() == to.Kind() && rt.ConvertibleTo(to) {
		return rv.Convert(to), nil
	}
	return reflect.Value{}, errIncompatible
}

// text returns the content of a string or []byte value.
func text(rv reflect.Value) (string, bool) {
	switch {
	case rv.Kind() == reflect.String:
		return rv.String(), true
	case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8:
		return string(rv.Bytes()), true
	}
	return "", false
}

func overflow(v any, to reflect.Type) error {
	return fmt.Errorf("value %v overflows %s", v, to)
}

func fractional(v any, to reflect.Type) error {
	return fmt.Errorf("value %v has a fractional part and cannot be stored in %s", v, to)
}

func toInt(rv reflect.Value, to reflect.Type, convert bool) (reflect.Value, error) {
	var n int64
	switch k := rv.Kind(); {
	case isIntKind(k):
		n = rv.Int()
	case isUintKind(k):
		u := rv.Uint()
		if u > math.MaxInt64 {
			return reflect.Value{}, overflow(u, to)
		}
		n = int64(u)
	case isFloatKind(k) && convert:
		f := rv.Float()
		if f != math.Trunc(f) {
			return reflect.Value{}, fractional(f, to)
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return reflect.Value{}, overflow(f, to)
		}
		n = int64(f)
	case k == reflect.Bool && convert:
		if rv.Bool() {
			n = 1
		}
	case rv.Type() == decimalType && convert:
		d := rv.Interface().(decimal.Decimal)
		if !d.IsInteger() {
			return reflect.Value{}, fractional(d, to)
		}
		if !d.BigInt().IsInt64() {
			return reflect.Value{}, overflow(d, to)
		}
		n = d.IntPart()
	default:
		s, ok := text(rv)
		if !ok || !convert {
			return reflect.Value{}, errIncompatible
		}
		p, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return reflect.Value{}, err
		}
		n = p
	}

	out := reflect.New(to).Elem()
	if out.OverflowInt(n) {
		return reflect.Value{}, overflow(n, to)
	}
	out.SetInt(n)
	return out, nil
}

func toUint(rv reflect.Value, to reflect.Type, convert bool) (reflect.Value, error) {
	var u uint64
	switch k := rv.Kind(); {
	case isIntKind(k):
		n := rv.Int()
		if n >= 0 {
			u = uint64(n)
			break
		}
		sub, ok := signedSubstitute(to)
		if !ok || reflect.Zero(sub).OverflowInt(n) {
			return reflect.Value{}, overflow(n, to)
		}
		u = uint64(n) & widthMask(to.Bits())
	case isUintKind(k):
		u = rv.Uint()
	case isFloatKind(k) && convert:
		f := rv.Float()
		if f != math.Trunc(f) {
			return reflect.Value{}, fractional(f, to)
		}
		if f < 0 || f >= math.MaxUint64 {
			return reflect.Value{}, overflow(f, to)
		}
		u = uint64(f)
	case k == reflect.Bool && convert:
		if rv.Bool() {
			u = 1
		}
	case rv.Type() == decimalType && convert:
		d := rv.Interface().(decimal.Decimal)
		if !d.IsInteger() {
			return reflect.Value{}, fractional(d, to)
		}
		b := d.BigInt()
		if b.Sign() < 0 || !b.IsUint64() {
			return reflect.Value{}, overflow(d, to)
		}
		u = b.Uint64()
	default:
		s, ok := text(rv)
		if !ok || !convert {
			return reflect.Value{}, errIncompatible
		}
		p, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return reflect.Value{}, err
		}
		u = p
	}

	out := reflect.New(to).Elem()
	if out.OverflowUint(u) {
		return reflect.Value{}, overflow(u, to)
	}
	out.SetUint(u)
	return out, nil
}

func toFloat(rv reflect.Value, to reflect.Type, convert bool) (reflect.Value, error) {
	var f float64
	switch k := rv.Kind(); {
	case isFloatKind(k):
		f = rv.Float()
	case isIntKind(k) && convert:
		f = float64(rv.Int())
	case isUintKind(k) && convert:
		f = float64(rv.Uint())
	case rv.Type() == decimalType && convert:
		f = rv.Interface().(decimal.Decimal).InexactFloat64()
	default:
		s, ok := text(rv)
		if !ok || !convert {
			return reflect.Value{}, errIncompatible
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return reflect.Value{}, err
		}
		f = p
	}

	out := reflect.New(to).Elem()
	if out.OverflowFloat(f) {
		return reflect.Value{}, overflow(f, to)
	}
	out.SetFloat(f)
	return out, nil
}

func toString(rv reflect.Value, to reflect.Type, convert bool) (reflect.Value, error) {
	if s, ok := text(rv); ok {
		return reflect.ValueOf(s).Convert(to), nil
	}
	if convert && isSimple(rv.Type()) {
		return reflect.ValueOf(fmt.Sprint(rv.Interface())).Convert(to), nil
	}
	return reflect.Value{}, errIncompatible
}

func toBool(rv reflect.Value, to reflect.Type, convert bool) (reflect.Value, error) {
	out := reflect.New(to).Elem()
	switch k := rv.Kind(); {
	case k == reflect.Bool:
		out.SetBool(rv.Bool())
	case isIntKind(k):
		out.SetBool(rv.Int() != 0)
	case isUintKind(k):
		out.SetBool(rv.Uint() != 0)
	default:
		s, ok := text(rv)
		if !ok || !convert {
			return reflect.Value{}, errIncompatible
		}
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetBool(b)
	}
	return out, nil
}

func toBytes(rv reflect.Value, to reflect.Type) (reflect.Value, error) {
	switch {
	case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8:
		b := append([]byte(nil), rv.Bytes()...)
		return reflect.ValueOf(b).Convert(to), nil
	case rv.Kind() == reflect.String:
		return reflect.ValueOf([]byte(rv.String())).Convert(to), nil
	}
	return reflect.Value{}, errIncompatible
}

func toDecimal(raw any) (reflect.Value, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch v := raw.(type) {
	case decimal.Decimal:
		d = v
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(v))
	case []byte:
		d, err = decimal.NewFromString(strings.TrimSpace(string(v)))
	case float32:
		d = decimal.NewFromFloat32(v)
	case driver.Valuer:
		nv, verr := v.Value()
		if verr != nil {
			return reflect.Value{}, verr
		}
		if nv == nil {
			return reflect.Value{}, errNull
		}
		return toDecimal(nv)
	default:
		rv := reflect.ValueOf(raw)
		switch k := rv.Kind(); {
		case isIntKind(k):
			d = decimal.NewFromInt(rv.Int())
		case isUintKind(k):
			d = decimal.NewFromUint64(rv.Uint())
		case isFloatKind(k):
			d = decimal.NewFromFloat(rv.Float())
		default:
			return reflect.Value{}, errIncompatible
		}
	}
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(d), nil
}

func toUUID(raw any) (reflect.Value, error) {
	var (
		id  uuid.UUID
		err error
	)
	switch v := raw.(type) {
	case uuid.UUID:
		id = v
	case [16]byte:
		id = uuid.UUID(v)
	case string:
		id, err = uuid.Parse(strings.TrimSpace(v))
	case []byte:
		if len(v) == 16 {
			id, err = uuid.FromBytes(v)
		} else {
			id, err = uuid.ParseBytes(v)
		}
	case driver.Valuer:
		nv, verr := v.Value()
		if verr != nil {
			return reflect.Value{}, verr
		}
		if nv == nil {
			return reflect.Value{}, errNull
		}
		return toUUID(nv)
	default:
		return reflect.Value{}, errIncompatible
	}
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(id), nil
}

func toTime(raw any, convert bool) (reflect.Value, error) {
	var s string
	switch v := raw.(type) {
	case time.Time:
		return reflect.ValueOf(v), nil
	case string:
		s = v
	case []byte:
		s = string(v)
	case driver.Valuer:
		nv, err := v.Value()
		if err != nil {
			return reflect.Value{}, err
		}
		if nv == nil {
			return reflect.Value{}, errNull
		}
		return toTime(nv, convert)
	default:
		return reflect.Value{}, errIncompatible
	}
	if !convert {
		return reflect.Value{}, errIncompatible
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return reflect.ValueOf(t), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot parse time %q", s)
}
