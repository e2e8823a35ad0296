package sqlproc

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"slices"
)

// assignFunc stores one raw driver value into dst.
type assignFunc func(dst reflect.Value, raw any) error

// accessor converts the raw value of one column into one field. It is built
// once per (model field, declared type) and is immutable afterwards.
type accessor struct {
	attrs    Attributes
	declared reflect.Type
	base     reflect.Type // declared with nullability unwrapped
	null     nullInfo
	enum     *enumInfo
	scanner  bool
	chain    []Transformer // field transformers, then engine-wide ones
	fast     assignFunc    // nil when only the boxed path applies
}

func newAccessor(attrs Attributes, declared reflect.Type, chain []Transformer) *accessor {
	a := &accessor{
		attrs:    attrs,
		declared: declared,
		null:     unwrapNullable(declared),
		chain:    slices.Clip(chain),
	}
	a.base = a.null.base
	if e, ok := enumOf(a.base); ok {
		a.enum = e
	}
	if a.null.kind != nullWrapper && a.enum == nil {
		a.scanner = isScanner(a.base)
	}
	if !a.scanner {
		a.fast = a.compileFast()
	}
	return a
}

// compileFast returns the unboxed assignment, or nil when the chain holds a
// transformer that only works on boxed values.
func (a *accessor) compileFast() assignFunc {
	if len(a.chain) == 0 {
		return func(dst reflect.Value, raw any) error {
			v, err := a.coerce(raw)
			if err != nil {
				return a.coerceFailed(dst, raw, err)
			}
			a.store(dst, v)
			return nil
		}
	}
	if s, ok := a.chain[0].(specializer); ok {
		return s.specialize(a, a.chain)
	}
	return nil
}

// assign converts raw and stores it into dst. extra holds per-call
// transformers; they run after the accessor's own chain.
func (a *accessor) assign(dst reflect.Value, raw any, extra []Transformer) error {
	if raw == nil {
		return a.assignNull(dst)
	}
	if a.scanner {
		return a.scan(dst, raw, extra)
	}
	if len(extra) == 0 && a.fast != nil {
		return a.fast(dst, raw)
	}
	return a.assignBoxed(dst, raw, extra)
}

func (a *accessor) assignBoxed(dst reflect.Value, raw any, extra []Transformer) error {
	v, err := a.coerce(raw)
	if err != nil {
		return a.coerceFailed(dst, raw, err)
	}

	chain := a.chain
	if len(extra) > 0 {
		chain = append(chain, extra...)
	}
	if len(chain) > 0 {
		out, err := Apply(v.Interface(), a.declared, a.null.nullable(), a.attrs, chain...)
		if err != nil {
			return err
		}
		if out == nil {
			return a.assignNull(dst)
		}
		if v, err = a.finalize(out); err != nil {
			return a.mismatch(out, err)
		}
	}
	a.store(dst, v)
	return nil
}

func (a *accessor) scan(dst reflect.Value, raw any, extra []Transformer) error {
	value := raw
	if chain := append(a.chain, extra...); len(chain) > 0 {
		out, err := Apply(raw, a.declared, a.null.nullable(), a.attrs, chain...)
		if err != nil {
			return err
		}
		value = out
	}
	target := reflect.New(a.base)
	if err := target.Interface().(sql.Scanner).Scan(value); err != nil {
		return a.mismatch(raw, err)
	}
	a.store(dst, target.Elem())
	return nil
}

func (a *accessor) assignNull(dst reflect.Value) error {
	switch {
	case a.null.nullable():
		dst.SetZero()
		return nil
	case a.scanner:
		target := reflect.New(a.base)
		if err := target.Interface().(sql.Scanner).Scan(nil); err != nil {
			return &NullViolationError{Type: a.attrs.typeName(), Field: a.attrs.Field, Column: a.attrs.Column}
		}
		dst.Set(target.Elem())
		return nil
	}
	return &NullViolationError{Type: a.attrs.typeName(), Field: a.attrs.Field, Column: a.attrs.Column}
}

// coerce converts raw into the base type, going through the member table
// for enumerations.
func (a *accessor) coerce(raw any) (reflect.Value, error) {
	if a.enum != nil {
		return a.enum.coerce(raw, a.base)
	}
	return coerceValue(raw, a.base, a.attrs.Convert)
}

// finalize converts a transformer result back to the base type. Transformers
// may change the type of the value, so cross-family conversions are allowed.
func (a *accessor) finalize(out any) (reflect.Value, error) {
	if a.enum != nil {
		return a.enum.coerce(out, a.base)
	}
	return coerceValue(out, a.base, true)
}

func (a *accessor) coerceFailed(dst reflect.Value, raw any, err error) error {
	if errors.Is(err, errNull) {
		return a.assignNull(dst)
	}
	return a.mismatch(raw, err)
}

func (a *accessor) mismatch(raw any, cause error) error {
	if errors.Is(cause, errIncompatible) {
		cause = nil
		if !a.attrs.Convert {
			cause = errors.New(`add the "convert" option to allow numeric and text conversions`)
		}
	}
	return &TypeMismatchError{
		Type:       a.attrs.typeName(),
		Field:      a.attrs.Field,
		Column:     a.attrs.Column,
		ColumnType: fmt.Sprintf("%T", raw),
		FieldType:  a.declared.String(),
		Cause:      cause,
	}
}

// store writes a base-typed value into dst according to the null shape.
func (a *accessor) store(dst reflect.Value, v reflect.Value) {
	switch a.null.kind {
	case nullPointer:
		p := reflect.New(a.base)
		p.Elem().Set(v)
		dst.Set(p)
	case nullWrapper:
		dst.Field(a.null.value).Set(v)
		dst.Field(a.null.valid).SetBool(true)
	default:
		dst.Set(v)
	}
}
