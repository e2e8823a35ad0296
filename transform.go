package sqlproc

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Attributes describes the field a value is being materialized into.
type Attributes struct {
	Type     reflect.Type // model type owning the field
	Field    string       // Go field name, dotted for flattened structs
	Column   string       // column the field is read from
	Optional bool
	Key      bool
	Convert  bool
	Tag      reflect.StructTag
}

func (a Attributes) typeName() string {
	if a.Type == nil {
		return ""
	}
	return a.Type.String()
}

// Transformer rewrites a single value on its way from the cursor into a
// field. Transform is only called when CanTransform returned true.
//
// target is the declared field type and nullable reports whether it can hold
// a database null. Transformers must not mutate shared state.
type Transformer interface {
	CanTransform(value any, target reflect.Type, nullable bool, attrs Attributes) bool
	Transform(value any, target reflect.Type, nullable bool, attrs Attributes) (any, error)
}

// namer is implemented by transformers that want a readable name in errors
// and logs.
type namer interface {
	Name() string
}

func transformerName(t Transformer) string {
	if n, ok := t.(namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", t)
}

// TransformFunc returns a same-type transformer: it applies to values of
// type T and returns a T. Chains made only of same-type transformers on the
// field's own type run without boxing.
func TransformFunc[T any](name string, fn func(v T, attrs Attributes) (T, error)) Transformer {
	return &funcTransformer[T]{name: name, fn: fn, typ: reflect.TypeFor[T]()}
}

type funcTransformer[T any] struct {
	name string
	fn   func(T, Attributes) (T, error)
	typ  reflect.Type
}

func (f *funcTransformer[T]) Name() string { return f.name }

func (f *funcTransformer[T]) CanTransform(value any, _ reflect.Type, _ bool, _ Attributes) bool {
	_, ok := value.(T)
	return ok
}

func (f *funcTransformer[T]) Transform(value any, _ reflect.Type, _ bool, attrs Attributes) (any, error) {
	return f.fn(value.(T), attrs)
}

// specializer builds an unboxed assignment for an accessor whose whole chain
// is made of the receiver's kind of transformer. It returns nil when the
// chain cannot be specialized.
type specializer interface {
	specialize(a *accessor, chain []Transformer) assignFunc
}

func (f *funcTransformer[T]) specialize(a *accessor, chain []Transformer) assignFunc {
	if f.typ != a.base {
		return nil
	}
	links := make([]*funcTransformer[T], len(chain))
	for i, t := range chain {
		ft, ok := t.(*funcTransformer[T])
		if !ok {
			return nil
		}
		links[i] = ft
	}

	return func(dst reflect.Value, raw any) error {
		x, ok := raw.(T)
		if !ok {
			v, err := a.coerce(raw)
			if err != nil {
				return a.coerceFailed(dst, raw, err)
			}
			x = v.Interface().(T)
		}
		for _, l := range links {
			var err error
			if x, err = l.fn(x, a.attrs); err != nil {
				return a.attrs.transformError(l.name, err)
			}
		}
		storeTyped(a, dst, x)
		return nil
	}
}

// storeTyped writes x into dst according to the accessor's null shape.
func storeTyped[T any](a *accessor, dst reflect.Value, x T) {
	switch a.null.kind {
	case nullPointer:
		if p, ok := dst.Addr().Interface().(**T); ok {
			*p = &x
			return
		}
		// Named pointer types such as `type IntPtr *int`.
		dst.Set(reflect.ValueOf(&x).Convert(dst.Type()))
	case nullWrapper:
		*(dst.Field(a.null.value).Addr().Interface().(*T)) = x
		dst.Field(a.null.valid).SetBool(true)
	default:
		*(dst.Addr().Interface().(*T)) = x
	}
}

func (a Attributes) transformError(name string, cause error) error {
	return &TransformError{
		Type:        a.typeName(),
		Field:       a.Field,
		Column:      a.Column,
		Transformer: name,
		Cause:       cause,
	}
}

// Apply runs value through transformers in order. A transformer whose
// CanTransform reports false is skipped; the others replace the value in
// turn. A transformer error is returned as a *TransformError.
func Apply(value any, target reflect.Type, nullable bool, attrs Attributes, transformers ...Transformer) (any, error) {
	for _, t := range transformers {
		if !t.CanTransform(value, target, nullable, attrs) {
			continue
		}
		out, err := t.Transform(value, target, nullable, attrs)
		if err != nil {
			return nil, attrs.transformError(transformerName(t), err)
		}
		value = out
	}
	return value, nil
}

// --------------------------------
// Built-ins and tag resolution
// --------------------------------

var builtinTransformers = map[string]Transformer{
	"trim": TransformFunc("trim", func(s string, _ Attributes) (string, error) {
		return strings.TrimSpace(s), nil
	}),
	"upper": TransformFunc("upper", func(s string, _ Attributes) (string, error) {
		return strings.ToUpper(s), nil
	}),
	"lower": TransformFunc("lower", func(s string, _ Attributes) (string, error) {
		return strings.ToLower(s), nil
	}),
}

// transformRef is one entry of a `transform` tag.
type transformRef struct {
	name  string
	order int
}

// parseTransformTag parses `transform:"trim,upper:5"`. Entries without an
// order default to 0; the result is sorted by order, stable on ties.
func parseTransformTag(tag string) ([]transformRef, error) {
	if tag == "" {
		return nil, nil
	}
	parts := strings.Split(tag, ",")
	refs := make([]transformRef, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, order, hasOrder := strings.Cut(p, ":")
		ref := transformRef{name: strings.TrimSpace(name)}
		if hasOrder {
			n, err := strconv.Atoi(strings.TrimSpace(order))
			if err != nil {
				return nil, fmt.Errorf("invalid order in transformer %q: %w", p, err)
			}
			ref.order = n
		}
		refs = append(refs, ref)
	}
	slices.SortStableFunc(refs, func(a, b transformRef) int { return cmp.Compare(a.order, b.order) })
	return refs, nil
}

// resolveTransformers looks up every ref, first in named, then in the
// built-ins.
func resolveTransformers(refs []transformRef, named map[string]Transformer) ([]Transformer, error) {
	out := make([]Transformer, 0, len(refs))
	for _, r := range refs {
		t, ok := named[r.name]
		if !ok {
			t, ok = builtinTransformers[r.name]
		}
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTransformer, r.name)
		}
		out = append(out, t)
	}
	return out, nil
}
