package sqlproc

import (
	"fmt"
	"reflect"
	"strings"
)

// Keyed lets a model name its key field when neither a `key` tag nor the
// naming conventions apply.
type Keyed interface {
	KeyField() string
}

// Related lets a model name, per child-collection field, the field of the
// child type holding the parent key.
type Related interface {
	ForeignKeyFields() map[string]string
}

// fieldTag is the parsed form of `db:"name,optional,key,convert,fk=Field"`.
type fieldTag struct {
	name     string
	skip     bool
	optional bool
	key      bool
	convert  bool
	fk       string
}

func parseFieldTag(tag string) fieldTag {
	if tag == "-" {
		return fieldTag{skip: true}
	}
	parts := strings.Split(tag, ",")
	ft := fieldTag{name: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		switch {
		case p == "optional":
			ft.optional = true
		case p == "key":
			ft.key = true
		case p == "convert":
			ft.convert = true
		case strings.HasPrefix(p, "fk="):
			ft.fk = strings.TrimSpace(strings.TrimPrefix(p, "fk="))
		}
	}
	return ft
}

// modelField is a mapped leaf field of a model.
type modelField struct {
	name       string // Go field name, dotted when flattened
	column     string // normalized column name
	index      []int
	typ        reflect.Type
	tag        reflect.StructTag
	opts       fieldTag
	transforms []transformRef
}

// childField is a child-collection field: []S or []*S of a mapped struct S.
type childField struct {
	name     string
	index    []int
	elem     reflect.Type // S
	ptrElems bool         // []*S
	optional bool
	fk       string
}

// model is the static description of a struct type.
type model struct {
	typ       reflect.Type
	fields    []modelField
	byColumn  map[string]int // normalized column -> fields index
	ambiguous map[string]bool
	children  []childField
}

// buildModel walks t, flattening embedded and nested structs. Scanner
// structs and time.Time are leaves. Two leaves claiming the same column are
// both dropped and the column is marked ambiguous.
func buildModel(t reflect.Type) (*model, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrUnsupportedType, t)
	}
	m := &model{
		typ:       t,
		byColumn:  make(map[string]int, t.NumField()),
		ambiguous: map[string]bool{},
	}

	var leaves []modelField
	visited := map[reflect.Type]bool{}
	var walk func(rt reflect.Type, path []int, prefix string) error

	walk = func(rt reflect.Type, path []int, prefix string) error {
		if visited[rt] {
			return nil
		}
		visited[rt] = true
		defer delete(visited, rt)

		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			opts := parseFieldTag(f.Tag.Get("db"))
			if opts.skip {
				continue
			}
			name := prefix + f.Name

			if elem, ptr, ok := childElem(f.Type); ok {
				m.children = append(m.children, childField{
					name:     name,
					index:    appendIndex(path, i),
					elem:     elem,
					ptrElems: ptr,
					optional: opts.optional,
					fk:       opts.fk,
				})
				continue
			}

			if shouldFlatten(f.Type) {
				next := f.Type
				if next.Kind() == reflect.Pointer {
					next = next.Elem()
				}
				if err := walk(next, appendIndex(path, i), name+"."); err != nil {
					return err
				}
				continue
			}

			refs, err := parseTransformTag(f.Tag.Get("transform"))
			if err != nil {
				return fmt.Errorf("sqlproc: %s.%s: %w", t, name, err)
			}
			col := opts.name
			if col == "" {
				col = f.Name
			}
			leaves = append(leaves, modelField{
				name:       name,
				column:     normalizeColumn(col),
				index:      appendIndex(path, i),
				typ:        f.Type,
				tag:        f.Tag,
				opts:       opts,
				transforms: refs,
			})
		}
		return nil
	}
	if err := walk(t, nil, ""); err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(leaves))
	for _, f := range leaves {
		counts[f.column]++
	}
	for _, f := range leaves {
		if counts[f.column] > 1 {
			m.ambiguous[f.column] = true
			continue
		}
		m.byColumn[f.column] = len(m.fields)
		m.fields = append(m.fields, f)
	}
	return m, nil
}

// childElem reports whether ft is a child collection and returns its element
// struct type.
func childElem(ft reflect.Type) (elem reflect.Type, ptr bool, ok bool) {
	if ft.Kind() != reflect.Slice {
		return nil, false, false
	}
	elem = ft.Elem()
	if elem.Kind() == reflect.Pointer {
		elem, ptr = elem.Elem(), true
	}
	if elem.Kind() != reflect.Struct || isSimple(elem) {
		return nil, false, false
	}
	return elem, ptr, true
}

// shouldFlatten decides whether to descend into ft (struct or *struct).
func shouldFlatten(ft reflect.Type) bool {
	if reflect.PointerTo(ft).Implements(scannerIface) || ft.Implements(scannerIface) {
		return false
	}
	tt := ft
	if tt.Kind() == reflect.Pointer {
		tt = tt.Elem()
	}
	if tt.Kind() != reflect.Struct {
		return false
	}
	return !isSimple(tt)
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// field returns the mapped field with the given Go name, case-insensitively.
func (m *model) field(name string) (*modelField, bool) {
	for i := range m.fields {
		if strings.EqualFold(m.fields[i].name, name) {
			return &m.fields[i], true
		}
	}
	return nil, false
}

// --------------------------------
// Utils
// --------------------------------

// normalizeColumn strips one level of identifier quoting and lowercases s.
func normalizeColumn(s string) string {
	s = strings.TrimSpace(s)
	if l := len(s); l >= 2 {
		switch s[0] {
		case '"':
			if s[l-1] == '"' {
				s = s[1 : l-1]
			}
		case '`':
			if s[l-1] == '`' {
				s = s[1 : l-1]
			}
		case '[':
			if s[l-1] == ']' {
				s = s[1 : l-1]
			}
		}
	}
	return strings.ToLower(s)
}

// fieldByIndexAlloc walks a struct by index path, allocating intermediate
// pointer nodes on the way (but NOT allocating the leaf pointer itself).
func fieldByIndexAlloc(root reflect.Value, path []int) reflect.Value {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			return f
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			v = f.Elem()
		} else {
			v = f
		}
	}
	return v
}
