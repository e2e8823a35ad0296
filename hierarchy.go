package sqlproc

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// hierarchyNode is one type of a parent/child graph.
type hierarchyNode struct {
	typ      reflect.Type
	parser   *objectParser
	parent   int        // index of the parent node, -1 for the root
	child    childField // collection field on the parent
	key      *modelField
	fk       *modelField
	optional bool
}

// hierarchy is the discovered graph of a root type, in breadth-first order.
type hierarchy struct {
	root  reflect.Type
	nodes []*hierarchyNode
}

func (h *hierarchy) typeNames(idx []int) []string {
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = h.nodes[n].typ.String()
	}
	return out
}

// discoverHierarchy walks root and every type reachable through child
// collections. parser returns the flat parser of a type.
func discoverHierarchy(root reflect.Type, parser func(reflect.Type) (*objectParser, error)) (*hierarchy, error) {
	rp, err := parser(root)
	if err != nil {
		return nil, err
	}
	h := &hierarchy{root: root}
	h.nodes = append(h.nodes, &hierarchyNode{typ: root, parser: rp, parent: -1})
	seen := map[reflect.Type]bool{root: true}

	for i := 0; i < len(h.nodes); i++ {
		n := h.nodes[i]
		m := n.parser.model
		if len(m.children) == 0 {
			continue
		}
		key, err := findKey(m)
		if err != nil {
			return nil, &HierarchyError{Type: root.String(), Reason: err.Error()}
		}
		n.key = key

		for _, ch := range m.children {
			if seen[ch.elem] {
				return nil, &HierarchyError{
					Type:   root.String(),
					Reason: fmt.Sprintf("type %s appears more than once in the graph", ch.elem),
				}
			}
			seen[ch.elem] = true

			cp, err := parser(ch.elem)
			if err != nil {
				return nil, err
			}
			fk, err := findForeignKey(m, ch, cp.model)
			if err != nil {
				return nil, &HierarchyError{Type: root.String(), Reason: err.Error()}
			}
			if err := checkKeyTypes(m, key, cp.model, fk); err != nil {
				return nil, &HierarchyError{Type: root.String(), Reason: err.Error()}
			}
			h.nodes = append(h.nodes, &hierarchyNode{
				typ:      ch.elem,
				parser:   cp,
				parent:   i,
				child:    ch,
				fk:       fk,
				optional: ch.optional || n.optional,
			})
		}
	}
	return h, nil
}

// findKey resolves the key of a parent type: the `key` tag, then a field
// named Id, then <Type>Id, then Keyed.
func findKey(m *model) (*modelField, error) {
	for i := range m.fields {
		if m.fields[i].opts.key {
			return &m.fields[i], nil
		}
	}
	if f, ok := m.field("Id"); ok {
		return f, nil
	}
	if f, ok := m.field(m.typ.Name() + "Id"); ok {
		return f, nil
	}
	if k, ok := reflect.New(m.typ).Interface().(Keyed); ok {
		name := k.KeyField()
		if f, ok := m.field(name); ok {
			return f, nil
		}
		return nil, fmt.Errorf("key field %q named by %s.KeyField is not mapped", name, m.typ)
	}
	return nil, fmt.Errorf("no key field found on %s", m.typ)
}

// findForeignKey resolves the field of the child type holding the parent
// key: the `fk` tag option, then Related, then <Parent>Id.
func findForeignKey(parent *model, ch childField, child *model) (*modelField, error) {
	name := ch.fk
	if name == "" {
		if r, ok := reflect.New(parent.typ).Interface().(Related); ok {
			name = lookupFold(r.ForeignKeyFields(), ch.name)
		}
	}
	if name == "" {
		name = parent.typ.Name() + "Id"
	}
	if f, ok := child.field(name); ok {
		return f, nil
	}
	return nil, fmt.Errorf("no foreign key field %q on %s for %s.%s", name, child.typ, parent.typ, ch.name)
}

func lookupFold(m map[string]string, key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// checkKeyTypes requires a key and its foreign key to share one comparable
// type, ignoring nullability.
func checkKeyTypes(pm *model, key *modelField, cm *model, fk *modelField) error {
	kt, ft := unwrapNullable(key.typ).base, unwrapNullable(fk.typ).base
	if kt != ft {
		return fmt.Errorf("key %s.%s (%s) and foreign key %s.%s (%s) have different types",
			pm.typ, key.name, key.typ, cm.typ, fk.name, fk.typ)
	}
	if !kt.Comparable() {
		return fmt.Errorf("key %s.%s has non-comparable type %s", pm.typ, key.name, key.typ)
	}
	return nil
}

// keyValue returns the value of f on obj with nullability removed. It
// reports false for a null key, which matches nothing.
func keyValue(obj reflect.Value, f *modelField) (any, bool) {
	v := fieldByIndexAlloc(obj, f.index)
	switch ni := unwrapNullable(f.typ); ni.kind {
	case nullPointer:
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	case nullWrapper:
		if !v.Field(ni.valid).Bool() {
			return nil, false
		}
		v = v.Field(ni.value)
	case nullReference:
		if v.IsNil() {
			return nil, false
		}
	}
	return v.Interface(), true
}

// --------------------------------
// Consume and assemble
// --------------------------------

// materialize reads the result sets of cur starting at the current one,
// assigns each to a node, and wires children onto their parents. It returns
// the root rows as *T values.
func (h *hierarchy) materialize(ctx context.Context, c *call, cur Cursor, cols []Column) ([]reflect.Value, error) {
	order, err := h.explicitOrder(c.order)
	if err != nil {
		return nil, err
	}

	pending := make([]int, len(h.nodes))
	for i := range pending {
		pending[i] = i
	}
	rows := make(map[int][]reflect.Value, len(h.nodes))

	for set := 0; ; set++ {
		if len(pending) == 0 {
			if cur.NextResultSet() {
				c.log.Debug("sqlproc: ignoring extra result sets", "type", h.root.String(), "from", set)
			}
			break
		}

		var pick int
		if len(order) > 0 {
			pick, order = order[0], order[1:]
		} else {
			pick = h.bestMatch(pending, cols)
		}

		if pick >= 0 {
			n := h.nodes[pick]
			out, err := n.parser.parse(ctx, cur, cols, c.extra)
			if err != nil {
				return nil, err
			}
			rows[pick] = out
			pending = removeIndex(pending, pick)
			c.log.Debug("sqlproc: result set assigned", "set", set, "type", n.typ.String(), "rows", len(out))
		} else {
			c.log.Debug("sqlproc: result set skipped", "set", set, "type", h.root.String(), "columns", len(cols))
		}

		if !cur.NextResultSet() {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cols, err = cur.Columns(); err != nil {
			return nil, err
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	var missing []int
	for _, i := range pending {
		if !h.nodes[i].optional {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, &HierarchyError{
			Type:   h.root.String(),
			Reason: "missing result set for type(s)",
			Types:  h.typeNames(missing),
		}
	}

	h.assemble(rows)
	return rows[0], nil
}

// explicitOrder maps the types of a WithResultSetOrder option to nodes.
func (h *hierarchy) explicitOrder(types []reflect.Type) ([]int, error) {
	if len(types) == 0 {
		return nil, nil
	}
	out := make([]int, 0, len(types))
	used := make(map[int]bool, len(types))
	for _, t := range types {
		idx := -1
		for i, n := range h.nodes {
			if n.typ == t {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, &HierarchyError{Type: h.root.String(), Reason: fmt.Sprintf("type %s is not part of the hierarchy", t)}
		}
		if used[idx] {
			return nil, &HierarchyError{Type: h.root.String(), Reason: fmt.Sprintf("type %s is listed twice in the result set order", t)}
		}
		used[idx] = true
		out = append(out, idx)
	}
	return out, nil
}

// bestMatch returns the pending node whose required fields are all present
// in cols and which leaves the fewest columns unused. Ties go to the node
// discovered first. It returns -1 when no node matches.
func (h *hierarchy) bestMatch(pending []int, cols []Column) int {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	best, bestLeft := -1, 0
	for _, i := range pending {
		ok, left := h.nodes[i].parser.matchesColumns(names)
		if !ok {
			continue
		}
		if best < 0 || left < bestLeft {
			best, bestLeft = i, left
		}
	}
	return best
}

// assemble sets every child collection on every parent row. Nodes are
// processed deepest first so that value-shaped collections copy children
// that already carry their own descendants.
func (h *hierarchy) assemble(rows map[int][]reflect.Value) {
	for i := len(h.nodes) - 1; i > 0; i-- {
		n := h.nodes[i]
		parent := h.nodes[n.parent]

		groups := make(map[any][]reflect.Value)
		for _, r := range rows[i] {
			if k, ok := keyValue(r.Elem(), n.fk); ok {
				groups[k] = append(groups[k], r)
			}
		}

		sliceType := reflect.SliceOf(n.typ)
		if n.child.ptrElems {
			sliceType = reflect.SliceOf(reflect.PointerTo(n.typ))
		}
		for _, p := range rows[n.parent] {
			var matched []reflect.Value
			if k, ok := keyValue(p.Elem(), parent.key); ok {
				matched = groups[k]
			}
			s := reflect.MakeSlice(sliceType, 0, len(matched))
			for _, m := range matched {
				if n.child.ptrElems {
					s = reflect.Append(s, m)
				} else {
					s = reflect.Append(s, m.Elem())
				}
			}
			fieldByIndexAlloc(p.Elem(), n.child.index).Set(s)
		}
	}
}

func removeIndex(s []int, v int) []int {
	for i, x := range s {
		if x == v {
			return append(s[:i:i], s[i+1:]...)
		}
	}
	return s
}
