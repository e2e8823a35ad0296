package sqlproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
)

// objectParser materializes one struct type from a result set. It owns the
// accessors of the type's mapped fields.
type objectParser struct {
	model     *model
	accessors []*accessor // parallel to model.fields
	plans     *planCache
}

// rowStep assigns the column at ordinal to model field field.
type rowStep struct {
	ordinal int
	field   int
}

// rowPlan is a parser bound to one column layout. Steps are ordered by
// ordinal. It is immutable and shared across calls.
type rowPlan struct {
	steps []rowStep
}

func newObjectParser(t reflect.Type, cfg Config, plans *planCache, log *slog.Logger) (*objectParser, error) {
	m, err := buildModel(t)
	if err != nil {
		return nil, err
	}
	p := &objectParser{
		model:     m,
		accessors: make([]*accessor, len(m.fields)),
		plans:     plans,
	}
	for i, f := range m.fields {
		chain, err := resolveTransformers(f.transforms, cfg.Named)
		if err != nil {
			return nil, fmt.Errorf("sqlproc: %s.%s: %w", t, f.name, err)
		}
		chain = append(chain, cfg.Transformers...)
		attrs := Attributes{
			Type:     t,
			Field:    f.name,
			Column:   f.column,
			Optional: f.opts.optional,
			Key:      f.opts.key,
			Convert:  f.opts.convert,
			Tag:      f.tag,
		}
		p.accessors[i] = newAccessor(attrs, f.typ, chain)
	}
	log.Debug("sqlproc: compiled parser",
		"type", t.String(),
		"fields", len(m.fields),
		"children", len(m.children),
		"ambiguous", len(m.ambiguous))
	return p, nil
}

// bind resolves the parser against cols. It fails when a column maps to an
// ambiguous field or when any required field has no column.
func (p *objectParser) bind(cols []Column) (*rowPlan, error) {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = normalizeColumn(c.Name)
	}
	key := planKey{dstType: p.model.typ, sig: columnsSignature(names)}
	if plan, ok := p.plans.get(key); ok {
		return plan, nil
	}

	plan := &rowPlan{steps: make([]rowStep, 0, len(p.model.fields))}
	bound := make([]bool, len(p.model.fields))
	for ordinal, name := range names {
		if p.model.ambiguous[name] {
			return nil, fmt.Errorf("%w: %q in %s", ErrFieldAmbiguous, cols[ordinal].Name, p.model.typ)
		}
		fi, ok := p.model.byColumn[name]
		if !ok || bound[fi] {
			continue
		}
		bound[fi] = true
		plan.steps = append(plan.steps, rowStep{ordinal: ordinal, field: fi})
	}

	var missing []string
	for i, f := range p.model.fields {
		if !bound[i] && !f.opts.optional {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		colNames := make([]string, len(cols))
		for i, c := range cols {
			colNames[i] = c.Name
		}
		return nil, &SchemaMismatchError{Type: p.model.typ.String(), Missing: missing, Columns: colNames}
	}

	p.plans.put(key, plan)
	return plan, nil
}

// parse reads every remaining row of the current result set into a new
// *T each. ctx is checked before every row.
func (p *objectParser) parse(ctx context.Context, cur Cursor, cols []Column, extra []Transformer) ([]reflect.Value, error) {
	plan, err := p.bind(cols)
	if err != nil {
		return nil, err
	}
	var out []reflect.Value
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !cur.Next() {
			break
		}
		vals, err := cur.Values()
		if err != nil {
			return nil, err
		}
		obj := reflect.New(p.model.typ)
		if err := p.fill(obj.Elem(), plan, cols, vals, extra); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// fill reads from cols rather than the plan: plans are shared by every
// result set with the same column names, whatever their database types.
func (p *objectParser) fill(dst reflect.Value, plan *rowPlan, cols []Column, vals []any, extra []Transformer) error {
	for _, s := range plan.steps {
		if s.ordinal >= len(vals) {
			return fmt.Errorf("sqlproc: row has %d values, column %q is at %d", len(vals), cols[s.ordinal].Name, s.ordinal)
		}
		fv := fieldByIndexAlloc(dst, p.model.fields[s.field].index)
		if err := p.accessors[s.field].assign(fv, vals[s.ordinal], extra); err != nil {
			return annotate(err, cols[s.ordinal])
		}
	}
	return nil
}

// matchesColumns reports whether names satisfy every required field, and how
// many of names the type would not consume.
func (p *objectParser) matchesColumns(names []string) (bool, int) {
	present := make([]bool, len(p.model.fields))
	leftover := 0
	for _, n := range names {
		fi, ok := p.model.byColumn[normalizeColumn(n)]
		if !ok || present[fi] {
			leftover++
			continue
		}
		present[fi] = true
	}
	for i, f := range p.model.fields {
		if !present[i] && !f.opts.optional {
			return false, leftover
		}
	}
	return true, leftover
}

// annotate fills in the column details that only the bound result set knows.
func annotate(err error, col Column) error {
	var tm *TypeMismatchError
	if errors.As(err, &tm) {
		tm.Column = col.Name
		tm.DatabaseType = col.DatabaseType
		return err
	}
	var nv *NullViolationError
	if errors.As(err, &nv) {
		nv.Column = col.Name
		return err
	}
	var te *TransformError
	if errors.As(err, &te) {
		te.Column = col.Name
	}
	return err
}
