package sqlproc

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Engine materializes result sets into Go values. It owns the metadata
// compiled for every type it has seen. A single Engine is safe for
// concurrent use.
type Engine struct {
	config Config
	cache  *typeCache
	log    *slog.Logger
}

// Config defines the transformers and caching behavior of an Engine.
type Config struct {
	// Transformers run on every field after the field's own transformers,
	// in registration order.
	Transformers []Transformer
	// Named registers transformers that `transform` tags can refer to. They
	// shadow the built-ins (trim, upper, lower).
	Named map[string]Transformer
	// PlanCacheSize bounds the number of (type, column layout) plans kept.
	// If <= 0, a default of 4096 is used.
	PlanCacheSize int
	// Isolated compiles fresh metadata for every call and caches nothing.
	// Meant for tests that must not observe each other's state.
	Isolated bool
	// Logger receives debug output about compilation and result-set
	// assignment. Nil discards it.
	Logger *slog.Logger
}

// Option tunes a single Materialize call.
type Option func(*callOptions)

type callOptions struct {
	transformers []Transformer
	order        []reflect.Type
}

// WithTransformers adds transformers that run after the engine-wide ones for
// this call only.
func WithTransformers(ts ...Transformer) Option {
	return func(o *callOptions) {
		o.transformers = append(o.transformers, ts...)
	}
}

// WithResultSetOrder declares which type each result set holds, in order,
// for hierarchical materialization. Each argument is a reflect.Type or a
// value of the type; pointers are dereferenced, so (*City)(nil) names City.
// Result sets past the declared ones are matched by columns.
func WithResultSetOrder(types ...any) Option {
	return func(o *callOptions) {
		for _, v := range types {
			t, ok := v.(reflect.Type)
			if !ok {
				t = reflect.TypeOf(v)
			}
			for t != nil && t.Kind() == reflect.Pointer {
				t = t.Elem()
			}
			if t != nil {
				o.order = append(o.order, t)
			}
		}
	}
}

// New returns a new Engine. Optionally provide a Config; unspecified fields
// fall back to defaults.
func New(cfg ...Config) *Engine {
	c := defaultConfig(cfg...)
	return &Engine{
		config: c,
		cache:  newTypeCache(c.PlanCacheSize),
		log:    c.Logger,
	}
}

var (
	defaultOnce   sync.Once
	defaultEngine *Engine
)

// Default returns the process-wide Engine, configured from the environment
// on first use (see ConfigFromEnv).
func Default() *Engine {
	defaultOnce.Do(func() {
		defaultEngine = New(ConfigFromEnv())
	})
	return defaultEngine
}

// defaultConfig merges user config with defaults.
func defaultConfig(config ...Config) Config {
	c := Config{}
	if len(config) > 0 {
		c = config[0]
	}
	if c.PlanCacheSize <= 0 {
		c.PlanCacheSize = cacheSize
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// reset drops every compiled entry.
func (e *Engine) reset() {
	e.cache = newTypeCache(e.config.PlanCacheSize)
}

// call carries the state of one Materialize invocation.
type call struct {
	engine *Engine
	cache  *typeCache
	extra  []Transformer
	order  []reflect.Type
	log    *slog.Logger
}

func (e *Engine) newCall(opts []Option) *call {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	c := &call{
		engine: e,
		cache:  e.cache,
		extra:  o.transformers,
		order:  o.order,
		log:    e.log,
	}
	if e.config.Isolated {
		c.cache = newTypeCache(e.config.PlanCacheSize)
	}
	return c
}

func (c *call) strategy(t reflect.Type) (strategyKind, error) {
	return loadOrBuild(c.cache, &c.cache.strategies, "strategy", t, func() (strategyKind, error) {
		k, err := selectStrategy(t)
		if err == nil {
			c.log.Debug("sqlproc: selected strategy", "type", t.String(), "strategy", k.String())
		}
		return k, err
	})
}

func (c *call) parser(t reflect.Type) (*objectParser, error) {
	return loadOrBuild(c.cache, &c.cache.parsers, "parser", t, func() (*objectParser, error) {
		return newObjectParser(t, c.engine.config, c.cache.plans, c.log)
	})
}

func (c *call) scalar(t reflect.Type) (*accessor, error) {
	return loadOrBuild(c.cache, &c.cache.scalars, "scalar", t, func() (*accessor, error) {
		return newAccessor(Attributes{Type: t}, t, c.engine.config.Transformers), nil
	})
}

func (c *call) hierarchy(t reflect.Type) (*hierarchy, error) {
	return loadOrBuild(c.cache, &c.cache.hierarchies, "hierarchy", t, func() (*hierarchy, error) {
		h, err := discoverHierarchy(t, c.parser)
		if err != nil {
			return nil, err
		}
		for _, n := range h.nodes[1:] {
			c.log.Debug("sqlproc: discovered child collection",
				"root", t.String(),
				"parent", h.nodes[n.parent].typ.String(),
				"field", n.child.name,
				"type", n.typ.String(),
				"key", h.nodes[n.parent].key.name,
				"fk", n.fk.name,
				"optional", n.optional)
		}
		return h, nil
	})
}

// Materialize reads cur into a slice of T.
//
// Scalars, enumerations and types with a Scan method read the first column
// of every row. Structs read one value per row, matching columns to fields by
// name. Structs holding child collections ([]Child or []*Child) read one
// result set per type of the graph and wire children onto their parents by
// key. Record and map[string]any read any row.
//
// A nil engine uses Default. When ctx is done, its error is returned
// unwrapped. The caller keeps ownership of cur.
func Materialize[T any](ctx context.Context, e *Engine, cur Cursor, opts ...Option) ([]T, error) {
	if e == nil {
		e = Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := e.newCall(opts)
	t := reflect.TypeFor[T]()

	kind, err := c.strategy(t)
	if err != nil {
		return nil, err
	}
	cols, err := cur.Columns()
	if err != nil {
		return nil, err
	}

	var vals []reflect.Value
	switch kind {
	case strategyDynamic:
		return materializeDynamic[T](ctx, c, cur, cols)
	case strategyScalar, strategyEnum:
		vals, err = c.readScalars(ctx, t, cur, cols)
	case strategyFlat:
		var p *objectParser
		if p, err = c.parser(modelType(t)); err == nil {
			vals, err = p.parse(ctx, cur, cols, c.extra)
		}
	case strategyHierarchy:
		var h *hierarchy
		if h, err = c.hierarchy(modelType(t)); err == nil {
			vals, err = h.materialize(ctx, c, cur, cols)
		}
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	if err != nil {
		return nil, err
	}

	out := make([]T, len(vals))
	isPtr := kind == strategyFlat || kind == strategyHierarchy
	for i, v := range vals {
		if isPtr && t.Kind() != reflect.Pointer {
			v = v.Elem()
		}
		out[i], _ = v.Interface().(T)
	}
	return out, nil
}

func (c *call) readScalars(ctx context.Context, t reflect.Type, cur Cursor, cols []Column) ([]reflect.Value, error) {
	if len(cols) == 0 {
		return nil, ErrNoColumns
	}
	a, err := c.scalar(t)
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
		if len(vals) == 0 {
			return nil, ErrNoColumns
		}
		dst := reflect.New(t).Elem()
		if err := a.assign(dst, vals[0], c.extra); err != nil {
			return nil, annotate(err, cols[0])
		}
		out = append(out, dst)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func materializeDynamic[T any](ctx context.Context, c *call, cur Cursor, cols []Column) ([]T, error) {
	ts := c.engine.config.Transformers
	if len(c.extra) > 0 {
		ts = append(ts[:len(ts):len(ts)], c.extra...)
	}
	recs, err := readRecords(ctx, cur, cols, ts)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(recs))
	for i, r := range recs {
		var v any = r
		if _, ok := any(out[i]).(map[string]any); ok {
			v = r.Map()
		}
		out[i], _ = v.(T)
	}
	return out, nil
}

// MatchesColumns reports whether a result set with the given columns
// satisfies every required field of T, and how many of the columns T would
// leave unused.
func MatchesColumns[T any](e *Engine, columns ...string) (bool, int, error) {
	if e == nil {
		e = Default()
	}
	return e.MatchesColumns(reflect.TypeFor[T](), columns...)
}

// MatchesColumns is the non-generic form of MatchesColumns.
func (e *Engine) MatchesColumns(t reflect.Type, columns ...string) (bool, int, error) {
	c := e.newCall(nil)
	kind, err := c.strategy(t)
	if err != nil {
		return false, 0, err
	}
	switch kind {
	case strategyFlat, strategyHierarchy:
		p, err := c.parser(modelType(t))
		if err != nil {
			return false, 0, err
		}
		ok, left := p.matchesColumns(columns)
		return ok, left, nil
	case strategyDynamic:
		return true, 0, nil
	}
	if len(columns) == 0 {
		return false, 0, nil
	}
	return true, len(columns) - 1, nil
}
