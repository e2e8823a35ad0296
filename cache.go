package sqlproc

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

const cacheSize = 4096 // Default size for the bound-plan cache

// typeCache holds the per-type metadata of an engine. Entries are built once,
// published, and never mutated; build errors are stored too so that an
// invalid type fails the same way on every use.
type typeCache struct {
	strategies  sync.Map // reflect.Type -> built[strategyKind]
	parsers     sync.Map // reflect.Type -> built[*objectParser]
	scalars     sync.Map // reflect.Type -> built[*accessor]
	hierarchies sync.Map // reflect.Type -> built[*hierarchy]

	group  singleflight.Group
	builds atomic.Int64
	plans  *planCache
}

type built[V any] struct {
	v   V
	err error
}

func newTypeCache(planSize int) *typeCache {
	return &typeCache{plans: newPlanCache(planSize)}
}

// loadOrBuild returns the entry for t in m, building it at most once even
// under concurrent first use.
func loadOrBuild[V any](c *typeCache, m *sync.Map, kind string, t reflect.Type, build func() (V, error)) (V, error) {
	if r, ok := m.Load(t); ok {
		b := r.(built[V])
		return b.v, b.err
	}
	r, _, _ := c.group.Do(fmt.Sprintf("%s:%p", kind, t), func() (any, error) {
		if r, ok := m.Load(t); ok {
			return r, nil
		}
		v, err := build()
		b := built[V]{v: v, err: err}
		c.builds.Add(1)
		m.Store(t, b)
		return b, nil
	})
	b := r.(built[V])
	return b.v, b.err
}

// --------------------------------
// Bound plans
// --------------------------------

// planKey identifies a rowPlan by model type and the column signature.
type planKey struct {
	dstType reflect.Type
	sig     string
}

// planCache implements a two-tier cache for rowPlan.
// It bounds memory by rotating the hot and previous generations.
type planCache struct {
	mu   sync.RWMutex
	curr map[planKey]*rowPlan
	prev map[planKey]*rowPlan
	max  int
}

// newPlanCache creates a new two-tier plan cache with a max size hint.
func newPlanCache(max int) *planCache {
	if max <= 0 {
		max = cacheSize
	}
	return &planCache{
		curr: make(map[planKey]*rowPlan, max/2),
		prev: make(map[planKey]*rowPlan),
		max:  max,
	}
}

// get returns the cached rowPlan for key if present, promoting it to the
// current generation when found in the previous one.
func (c *planCache) get(k planKey) (*rowPlan, bool) {
	c.mu.RLock()
	if p, ok := c.curr[k]; ok {
		c.mu.RUnlock()
		return p, true
	}
	if p, ok := c.prev[k]; ok {
		c.mu.RUnlock()
		c.mu.Lock()
		c.rotate()
		c.curr[k] = p
		c.mu.Unlock()
		return p, true
	}
	c.mu.RUnlock()
	return nil, false
}

// put stores the rowPlan for the given key, rotating generations if needed.
func (c *planCache) put(k planKey, p *rowPlan) {
	c.mu.Lock()
	c.rotate()
	c.curr[k] = p
	c.mu.Unlock()
}

func (c *planCache) rotate() {
	if len(c.curr) >= c.max {
		c.prev = c.curr
		c.curr = make(map[planKey]*rowPlan, c.max/2)
	}
}

// len reports the number of plans in both generations.
func (c *planCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.curr) + len(c.prev)
}

// columnsSignature returns a stable signature string for an ordered list of
// column names, joined by the unit separator.
func columnsSignature(cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	const sep = "\x1f" // unit separator; unlikely to appear in column names
	var b strings.Builder
	total := 0
	for _, c := range cols {
		total += len(c) + 1
	}
	b.Grow(total)
	for i, c := range cols {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(c)
	}
	return b.String()
}
