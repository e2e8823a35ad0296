package sqlproc

import (
	"fmt"
	"reflect"
)

// strategyKind is the way rows are turned into values of a requested type.
type strategyKind uint8

const (
	strategyScalar    strategyKind = iota // first column of every row
	strategyEnum                          // first column, by member name or number
	strategyFlat                          // one struct per row
	strategyHierarchy                     // parent/child graph over several result sets
	strategyDynamic                       // Record or map[string]any per row
)

func (k strategyKind) String() string {
	switch k {
	case strategyScalar:
		return "scalar"
	case strategyEnum:
		return "enum"
	case strategyFlat:
		return "flat"
	case strategyHierarchy:
		return "hierarchy"
	case strategyDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

var (
	recordType = reflect.TypeFor[Record]()
	mapType    = reflect.TypeFor[map[string]any]()
)

// selectStrategy decides how t is materialized. It is a pure function of t;
// the engine memoizes it.
func selectStrategy(t reflect.Type) (strategyKind, error) {
	if t == recordType || t == mapType {
		return strategyDynamic, nil
	}
	base := unwrapNullable(t).base
	if _, ok := enumOf(base); ok {
		return strategyEnum, nil
	}
	if isSimple(base) {
		return strategyScalar, nil
	}
	if base.Kind() != reflect.Struct {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	m, err := buildModel(base)
	if err != nil {
		return 0, err
	}
	if len(m.children) > 0 {
		return strategyHierarchy, nil
	}
	return strategyFlat, nil
}

// modelType returns the struct type behind a flat or hierarchical target.
func modelType(t reflect.Type) reflect.Type {
	if t.Kind() == reflect.Pointer {
		return t.Elem()
	}
	return t
}
