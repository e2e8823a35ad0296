package sqlproc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSchemaMismatch     = errors.New("sqlproc: result set does not match type")
	ErrTypeMismatch       = errors.New("sqlproc: column type does not match field")
	ErrNullViolation      = errors.New("sqlproc: null not allowed")
	ErrHierarchy          = errors.New("sqlproc: hierarchy cannot be resolved")
	ErrTransform          = errors.New("sqlproc: transformer failed")
	ErrUnsupportedType    = errors.New("sqlproc: unsupported type")
	ErrUnknownTransformer = errors.New("sqlproc: unknown transformer")
	ErrFieldAmbiguous     = errors.New("sqlproc: ambiguous field name")
	ErrNoColumns          = errors.New("sqlproc: result set has no columns")
	ErrMoreThanOneRow     = errors.New("sqlproc: more than one row")
)

// SchemaMismatchError is returned when required fields of a type have no
// column in the current result set. Missing lists every absent field.
type SchemaMismatchError struct {
	Type    string
	Missing []string
	Columns []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("sqlproc: result set does not match %s: missing required field(s) %s (columns: %s)",
		e.Type, strings.Join(e.Missing, ", "), strings.Join(e.Columns, ", "))
}

func (e *SchemaMismatchError) Is(target error) bool { return target == ErrSchemaMismatch }

// TypeMismatchError is returned when a column value cannot be converted to
// the declared type of its field.
type TypeMismatchError struct {
	Type         string
	Field        string
	Column       string
	ColumnType   string // Go type of the value returned by the driver
	DatabaseType string // database type name, when the cursor reports one
	FieldType    string
	Cause        error
}

func (e *TypeMismatchError) Error() string {
	col := e.ColumnType
	if e.DatabaseType != "" {
		col = fmt.Sprintf("%s (%s)", e.ColumnType, e.DatabaseType)
	}
	msg := fmt.Sprintf("sqlproc: %s.%s: column %q of type %s cannot be assigned to %s",
		e.Type, e.Field, e.Column, col, e.FieldType)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

func (e *TypeMismatchError) Unwrap() error { return e.Cause }

// NullViolationError is returned when a database null reaches a field that
// cannot represent it.
type NullViolationError struct {
	Type   string
	Field  string
	Column string
}

func (e *NullViolationError) Error() string {
	return fmt.Sprintf("sqlproc: %s.%s: null not allowed (column %q); use a pointer or a null wrapper",
		e.Type, e.Field, e.Column)
}

func (e *NullViolationError) Is(target error) bool { return target == ErrNullViolation }

// HierarchyError reports a parent/child graph that cannot be resolved: no
// discoverable key, mismatched key types, or missing result sets.
type HierarchyError struct {
	Type   string
	Reason string
	Types  []string
}

func (e *HierarchyError) Error() string {
	if len(e.Types) > 0 {
		return fmt.Sprintf("sqlproc: hierarchy %s: %s: %s", e.Type, e.Reason, strings.Join(e.Types, ", "))
	}
	return fmt.Sprintf("sqlproc: hierarchy %s: %s", e.Type, e.Reason)
}

func (e *HierarchyError) Is(target error) bool { return target == ErrHierarchy }

// TransformError wraps an error returned by a transformer together with the
// field it was applied to.
type TransformError struct {
	Type        string
	Field       string
	Column      string
	Transformer string
	Cause       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("sqlproc: %s.%s (column %q): transformer %s: %v",
		e.Type, e.Field, e.Column, e.Transformer, e.Cause)
}

func (e *TransformError) Is(target error) bool { return target == ErrTransform }

func (e *TransformError) Unwrap() error { return e.Cause }
