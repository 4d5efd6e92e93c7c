package profile

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching of the typed errors below.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrSchema           = errors.New("schema error")
	ErrCardinality      = errors.New("cardinality error")
	ErrIntegrity        = errors.New("integrity error")
	ErrAmbiguousJoin    = errors.New("ambiguous join")
	ErrDegenerateColumn = errors.New("degenerate column")
)

// ConfigurationError reports a link graph or join-key misconfiguration. It is
// raised before any row is read.
type ConfigurationError struct {
	Reason string
}

// Configf builds a ConfigurationError.
func Configf(format string, args ...any) error {
	return ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

func (e ConfigurationError) Error() string { return "configuration: " + e.Reason }

func (e ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// SchemaError reports a configured column missing from its table.
type SchemaError struct {
	Table  string
	Column string
}

func (e SchemaError) Error() string {
	return fmt.Sprintf("schema: column %q not found in %s", e.Column, e.Table)
}

func (e SchemaError) Is(target error) bool { return target == ErrSchema }

// CardinalityError reports a merge step that is not many-to-one.
type CardinalityError struct {
	Child  string
	Parent string
	Key    string
}

func (e CardinalityError) Error() string {
	return fmt.Sprintf("cardinality: %s -> %s is not many-to-one (duplicate parent key %s)", e.Child, e.Parent, e.Key)
}

func (e CardinalityError) Is(target error) bool { return target == ErrCardinality }

// IntegrityError reports merged output diverging from the leaf row count.
type IntegrityError struct {
	Table    string
	Expected int64
	Actual   int64
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("integrity: merged %d rows, %s has %d", e.Actual, e.Table, e.Expected)
}

func (e IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// AmbiguousJoinError reports a metadata key combination held by several rows.
type AmbiguousJoinError struct {
	Key  string
	Rows int
}

func (e AmbiguousJoinError) Error() string {
	return fmt.Sprintf("ambiguous join: metadata key %q matches %d rows", e.Key, e.Rows)
}

func (e AmbiguousJoinError) Is(target error) bool { return target == ErrAmbiguousJoin }

// DegenerateColumnError records a feature whose population scale is zero.
// It is recoverable: the normalizer drops the column and continues.
type DegenerateColumnError struct {
	Column string
	Method string
}

func (e DegenerateColumnError) Error() string {
	return fmt.Sprintf("degenerate column %s: zero scale under %s", e.Column, e.Method)
}

func (e DegenerateColumnError) Is(target error) bool { return target == ErrDegenerateColumn }
