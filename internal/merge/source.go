package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cytoprofile/internal/profile"
)

// ColumnInfo describes a source column with its declared type. Type is
// profile.KindNull when the source cannot tell; such columns merge as
// metadata.
type ColumnInfo struct {
	Name string
	Type profile.Kind
}

// ScanOptions selects and orders the rows of one table.
type ScanOptions struct {
	Columns []string
	// OrderBy columns sort ascending with NULLs first; ties keep the
	// source's natural row order.
	OrderBy   []string
	ChunkSize int
}

// RowIterator yields rows in chunks. Next returns io.EOF once exhausted.
type RowIterator interface {
	Next(ctx context.Context) ([]profile.Row, error)
	Close() error
}

// Source is a tabular data source holding compartment and image tables.
type Source interface {
	Tables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]ColumnInfo, error)
	Scan(ctx context.Context, table string, opts ScanOptions) (RowIterator, error)
}

// TypeConflict is a column holding values whose storage class disagrees
// with its declared type, for example text in an INTEGER column.
type TypeConflict struct {
	Table    string
	Column   string
	Declared string
	Affinity string
	Found    []string
}

func (c TypeConflict) String() string {
	return fmt.Sprintf("%s.%s declared %s (%s affinity) stores %s", c.Table, c.Column, c.Declared, c.Affinity, strings.Join(c.Found, ","))
}

// AffinityChecker is implemented by sources that can report stored values
// disagreeing with a column's declared type. An empty column checks every
// column of the table.
type AffinityChecker interface {
	ConflictingAffinity(ctx context.Context, table, column string) ([]TypeConflict, error)
}

// Describe fetches the column lists of the named tables. A table missing from
// the source is a configuration error.
func Describe(ctx context.Context, src Source, tables ...string) (map[string][]ColumnInfo, error) {
	have, err := src.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	known := make(map[string]struct{}, len(have))
	for _, t := range have {
		known[t] = struct{}{}
	}
	out := make(map[string][]ColumnInfo, len(tables))
	for _, t := range tables {
		if _, ok := known[t]; !ok {
			return nil, profile.Configf("table %s not found in source (have %v)", t, sortedNames(have))
		}
		cols, err := src.Columns(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", t, err)
		}
		out[t] = cols
	}
	return out, nil
}

// ColumnNames flattens Describe output into the shape linker.Resolve takes.
func ColumnNames(infos map[string][]ColumnInfo) map[string][]string {
	out := make(map[string][]string, len(infos))
	for t, cols := range infos {
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = c.Name
		}
		out[t] = names
	}
	return out
}

func sortedNames(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
