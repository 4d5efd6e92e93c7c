// Package memory provides an in-memory merge source used by tests and by
// callers that already hold compartment tables in memory.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"cytoprofile/internal/merge"
	"cytoprofile/internal/profile"
)

// Compile-time contract assertion ensuring Source satisfies merge.Source.
var _ merge.Source = (*Source)(nil)

type table struct {
	columns []merge.ColumnInfo
	index   map[string]int
	rows    []profile.Row
}

// Source holds named tables. Rows keep their insertion order, which is the
// natural order used to break ties when scanning.
type Source struct {
	mu     sync.RWMutex
	tables map[string]*table
}

// New returns an empty source.
func New() *Source { return &Source{tables: make(map[string]*table)} }

// Add registers a table. Column types are inferred from the values.
func (s *Source) Add(name string, columns []string, rows ...profile.Row) error {
	t := &table{index: make(map[string]int, len(columns))}
	for i, c := range columns {
		if _, dup := t.index[c]; dup {
			return fmt.Errorf("table %s: duplicate column %s", name, c)
		}
		t.index[c] = i
		t.columns = append(t.columns, merge.ColumnInfo{Name: c})
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return fmt.Errorf("table %s row %d: width %d, want %d", name, i, len(r), len(columns))
		}
		t.rows = append(t.rows, r.Clone())
	}
	for i := range t.columns {
		vals := make([]profile.Value, len(t.rows))
		for j, r := range t.rows {
			vals[j] = r[i]
		}
		t.columns[i].Type = profile.InferKind(vals)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = t
	return nil
}

// AddTable registers a profile table under its own name.
func (s *Source) AddTable(tbl *profile.Table) error {
	return s.Add(tbl.Name, tbl.Schema.Names(), tbl.Rows...)
}

// Tables lists table names in sorted order.
func (s *Source) Tables(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tables))
	for name := range s.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Columns returns a table's column infos.
func (s *Source) Columns(_ context.Context, name string) ([]merge.ColumnInfo, error) {
	t, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return append([]merge.ColumnInfo(nil), t.columns...), nil
}

// Scan projects and stably sorts a snapshot of the table.
func (s *Source) Scan(_ context.Context, name string, opts merge.ScanOptions) (merge.RowIterator, error) {
	t, err := s.get(name)
	if err != nil {
		return nil, err
	}
	cols := opts.Columns
	if len(cols) == 0 {
		for _, c := range t.columns {
			cols = append(cols, c.Name)
		}
	}
	proj, err := t.positions(name, cols)
	if err != nil {
		return nil, err
	}
	order, err := t.positions(name, opts.OrderBy)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	rows := make([]profile.Row, len(t.rows))
	copy(rows, t.rows)
	s.mu.RUnlock()
	sort.SliceStable(rows, func(i, j int) bool {
		for _, idx := range order {
			if c := profile.Compare(rows[i][idx], rows[j][idx]); c != 0 {
				return c < 0
			}
		}
		return false
	})
	out := make([]profile.Row, len(rows))
	for i, r := range rows {
		pr := make(profile.Row, len(proj))
		for k, idx := range proj {
			pr[k] = r[idx]
		}
		out[i] = pr
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = merge.DefaultChunkSize
	}
	return &iterator{rows: out, chunk: chunk}, nil
}

func (s *Source) get(name string) (*table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s not found", name)
	}
	return t, nil
}

func (t *table) positions(name string, cols []string) ([]int, error) {
	out := make([]int, len(cols))
	for i, c := range cols {
		idx, ok := t.index[c]
		if !ok {
			return nil, profile.SchemaError{Table: name, Column: c}
		}
		out[i] = idx
	}
	return out, nil
}

type iterator struct {
	rows   []profile.Row
	chunk  int
	pos    int
	closed bool
}

func (it *iterator) Next(ctx context.Context) ([]profile.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.closed || it.pos >= len(it.rows) {
		return nil, io.EOF
	}
	end := it.pos + it.chunk
	if end > len(it.rows) {
		end = len(it.rows)
	}
	out := it.rows[it.pos:end]
	it.pos = end
	return out, nil
}

func (it *iterator) Close() error {
	it.closed = true
	return nil
}
