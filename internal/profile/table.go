package profile

import "fmt"

// Row is one record aligned to a Schema.
type Row []Value

// Clone copies the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Table is a materialized row-major relation.
type Table struct {
	Name   string
	Schema *Schema
	Rows   []Row
}

// NewTable returns an empty table over schema.
func NewTable(name string, schema *Schema) *Table {
	return &Table{Name: name, Schema: schema}
}

func (t *Table) Len() int { return len(t.Rows) }

// Append adds a row after checking its width.
func (t *Table) Append(rows ...Row) error {
	for _, r := range rows {
		if len(r) != t.Schema.Len() {
			return fmt.Errorf("table %s: row has %d values, schema has %d columns", t.Name, len(r), t.Schema.Len())
		}
		t.Rows = append(t.Rows, r)
	}
	return nil
}

// Column returns a copy of the named column's values.
func (t *Table) Column(name string) ([]Value, error) {
	idx, ok := t.Schema.Index(name)
	if !ok {
		return nil, SchemaError{Table: t.Name, Column: name}
	}
	out := make([]Value, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[idx]
	}
	return out, nil
}

// Floats returns the named column as float64 with NaN for NULL and
// non-numeric cells.
func (t *Table) Floats(name string) ([]float64, error) {
	idx, ok := t.Schema.Index(name)
	if !ok {
		return nil, SchemaError{Table: t.Name, Column: name}
	}
	return t.floatsAt(idx), nil
}

func (t *Table) floatsAt(idx int) []float64 {
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		f, ok := r[idx].Float()
		if !ok {
			f = nan
		}
		out[i] = f
	}
	return out
}

// Drop returns a new table without the named columns. Rows are copied.
func (t *Table) Drop(names ...string) *Table {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	schema, keep := t.Schema.Without(drop)
	return t.remap(schema, keep)
}

// Canonical returns a copy ordered metadata first, then features.
func (t *Table) Canonical() *Table {
	schema, order := t.Schema.Canonical()
	return t.remap(schema, order)
}

// Clone deep-copies rows; the schema is shared since it is immutable.
func (t *Table) Clone() *Table {
	out := &Table{Name: t.Name, Schema: t.Schema, Rows: make([]Row, len(t.Rows))}
	for i, r := range t.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

func (t *Table) remap(schema *Schema, src []int) *Table {
	out := &Table{Name: t.Name, Schema: schema, Rows: make([]Row, len(t.Rows))}
	for i, r := range t.Rows {
		nr := make(Row, len(src))
		for j, s := range src {
			nr[j] = r[s]
		}
		out.Rows[i] = nr
	}
	return out
}
