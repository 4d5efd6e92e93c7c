package profile

import (
	"context"
	"fmt"
)

// Sink accepts a stream of rows with a fixed schema. Nothing written is
// visible to readers until Commit; Abort discards everything.
type Sink interface {
	Begin(ctx context.Context, schema *Schema) error
	Write(ctx context.Context, rows []Row) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// TableSink collects rows into memory.
type TableSink struct {
	Name      string
	table     *Table
	committed bool
}

// NewTableSink returns an in-memory sink whose table is available after Commit.
func NewTableSink(name string) *TableSink { return &TableSink{Name: name} }

func (s *TableSink) Begin(_ context.Context, schema *Schema) error {
	if s.table != nil {
		return fmt.Errorf("sink %s already begun", s.Name)
	}
	s.table = NewTable(s.Name, schema)
	return nil
}

func (s *TableSink) Write(_ context.Context, rows []Row) error {
	if s.table == nil {
		return fmt.Errorf("sink %s: write before begin", s.Name)
	}
	return s.table.Append(rows...)
}

func (s *TableSink) Commit(context.Context) error {
	if s.table == nil {
		return fmt.Errorf("sink %s: commit before begin", s.Name)
	}
	s.committed = true
	return nil
}

func (s *TableSink) Abort(context.Context) error {
	s.table = nil
	s.committed = false
	return nil
}

// Table returns the collected rows once committed.
func (s *TableSink) Table() (*Table, bool) {
	if !s.committed {
		return nil, false
	}
	return s.table, true
}

// Pending exposes the rows written so far, committed or not.
func (s *TableSink) Pending() *Table { return s.table }

// Tee fans one stream out to several sinks.
type Tee []Sink

func (t Tee) Begin(ctx context.Context, schema *Schema) error {
	for _, s := range t {
		if err := s.Begin(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Write(ctx context.Context, rows []Row) error {
	for _, s := range t {
		if err := s.Write(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Commit(ctx context.Context) error {
	for _, s := range t {
		if err := s.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Abort(ctx context.Context) error {
	var first error
	for _, s := range t {
		if err := s.Abort(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
