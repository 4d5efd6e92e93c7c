package merge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cytoprofile/internal/profile"
)

// groupReader turns an ordered row stream into consecutive merge-key groups.
// It holds at most one group plus the chunk it is reading from.
type groupReader struct {
	table   string
	it      RowIterator
	keyIdx  []int
	maxRows int

	chunk []profile.Row
	pos   int
	eof   bool

	started bool
	ok      bool
	key     []profile.Value
	rows    []profile.Row
	read    int64
}

func newGroupReader(table string, it RowIterator, keyIdx []int, maxRows int) *groupReader {
	return &groupReader{table: table, it: it, keyIdx: keyIdx, maxRows: maxRows}
}

func (g *groupReader) keyOf(r profile.Row) []profile.Value {
	k := make([]profile.Value, len(g.keyIdx))
	for i, idx := range g.keyIdx {
		k[i] = r[idx]
	}
	return k
}

func (g *groupReader) peek(ctx context.Context) (profile.Row, bool, error) {
	for g.pos >= len(g.chunk) {
		if g.eof {
			return nil, false, nil
		}
		chunk, err := g.it.Next(ctx)
		if errors.Is(err, io.EOF) {
			g.eof = true
			g.chunk, g.pos = nil, 0
			if len(chunk) == 0 {
				return nil, false, nil
			}
			g.chunk = chunk
			break
		}
		if err != nil {
			return nil, false, fmt.Errorf("scan %s: %w", g.table, err)
		}
		g.chunk, g.pos = chunk, 0
	}
	return g.chunk[g.pos], true, nil
}

// advance loads the next group. ok turns false at the end of the stream.
func (g *groupReader) advance(ctx context.Context) error {
	g.started = true
	first, ok, err := g.peek(ctx)
	if err != nil {
		return err
	}
	if !ok {
		g.ok, g.key, g.rows = false, nil, nil
		return nil
	}
	key := g.keyOf(first)
	if g.ok && profile.CompareKeys(key, g.key) <= 0 {
		return fmt.Errorf("table %s is not ordered by merge keys: %v after %v", g.table, key, g.key)
	}
	rows := make([]profile.Row, 0, 1)
	for {
		r, ok, err := g.peek(ctx)
		if err != nil {
			return err
		}
		if !ok || profile.CompareKeys(g.keyOf(r), key) != 0 {
			break
		}
		rows = append(rows, r)
		g.pos++
		if g.maxRows > 0 && len(rows) > g.maxRows {
			return fmt.Errorf("table %s: merge-key group %v exceeds %d rows", g.table, key, g.maxRows)
		}
	}
	g.read += int64(len(rows))
	g.ok, g.key, g.rows = true, key, rows
	return nil
}

// seek moves forward to the group with the given key. It returns the rows of
// that group, or nil when the table has no rows for it.
func (g *groupReader) seek(ctx context.Context, key []profile.Value) ([]profile.Row, error) {
	if !g.started {
		if err := g.advance(ctx); err != nil {
			return nil, err
		}
	}
	for g.ok && profile.CompareKeys(g.key, key) < 0 {
		if err := g.advance(ctx); err != nil {
			return nil, err
		}
	}
	if g.ok && profile.CompareKeys(g.key, key) == 0 {
		return g.rows, nil
	}
	return nil, nil
}

func (g *groupReader) close() error { return g.it.Close() }
