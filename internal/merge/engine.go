// Package merge streams compartment tables into one row per leaf object. Each
// table is read in merge-key order one group at a time; within a group the
// leaf rows are hash-joined to each ancestor on the declared foreign keys and
// finally to the single image row.
package merge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"cytoprofile/internal/linker"
	"cytoprofile/internal/profile"
)

// DefaultChunkSize is the scan and write batch size.
const DefaultChunkSize = 1000

// Options tune the engine.
type Options struct {
	ChunkSize int
	// MaxGroupRows fails the merge when a single merge-key group of any table
	// holds more rows. Zero disables the guard.
	MaxGroupRows int
	Logger       *slog.Logger
}

// Result summarises a merge run.
type Result struct {
	Schema   *profile.Schema
	Rows     int64
	LeafRows int64
	Groups   int
}

// Engine merges the tables named by a plan.
type Engine struct {
	plan *linker.Plan
	src  Source
	opts Options
	log  *slog.Logger
}

// New constructs an engine. The plan must come from linker.Resolve against
// the same source.
func New(plan *linker.Plan, src Source, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{plan: plan, src: src, opts: opts, log: log.With(slog.String("stage", "merge"))}
}

// Schema returns the merged schema without reading rows.
func (e *Engine) Schema(ctx context.Context) (*profile.Schema, error) {
	lay, err := e.layout(ctx)
	if err != nil {
		return nil, err
	}
	return lay.schema, nil
}

func (e *Engine) layout(ctx context.Context) (*layout, error) {
	tables := append(e.plan.Compartments(), e.plan.Image)
	infos, err := Describe(ctx, e.src, tables...)
	if err != nil {
		return nil, err
	}
	return buildLayout(e.plan, infos)
}

type joinStep struct {
	linker.Step
	child, parent int // merge-order positions
	fkIdx, objIdx int
}

// Run streams merged rows into sink. It begins the sink but leaves Commit or
// Abort to the caller. The row count is checked against the leaf table; a
// mismatch returns the result alongside an IntegrityError.
func (e *Engine) Run(ctx context.Context, sink profile.Sink) (Result, error) {
	lay, err := e.layout(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{Schema: lay.schema}
	steps := e.joinSteps(lay)

	readers := make([]*groupReader, 0, len(lay.comps)+1)
	defer func() {
		for _, r := range readers {
			if cerr := r.close(); cerr != nil {
				e.log.Warn("close scan", slog.String("table", r.table), slog.Any("error", cerr))
			}
		}
	}()
	for _, tl := range append(append([]tableLayout(nil), lay.comps...), lay.image) {
		it, err := e.src.Scan(ctx, tl.table, ScanOptions{Columns: tl.scan, OrderBy: e.plan.MergeKeys, ChunkSize: e.opts.ChunkSize})
		if err != nil {
			return res, fmt.Errorf("scan %s: %w", tl.table, err)
		}
		readers = append(readers, newGroupReader(tl.table, it, tl.keyIdx, e.opts.MaxGroupRows))
	}

	if err := sink.Begin(ctx, lay.schema); err != nil {
		return res, fmt.Errorf("begin merged sink: %w", err)
	}
	leaf, image := readers[0], readers[len(readers)-1]
	pending := make([]profile.Row, 0, e.opts.ChunkSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := sink.Write(ctx, pending); err != nil {
			return fmt.Errorf("write merged rows: %w", err)
		}
		res.Rows += int64(len(pending))
		pending = make([]profile.Row, 0, e.opts.ChunkSize)
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := leaf.advance(ctx); err != nil {
			return res, err
		}
		if !leaf.ok {
			break
		}
		res.Groups++
		rows, err := e.joinGroup(ctx, lay, steps, readers, image, leaf.key, leaf.rows)
		if err != nil {
			return res, err
		}
		if dropped := len(leaf.rows) - len(rows); dropped > 0 {
			e.log.Debug("rows without a full ancestor chain", slog.String("key", keyText(leaf.key)), slog.Int("dropped", dropped))
		}
		pending = append(pending, rows...)
		if len(pending) >= e.opts.ChunkSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	res.LeafRows = leaf.read
	e.log.Info("merge finished",
		slog.String("leaf", e.plan.Leaf),
		slog.Int64("rows", res.Rows),
		slog.Int("groups", res.Groups),
		slog.Int("columns", lay.schema.Len()))
	if res.Rows != res.LeafRows {
		return res, profile.IntegrityError{Table: e.plan.Leaf, Expected: res.LeafRows, Actual: res.Rows}
	}
	return res, nil
}

func (e *Engine) joinSteps(lay *layout) []joinStep {
	pos := make(map[string]int, len(lay.comps))
	for i, tl := range lay.comps {
		pos[tl.table] = i
	}
	out := make([]joinStep, len(e.plan.Steps))
	for i, st := range e.plan.Steps {
		c, p := pos[st.Child], pos[st.Parent]
		out[i] = joinStep{
			Step:   st,
			child:  c,
			parent: p,
			fkIdx:  lay.comps[c].index[st.ChildColumn],
			objIdx: lay.comps[p].index[st.ParentColumn],
		}
	}
	return out
}

// joinGroup merges one merge-key group. Working rows hold the source row of
// every compartment reached so far, indexed by merge-order position.
func (e *Engine) joinGroup(ctx context.Context, lay *layout, steps []joinStep, readers []*groupReader, image *groupReader, key []profile.Value, leafRows []profile.Row) ([]profile.Row, error) {
	if _, ok := profile.JoinKey(key...); !ok {
		return nil, nil
	}
	work := make([][]profile.Row, len(leafRows))
	for i, r := range leafRows {
		w := make([]profile.Row, len(lay.comps))
		w[0] = r
		work[i] = w
	}
	for _, st := range steps {
		parents, err := readers[st.parent].seek(ctx, key)
		if err != nil {
			return nil, err
		}
		// build
		index := make(map[string]profile.Row, len(parents))
		for _, p := range parents {
			k, ok := profile.JoinKey(p[st.objIdx])
			if !ok {
				continue
			}
			if _, dup := index[k]; dup {
				return nil, profile.CardinalityError{Child: st.Child, Parent: st.Parent, Key: keyText(key) + "/" + k}
			}
			index[k] = p
		}
		// probe
		kept := work[:0]
		for _, w := range work {
			k, ok := profile.JoinKey(w[st.child][st.fkIdx])
			if !ok {
				continue
			}
			p, ok := index[k]
			if !ok {
				continue
			}
			w[st.parent] = p
			kept = append(kept, w)
		}
		work = kept
	}
	imgRows, err := image.seek(ctx, key)
	if err != nil {
		return nil, err
	}
	switch {
	case len(imgRows) > 1:
		return nil, profile.CardinalityError{Child: e.plan.Leaf, Parent: e.plan.Image, Key: keyText(key)}
	case len(imgRows) == 0:
		return nil, nil
	}
	img := imgRows[0]

	width := lay.schema.Len()
	out := make([]profile.Row, len(work))
	for i, w := range work {
		row := make(profile.Row, width)
		for c, tl := range lay.comps {
			for _, p := range tl.proj {
				row[p.dst] = w[c][p.src]
			}
		}
		for _, p := range lay.image.proj {
			row[p.dst] = img[p.src]
		}
		out[i] = row
	}
	return out, nil
}

func keyText(key []profile.Value) string {
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}
