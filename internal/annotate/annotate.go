// Package annotate left-joins experimental metadata onto profiles.
package annotate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"cytoprofile/internal/profile"
)

// MetadataPrefix is added to carried metadata columns and to names that
// collide with a profile column.
const MetadataPrefix = "Metadata_"

// JoinPair matches a profile column against a metadata column.
type JoinPair struct {
	Profile  string `yaml:"profile"`
	Metadata string `yaml:"metadata"`
}

// Options control naming and column order.
type Options struct {
	// AddMetadataPrefix prefixes carried columns with MetadataPrefix unless
	// they already start with it.
	AddMetadataPrefix bool
	// MetadataFirst moves every metadata column ahead of the features.
	MetadataFirst bool
	Logger        *slog.Logger
}

// DefaultOptions mirrors the usual Cell Painting naming.
func DefaultOptions() Options {
	return Options{AddMetadataPrefix: true, MetadataFirst: true}
}

// Joiner holds an indexed metadata table.
type Joiner struct {
	meta  *profile.Table
	pairs []JoinPair
	opts  Options
	log   *slog.Logger

	keyIdx []int
	carry  []int
	index  map[string]int
}

// New validates the join pairs and indexes the metadata by the canonical text
// of every pair column. Rows with a NULL key are not indexed. Two rows sharing
// a key make the join ambiguous.
func New(meta *profile.Table, pairs []JoinPair, opts Options) (*Joiner, error) {
	if meta == nil {
		return nil, profile.Configf("annotation requires a metadata table")
	}
	if len(pairs) == 0 {
		return nil, profile.Configf("annotation requires at least one join pair")
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	j := &Joiner{meta: meta, pairs: append([]JoinPair(nil), pairs...), opts: opts, log: log.With(slog.String("stage", "annotate"))}
	joined := make(map[int]struct{}, len(pairs))
	for _, p := range pairs {
		if p.Profile == "" || p.Metadata == "" {
			return nil, profile.Configf("join pair %+v is incomplete", p)
		}
		idx, ok := meta.Schema.Index(p.Metadata)
		if !ok {
			return nil, profile.SchemaError{Table: meta.Name, Column: p.Metadata}
		}
		j.keyIdx = append(j.keyIdx, idx)
		joined[idx] = struct{}{}
	}
	for i := 0; i < meta.Schema.Len(); i++ {
		if _, ok := joined[i]; !ok {
			j.carry = append(j.carry, i)
		}
	}
	if err := j.buildIndex(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Joiner) buildIndex() error {
	rows := make(map[string][]int, len(j.meta.Rows))
	var order []string
	for n, r := range j.meta.Rows {
		k, ok := profile.JoinKey(pick(r, j.keyIdx)...)
		if !ok {
			continue
		}
		if _, seen := rows[k]; !seen {
			order = append(order, k)
		}
		rows[k] = append(rows[k], n)
	}
	j.index = make(map[string]int, len(rows))
	for _, k := range order {
		if hits := rows[k]; len(hits) > 1 {
			return profile.AmbiguousJoinError{Key: displayKey(pick(j.meta.Rows[hits[0]], j.keyIdx)), Rows: len(hits)}
		}
		j.index[k] = rows[k][0]
	}
	return nil
}

// binding is a Joiner applied to one input schema.
type binding struct {
	schema *profile.Schema
	keyIdx []int
	width  int
	remap  []int
}

// Schema returns the annotated schema for a profile schema.
func (j *Joiner) Schema(in *profile.Schema) (*profile.Schema, error) {
	b, err := j.bind(in)
	if err != nil {
		return nil, err
	}
	return b.schema, nil
}

func (j *Joiner) bind(in *profile.Schema) (*binding, error) {
	b := &binding{width: in.Len() + len(j.carry)}
	for _, p := range j.pairs {
		idx, ok := in.Index(p.Profile)
		if !ok {
			return nil, profile.SchemaError{Table: "profile", Column: p.Profile}
		}
		b.keyIdx = append(b.keyIdx, idx)
	}
	cols := in.Columns()
	taken := make(map[string]struct{}, b.width)
	for _, c := range cols {
		taken[c.Name] = struct{}{}
	}
	for _, mi := range j.carry {
		mc := j.meta.Schema.Column(mi)
		name := mc.Name
		if j.opts.AddMetadataPrefix && !strings.HasPrefix(name, MetadataPrefix) {
			name = MetadataPrefix + name
		}
		if _, clash := taken[name]; clash {
			name = MetadataPrefix + name
		}
		if _, clash := taken[name]; clash {
			return nil, profile.Configf("metadata column %s collides with profile column %s", mc.Name, name)
		}
		taken[name] = struct{}{}
		cols = append(cols, profile.Meta(name, mc.Type))
	}
	schema, err := profile.NewSchema(cols...)
	if err != nil {
		return nil, err
	}
	b.schema = schema
	if j.opts.MetadataFirst {
		b.schema, b.remap = schema.Canonical()
	}
	return b, nil
}

// row annotates one profile row. matched is false when no metadata row
// shares its key.
func (j *Joiner) row(b *binding, in profile.Row) (profile.Row, bool) {
	out := make(profile.Row, b.width)
	copy(out, in)
	matched := false
	if k, ok := profile.JoinKey(pick(in, b.keyIdx)...); ok {
		if mi, hit := j.index[k]; hit {
			src := j.meta.Rows[mi]
			for n, ci := range j.carry {
				out[len(in)+n] = src[ci]
			}
			matched = true
		}
	}
	if b.remap == nil {
		return out, matched
	}
	reordered := make(profile.Row, len(b.remap))
	for n, ci := range b.remap {
		reordered[n] = out[ci]
	}
	return reordered, matched
}

// Annotate returns a new table; the input is left untouched.
func (j *Joiner) Annotate(in *profile.Table) (*profile.Table, error) {
	b, err := j.bind(in.Schema)
	if err != nil {
		return nil, err
	}
	out := profile.NewTable(in.Name, b.schema)
	out.Rows = make([]profile.Row, len(in.Rows))
	unmatched := 0
	for n, r := range in.Rows {
		row, ok := j.row(b, r)
		if !ok {
			unmatched++
		}
		out.Rows[n] = row
	}
	j.logDone(int64(len(in.Rows)), int64(unmatched))
	return out, nil
}

func (j *Joiner) logDone(rows, unmatched int64) {
	attrs := []any{slog.String("metadata", j.meta.Name), slog.Int64("rows", rows), slog.Int64("unmatched", unmatched)}
	if unmatched > 0 {
		j.log.Warn("profile rows without metadata", attrs...)
		return
	}
	j.log.Info("annotation finished", attrs...)
}

// Writer annotates a row stream on its way to another sink.
type Writer struct {
	j         *Joiner
	next      profile.Sink
	b         *binding
	rows      int64
	unmatched int64
}

// Writer wraps next. It is itself a Sink so joiners can be chained.
func (j *Joiner) Writer(next profile.Sink) *Writer {
	return &Writer{j: j, next: next}
}

func (w *Writer) Begin(ctx context.Context, schema *profile.Schema) error {
	b, err := w.j.bind(schema)
	if err != nil {
		return err
	}
	w.b = b
	return w.next.Begin(ctx, b.schema)
}

func (w *Writer) Write(ctx context.Context, rows []profile.Row) error {
	if w.b == nil {
		return fmt.Errorf("annotate writer: write before begin")
	}
	out := make([]profile.Row, len(rows))
	for n, r := range rows {
		row, ok := w.j.row(w.b, r)
		if !ok {
			w.unmatched++
		}
		out[n] = row
	}
	w.rows += int64(len(rows))
	return w.next.Write(ctx, out)
}

func (w *Writer) Commit(ctx context.Context) error {
	if err := w.next.Commit(ctx); err != nil {
		return err
	}
	w.j.logDone(w.rows, w.unmatched)
	return nil
}

func (w *Writer) Abort(ctx context.Context) error { return w.next.Abort(ctx) }

// Rows reports how many rows passed through.
func (w *Writer) Rows() int64 { return w.rows }

// Unmatched reports how many rows found no metadata.
func (w *Writer) Unmatched() int64 { return w.unmatched }

func pick(r profile.Row, idx []int) []profile.Value {
	out := make([]profile.Value, len(idx))
	for n, i := range idx {
		out[n] = r[i]
	}
	return out
}

func displayKey(vals []profile.Value) string {
	parts := make([]string, len(vals))
	for n, v := range vals {
		parts[n] = v.String()
	}
	return strings.Join(parts, ",")
}
