// Package pipeline runs merge, annotation, normalization and feature
// selection in order and finalizes one sink per stage.
//
// Merge and annotation stream together: the merged rows are teed into the
// merged sink and through every annotation writer into the annotated sink.
// Both commit only after the merged row count matches the leaf table.
// Normalization and selection then work on the materialized annotated table.
// The first failure stops the run and every sink not yet committed is
// aborted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cytoprofile/internal/annotate"
	"cytoprofile/internal/featureselect"
	"cytoprofile/internal/linker"
	"cytoprofile/internal/merge"
	"cytoprofile/internal/normalize"
	"cytoprofile/internal/observability"
	"cytoprofile/internal/profile"
)

// Stage names used for spans, metrics and log attributes.
const (
	StageLink      = "link"
	StagePreflight = "preflight"
	StageMerge     = "merge"
	StageNormalize = "normalize"
	StageSelect    = "select"
)

// MetadataJoin is one external table joined onto the merged profiles.
type MetadataJoin struct {
	Table  *profile.Table
	JoinOn []annotate.JoinPair
}

// Sinks receive the four stage outputs.
type Sinks struct {
	Merged     profile.Sink
	Annotated  profile.Sink
	Normalized profile.Sink
	Selected   profile.Sink
}

// Request is everything one run needs.
type Request struct {
	Source merge.Source
	Link   linker.Config

	ChunkSize    int
	MaxGroupRows int
	// CheckAffinity runs ConflictingAffinity on every table before merging
	// when the source supports it. Conflicts are logged, not fatal.
	CheckAffinity bool

	// Metadata tables are joined in order.
	Metadata  []MetadataJoin
	Annotate  annotate.Options
	Normalize normalize.Config
	Select    featureselect.Config
	Sinks     Sinks

	Logger  *slog.Logger
	Metrics *observability.Recorder
	Tracer  observability.Tracer
}

// Result reports what each stage did.
type Result struct {
	Merge     merge.Result
	Annotated int64
	// Unmatched counts annotated rows without metadata, per join.
	Unmatched []int64
	Conflicts []merge.TypeConflict
	Normalize *normalize.Result
	Select    *featureselect.Result
}

// trackedSink remembers whether the wrapped sink committed so a failed run
// aborts only what is still pending.
type trackedSink struct {
	profile.Sink
	name      string
	committed bool
}

func (t *trackedSink) Commit(ctx context.Context) error {
	if err := t.Sink.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", t.name, err)
	}
	t.committed = true
	return nil
}

type runner struct {
	req     Request
	log     *slog.Logger
	tracer  observability.Tracer
	metrics *observability.Recorder
	sinks   []*trackedSink
}

// Run executes the pipeline.
func Run(ctx context.Context, req Request) (Result, error) {
	r := &runner{req: req, log: req.Logger, tracer: req.Tracer, metrics: req.Metrics}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.tracer == nil {
		r.tracer = observability.NoopTracer{}
	}
	started := time.Now()
	res, err := r.run(ctx)
	if err != nil {
		if aerr := r.abort(context.WithoutCancel(ctx)); aerr != nil {
			r.log.Warn("abort sinks", slog.Any("error", aerr))
		}
		r.metrics.Finish(false)
		r.log.Error("pipeline failed", slog.Any("error", err), slog.Duration("elapsed", time.Since(started)))
		return res, err
	}
	r.metrics.Finish(true)
	r.log.Info("pipeline finished",
		slog.Int64("rows", res.Merge.Rows),
		slog.Int("features", len(res.Select.Table.Schema.Features())),
		slog.Duration("elapsed", time.Since(started)))
	return res, nil
}

func (r *runner) run(ctx context.Context) (Result, error) {
	var res Result
	if err := r.validate(); err != nil {
		return res, err
	}
	sinks := r.req.Sinks
	merged := r.track("merged", sinks.Merged)
	annotated := r.track("annotated", sinks.Annotated)
	normalized := r.track("normalized", sinks.Normalized)
	selected := r.track("selected", sinks.Selected)

	var plan *linker.Plan
	err := r.stage(ctx, StageLink, func(ctx context.Context) error {
		cfg := r.req.Link
		tables := append(append([]string(nil), cfg.Compartments...), cfg.ImageTable)
		infos, err := merge.Describe(ctx, r.req.Source, tables...)
		if err != nil {
			return err
		}
		plan, err = linker.Resolve(cfg, merge.ColumnNames(infos))
		return err
	})
	if err != nil {
		return res, err
	}

	if r.req.CheckAffinity {
		if checker, ok := r.req.Source.(merge.AffinityChecker); ok {
			err := r.stage(ctx, StagePreflight, func(ctx context.Context) error {
				for _, table := range append(plan.Compartments(), plan.Image) {
					found, err := checker.ConflictingAffinity(ctx, table, "")
					if err != nil {
						return fmt.Errorf("affinity check %s: %w", table, err)
					}
					res.Conflicts = append(res.Conflicts, found...)
				}
				return nil
			})
			if err != nil {
				return res, err
			}
		}
	}

	engine := merge.New(plan, r.req.Source, merge.Options{
		ChunkSize:    r.req.ChunkSize,
		MaxGroupRows: r.req.MaxGroupRows,
		Logger:       r.log,
	})
	joiners, err := r.joiners()
	if err != nil {
		return res, err
	}
	normCfg, selCfg := r.req.Normalize, r.req.Select
	if normCfg.Logger == nil {
		normCfg.Logger = r.log
	}
	if selCfg.Logger == nil {
		selCfg.Logger = r.log
	}
	if err := r.preflight(ctx, engine, joiners, normCfg, selCfg); err != nil {
		return res, err
	}

	table := profile.NewTableSink("annotated")
	var downstream profile.Sink = profile.Tee{annotated, table}
	writers := make([]*annotate.Writer, len(joiners))
	for i := len(joiners) - 1; i >= 0; i-- {
		writers[i] = joiners[i].Writer(downstream)
		downstream = writers[i]
	}
	err = r.stage(ctx, StageMerge, func(ctx context.Context) error {
		stream := profile.Tee{merged, downstream}
		mres, err := engine.Run(ctx, stream)
		res.Merge = mres
		if err != nil {
			return err
		}
		return stream.Commit(ctx)
	})
	if err != nil {
		return res, err
	}
	ann, _ := table.Table()
	res.Annotated = int64(ann.Len())
	for _, w := range writers {
		res.Unmatched = append(res.Unmatched, w.Unmatched())
	}
	r.metrics.AddRows(StageMerge, res.Merge.Rows)
	r.metrics.AddRows("annotate", res.Annotated)

	err = r.stage(ctx, StageNormalize, func(ctx context.Context) error {
		nres, err := normalize.Normalize(ann, normCfg)
		if err != nil {
			return err
		}
		res.Normalize = nres
		r.metrics.AddRemoved(StageNormalize, len(nres.Dropped))
		return r.emit(ctx, normalized, nres.Table)
	})
	if err != nil {
		return res, err
	}
	r.metrics.AddRows(StageNormalize, int64(res.Normalize.Table.Len()))

	err = r.stage(ctx, StageSelect, func(ctx context.Context) error {
		sres, err := featureselect.Select(ctx, res.Normalize.Table, selCfg)
		if err != nil {
			return err
		}
		res.Select = sres
		for _, rm := range sres.Removed {
			r.metrics.AddRemoved(string(rm.Operation), 1)
		}
		return r.emit(ctx, selected, sres.Table)
	})
	if err != nil {
		return res, err
	}
	r.metrics.AddRows(StageSelect, int64(res.Select.Table.Len()))
	return res, nil
}

func (r *runner) validate() error {
	req := r.req
	if req.Source == nil {
		return profile.Configf("pipeline requires a source")
	}
	s := req.Sinks
	if s.Merged == nil || s.Annotated == nil || s.Normalized == nil || s.Selected == nil {
		return profile.Configf("pipeline requires merged, annotated, normalized and selected sinks")
	}
	if len(req.Metadata) == 0 {
		return profile.Configf("pipeline requires at least one metadata table")
	}
	return nil
}

func (r *runner) track(name string, s profile.Sink) *trackedSink {
	t := &trackedSink{Sink: s, name: name}
	r.sinks = append(r.sinks, t)
	return t
}

func (r *runner) joiners() ([]*annotate.Joiner, error) {
	opts := r.req.Annotate
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	out := make([]*annotate.Joiner, 0, len(r.req.Metadata))
	for i, m := range r.req.Metadata {
		j, err := annotate.New(m.Table, m.JoinOn, opts)
		if err != nil {
			return nil, fmt.Errorf("metadata %d: %w", i, err)
		}
		out = append(out, j)
	}
	return out, nil
}

// preflight derives every stage schema and checks the stage configs against
// them before any row is read or any sink begun.
func (r *runner) preflight(ctx context.Context, engine *merge.Engine, joiners []*annotate.Joiner, normCfg normalize.Config, selCfg featureselect.Config) error {
	schema, err := engine.Schema(ctx)
	if err != nil {
		return err
	}
	for _, j := range joiners {
		if schema, err = j.Schema(schema); err != nil {
			return err
		}
	}
	if err := normCfg.Check(schema); err != nil {
		return err
	}
	return selCfg.Check(schema)
}

func (r *runner) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	started := time.Now()
	ctx, span := r.tracer.Start(ctx, name)
	err := fn(ctx)
	span.End(err)
	r.metrics.Observe(ctx, name, err == nil, time.Since(started))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	r.log.Debug("stage finished", slog.String("stage", name), slog.Duration("elapsed", time.Since(started)))
	return nil
}

// emit writes a materialized table to sink in chunks and commits it.
func (r *runner) emit(ctx context.Context, sink profile.Sink, tbl *profile.Table) error {
	if err := sink.Begin(ctx, tbl.Schema); err != nil {
		return err
	}
	chunk := r.req.ChunkSize
	if chunk <= 0 {
		chunk = merge.DefaultChunkSize
	}
	for start := 0; start < len(tbl.Rows); start += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+chunk, len(tbl.Rows))
		if err := sink.Write(ctx, tbl.Rows[start:end]); err != nil {
			return err
		}
	}
	return sink.Commit(ctx)
}

func (r *runner) abort(ctx context.Context) error {
	var errs []error
	for _, s := range r.sinks {
		if s.committed {
			continue
		}
		if err := s.Abort(ctx); err != nil {
			errs = append(errs, fmt.Errorf("abort %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
