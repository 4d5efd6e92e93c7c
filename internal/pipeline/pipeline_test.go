package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cytoprofile/internal/annotate"
	"cytoprofile/internal/artifact"
	"cytoprofile/internal/blob"
	"cytoprofile/internal/featureselect"
	"cytoprofile/internal/infra/source/memory"
	"cytoprofile/internal/infra/source/sqlsource"
	"cytoprofile/internal/linker"
	"cytoprofile/internal/normalize"
	"cytoprofile/internal/observability"
	"cytoprofile/internal/profile"
)

var (
	iv = profile.IntValue
	fv = profile.FloatValue
	sv = profile.StringValue
)

// recordingSink collects rows like a TableSink and remembers its lifecycle.
type recordingSink struct {
	*profile.TableSink
	begun, committed, aborted bool
	commitErr                 error
}

func newRecorder(name string) *recordingSink {
	return &recordingSink{TableSink: profile.NewTableSink(name)}
}

func (s *recordingSink) Begin(ctx context.Context, schema *profile.Schema) error {
	s.begun = true
	return s.TableSink.Begin(ctx, schema)
}

func (s *recordingSink) Commit(ctx context.Context) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed = true
	return s.TableSink.Commit(ctx)
}

func (s *recordingSink) Abort(ctx context.Context) error {
	s.aborted = true
	return s.TableSink.Abort(ctx)
}

type recorders struct {
	merged, annotated, normalized, selected *recordingSink
}

func newRecorders() recorders {
	return recorders{newRecorder("merged"), newRecorder("annotated"), newRecorder("normalized"), newRecorder("selected")}
}

func (r recorders) sinks() Sinks {
	return Sinks{Merged: r.merged, Annotated: r.annotated, Normalized: r.normalized, Selected: r.selected}
}

// cellSource holds two images of four cells each. Image 1 is the DMSO well.
func cellSource(t *testing.T, orphan bool) *memory.Source {
	t.Helper()
	src := memory.New()
	var cells, nuclei, cyto []profile.Row
	for _, img := range []int64{2, 1} {
		for obj := int64(1); obj <= 4; obj++ {
			cells = append(cells, profile.Row{iv(img), iv(obj), fv(float64(img*100 + obj))})
			nuclei = append(nuclei, profile.Row{iv(img), iv(obj), fv(float64(img*10 + obj))})
			cyto = append(cyto, profile.Row{iv(img), iv(obj), iv(obj), iv(obj), fv(float64(obj) / 10)})
		}
	}
	if orphan {
		cyto = append(cyto, profile.Row{iv(1), iv(5), iv(9), iv(1), fv(0.5)})
	}
	add := func(name string, cols []string, rows []profile.Row) {
		if err := src.Add(name, cols, rows...); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	add("Image", []string{"ImageNumber", "Image_Metadata_Well", "Image_Metadata_Plate"},
		[]profile.Row{{iv(2), sv("A02"), sv("P1")}, {iv(1), sv("A01"), sv("P1")}})
	add("Cells", []string{"ImageNumber", "ObjectNumber", "Cells_AreaShape_Area"}, cells)
	add("Nuclei", []string{"ImageNumber", "ObjectNumber", "Nuclei_AreaShape_Area"}, nuclei)
	add("Cytoplasm", []string{"ImageNumber", "ObjectNumber", "Cytoplasm_Parent_Cells", "Cytoplasm_Parent_Nuclei", "Cytoplasm_Texture_Mean"}, cyto)
	return src
}

func platemap() *profile.Table {
	tbl := profile.NewTable("platemap", profile.MustSchema(
		profile.Meta("well_position", profile.KindString),
		profile.Meta("broad_sample", profile.KindString),
	))
	_ = tbl.Append(profile.Row{sv("A01"), sv("DMSO")}, profile.Row{sv("A02"), sv("BRD-K18895904")})
	return tbl
}

func request(src *memory.Source, sinks Sinks) Request {
	sel := featureselect.DefaultConfig()
	sel.Operations = []featureselect.Operation{featureselect.VarianceThreshold, featureselect.CorrelationThreshold}
	sel.Workers = 2
	return Request{
		Source: src,
		Link: linker.Config{
			Compartments: []string{"Cells", "Cytoplasm", "Nuclei"},
			ImageTable:   "Image",
			Links: []linker.Link{
				{Child: "Cytoplasm", Parent: "Cells", ForeignKey: "Cytoplasm_Parent_Cells"},
				{Child: "Cytoplasm", Parent: "Nuclei", ForeignKey: "Cytoplasm_Parent_Nuclei"},
			},
			MergeKeys: []string{"ImageNumber"},
			Strata:    []string{"Image_Metadata_Well", "Image_Metadata_Plate"},
		},
		ChunkSize: 3,
		Metadata: []MetadataJoin{{
			Table:  platemap(),
			JoinOn: []annotate.JoinPair{{Profile: "Image_Metadata_Well", Metadata: "well_position"}},
		}},
		Annotate: annotate.DefaultOptions(),
		Normalize: normalize.Config{
			Method:     normalize.Standardize,
			Population: &normalize.Population{Column: "Metadata_broad_sample", Values: []string{"DMSO"}},
		},
		Select: sel,
		Sinks:  sinks,
	}
}

func committed(t *testing.T, s *recordingSink) *profile.Table {
	t.Helper()
	tbl, ok := s.Table()
	if !ok {
		t.Fatalf("sink %s not committed", s.Name)
	}
	return tbl
}

func TestRunEndToEnd(t *testing.T) {
	rec := newRecorders()
	metrics, err := observability.NewRecorder(nil)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	tracer := observability.NewJSONTracer(nil)
	req := request(cellSource(t, false), rec.sinks())
	req.Metrics, req.Tracer = metrics, tracer

	res, err := Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Merge.Rows != 8 || res.Merge.LeafRows != 8 || res.Annotated != 8 {
		t.Fatalf("counts merge=%+v annotated=%d", res.Merge, res.Annotated)
	}
	if !reflect.DeepEqual(res.Unmatched, []int64{0}) {
		t.Fatalf("unmatched=%v", res.Unmatched)
	}
	merged, annotated := committed(t, rec.merged), committed(t, rec.annotated)
	normalized, selected := committed(t, rec.normalized), committed(t, rec.selected)
	for _, tbl := range []*profile.Table{merged, annotated, normalized, selected} {
		if tbl.Len() != 8 {
			t.Fatalf("%s has %d rows", tbl.Name, tbl.Len())
		}
	}
	if !annotated.Schema.Has("Metadata_broad_sample") || merged.Schema.Has("Metadata_broad_sample") {
		t.Fatalf("annotation columns wrong: %v", annotated.Schema.Names())
	}

	// Metadata values pass through normalization and selection unchanged.
	for _, name := range annotated.Schema.Metadata() {
		want, _ := annotated.Column(name)
		for _, tbl := range []*profile.Table{normalized, selected} {
			got, err := tbl.Column(name)
			if err != nil || !reflect.DeepEqual(got, want) {
				t.Fatalf("%s.%s changed: %v", tbl.Name, name, err)
			}
		}
	}

	if got := selected.Schema.Features(); !reflect.DeepEqual(got, []string{"Cells_AreaShape_Area", "Cytoplasm_Texture_Mean"}) {
		t.Fatalf("selected features=%v", got)
	}
	if len(res.Select.Removed) != 1 || res.Select.Removed[0].Column != "Nuclei_AreaShape_Area" ||
		res.Select.Removed[0].Operation != featureselect.CorrelationThreshold {
		t.Fatalf("removed=%+v", res.Select.Removed)
	}

	var stages []string
	for _, e := range tracer.Entries() {
		if e.Status != "success" {
			t.Fatalf("span %+v", e)
		}
		stages = append(stages, e.Stage)
	}
	if !reflect.DeepEqual(stages, []string{StageLink, StageMerge, StageNormalize, StageSelect}) {
		t.Fatalf("stages=%v", stages)
	}
	reg := metrics.Registry()
	if n, err := testutil.GatherAndCount(reg, "cytoprofile_stage_rows_total"); err != nil || n != 4 {
		t.Fatalf("row series=%d err=%v", n, err)
	}
	if n, err := testutil.GatherAndCount(reg, "cytoprofile_columns_removed_total"); err != nil || n != 1 {
		t.Fatalf("removed series=%d err=%v", n, err)
	}
}

func TestRunIntegrityFailureAbortsArtifacts(t *testing.T) {
	store := blob.NewMemory()
	dir := t.TempDir()
	sink := func(name string) *artifact.CSVSink {
		return artifact.NewCSVSink(store, "run/"+name+".csv", artifact.Options{TempDir: dir})
	}
	sinks := Sinks{Merged: sink("merged"), Annotated: sink("annotated"), Normalized: sink("normalized"), Selected: sink("selected")}
	_, err := Run(context.Background(), request(cellSource(t, true), sinks))
	var ie profile.IntegrityError
	if !errors.As(err, &ie) || ie.Expected != 9 || ie.Actual != 8 {
		t.Fatalf("expected integrity error, got %v", err)
	}
	infos, err := store.List(context.Background(), "run/")
	if err != nil || len(infos) != 0 {
		t.Fatalf("artifacts left behind: %+v %v", infos, err)
	}
	spools, _ := filepath.Glob(filepath.Join(dir, "*"))
	if len(spools) != 0 {
		t.Fatalf("spools left behind: %v", spools)
	}
}

func TestRunArtifactsReadBack(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	sinks := make(map[string]*artifact.CSVSink)
	for _, name := range []string{"merged", "annotated", "normalized", "selected"} {
		sinks[name] = artifact.NewCSVSink(store, "run/"+name+".csv.sz", artifact.Options{Compression: artifact.CompressionSnappy, TempDir: t.TempDir()})
	}
	res, err := Run(ctx, request(cellSource(t, false), Sinks{
		Merged: sinks["merged"], Annotated: sinks["annotated"], Normalized: sinks["normalized"], Selected: sinks["selected"],
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	back, err := artifact.ReadTable(ctx, store, "run/selected.csv.sz", profile.DefaultClassifier())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !back.Schema.Equal(res.Select.Table.Schema) || back.Len() != 8 {
		t.Fatalf("read back %v rows=%d", back.Schema.Names(), back.Len())
	}
	infos, _ := store.List(ctx, "run/")
	if len(infos) != 4 {
		t.Fatalf("artifacts=%+v", infos)
	}
}

func TestRunPreflightRejectsBeforeBegin(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Request)
		target error
	}{
		"missing normalize feature": {func(r *Request) { r.Normalize.Features = []string{"Cells_Missing"} }, profile.ErrSchema},
		"metadata as feature":       {func(r *Request) { r.Select.Features = []string{"Metadata_broad_sample"} }, profile.ErrConfiguration},
		"missing join column": {func(r *Request) {
			r.Metadata[0].JoinOn = []annotate.JoinPair{{Profile: "Image_Metadata_Site", Metadata: "well_position"}}
		}, profile.ErrSchema},
		"unknown compartment": {func(r *Request) { r.Link.Compartments = append(r.Link.Compartments, "Golgi") }, profile.ErrConfiguration},
		"no metadata":         {func(r *Request) { r.Metadata = nil }, profile.ErrConfiguration},
		"unknown operation":   {func(r *Request) { r.Select.Operations = []featureselect.Operation{"pca"} }, profile.ErrConfiguration},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := newRecorders()
			req := request(cellSource(t, false), rec.sinks())
			tc.mutate(&req)
			if _, err := Run(context.Background(), req); !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
			for _, s := range []*recordingSink{rec.merged, rec.annotated, rec.normalized, rec.selected} {
				if s.begun || s.committed {
					t.Fatalf("sink %s touched", s.Name)
				}
			}
		})
	}
}

func TestRunCommitFailureAbortsOnlyPending(t *testing.T) {
	rec := newRecorders()
	boom := errors.New("disk full")
	rec.normalized.commitErr = boom
	_, err := Run(context.Background(), request(cellSource(t, false), rec.sinks()))
	if !errors.Is(err, boom) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if !rec.merged.committed || rec.merged.aborted || !rec.annotated.committed || rec.annotated.aborted {
		t.Fatalf("committed sinks touched: merged=%+v annotated=%+v", rec.merged, rec.annotated)
	}
	if !rec.normalized.aborted || !rec.selected.aborted || rec.selected.begun {
		t.Fatalf("pending sinks not aborted: normalized=%+v selected=%+v", rec.normalized, rec.selected)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	rec := newRecorders()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, request(cellSource(t, false), rec.sinks())); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if rec.merged.committed {
		t.Fatalf("merged committed after cancellation")
	}
}

func TestRunFromSQLiteRunsAffinityPreflight(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "plate.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	src := sqlsource.New(db, sqlsource.DialectSQLite, nil)
	t.Cleanup(func() { _ = src.Close() })
	stmts := []string{
		`CREATE TABLE Image (ImageNumber INTEGER, Image_Metadata_Well TEXT, Image_Metadata_Plate TEXT)`,
		`INSERT INTO Image VALUES (1, 'A01', 'P1'), (2, 'A02', 'P1')`,
		`CREATE TABLE Cells (ImageNumber INTEGER, ObjectNumber INTEGER, Cells_AreaShape_Area REAL)`,
		`CREATE TABLE Nuclei (ImageNumber INTEGER, ObjectNumber INTEGER, Nuclei_AreaShape_Area REAL)`,
		`CREATE TABLE Cytoplasm (ImageNumber INTEGER, ObjectNumber INTEGER, Cytoplasm_Parent_Cells INTEGER, Cytoplasm_Parent_Nuclei INTEGER, Cytoplasm_Texture_Mean REAL)`,
		`INSERT INTO Cells VALUES (1, 1, 101), (1, 2, 102), (1, 3, 103), (2, 1, 201), (2, 2, 202), (2, 3, 'nan')`,
		`INSERT INTO Nuclei VALUES (1, 1, 11), (1, 2, 12), (1, 3, 13), (2, 1, 21), (2, 2, 22), (2, 3, 23)`,
		`INSERT INTO Cytoplasm VALUES (1, 1, 1, 1, 0.1), (1, 2, 2, 2, 0.2), (1, 3, 3, 3, 0.4), (2, 1, 1, 1, 0.3), (2, 2, 2, 2, 0.1), (2, 3, 3, 3, 0.2)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	rec := newRecorders()
	req := request(nil, rec.sinks())
	req.Source = src
	req.CheckAffinity = true
	req.Select.Operations = nil
	tracer := observability.NewJSONTracer(nil)
	req.Tracer = tracer

	res, err := Run(ctx, req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Table != "Cells" || res.Conflicts[0].Column != "Cells_AreaShape_Area" {
		t.Fatalf("conflicts=%+v", res.Conflicts)
	}
	if res.Merge.Rows != 6 || committed(t, rec.selected).Len() != 6 {
		t.Fatalf("merge=%+v", res.Merge)
	}
	if entries := tracer.Entries(); len(entries) != 5 || entries[1].Stage != StagePreflight {
		t.Fatalf("spans=%+v", entries)
	}
}
