package artifact

import (
	"bytes"
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"

	"cytoprofile/internal/blob"
	"cytoprofile/internal/profile"
)

func sample(t *testing.T) *profile.Table {
	t.Helper()
	schema := profile.MustSchema(
		profile.Meta("Metadata_Plate", profile.KindString),
		profile.Meta("Metadata_Well", profile.KindString),
		profile.Meta("Metadata_ObjectNumber", profile.KindInt),
		profile.Feature("Cells_AreaShape_Area", profile.KindFloat),
		profile.Feature("Cells_Count", profile.KindInt),
		profile.Feature("Cells_Empty", profile.KindNull),
	)
	tbl := profile.NewTable("merged", schema)
	rows := []profile.Row{
		{profile.StringValue("P1"), profile.StringValue("A01"), profile.IntValue(1), profile.FloatValue(2), profile.IntValue(7), profile.Null()},
		{profile.StringValue("P1"), profile.StringValue("007"), profile.IntValue(2), profile.FloatValue(0.125), profile.Null(), profile.Null()},
		{profile.StringValue("P,2"), profile.StringValue("B\"02"), profile.IntValue(3), profile.Null(), profile.IntValue(-3), profile.Null()},
	}
	if err := tbl.Append(rows...); err != nil {
		t.Fatalf("append: %v", err)
	}
	return tbl
}

func writeAll(t *testing.T, sink *CSVSink, tbl *profile.Table) {
	t.Helper()
	ctx := context.Background()
	if err := sink.Begin(ctx, tbl.Schema); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := sink.Write(ctx, tbl.Rows[:1]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Write(ctx, tbl.Rows[1:]); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRoundTripPerCompression(t *testing.T) {
	for _, comp := range []Compression{CompressionNone, CompressionGzip, CompressionSnappy} {
		t.Run(string(comp), func(t *testing.T) {
			store := blob.NewMemory()
			tbl := sample(t)
			key := "run/merged.csv" + comp.Extension()
			sink := NewCSVSink(store, key, Options{Compression: comp, TempDir: t.TempDir()})
			writeAll(t, sink, tbl)
			if _, err := store.Head(context.Background(), key); !errors.Is(err, blob.ErrNotFound) {
				t.Fatalf("artifact visible before commit: %v", err)
			}
			if err := sink.Commit(context.Background()); err != nil {
				t.Fatalf("commit: %v", err)
			}
			if sink.Info().ContentType != comp.ContentType() || sink.Rows() != 3 {
				t.Fatalf("info=%+v rows=%d", sink.Info(), sink.Rows())
			}
			got, err := ReadTable(context.Background(), store, key, profile.DefaultClassifier())
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !got.Schema.Equal(tbl.Schema) {
				t.Fatalf("schema %v != %v", got.Schema.Columns(), tbl.Schema.Columns())
			}
			if !reflect.DeepEqual(got.Rows, tbl.Rows) {
				t.Fatalf("rows %v != %v", got.Rows, tbl.Rows)
			}
		})
	}
}

func TestPlainCSVLayout(t *testing.T) {
	store := blob.NewMemory()
	sink := NewCSVSink(store, "plain.csv", Options{TempDir: t.TempDir()})
	writeAll(t, sink, sample(t))
	if err := sink.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	info, rc, err := store.Get(context.Background(), "plain.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "Metadata_Plate,Metadata_Well,Metadata_ObjectNumber,Cells_AreaShape_Area,Cells_Count,Cells_Empty\n" +
		"P1,A01,1,2.0,7,\n" +
		"P1,007,2,0.125,,\n" +
		"\"P,2\",\"B\"\"02\",3,,-3,\n"
	if buf.String() != want {
		t.Fatalf("csv=\n%s", buf.String())
	}
	if info.Metadata[MetaLayout] != "Ms2Mi1Ff1Fi1Fn1" || info.Metadata[MetaRows] != "3" {
		t.Fatalf("metadata=%v", info.Metadata)
	}
}

func TestAbortLeavesNoArtifact(t *testing.T) {
	dir := t.TempDir()
	store := blob.NewMemory()
	sink := NewCSVSink(store, "aborted.csv", Options{TempDir: dir})
	writeAll(t, sink, sample(t))
	if err := sink.Abort(context.Background()); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := sink.Abort(context.Background()); err != nil {
		t.Fatalf("second abort: %v", err)
	}
	if list, _ := store.List(context.Background(), ""); len(list) != 0 {
		t.Fatalf("blobs after abort: %+v", list)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("spool left behind: %d entries", len(entries))
	}
	if err := sink.Commit(context.Background()); err == nil {
		t.Fatalf("commit after abort should fail")
	}
}

func TestCommitFailsWhenKeyTaken(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	if _, err := store.Put(ctx, "taken.csv", strings.NewReader("x"), blob.PutOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	dir := t.TempDir()
	sink := NewCSVSink(store, "taken.csv", Options{TempDir: dir})
	writeAll(t, sink, sample(t))
	if err := sink.Commit(ctx); !errors.Is(err, blob.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("spool left behind after failed commit")
	}
}

func TestSinkStateErrors(t *testing.T) {
	ctx := context.Background()
	sink := NewCSVSink(blob.NewMemory(), "s.csv", Options{TempDir: t.TempDir()})
	if err := sink.Write(ctx, nil); err == nil {
		t.Fatalf("write before begin should fail")
	}
	tbl := sample(t)
	if err := sink.Begin(ctx, tbl.Schema); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := sink.Begin(ctx, tbl.Schema); err == nil {
		t.Fatalf("second begin should fail")
	}
	if err := sink.Write(ctx, []profile.Row{{profile.IntValue(1)}}); err == nil {
		t.Fatalf("short row should fail")
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := sink.Write(cctx, tbl.Rows); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	_ = sink.Abort(ctx)
}

func TestReadTableWithoutLayoutInfers(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	body := "Metadata_Well,Image_Metadata_Site,Cells_Area,Treatment\nA01,1,2.5,DMSO\nA02,2,3,DMSO\n"
	if _, err := store.Put(ctx, "external.csv", strings.NewReader(body), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := ReadTable(ctx, store, "external.csv", profile.DefaultClassifier())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got.Schema.Features(), []string{"Cells_Area"}) {
		t.Fatalf("features=%v", got.Schema.Features())
	}
	if !reflect.DeepEqual(got.Schema.Metadata(), []string{"Metadata_Well", "Image_Metadata_Site", "Treatment"}) {
		t.Fatalf("metadata=%v", got.Schema.Metadata())
	}
	if got.Rows[1][2] != profile.IntValue(3) {
		t.Fatalf("cell=%v", got.Rows[1][2])
	}
}

func TestReadTableDetectsTruncation(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	md := map[string]string{MetaLayout: "Ms1", MetaRows: "5"}
	if _, err := store.Put(ctx, "short.csv", strings.NewReader("Metadata_Well\nA01\n"), blob.PutOptions{Metadata: md}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := ReadTable(ctx, store, "short.csv", profile.DefaultClassifier()); !errors.Is(err, profile.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if _, err := ReadTable(ctx, store, "missing.csv", profile.DefaultClassifier()); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLayoutCodec(t *testing.T) {
	names := []string{"a", "b", "c"}
	s, err := decodeLayout("Ms1Ff2", names)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if encodeLayout(s) != "Ms1Ff2" {
		t.Fatalf("encode=%s", encodeLayout(s))
	}
	for _, bad := range []string{"Ms", "Xs3", "Mq3", "Ms0", "Ms4", "Ms1Ff1"} {
		if _, err := decodeLayout(bad, names); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseCompression(t *testing.T) {
	if c, err := ParseCompression(" GZIP "); err != nil || c != CompressionGzip {
		t.Fatalf("parse gzip: %v %v", c, err)
	}
	if c, err := ParseCompression(""); err != nil || c != CompressionNone {
		t.Fatalf("parse empty: %v %v", c, err)
	}
	if _, err := ParseCompression("zstd"); !errors.Is(err, profile.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestCompressionExtensions(t *testing.T) {
	want := map[Compression]string{CompressionNone: "", CompressionGzip: ".gz", CompressionSnappy: ".sz"}
	for comp, ext := range want {
		if got := comp.Extension(); got != ext {
			t.Fatalf("%s extension=%q want %q", comp, got, ext)
		}
	}
}
