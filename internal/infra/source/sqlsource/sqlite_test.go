package sqlsource

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"testing"

	"cytoprofile/internal/linker"
	"cytoprofile/internal/merge"
	"cytoprofile/internal/profile"
)

// newSQLite creates a file-backed database (scans need several connections)
// and runs the given statements.
func newSQLite(t *testing.T, stmts ...string) *Source {
	t.Helper()
	ctx := context.Background()
	src, err := Open(ctx, DialectSQLite, filepath.Join(t.TempDir(), "profiles.sqlite"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	for _, stmt := range stmts {
		if _, err := src.db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return src
}

var cellProfilerDB = []string{
	`CREATE TABLE Image (ImageNumber INTEGER, Image_Metadata_Well VARCHAR(8), Image_Metadata_Plate TEXT)`,
	`INSERT INTO Image VALUES (2, 'A02', 'P1'), (1, 'A01', 'P1')`,
	`CREATE TABLE Cells (ImageNumber INTEGER, ObjectNumber INTEGER, Cells_AreaShape_Area REAL)`,
	`INSERT INTO Cells VALUES (2, 2, 202), (1, 1, 101), (2, 1, 201), (1, 2, 102)`,
	`CREATE TABLE Nuclei (ImageNumber INTEGER, ObjectNumber INTEGER, Nuclei_AreaShape_Area REAL)`,
	`INSERT INTO Nuclei VALUES (1, 2, 12), (2, 1, 21), (1, 1, 11), (2, 2, 22)`,
	`CREATE TABLE Cytoplasm (ImageNumber INTEGER, ObjectNumber INTEGER, Cytoplasm_Parent_Cells INTEGER, Cytoplasm_Parent_Nuclei INTEGER, Cytoplasm_Texture DOUBLE, Cytoplasm_Raw)`,
	`INSERT INTO Cytoplasm VALUES (2, 1, 1, 1, 0.5, NULL), (1, 1, 1, 1, 0.1, NULL), (1, 2, 2, 2, 0.2, NULL), (2, 2, 2, 2, 0.6, NULL)`,
}

func TestTablesAndColumnKinds(t *testing.T) {
	ctx := context.Background()
	src := newSQLite(t, cellProfilerDB...)
	tables, err := src.Tables(ctx)
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	if !reflect.DeepEqual(tables, []string{"Cells", "Cytoplasm", "Image", "Nuclei"}) {
		t.Fatalf("tables=%v", tables)
	}
	cols, err := src.Columns(ctx, "Cytoplasm")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	want := []merge.ColumnInfo{
		{Name: "ImageNumber", Type: profile.KindInt},
		{Name: "ObjectNumber", Type: profile.KindInt},
		{Name: "Cytoplasm_Parent_Cells", Type: profile.KindInt},
		{Name: "Cytoplasm_Parent_Nuclei", Type: profile.KindInt},
		{Name: "Cytoplasm_Texture", Type: profile.KindFloat},
		{Name: "Cytoplasm_Raw", Type: profile.KindNull},
	}
	if !reflect.DeepEqual(cols, want) {
		t.Fatalf("columns=%+v", cols)
	}
	img, _ := src.Columns(ctx, "Image")
	if img[1].Type != profile.KindString {
		t.Fatalf("VARCHAR(8) should be text, got %v", img[1].Type)
	}
	if _, err := src.Columns(ctx, "Missing"); !errors.Is(err, profile.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestScanOrdersByKeysWithRowOrderTies(t *testing.T) {
	ctx := context.Background()
	src := newSQLite(t,
		`CREATE TABLE t (k INTEGER, v TEXT)`,
		`INSERT INTO t VALUES (2, 'b1'), (1, 'a1'), (NULL, 'n'), (2, 'b2'), (1, 'a2')`,
	)
	it, err := src.Scan(ctx, "t", merge.ScanOptions{Columns: []string{"v", "k"}, OrderBy: []string{"k"}, ChunkSize: 2})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	defer it.Close()
	var got []string
	var chunks int
	for {
		rows, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		chunks++
		for _, r := range rows {
			got = append(got, r[0].Text())
		}
	}
	if !reflect.DeepEqual(got, []string{"n", "a1", "a2", "b1", "b2"}) || chunks != 3 {
		t.Fatalf("order=%v chunks=%d", got, chunks)
	}
	if _, err := src.Scan(ctx, "t", merge.ScanOptions{Columns: []string{"nope"}}); !errors.Is(err, profile.ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestMergeFromSQLite(t *testing.T) {
	ctx := context.Background()
	src := newSQLite(t, cellProfilerDB...)
	cfg := linker.Config{
		Compartments: []string{"Cells", "Cytoplasm", "Nuclei"},
		ImageTable:   "Image",
		Links: []linker.Link{
			{Child: "Cytoplasm", Parent: "Cells", ForeignKey: "Cytoplasm_Parent_Cells"},
			{Child: "Cytoplasm", Parent: "Nuclei", ForeignKey: "Cytoplasm_Parent_Nuclei"},
		},
		MergeKeys: []string{"ImageNumber"},
		Strata:    []string{"Image_Metadata_Well", "Image_Metadata_Plate"},
	}
	infos, err := merge.Describe(ctx, src, "Cells", "Cytoplasm", "Nuclei", "Image")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	plan, err := linker.Resolve(cfg, merge.ColumnNames(infos))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	sink := profile.NewTableSink("merged")
	res, err := merge.New(plan, src, merge.Options{ChunkSize: 1}).Run(ctx, sink)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Rows != 4 || res.LeafRows != 4 {
		t.Fatalf("result=%+v", res)
	}
	tbl := sink.Pending()
	cells, _ := tbl.Column("Cells_AreaShape_Area")
	nuclei, _ := tbl.Column("Nuclei_AreaShape_Area")
	wells, _ := tbl.Column("Image_Metadata_Well")
	if cells[3] != profile.FloatValue(202) || nuclei[3] != profile.FloatValue(22) || wells[3] != profile.StringValue("A02") {
		t.Fatalf("last row cells=%v nuclei=%v well=%v", cells[3], nuclei[3], wells[3])
	}
}

func TestConflictingAffinity(t *testing.T) {
	ctx := context.Background()
	create := `(col_integer INTEGER, col_text TEXT, col_blob BLOB, col_real REAL)`
	src := newSQLite(t,
		`CREATE TABLE tbl_a `+create,
		`CREATE TABLE tbl_b `+create,
		`INSERT INTO tbl_a VALUES (1, 'sample', x'73616d706c65', 0.5)`,
		`INSERT INTO tbl_b VALUES (1, 'sample', x'73616d706c65', 0.5)`,
		`INSERT INTO tbl_b VALUES (NULL, NULL, NULL, NULL)`,
	)
	conflicts, err := src.ConflictingAffinity(ctx, "", "")
	if err != nil || len(conflicts) != 0 {
		t.Fatalf("clean database: %v %v", conflicts, err)
	}
	if _, err := src.db.ExecContext(ctx, `INSERT INTO tbl_a VALUES ('nan', 'another', 'example', 0.5)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	conflicts, err = src.ConflictingAffinity(ctx, "tbl_a", "col_integer")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	want := []Conflict{{Table: "tbl_a", Column: "col_integer", Declared: "INTEGER", Affinity: AffinityInteger, Found: []string{"text"}}}
	if !reflect.DeepEqual(conflicts, want) {
		t.Fatalf("conflicts=%+v", conflicts)
	}
	if c, _ := src.ConflictingAffinity(ctx, "tbl_a", "col_text"); len(c) != 0 {
		t.Fatalf("col_text should be clean: %+v", c)
	}
	if c, _ := src.ConflictingAffinity(ctx, "tbl_b", ""); len(c) != 0 {
		t.Fatalf("tbl_b should be clean: %+v", c)
	}
	all, err := src.ConflictingAffinity(ctx, "", "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected integer and blob conflicts, got %+v %v", all, err)
	}
}

func TestAffinityRules(t *testing.T) {
	cases := map[string]string{
		"INT": AffinityInteger, "UNSIGNED BIG INT": AffinityInteger, "VARCHAR(255)": AffinityText,
		"CLOB": AffinityText, "BLOB": AffinityBlob, "": AffinityBlob, "DOUBLE PRECISION": AffinityReal,
		"FLOAT": AffinityReal, "DECIMAL(10,5)": AffinityNumeric, "DATETIME": AffinityNumeric,
	}
	for decl, want := range cases {
		if got := Affinity(decl); got != want {
			t.Fatalf("Affinity(%q)=%s want %s", decl, got, want)
		}
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), DialectSQLite, "", nil); !errors.Is(err, profile.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("boom") })
	defer restore()
	if _, err := Open(context.Background(), DialectSQLite, "x.db", nil); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestUntypedColumnsInferredFromValues(t *testing.T) {
	ctx := context.Background()
	src := newSQLite(t,
		`CREATE TABLE Cells (ImageNumber INTEGER, ObjectNumber INTEGER, Cells_Label, Cells_Count, Cells_Ratio, Cells_Mask BLOB, Cells_Empty)`,
		`INSERT INTO Cells VALUES (1, 1, 'mitotic', 3, 1, x'00', NULL), (1, 2, NULL, 4, 0.5, NULL, NULL)`,
	)
	cols, err := src.Columns(ctx, "Cells")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	want := map[string]profile.Kind{
		"Cells_Label": profile.KindString,
		"Cells_Count": profile.KindInt,
		"Cells_Ratio": profile.KindFloat,
		"Cells_Mask":  profile.KindString,
		"Cells_Empty": profile.KindNull,
	}
	for _, c := range cols[2:] {
		if c.Type != want[c.Name] {
			t.Fatalf("%s kind=%v want %v", c.Name, c.Type, want[c.Name])
		}
	}
}
