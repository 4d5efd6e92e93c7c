package normalize

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/stat"

	"cytoprofile/internal/profile"
)

func annotated() *profile.Table {
	t := profile.NewTable("annotated", profile.MustSchema(
		profile.Meta("Metadata_Well", profile.KindString),
		profile.Meta("Metadata_gene", profile.KindString),
		profile.Feature("Cells_Area", profile.KindFloat),
		profile.Feature("Cells_Const", profile.KindFloat),
		profile.Feature("Nuclei_Int", profile.KindInt),
		profile.Feature("Nuclei_Empty", profile.KindNull),
	))
	genes := []string{"EMPTY", "TP53", "EMPTY", "KRAS", "EMPTY", "TP53", "KRAS", "EMPTY"}
	area := []float64{10, 12, 9, 30, 11, 25, 27, 10}
	for i, g := range genes {
		ints := profile.IntValue(int64(i * i))
		if i == 3 {
			ints = profile.Null()
		}
		_ = t.Append(profile.Row{
			profile.StringValue("A0" + string(rune('1'+i))),
			profile.StringValue(g),
			profile.FloatValue(area[i]),
			profile.FloatValue(5.0),
			ints,
			profile.Null(),
		})
	}
	return t
}

func column(t *testing.T, tbl *profile.Table, name string) []float64 {
	t.Helper()
	vals, err := tbl.Floats(name)
	if err != nil {
		t.Fatalf("column %s: %v", name, err)
	}
	out := vals[:0]
	for _, v := range vals {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func TestStandardizeAllRows(t *testing.T) {
	in := annotated()
	res, err := Normalize(in, Config{Method: Standardize})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for _, name := range []string{"Cells_Area", "Nuclei_Int"} {
		mean, std := stat.PopMeanStdDev(column(t, res.Table, name), nil)
		if math.Abs(mean) > 1e-9 || math.Abs(std-1) > 1e-9 {
			t.Fatalf("%s: mean=%g std=%g", name, mean, std)
		}
	}
	ints, _ := res.Table.Column("Nuclei_Int")
	if !ints[3].IsNull() {
		t.Fatalf("null must stay null, got %v", ints[3])
	}
	if len(in.Schema.Features()) != 4 {
		t.Fatalf("input schema changed")
	}
	if v, _ := in.Rows[0][2].Float(); v != 10 {
		t.Fatalf("input mutated: %v", in.Rows[0][2])
	}
}

func TestConstantColumnIsDegenerate(t *testing.T) {
	res, err := Normalize(annotated(), Config{Method: Standardize})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.Table.Schema.Has("Cells_Const") {
		t.Fatalf("constant column kept")
	}
	var found bool
	for _, d := range res.Dropped {
		var de profile.DegenerateColumnError
		if errors.As(d.Err, &de) {
			found = true
			if d.Column != "Cells_Const" || de.Method != "standardize" {
				t.Fatalf("unexpected drop %+v", d)
			}
		}
	}
	if !found {
		t.Fatalf("degenerate column not recorded: %+v", res.Dropped)
	}
}

func TestAllNullColumnDroppedWithRecord(t *testing.T) {
	res, err := Normalize(annotated(), Config{Method: Robust})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.Table.Schema.Has("Nuclei_Empty") {
		t.Fatalf("all-null column kept")
	}
	var an AllNullError
	ok := false
	for _, d := range res.Dropped {
		if errors.As(d.Err, &an) && an.Column == "Nuclei_Empty" {
			ok = true
		}
	}
	if !ok {
		t.Fatalf("all-null drop missing: %+v", res.Dropped)
	}
}

func TestStandardizeIsIdempotent(t *testing.T) {
	once, err := Normalize(annotated(), Config{Method: Standardize})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	twice, err := Normalize(once.Table, Config{Method: Standardize})
	if err != nil {
		t.Fatalf("normalize twice: %v", err)
	}
	a := column(t, once.Table, "Cells_Area")
	b := column(t, twice.Table, "Cells_Area")
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-9 {
			t.Fatalf("row %d moved: %g -> %g", i, a[i], b[i])
		}
	}
}

func TestMetadataUntouched(t *testing.T) {
	in := annotated()
	res, err := Normalize(in, Config{Method: Robustize})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for _, name := range in.Schema.Metadata() {
		before, _ := in.Column(name)
		after, err := res.Table.Column(name)
		if err != nil || !reflect.DeepEqual(before, after) {
			t.Fatalf("metadata %s changed", name)
		}
	}
}

func TestPopulationControls(t *testing.T) {
	res, err := Normalize(annotated(), Config{
		Method:     Standardize,
		Features:   []string{"Cells_Area"},
		Population: &Population{Column: "Metadata_gene", Values: []string{"EMPTY"}},
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(res.Stats) != 1 || res.Stats[0].Center != 10 {
		t.Fatalf("stats=%+v", res.Stats)
	}
	if !res.Table.Schema.Has("Cells_Const") {
		t.Fatalf("unselected features must pass through")
	}
	area, _ := res.Table.Column("Cells_Area")
	if f, _ := area[3].Float(); f < 10 {
		t.Fatalf("treated row should sit far from controls: %g", f)
	}
}

func TestRobustStatistics(t *testing.T) {
	center, scale := fit(Robust, []float64{1, 2, 3, 4, 100})
	if center != 3 || math.Abs(scale-MADScale) > 1e-12 {
		t.Fatalf("robust center=%g scale=%g", center, scale)
	}
	center, scale = fit(Robustize, []float64{5, 1, 4, 2, 3})
	if center != 3 || scale != 2 {
		t.Fatalf("robustize center=%g scale=%g", center, scale)
	}
	if got := quantile([]float64{1, 2, 3, 4}, 0.5); got != 2.5 {
		t.Fatalf("even median=%g", got)
	}
}

func TestNormalizeErrors(t *testing.T) {
	cases := []struct {
		name   string
		cfg    Config
		target error
	}{
		{"unknown method", Config{Method: "zscore"}, profile.ErrConfiguration},
		{"missing feature", Config{Features: []string{"Cells_Nope"}}, profile.ErrSchema},
		{"metadata feature", Config{Features: []string{"Metadata_Well"}}, profile.ErrConfiguration},
		{"empty population", Config{Population: &Population{Column: "Metadata_gene", Values: []string{"BRCA1"}}}, profile.ErrConfiguration},
		{"missing population column", Config{Population: &Population{Column: "Metadata_Nope", Values: []string{"x"}}}, profile.ErrSchema},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Normalize(annotated(), tc.cfg); !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
		})
	}
}

func TestCheckAgainstSchema(t *testing.T) {
	schema := annotated().Schema
	if err := (Config{Method: Robust, Features: []string{"Cells_Area"}}).Check(schema); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := (Config{Features: []string{"Metadata_gene"}}).Check(schema); !errors.Is(err, profile.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if err := (Config{Population: &Population{Column: "Metadata_Nope"}}).Check(schema); !errors.Is(err, profile.ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestTinyScaleColumnSurvives(t *testing.T) {
	tbl := profile.NewTable("annotated", profile.MustSchema(
		profile.Meta("Metadata_Well", profile.KindString),
		profile.Feature("Cells_Tiny", profile.KindFloat),
		profile.Feature("Cells_Zero", profile.KindFloat),
		profile.Feature("Cells_Tenth", profile.KindFloat),
	))
	for i, v := range []float64{1e-13, 2e-13, 3e-13, 4e-13} {
		_ = tbl.Append(profile.Row{
			profile.StringValue("A0" + string(rune('1'+i))),
			profile.FloatValue(v),
			profile.FloatValue(0),
			profile.FloatValue(0.1),
		})
	}
	for _, m := range []Method{Standardize, Robust, Robustize} {
		res, err := Normalize(tbl, Config{Method: m})
		if err != nil {
			t.Fatalf("%s: %v", m, err)
		}
		if !res.Table.Schema.Has("Cells_Tiny") {
			t.Fatalf("%s dropped a column with real spread: %+v", m, res.Dropped)
		}
		for _, name := range []string{"Cells_Zero", "Cells_Tenth"} {
			if res.Table.Schema.Has(name) {
				t.Fatalf("%s kept constant column %s", m, name)
			}
		}
		if m == Standardize {
			mean, std := stat.PopMeanStdDev(column(t, res.Table, "Cells_Tiny"), nil)
			if math.Abs(mean) > 1e-9 || math.Abs(std-1) > 1e-9 {
				t.Fatalf("tiny column: mean=%g std=%g", mean, std)
			}
		}
	}
}
