// Package normalize rescales feature columns with statistics computed over a
// reference population and applied to every row.
package normalize

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"cytoprofile/internal/profile"
)

// Method selects the centre and scale statistics.
type Method string

const (
	// Standardize uses the mean and population standard deviation.
	Standardize Method = "standardize"
	// Robust uses the median and the median absolute deviation scaled to be
	// consistent with the standard deviation of a normal distribution.
	Robust Method = "robust"
	// Robustize uses the median and the interquartile range.
	Robustize Method = "robustize"
)

// MADScale makes the MAD a consistent estimator of sigma.
const MADScale = 1.4826

// degenerateTol is the scale, relative to the center, below which a column
// counts as constant. There is no absolute floor: features measured in tiny
// units keep their spread.
const degenerateTol = 1e-12

// ParseMethod validates a configured method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case Standardize, Robust, Robustize:
		return m, nil
	case "":
		return Standardize, nil
	default:
		return "", profile.Configf("unknown normalization method %q", s)
	}
}

// Population selects the reference rows: those whose Column renders to one
// of Values in canonical text form.
type Population struct {
	Column string   `yaml:"column"`
	Values []string `yaml:"values"`
}

// Config describes one normalization request.
type Config struct {
	Method Method
	// Features to transform. Nil means every feature column of the input.
	Features []string
	// Population nil means all rows.
	Population *Population
	Logger     *slog.Logger
}

// Stat is the fitted transform of one column.
type Stat struct {
	Column string
	Center float64
	Scale  float64
}

// AllNullError records a feature that has no value in the population.
type AllNullError struct{ Column string }

func (e AllNullError) Error() string {
	return fmt.Sprintf("column %s is entirely null in the population", e.Column)
}

// Drop is a column removed during normalization.
type Drop struct {
	Column string
	Err    error
}

// Result carries the normalized table and what happened to each feature.
type Result struct {
	Table   *profile.Table
	Stats   []Stat
	Dropped []Drop
}

// Normalize returns a new table; in is not modified. Degenerate and
// all-null features are dropped and reported in Result.Dropped rather than
// failing the run.
func Normalize(in *profile.Table, cfg Config) (*Result, error) {
	method, err := ParseMethod(string(cfg.Method))
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With(slog.String("stage", "normalize"), slog.String("method", string(method)))

	features, err := featureSet(in.Schema, cfg.Features)
	if err != nil {
		return nil, err
	}
	rows, err := population(in, cfg.Population)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	fitted := make(map[int]Stat, len(features))
	drop := make(map[string]struct{})
	vals := make([]float64, 0, len(rows))
	for _, idx := range features {
		name := in.Schema.Column(idx).Name
		vals = vals[:0]
		for _, r := range rows {
			if f, ok := in.Rows[r][idx].Float(); ok {
				vals = append(vals, f)
			}
		}
		if len(vals) == 0 {
			log.Warn("dropping feature with no values in population", slog.String("column", name))
			res.Dropped = append(res.Dropped, Drop{Column: name, Err: AllNullError{Column: name}})
			drop[name] = struct{}{}
			continue
		}
		center, scale := fit(method, vals)
		if math.IsNaN(scale) || scale == 0 || scale <= degenerateTol*math.Abs(center) {
			derr := profile.DegenerateColumnError{Column: name, Method: string(method)}
			log.Warn("dropping degenerate feature", slog.String("column", name), slog.Float64("center", center))
			res.Dropped = append(res.Dropped, Drop{Column: name, Err: derr})
			drop[name] = struct{}{}
			continue
		}
		st := Stat{Column: name, Center: center, Scale: scale}
		fitted[idx] = st
		res.Stats = append(res.Stats, st)
	}

	res.Table = apply(in, fitted, drop)
	log.Info("normalization finished",
		slog.Int("rows", in.Len()),
		slog.Int("population", len(rows)),
		slog.Int("features", len(res.Stats)),
		slog.Int("dropped", len(res.Dropped)))
	return res, nil
}

// Check validates cfg against a schema without reading rows.
func (c Config) Check(schema *profile.Schema) error {
	if _, err := ParseMethod(string(c.Method)); err != nil {
		return err
	}
	if _, err := featureSet(schema, c.Features); err != nil {
		return err
	}
	if c.Population != nil && !schema.Has(c.Population.Column) {
		return profile.SchemaError{Table: "profile", Column: c.Population.Column}
	}
	return nil
}

func featureSet(schema *profile.Schema, explicit []string) ([]int, error) {
	if explicit == nil {
		explicit = schema.Features()
	}
	out := make([]int, 0, len(explicit))
	seen := make(map[int]struct{}, len(explicit))
	for _, name := range explicit {
		idx, ok := schema.Index(name)
		if !ok {
			return nil, profile.SchemaError{Table: "profile", Column: name}
		}
		if !schema.Column(idx).IsFeature() {
			return nil, profile.Configf("column %s is metadata and cannot be normalized", name)
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	return out, nil
}

func population(in *profile.Table, p *Population) ([]int, error) {
	var out []int
	if p == nil {
		out = make([]int, in.Len())
		for i := range out {
			out[i] = i
		}
	} else {
		idx, ok := in.Schema.Index(p.Column)
		if !ok {
			return nil, profile.SchemaError{Table: in.Name, Column: p.Column}
		}
		want := make(map[string]struct{}, len(p.Values))
		for _, v := range p.Values {
			want[v] = struct{}{}
		}
		for i, r := range in.Rows {
			if r[idx].IsNull() {
				continue
			}
			if _, ok := want[r[idx].Text()]; ok {
				out = append(out, i)
			}
		}
	}
	if len(out) == 0 {
		if p == nil {
			return nil, profile.Configf("cannot normalize an empty profile")
		}
		return nil, profile.Configf("population %s in %v matches no rows", p.Column, p.Values)
	}
	return out, nil
}

func fit(m Method, vals []float64) (center, scale float64) {
	switch m {
	case Robust:
		sorted := sortedCopy(vals)
		center = quantile(sorted, 0.5)
		dev := make([]float64, len(vals))
		for i, v := range vals {
			dev[i] = math.Abs(v - center)
		}
		sort.Float64s(dev)
		return center, quantile(dev, 0.5) * MADScale
	case Robustize:
		sorted := sortedCopy(vals)
		return quantile(sorted, 0.5), quantile(sorted, 0.75) - quantile(sorted, 0.25)
	default:
		return stat.PopMeanStdDev(vals, nil)
	}
}

func sortedCopy(vals []float64) []float64 {
	out := append([]float64(nil), vals...)
	sort.Float64s(out)
	return out
}

// quantile interpolates linearly between closest ranks, so the median of an
// even count is the mean of the middle pair.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := math.Floor(pos)
	hi := math.Ceil(pos)
	if lo == hi {
		return sorted[int(lo)]
	}
	frac := pos - lo
	return sorted[int(lo)]*(1-frac) + sorted[int(hi)]*frac
}

func apply(in *profile.Table, fitted map[int]Stat, drop map[string]struct{}) *profile.Table {
	cols := make([]profile.Column, 0, in.Schema.Len())
	keep := make([]int, 0, in.Schema.Len())
	for i, c := range in.Schema.Columns() {
		if _, gone := drop[c.Name]; gone {
			continue
		}
		if _, ok := fitted[i]; ok {
			c.Type = profile.KindFloat
		}
		cols = append(cols, c)
		keep = append(keep, i)
	}
	out := profile.NewTable(in.Name, profile.MustSchema(cols...))
	out.Rows = make([]profile.Row, len(in.Rows))
	for r, row := range in.Rows {
		nr := make(profile.Row, len(keep))
		for j, src := range keep {
			v := row[src]
			if st, ok := fitted[src]; ok {
				if f, num := v.Float(); num {
					v = profile.FloatValue((f - st.Center) / st.Scale)
				} else {
					v = profile.Null()
				}
			}
			nr[j] = v
		}
		out.Rows[r] = nr
	}
	return out
}
