// Package featureselect removes uninformative feature columns by applying an
// ordered list of operations. Each operation sees the survivors of the
// previous one; metadata columns are never eligible.
package featureselect

import (
	"context"
	"io"
	"log/slog"
	"math"
	"runtime"

	"cytoprofile/internal/profile"
)

// Operation names a selection step.
type Operation string

const (
	VarianceThreshold    Operation = "variance_threshold"
	CorrelationThreshold Operation = "correlation_threshold"
	Blocklist            Operation = "blocklist"
	DropNAColumns        Operation = "drop_na_columns"
	DropOutliers         Operation = "drop_outliers"
)

// Config holds the operation list and every operation's parameters.
type Config struct {
	Operations []Operation
	// Features restricts selection to these columns. Nil means every feature.
	Features []string

	VarianceThreshold float64
	FreqCut           float64
	UniqueCut         float64
	// CorrThreshold removes a column when |r| with an earlier survivor
	// strictly exceeds it.
	CorrThreshold float64
	// Blocklist holds exact names or path.Match patterns. Nil means the
	// embedded default list.
	Blocklist     []string
	NACutoff      float64
	OutlierCutoff float64

	// Workers bounds the goroutines computing the correlation matrix.
	Workers int
	Logger  *slog.Logger
}

// DefaultConfig returns the usual parameters with no operations selected.
func DefaultConfig() Config {
	return Config{
		FreqCut:       0.05,
		UniqueCut:     0.01,
		CorrThreshold: 0.9,
		NACutoff:      0.05,
		OutlierCutoff: 500,
	}
}

// Removal reports one dropped column.
type Removal struct {
	Column    string
	Operation Operation
	Reason    string
}

// Result is the selected table and the removal report in removal order.
type Result struct {
	Table   *profile.Table
	Removed []Removal
}

// working is the current candidate set, each column held as float64 with NaN
// for NULL.
type working struct {
	names []string
	vals  [][]float64
}

func (w *working) without(drop map[string]struct{}) *working {
	out := &working{}
	for i, n := range w.names {
		if _, gone := drop[n]; gone {
			continue
		}
		out.names = append(out.names, n)
		out.vals = append(out.vals, w.vals[i])
	}
	return out
}

type operation func(ctx context.Context, w *working, cfg Config) ([]Removal, error)

var operations = map[Operation]operation{
	VarianceThreshold:    varianceThreshold,
	CorrelationThreshold: correlationThreshold,
	Blocklist:            blocklist,
	DropNAColumns:        dropNAColumns,
	DropOutliers:         dropOutliers,
}

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if _, ok := operations[op]; !ok {
		return "", profile.Configf("unknown feature selection operation %q", s)
	}
	return op, nil
}

// Check validates the parameters and the explicit feature list against a
// schema without reading rows.
func (c Config) Check(schema *profile.Schema) error {
	if err := c.validate(); err != nil {
		return err
	}
	for _, name := range c.Features {
		col, ok := schema.Lookup(name)
		if !ok {
			return profile.SchemaError{Table: "profile", Column: name}
		}
		if !col.IsFeature() {
			return profile.Configf("column %s is metadata and cannot be selected", name)
		}
	}
	return nil
}

func (c Config) validate() error {
	for _, op := range c.Operations {
		if _, err := ParseOperation(string(op)); err != nil {
			return err
		}
	}
	switch {
	case c.CorrThreshold <= 0 || c.CorrThreshold > 1:
		return profile.Configf("correlation threshold %g outside (0, 1]", c.CorrThreshold)
	case c.FreqCut < 0 || c.FreqCut > 1:
		return profile.Configf("freq cut %g outside [0, 1]", c.FreqCut)
	case c.UniqueCut < 0 || c.UniqueCut > 1:
		return profile.Configf("unique cut %g outside [0, 1]", c.UniqueCut)
	case c.NACutoff < 0 || c.NACutoff > 1:
		return profile.Configf("na cutoff %g outside [0, 1]", c.NACutoff)
	case c.VarianceThreshold < 0:
		return profile.Configf("variance threshold %g is negative", c.VarianceThreshold)
	case c.OutlierCutoff <= 0 || math.IsNaN(c.OutlierCutoff):
		return profile.Configf("outlier cutoff %g must be positive", c.OutlierCutoff)
	}
	return nil
}

// Select applies cfg.Operations in order and returns a new table without the
// removed columns. The input is left untouched.
func Select(ctx context.Context, in *profile.Table, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With(slog.String("stage", "feature_select"))

	w, err := candidates(in, cfg.Features)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, op := range cfg.Operations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		removed, err := operations[op](ctx, w, cfg)
		if err != nil {
			return nil, err
		}
		drop := make(map[string]struct{}, len(removed))
		for _, r := range removed {
			drop[r.Column] = struct{}{}
		}
		w = w.without(drop)
		res.Removed = append(res.Removed, removed...)
		log.Info("operation applied",
			slog.String("operation", string(op)),
			slog.Int("removed", len(removed)),
			slog.Int("remaining", len(w.names)))
	}
	names := make([]string, len(res.Removed))
	for i, r := range res.Removed {
		names[i] = r.Column
	}
	res.Table = in.Drop(names...)
	return res, nil
}

func candidates(in *profile.Table, explicit []string) (*working, error) {
	if explicit == nil {
		explicit = in.Schema.Features()
	}
	w := &working{}
	seen := make(map[string]struct{}, len(explicit))
	for _, name := range explicit {
		col, ok := in.Schema.Lookup(name)
		if !ok {
			return nil, profile.SchemaError{Table: in.Name, Column: name}
		}
		if !col.IsFeature() {
			return nil, profile.Configf("column %s is metadata and cannot be selected", name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		vals, err := in.Floats(name)
		if err != nil {
			return nil, err
		}
		w.names = append(w.names, name)
		w.vals = append(w.vals, vals)
	}
	return w, nil
}
