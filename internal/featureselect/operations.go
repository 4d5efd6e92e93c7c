package featureselect

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func present(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// varianceThreshold drops a column whose variance is at or below the
// threshold, or which is near-constant: its second most frequent value is
// rare next to the most frequent one and few values are distinct.
func varianceThreshold(_ context.Context, w *working, cfg Config) ([]Removal, error) {
	var out []Removal
	for i, name := range w.names {
		vals := present(w.vals[i])
		if len(vals) == 0 {
			out = append(out, Removal{Column: name, Operation: VarianceThreshold, Reason: "no values"})
			continue
		}
		counts := make(map[float64]int, len(vals))
		for _, v := range vals {
			counts[v]++
		}
		if len(counts) == 1 {
			out = append(out, Removal{Column: name, Operation: VarianceThreshold, Reason: "single distinct value"})
			continue
		}
		_, variance := stat.PopMeanVariance(vals, nil)
		if variance <= cfg.VarianceThreshold {
			out = append(out, Removal{Column: name, Operation: VarianceThreshold,
				Reason: fmt.Sprintf("variance %g <= %g", variance, cfg.VarianceThreshold)})
			continue
		}
		first, second := topTwo(counts)
		freq := float64(second) / float64(first)
		unique := float64(len(counts)) / float64(len(vals))
		if freq <= cfg.FreqCut && unique <= cfg.UniqueCut {
			out = append(out, Removal{Column: name, Operation: VarianceThreshold,
				Reason: fmt.Sprintf("near-constant: freq ratio %.4g, unique ratio %.4g", freq, unique)})
		}
	}
	return out, nil
}

func topTwo(counts map[float64]int) (first, second int) {
	for _, c := range counts {
		switch {
		case c > first:
			first, second = c, first
		case c > second:
			second = c
		}
	}
	return first, second
}

// pearson returns r over rows where both columns hold a value, or NaN when
// fewer than two such rows exist or either side is constant.
func pearson(a, b []float64) float64 {
	x := make([]float64, 0, len(a))
	y := make([]float64, 0, len(a))
	for i := range a {
		if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
			continue
		}
		x = append(x, a[i])
		y = append(y, b[i])
	}
	if len(x) < 2 {
		return math.NaN()
	}
	return stat.Correlation(x, y, nil)
}

// correlationMatrix fills the upper triangle; row i is owned by one goroutine.
func correlationMatrix(ctx context.Context, w *working, workers int) ([][]float64, error) {
	n := len(w.names)
	m := make([][]float64, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row := make([]float64, n)
			for j := i + 1; j < n; j++ {
				row[j] = pearson(w.vals[i], w.vals[j])
			}
			m[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

// correlationThreshold walks pairs (i, j), i < j, in order and removes j when
// both are still present and |r| exceeds the threshold. One pass leaves no
// surviving pair above the threshold.
func correlationThreshold(ctx context.Context, w *working, cfg Config) ([]Removal, error) {
	m, err := correlationMatrix(ctx, w, cfg.Workers)
	if err != nil {
		return nil, err
	}
	removed := make([]bool, len(w.names))
	var out []Removal
	for i := range w.names {
		if removed[i] {
			continue
		}
		for j := i + 1; j < len(w.names); j++ {
			if removed[j] {
				continue
			}
			r := m[i][j]
			if math.IsNaN(r) || math.Abs(r) <= cfg.CorrThreshold {
				continue
			}
			removed[j] = true
			out = append(out, Removal{Column: w.names[j], Operation: CorrelationThreshold,
				Reason: fmt.Sprintf("|r|=%.4f with %s > %g", math.Abs(r), w.names[i], cfg.CorrThreshold)})
		}
	}
	return out, nil
}

func blocklist(_ context.Context, w *working, cfg Config) ([]Removal, error) {
	patterns := cfg.Blocklist
	if patterns == nil {
		patterns = DefaultBlocklist()
	}
	m, err := newMatcher(patterns)
	if err != nil {
		return nil, err
	}
	var out []Removal
	for _, name := range w.names {
		if pat, ok := m.match(name); ok {
			out = append(out, Removal{Column: name, Operation: Blocklist, Reason: "matches " + pat})
		}
	}
	return out, nil
}

func dropNAColumns(_ context.Context, w *working, cfg Config) ([]Removal, error) {
	var out []Removal
	for i, name := range w.names {
		total := len(w.vals[i])
		if total == 0 {
			continue
		}
		missing := total - len(present(w.vals[i]))
		frac := float64(missing) / float64(total)
		if frac > cfg.NACutoff {
			out = append(out, Removal{Column: name, Operation: DropNAColumns,
				Reason: fmt.Sprintf("%.1f%% null > %.1f%%", frac*100, cfg.NACutoff*100)})
		}
	}
	return out, nil
}

func dropOutliers(_ context.Context, w *working, cfg Config) ([]Removal, error) {
	var out []Removal
	for i, name := range w.names {
		vals := present(w.vals[i])
		if len(vals) == 0 {
			continue
		}
		abs := make([]float64, len(vals))
		for k, v := range vals {
			abs[k] = math.Abs(v)
		}
		if peak := floats.Max(abs); peak > cfg.OutlierCutoff {
			out = append(out, Removal{Column: name, Operation: DropOutliers,
				Reason: fmt.Sprintf("max |value| %g > %g", peak, cfg.OutlierCutoff)})
		}
	}
	return out, nil
}
