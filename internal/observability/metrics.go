// Package observability carries the pipeline's logging, metrics and stage
// tracing.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cytoprofile"

// Recorder publishes per-stage Prometheus metrics on a caller registry.
type Recorder struct {
	registry *prometheus.Registry
	duration *prometheus.HistogramVec
	rows     *prometheus.CounterVec
	removed  *prometheus.CounterVec
	runs     *prometheus.CounterVec
}

// NewRecorder registers the pipeline collectors on reg. A nil reg gets a
// fresh registry.
func NewRecorder(reg *prometheus.Registry) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		registry: reg,
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage", "status"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_rows_total",
			Help:      "Rows emitted by each pipeline stage.",
		}, []string{"stage"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "columns_removed_total",
			Help:      "Columns dropped by normalization and feature selection, by operation.",
		}, []string{"operation"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{r.duration, r.rows, r.removed, r.runs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Observe records one stage outcome.
func (r *Recorder) Observe(_ context.Context, stage string, success bool, d time.Duration) {
	if r == nil || stage == "" {
		return
	}
	r.duration.WithLabelValues(stage, status(success)).Observe(d.Seconds())
}

// AddRows counts rows a stage emitted.
func (r *Recorder) AddRows(stage string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.rows.WithLabelValues(stage).Add(float64(n))
}

// AddRemoved counts dropped columns for an operation.
func (r *Recorder) AddRemoved(operation string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.removed.WithLabelValues(operation).Add(float64(n))
}

// Finish counts a completed run.
func (r *Recorder) Finish(success bool) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(status(success)).Inc()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
