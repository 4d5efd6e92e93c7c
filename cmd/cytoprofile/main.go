// Command cytoprofile turns a CellProfiler-style measurement database into
// merged, annotated, normalized and feature-selected profile artifacts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"

	"cytoprofile/internal/artifact"
	"cytoprofile/internal/blob"
	"cytoprofile/internal/config"
	"cytoprofile/internal/infra/source/sqlsource"
	"cytoprofile/internal/observability"
	"cytoprofile/internal/pipeline"
	"cytoprofile/internal/platemap"
)

var exitFunc = os.Exit

// main runs the CLI and exits with its status code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

type options struct {
	configPath string
	validate   bool
	textfile   string
	trace      string
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cytoprofile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.configPath, "config", "cytoprofile.yaml", "path to pipeline yaml")
	fs.BoolVar(&opts.validate, "validate", false, "check the configuration and exit")
	fs.StringVar(&opts.textfile, "metrics-textfile", "", "write Prometheus metrics to this file (overrides metrics.textfile)")
	fs.StringVar(&opts.trace, "trace", "", "write JSON stage spans to this file (overrides metrics.trace)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := run(ctx, opts, stdout, stderr); err != nil {
		_, _ = fmt.Fprintf(stderr, "cytoprofile: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, opts options, stdout, stderr io.Writer) (err error) {
	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return err
	}
	if opts.textfile != "" {
		cfg.Metrics.Textfile = opts.textfile
	}
	if opts.trace != "" {
		cfg.Metrics.Trace = opts.trace
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.validate {
		_, err := fmt.Fprintln(stdout, "configuration ok")
		return err
	}

	logger, err := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: stderr})
	if err != nil {
		return err
	}
	normCfg, err := cfg.NormalizeConfig()
	if err != nil {
		return err
	}
	selCfg, err := cfg.SelectConfig()
	if err != nil {
		return err
	}
	var joins []pipeline.MetadataJoin
	for _, f := range cfg.Annotate.Files {
		tbl, err := platemap.LoadFile(f.Path, platemap.Options{TextColumns: f.TextColumns})
		if err != nil {
			return err
		}
		joins = append(joins, pipeline.MetadataJoin{Table: tbl, JoinOn: f.JoinOn})
	}

	store, err := blob.OpenDriver(ctx, blob.Driver(cfg.Output.BlobDriver), cfg.Output.BlobRoot)
	if err != nil {
		return err
	}
	dialect, err := sqlsource.ParseDialect(cfg.Source.Driver)
	if err != nil {
		return err
	}
	src, err := sqlsource.Open(ctx, dialect, cfg.Source.DSN, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close source: %w", cerr)
		}
	}()

	comp, err := artifact.ParseCompression(cfg.Output.Compression)
	if err != nil {
		return err
	}
	sinks := make(map[string]*artifact.CSVSink, 4)
	for _, name := range []string{"merged", "annotated", "normalized", "selected"} {
		key := path.Join(cfg.Output.Prefix, name+".csv"+comp.Extension())
		sinks[name] = artifact.NewCSVSink(store, key, artifact.Options{Compression: comp, TempDir: cfg.Output.TempDir, Logger: logger})
	}

	metrics, err := observability.NewRecorder(nil)
	if err != nil {
		return err
	}
	var tracer observability.Tracer = observability.NoopTracer{}
	if cfg.Metrics.Trace != "" {
		f, err := os.Create(cfg.Metrics.Trace)
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer f.Close()
		tracer = observability.NewJSONTracer(f)
	}

	res, runErr := pipeline.Run(ctx, pipeline.Request{
		Source:        src,
		Link:          cfg.LinkerConfig(),
		ChunkSize:     cfg.Source.ChunkSize,
		MaxGroupRows:  cfg.Source.MaxGroupRows,
		CheckAffinity: cfg.Source.CheckAffinity,
		Metadata:      joins,
		Annotate:      cfg.AnnotateOptions(),
		Normalize:     normCfg,
		Select:        selCfg,
		Sinks: pipeline.Sinks{
			Merged:     sinks["merged"],
			Annotated:  sinks["annotated"],
			Normalized: sinks["normalized"],
			Selected:   sinks["selected"],
		},
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if cfg.Metrics.Textfile != "" {
		if werr := metrics.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
			runErr = errors.Join(runErr, fmt.Errorf("write metrics: %w", werr))
		}
	}
	if runErr != nil {
		return runErr
	}
	for _, name := range []string{"merged", "annotated", "normalized", "selected"} {
		s := sinks[name]
		if _, err := fmt.Fprintf(stdout, "%-10s %s (%d rows)\n", name, s.Key(), s.Rows()); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(stdout, "removed %d features, %d affinity conflicts\n",
		len(res.Normalize.Dropped)+len(res.Select.Removed), len(res.Conflicts))
	return err
}
