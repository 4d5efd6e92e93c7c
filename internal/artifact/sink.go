// Package artifact persists profile tables as CSV blobs. A Sink spools rows
// to a local temp file and publishes the blob only on Commit, so readers
// never observe a partial artifact.
package artifact

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"cytoprofile/internal/blob"
	"cytoprofile/internal/profile"
)

// Sink is the row-stream contract every stage writes through.
type Sink = profile.Sink

var _ Sink = (*CSVSink)(nil)

// Options configures a CSVSink.
type Options struct {
	Compression Compression
	// TempDir holds spool files; empty means os.TempDir.
	TempDir string
	Logger  *slog.Logger
}

type sinkState int

const (
	stateIdle sinkState = iota
	stateOpen
	stateCommitted
	stateAborted
)

// CSVSink writes one artifact. It is single use.
type CSVSink struct {
	store  blob.Store
	key    string
	opts   Options
	logger *slog.Logger

	state  sinkState
	schema *profile.Schema
	spool  *os.File
	enc    io.WriteCloser
	csv    *csv.Writer
	record []string
	rows   int64
	info   blob.Info
}

// NewCSVSink returns a sink that commits to key in store. The compression
// extension is not added to key; callers choose the final name.
func NewCSVSink(store blob.Store, key string, opts Options) *CSVSink {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Compression == "" {
		opts.Compression = CompressionNone
	}
	return &CSVSink{store: store, key: key, opts: opts, logger: logger.With(slog.String("artifact", key))}
}

// Key returns the blob key the sink commits to.
func (s *CSVSink) Key() string { return s.key }

// Rows reports rows written so far.
func (s *CSVSink) Rows() int64 { return s.rows }

// Info returns the committed blob's info; zero before Commit.
func (s *CSVSink) Info() blob.Info { return s.info }

func (s *CSVSink) Begin(ctx context.Context, schema *profile.Schema) error {
	if s.state != stateIdle {
		return fmt.Errorf("artifact %s: begin called twice", s.key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	spool, err := os.CreateTemp(s.opts.TempDir, "cytoprofile-*.spool")
	if err != nil {
		return fmt.Errorf("artifact %s: create spool: %w", s.key, err)
	}
	enc, err := s.opts.Compression.writer(spool)
	if err != nil {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
		return err
	}
	s.spool, s.enc, s.schema = spool, enc, schema
	s.csv = csv.NewWriter(enc)
	s.record = make([]string, schema.Len())
	s.state = stateOpen
	if err := s.csv.Write(schema.Names()); err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

func (s *CSVSink) Write(ctx context.Context, rows []profile.Row) error {
	if s.state != stateOpen {
		return fmt.Errorf("artifact %s: write on a sink that is not open", s.key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, row := range rows {
		if len(row) != len(s.record) {
			return fmt.Errorf("artifact %s: row has %d values, schema has %d columns", s.key, len(row), len(s.record))
		}
		for i, v := range row {
			s.record[i] = formatValue(v)
		}
		if err := s.csv.Write(s.record); err != nil {
			return fmt.Errorf("artifact %s: %w", s.key, err)
		}
		s.rows++
	}
	return nil
}

// Commit finishes the encoding and uploads the spool. A failed upload
// leaves the sink aborted.
func (s *CSVSink) Commit(ctx context.Context) error {
	if s.state != stateOpen {
		return fmt.Errorf("artifact %s: commit on a sink that is not open", s.key)
	}
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return s.fail(ctx, err)
	}
	if err := s.enc.Close(); err != nil {
		return s.fail(ctx, err)
	}
	if _, err := s.spool.Seek(0, io.SeekStart); err != nil {
		return s.fail(ctx, err)
	}
	info, err := s.store.Put(ctx, s.key, s.spool, blob.PutOptions{
		ContentType: s.opts.Compression.ContentType(),
		Metadata: map[string]string{
			MetaLayout:      encodeLayout(s.schema),
			MetaCompression: string(s.opts.Compression),
			MetaRows:        strconv.FormatInt(s.rows, 10),
		},
	})
	if err != nil {
		return s.fail(ctx, fmt.Errorf("artifact %s: %w", s.key, err))
	}
	s.info = info
	_ = s.release()
	s.state = stateCommitted
	s.logger.Info("artifact committed",
		slog.Int64("rows", s.rows),
		slog.Int("columns", s.schema.Len()),
		slog.Int64("bytes", info.Size),
		slog.String("driver", string(s.store.Driver())))
	return nil
}

// Abort discards the spool. It is safe to call in any state and never
// removes a committed artifact.
func (s *CSVSink) Abort(context.Context) error {
	if s.state != stateOpen {
		if s.state == stateIdle {
			s.state = stateAborted
		}
		return nil
	}
	err := s.release()
	s.state = stateAborted
	s.logger.Warn("artifact aborted", slog.Int64("rows", s.rows))
	return err
}

func (s *CSVSink) fail(ctx context.Context, err error) error {
	return errors.Join(err, s.Abort(ctx))
}

func (s *CSVSink) release() error {
	if s.spool == nil {
		return nil
	}
	name := s.spool.Name()
	err := s.spool.Close()
	if rerr := os.Remove(name); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	s.spool = nil
	return err
}

func formatValue(v profile.Value) string {
	if v.IsNull() {
		return ""
	}
	return v.Format()
}
