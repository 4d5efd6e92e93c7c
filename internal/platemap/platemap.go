// Package platemap loads external metadata (platemaps, compound lists) from
// delimited text into a profile table whose columns are all metadata.
package platemap

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cytoprofile/internal/profile"
)

// Options configures Load.
type Options struct {
	// Name labels the table in errors; defaults to "metadata".
	Name string
	// Delimiter is ',' or '\t'. Zero sniffs the header line.
	Delimiter rune
	// TextColumns keep their raw text even when it looks numeric, for
	// identifiers like "007".
	TextColumns []string
}

// Load parses r. Empty cells are NULL; other cells become int, float or
// string, and each column's type is the widest kind seen.
func Load(r io.Reader, opts Options) (*profile.Table, error) {
	name := opts.Name
	if name == "" {
		name = "metadata"
	}
	br := bufio.NewReader(r)
	delim := opts.Delimiter
	if delim == 0 {
		delim = sniff(br)
	}
	if delim != ',' && delim != '\t' {
		return nil, profile.Configf("%s: unsupported delimiter %q", name, delim)
	}
	cr := csv.NewReader(br)
	cr.Comma = delim
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, profile.Configf("%s: empty file", name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")
	text := make([]bool, len(header))
	index := make(map[string]int, len(header))
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
		if header[i] == "" {
			return nil, profile.Configf("%s: column %d has an empty name", name, i+1)
		}
		index[header[i]] = i
	}
	for _, c := range opts.TextColumns {
		i, ok := index[c]
		if !ok {
			return nil, profile.SchemaError{Table: name, Column: c}
		}
		text[i] = true
	}

	var rows []profile.Row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		row := make(profile.Row, len(rec))
		for i, cell := range rec {
			switch {
			case strings.TrimSpace(cell) == "":
				row[i] = profile.Null()
			case text[i]:
				row[i] = profile.StringValue(cell)
			default:
				row[i] = profile.ParseValue(cell)
			}
		}
		rows = append(rows, row)
	}

	cols := make([]profile.Column, len(header))
	vals := make([]profile.Value, len(rows))
	for i, h := range header {
		for j, r := range rows {
			vals[j] = r[i]
		}
		cols[i] = profile.Meta(h, profile.InferKind(vals))
	}
	schema, err := profile.NewSchema(cols...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	tbl := profile.NewTable(name, schema)
	if err := tbl.Append(rows...); err != nil {
		return nil, err
	}
	return tbl, nil
}

// LoadFile opens path and loads it; a .tsv or .txt extension selects tabs
// unless opts.Delimiter is set.
func LoadFile(path string, opts Options) (*profile.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()
	if opts.Name == "" {
		opts.Name = filepath.Base(path)
	}
	if opts.Delimiter == 0 {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".tsv", ".txt":
			opts.Delimiter = '\t'
		case ".csv":
			opts.Delimiter = ','
		}
	}
	return Load(f, opts)
}

// sniff picks tab when the header line holds tabs but no commas.
func sniff(br *bufio.Reader) rune {
	peek, _ := br.Peek(4096)
	if i := bytes.IndexByte(peek, '\n'); i >= 0 {
		peek = peek[:i]
	}
	if bytes.IndexByte(peek, '\t') >= 0 && bytes.IndexByte(peek, ',') < 0 {
		return '\t'
	}
	return ','
}
