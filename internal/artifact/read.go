package artifact

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"cytoprofile/internal/blob"
	"cytoprofile/internal/profile"
)

// ReadTable loads a committed artifact. When the blob carries a layout the
// original roles and types are restored exactly; otherwise types are
// inferred and roles come from classifier.
func ReadTable(ctx context.Context, store blob.Store, key string, classifier profile.Classifier) (*profile.Table, error) {
	info, rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	comp, err := ParseCompression(info.Metadata[MetaCompression])
	if err != nil {
		return nil, err
	}
	dec, err := comp.reader(rc)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", key, err)
	}
	defer dec.Close()
	tbl, err := Decode(ctx, key, dec, info.Metadata[MetaLayout], classifier)
	if err != nil {
		return nil, err
	}
	if want, ok := info.Metadata[MetaRows]; ok {
		if n, err := strconv.ParseInt(want, 10, 64); err == nil && n != int64(tbl.Len()) {
			return nil, profile.IntegrityError{Table: key, Expected: n, Actual: int64(tbl.Len())}
		}
	}
	return tbl, nil
}

// Decode parses uncompressed CSV. An empty layout falls back to inference.
func Decode(ctx context.Context, name string, r io.Reader, layout string, classifier profile.Classifier) (*profile.Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("artifact %s: missing header", name)
		}
		return nil, fmt.Errorf("artifact %s: %w", name, err)
	}
	names := append([]string(nil), header...)
	var schema *profile.Schema
	if layout != "" {
		if schema, err = decodeLayout(layout, names); err != nil {
			return nil, fmt.Errorf("artifact %s: %w", name, err)
		}
	}
	var rows []profile.Row
	for line := 2; ; line++ {
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", name, err)
		}
		row := make(profile.Row, len(rec))
		for i, cell := range rec {
			if schema == nil {
				row[i] = profile.ParseValue(cell)
				continue
			}
			v, err := parseTyped(cell, schema.Column(i).Type)
			if err != nil {
				return nil, fmt.Errorf("artifact %s: line %d column %s: %w", name, line, names[i], err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if schema == nil {
		if schema, err = classifier.Classify(names, rows); err != nil {
			return nil, err
		}
	}
	tbl := profile.NewTable(name, schema)
	if err := tbl.Append(rows...); err != nil {
		return nil, err
	}
	return tbl, nil
}

func parseTyped(cell string, kind profile.Kind) (profile.Value, error) {
	if cell == "" {
		return profile.Null(), nil
	}
	switch kind {
	case profile.KindInt:
		n, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return profile.Value{}, err
		}
		return profile.IntValue(n), nil
	case profile.KindFloat:
		f, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return profile.Value{}, err
		}
		return profile.FloatValue(f), nil
	case profile.KindString:
		return profile.StringValue(cell), nil
	default:
		return profile.ParseValue(cell), nil
	}
}
