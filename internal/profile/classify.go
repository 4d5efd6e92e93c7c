package profile

import (
	"math"
	"strings"
)

var nan = math.NaN()

// DefaultMetadataPrefixes mark CellProfiler-style metadata columns.
var DefaultMetadataPrefixes = []string{"Metadata_", "Image_Metadata_"}

// Classifier infers column roles for tables that arrive without explicit
// tags (artifacts read back from disk, metadata files).
type Classifier struct {
	MetadataPrefixes []string
	Reserved         map[string]struct{}
}

// DefaultClassifier uses DefaultMetadataPrefixes and the given reserved names.
func DefaultClassifier(reserved ...string) Classifier {
	c := Classifier{MetadataPrefixes: DefaultMetadataPrefixes, Reserved: make(map[string]struct{}, len(reserved))}
	for _, r := range reserved {
		c.Reserved[r] = struct{}{}
	}
	return c
}

// Role classifies a column: metadata when prefixed, reserved or textual.
// An all-NULL column (KindNull) stays a feature so it can be dropped later.
func (c Classifier) Role(name string, typ Kind) Role {
	if _, ok := c.Reserved[name]; ok {
		return RoleMetadata
	}
	for _, p := range c.MetadataPrefixes {
		if strings.HasPrefix(name, p) {
			return RoleMetadata
		}
	}
	if typ == KindString {
		return RoleMetadata
	}
	return RoleFeature
}

// InferKind folds the kinds observed in a column: any string makes it a
// string column, any float widens int, all NULL stays KindNull.
func InferKind(vals []Value) Kind {
	out := KindNull
	for _, v := range vals {
		switch v.Kind() {
		case KindString:
			return KindString
		case KindFloat:
			out = KindFloat
		case KindInt:
			if out == KindNull {
				out = KindInt
			}
		}
	}
	return out
}

// Classify builds a schema for untagged names and rows.
func (c Classifier) Classify(names []string, rows []Row) (*Schema, error) {
	cols := make([]Column, len(names))
	vals := make([]Value, len(rows))
	for i, name := range names {
		for j, r := range rows {
			vals[j] = r[i]
		}
		typ := InferKind(vals)
		cols[i] = Column{Name: name, Role: c.Role(name, typ), Type: typ}
	}
	return NewSchema(cols...)
}
