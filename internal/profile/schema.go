package profile

import "strings"

// Role tags a column as a feature or as metadata. It is assigned once and
// carried by the schema through every stage.
type Role uint8

const (
	RoleFeature Role = iota + 1
	RoleMetadata
)

func (r Role) String() string {
	switch r {
	case RoleFeature:
		return "feature"
	case RoleMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "feature":
		return RoleFeature, true
	case "metadata":
		return RoleMetadata, true
	}
	return 0, false
}

// Column describes one profile column.
type Column struct {
	Name string
	Role Role
	Type Kind
}

// IsFeature reports whether the column is subject to normalization/selection.
func (c Column) IsFeature() bool { return c.Role == RoleFeature }

// Feature builds a feature column.
func Feature(name string, typ Kind) Column {
	return Column{Name: name, Role: RoleFeature, Type: typ}
}

// Meta builds a metadata column.
func Meta(name string, typ Kind) Column {
	return Column{Name: name, Role: RoleMetadata, Type: typ}
}

// Schema is an immutable ordered column set.
type Schema struct {
	cols  []Column
	index map[string]int
}

// NewSchema validates names are non-empty and unique.
func NewSchema(cols ...Column) (*Schema, error) {
	s := &Schema{cols: make([]Column, len(cols)), index: make(map[string]int, len(cols))}
	copy(s.cols, cols)
	for i, c := range s.cols {
		if strings.TrimSpace(c.Name) == "" {
			return nil, Configf("column %d has an empty name", i)
		}
		if c.Role != RoleFeature && c.Role != RoleMetadata {
			return nil, Configf("column %s has no role", c.Name)
		}
		if _, dup := s.index[c.Name]; dup {
			return nil, Configf("duplicate column %s", c.Name)
		}
		s.index[c.Name] = i
	}
	return s, nil
}

// MustSchema is NewSchema for statically known columns.
func MustSchema(cols ...Column) *Schema {
	s, err := NewSchema(cols...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Len() int { return len(s.cols) }

// Column returns the i-th column.
func (s *Schema) Column(i int) Column { return s.cols[i] }

// Columns returns a copy of the column list.
func (s *Schema) Columns() []Column {
	out := make([]Column, len(s.cols))
	copy(out, s.cols)
	return out
}

// Index returns the position of the named column.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Has reports whether the named column exists.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Lookup returns the named column.
func (s *Schema) Lookup(name string) (Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return Column{}, false
	}
	return s.cols[i], true
}

func (s *Schema) Names() []string {
	out := make([]string, len(s.cols))
	for i, c := range s.cols {
		out[i] = c.Name
	}
	return out
}

// Features lists feature column names in schema order.
func (s *Schema) Features() []string { return s.namesWithRole(RoleFeature) }

// Metadata lists metadata column names in schema order.
func (s *Schema) Metadata() []string { return s.namesWithRole(RoleMetadata) }

func (s *Schema) namesWithRole(r Role) []string {
	var out []string
	for _, c := range s.cols {
		if c.Role == r {
			out = append(out, c.Name)
		}
	}
	return out
}

// Canonical returns the persisted column order (metadata first, then
// features, each keeping its relative order) and, for every output position,
// the source index.
func (s *Schema) Canonical() (*Schema, []int) {
	order := make([]int, 0, len(s.cols))
	for i, c := range s.cols {
		if c.Role == RoleMetadata {
			order = append(order, i)
		}
	}
	for i, c := range s.cols {
		if c.Role == RoleFeature {
			order = append(order, i)
		}
	}
	cols := make([]Column, len(order))
	for i, src := range order {
		cols[i] = s.cols[src]
	}
	return MustSchema(cols...), order
}

// Without returns the schema minus the named columns, and the source index
// of every kept column.
func (s *Schema) Without(drop map[string]struct{}) (*Schema, []int) {
	cols := make([]Column, 0, len(s.cols))
	keep := make([]int, 0, len(s.cols))
	for i, c := range s.cols {
		if _, gone := drop[c.Name]; gone {
			continue
		}
		cols = append(cols, c)
		keep = append(keep, i)
	}
	return MustSchema(cols...), keep
}

// Equal reports whether two schemas hold the same columns in the same order.
func (s *Schema) Equal(o *Schema) bool {
	if s.Len() != o.Len() {
		return false
	}
	for i := range s.cols {
		if s.cols[i] != o.cols[i] {
			return false
		}
	}
	return true
}
