package sqlsource

import (
	"context"
	"fmt"
	"strings"

	"cytoprofile/internal/merge"
)

// SQLite column affinities.
const (
	AffinityInteger = "INTEGER"
	AffinityText    = "TEXT"
	AffinityBlob    = "BLOB"
	AffinityReal    = "REAL"
	AffinityNumeric = "NUMERIC"
)

// Affinity derives a column affinity from its declared type using SQLite's
// substring rules, so VARCHAR(255) and UNSIGNED BIG INT resolve too.
func Affinity(declared string) string {
	t := strings.ToUpper(declared)
	switch {
	case strings.Contains(t, "INT"):
		return AffinityInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return AffinityText
	case strings.Contains(t, "BLOB"), strings.TrimSpace(t) == "":
		return AffinityBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return AffinityReal
	}
	return AffinityNumeric
}

// storageClasses lists the typeof() results that agree with an affinity.
// NULL agrees with every affinity.
var storageClasses = map[string][]string{
	AffinityInteger: {"integer"},
	AffinityText:    {"text"},
	AffinityBlob:    {"blob"},
	AffinityReal:    {"real"},
	AffinityNumeric: {"integer", "real"},
}

// Conflict is the affinity conflict reported by ConflictingAffinity.
type Conflict = merge.TypeConflict

var _ merge.AffinityChecker = (*Source)(nil)

// ConflictingAffinity scans SQLite columns for affinity conflicts. An empty
// table checks every table; an empty column checks every column of the
// table. Other dialects enforce column types and report nothing.
func (s *Source) ConflictingAffinity(ctx context.Context, table, column string) ([]Conflict, error) {
	if s.dialect != DialectSQLite {
		return nil, nil
	}
	tables := []string{table}
	if table == "" {
		var err error
		if tables, err = s.Tables(ctx); err != nil {
			return nil, err
		}
	}
	var out []Conflict
	for _, t := range tables {
		decl, err := s.declared(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, d := range decl {
			if column != "" && d.name != column {
				continue
			}
			aff := Affinity(d.typ)
			found, err := s.foreignClasses(ctx, t, d.name, storageClasses[aff])
			if err != nil {
				return nil, err
			}
			if len(found) > 0 {
				c := Conflict{Table: t, Column: d.name, Declared: d.typ, Affinity: aff, Found: found}
				s.logger.Warn("conflicting affinity and storage class", "conflict", c.String())
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (s *Source) foreignClasses(ctx context.Context, table, column string, allowed []string) ([]string, error) {
	quoted := make([]string, 0, len(allowed)+1)
	quoted = append(quoted, "'null'")
	for _, a := range allowed {
		quoted = append(quoted, "'"+a+"'")
	}
	q := fmt.Sprintf("SELECT DISTINCT typeof(%[1]s) FROM %[2]s WHERE typeof(%[1]s) NOT IN (%[3]s) ORDER BY 1",
		quoteIdent(column), quoteIdent(table), strings.Join(quoted, ", "))
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("affinity check %s.%s: %w", table, column, err)
	}
	defer func() { _ = rows.Close() }()
	var found []string
	for rows.Next() {
		var class string
		if err := rows.Scan(&class); err != nil {
			return nil, fmt.Errorf("affinity check %s.%s: %w", table, column, err)
		}
		found = append(found, class)
	}
	return found, rows.Err()
}
