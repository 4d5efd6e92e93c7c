package sqlsource

import (
	"fmt"
	"strings"

	"cytoprofile/internal/profile"
)

// Dialect selects SQL flavour and database/sql driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts sqlite, postgres and the pgx alias.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	}
	return "", profile.Configf("unknown source driver %q", s)
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// rowOrder is the hidden column that preserves insertion order on ties.
func (d Dialect) rowOrder() string {
	if d == DialectPostgres {
		return "ctid"
	}
	return "rowid"
}

func (d Dialect) tablesQuery() string {
	if d == DialectPostgres {
		return `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
ORDER BY table_name`
	}
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
}

func (d Dialect) columnsQuery() string {
	if d == DialectPostgres {
		return `SELECT column_name, data_type FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`
	}
	return `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`
}

// orderTerm sorts ascending with NULLs first. Postgres text keys use the C
// collation so string keys order bytewise, the same way the merge engine
// compares them.
func (d Dialect) orderTerm(col string, kind profile.Kind) string {
	term := quoteIdent(col)
	if d == DialectPostgres && kind == profile.KindString {
		term += ` COLLATE "C"`
	}
	return term + " ASC NULLS FIRST"
}

// kindOf maps a declared column type to a value kind.
func (d Dialect) kindOf(declared string) profile.Kind {
	if d == DialectPostgres {
		return postgresKind(declared)
	}
	switch Affinity(declared) {
	case AffinityInteger:
		return profile.KindInt
	case AffinityReal, AffinityNumeric:
		return profile.KindFloat
	case AffinityText:
		return profile.KindString
	}
	// BLOB affinity and undeclared columns carry no usable type.
	return profile.KindNull
}

func postgresKind(dataType string) profile.Kind {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "bigint", "boolean":
		return profile.KindInt
	case "real", "double precision", "numeric", "decimal":
		return profile.KindFloat
	case "text", "character varying", "character", "varchar", "char", "uuid", "date",
		"timestamp without time zone", "timestamp with time zone":
		return profile.KindString
	}
	return profile.KindNull
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func selectList(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = quoteIdent(c)
	}
	return strings.Join(q, ", ")
}

func (d Dialect) scanQuery(table string, cols []string, order []string, kinds map[string]profile.Kind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s ORDER BY ", selectList(cols), quoteIdent(table))
	for _, k := range order {
		b.WriteString(d.orderTerm(k, kinds[k]))
		b.WriteString(", ")
	}
	b.WriteString(d.rowOrder())
	return b.String()
}
