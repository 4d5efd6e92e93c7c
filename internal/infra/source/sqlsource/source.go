// Package sqlsource reads compartment and image tables from SQLite
// (modernc.org/sqlite) or Postgres (pgx stdlib) databases.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"cytoprofile/internal/merge"
	"cytoprofile/internal/profile"
)

// Compile-time contract assertion ensuring Source satisfies merge.Source.
var _ merge.Source = (*Source)(nil)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Source is a merge.Source over one database. Each open scan holds its own
// connection, so file-backed SQLite databases are required; ":memory:"
// gives every connection a separate empty database.
type Source struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects and pings the database.
func Open(ctx context.Context, dialect Dialect, dsn string, logger *slog.Logger) (*Source, error) {
	if dsn == "" {
		return nil, profile.Configf("source dsn required for %s", dialect)
	}
	openMu.Lock()
	db, err := sqlOpen(dialect.driverName(), dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return New(db, dialect, logger), nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Source{db: db, dialect: dialect, logger: logger.With(slog.String("source", string(dialect)))}
}

// Dialect reports the SQL flavour in use.
func (s *Source) Dialect() Dialect { return s.dialect }

// Close releases the database handle.
func (s *Source) Close() error { return s.db.Close() }

func (s *Source) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.tablesQuery())
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

type declaredColumn struct {
	name string
	typ  string
}

func (s *Source) declared(ctx context.Context, table string) ([]declaredColumn, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.columnsQuery(), table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	var out []declaredColumn
	for rows.Next() {
		var c declaredColumn
		if err := rows.Scan(&c.name, &c.typ); err != nil {
			return nil, fmt.Errorf("describe %s: %w", table, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	if len(out) == 0 {
		return nil, profile.Configf("table %s has no columns or does not exist", table)
	}
	return out, nil
}

func (s *Source) Columns(ctx context.Context, table string) ([]merge.ColumnInfo, error) {
	decl, err := s.declared(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]merge.ColumnInfo, len(decl))
	for i, d := range decl {
		kind := s.dialect.kindOf(d.typ)
		if kind == profile.KindNull && s.dialect == DialectSQLite {
			if kind, err = s.storedKind(ctx, table, d.name); err != nil {
				return nil, err
			}
		}
		out[i] = merge.ColumnInfo{Name: d.name, Type: kind}
	}
	return out, nil
}

// storedKind infers the kind of an untyped or BLOB SQLite column from the
// storage classes it holds. Text or blob values make it a string column; a
// column holding only NULLs stays KindNull.
func (s *Source) storedKind(ctx context.Context, table, column string) (profile.Kind, error) {
	q := fmt.Sprintf("SELECT DISTINCT typeof(%[1]s) FROM %[2]s WHERE %[1]s IS NOT NULL", quoteIdent(column), quoteIdent(table))
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return profile.KindNull, fmt.Errorf("describe %s.%s: %w", table, column, err)
	}
	defer func() { _ = rows.Close() }()
	kind := profile.KindNull
	for rows.Next() {
		var class string
		if err := rows.Scan(&class); err != nil {
			return profile.KindNull, fmt.Errorf("describe %s.%s: %w", table, column, err)
		}
		switch class {
		case "text", "blob":
			kind = profile.KindString
		case "real":
			if kind != profile.KindString {
				kind = profile.KindFloat
			}
		case "integer":
			if kind == profile.KindNull {
				kind = profile.KindInt
			}
		}
	}
	if err := rows.Err(); err != nil {
		return profile.KindNull, fmt.Errorf("describe %s.%s: %w", table, column, err)
	}
	return kind, nil
}

// Scan streams the table ordered by opts.OrderBy with NULLs first and the
// physical row order breaking ties.
func (s *Source) Scan(ctx context.Context, table string, opts merge.ScanOptions) (merge.RowIterator, error) {
	infos, err := s.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	kinds := make(map[string]profile.Kind, len(infos))
	for _, c := range infos {
		kinds[c.Name] = c.Type
	}
	cols := opts.Columns
	if len(cols) == 0 {
		cols = make([]string, len(infos))
		for i, c := range infos {
			cols[i] = c.Name
		}
	}
	for _, c := range append(append([]string(nil), cols...), opts.OrderBy...) {
		if _, ok := kinds[c]; !ok {
			return nil, profile.SchemaError{Table: table, Column: c}
		}
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = merge.DefaultChunkSize
	}
	q := s.dialect.scanQuery(table, cols, opts.OrderBy, kinds)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	it := &iterator{table: table, rows: rows, chunk: chunk, kinds: make([]profile.Kind, len(cols))}
	for i, c := range cols {
		it.kinds[i] = kinds[c]
	}
	return it, nil
}

type iterator struct {
	table string
	rows  *sql.Rows
	chunk int
	kinds []profile.Kind
	done  bool
}

func (it *iterator) Next(ctx context.Context) ([]profile.Row, error) {
	if it.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw := make([]any, len(it.kinds))
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	out := make([]profile.Row, 0, it.chunk)
	for len(out) < it.chunk && it.rows.Next() {
		if err := it.rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", it.table, err)
		}
		row := make(profile.Row, len(raw))
		for i, v := range raw {
			row[i] = coerce(profile.FromAny(v), it.kinds[i])
		}
		out = append(out, row)
	}
	if len(out) < it.chunk {
		it.done = true
		if err := it.rows.Err(); err != nil {
			return nil, fmt.Errorf("scan %s: %w", it.table, err)
		}
		if len(out) == 0 {
			return nil, io.EOF
		}
	}
	return out, nil
}

func (it *iterator) Close() error { return it.rows.Close() }

// coerce parses numeric text (pgx returns NUMERIC as text) in numeric
// columns. Blank and "nan" text read as NULL; other text is kept as is.
func coerce(v profile.Value, kind profile.Kind) profile.Value {
	str, ok := v.Str()
	if !ok || !kind.Numeric() {
		return v
	}
	p := profile.ParseValue(str)
	switch {
	case p.IsNull():
		return p
	case !p.Kind().Numeric():
		return v
	case kind == profile.KindFloat:
		f, _ := p.Float()
		return profile.FloatValue(f)
	default:
		return p
	}
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
