// Package pgengine implements toolset.Engine over a PostgreSQL pool. Schema
// introspection runs against information_schema; ad-hoc queries run inside
// read-only transactions with a row cap applied server-side.
package pgengine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/govdata/mcp-gateway/toolset"
)

var _ toolset.Engine = (*Engine)(nil)

// mutating rejects statements that could write even inside a read-only tx
// (SET, COPY, DO blocks and friends).
var mutating = regexp.MustCompile(`(?is)\b(insert|update|delete|merge|truncate|drop|alter|create|grant|revoke|vacuum|copy|set|do|call|comment)\b`)

var hasLimit = regexp.MustCompile(`(?is)\bLIMIT\s+\d+`)

// identPattern is the shape accepted for schema/table names interpolated into
// introspection SQL. Everything else is rejected before it reaches the server.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_$]*$`)

// Engine is a pgxpool-backed toolset.Engine.
type Engine struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New connects a pool for dsn. The pool is sized for a handful of concurrent
// tool calls, not bulk load.
func New(ctx context.Context, dsn string, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	conf.MinConns = 2
	conf.MaxConns = 8
	conf.MaxConnLifetime = 30 * time.Minute
	conf.MaxConnIdleTime = 5 * time.Minute
	conf.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	return &Engine{pool: pool, log: log}, nil
}

// Close releases the pool.
func (e *Engine) Close() {
	e.pool.Close()
}

// Ping verifies connectivity.
func (e *Engine) Ping(ctx context.Context) error {
	return e.pool.Ping(ctx)
}

func (e *Engine) ListSchemas(ctx context.Context) ([]string, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT schema_name
		FROM information_schema.schemata
		WHERE schema_name NOT IN ('pg_catalog', 'information_schema')
		  AND schema_name NOT LIKE 'pg_toast%'
		ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}
	return schemas, rows.Err()
}

func (e *Engine) ListTables(ctx context.Context, schema string) ([]toolset.TableRef, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY table_name`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables in %s: %w", schema, err)
	}
	defer rows.Close()

	var tables []toolset.TableRef
	for rows.Next() {
		var t toolset.TableRef
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (e *Engine) DescribeTable(ctx context.Context, schema, table string) (*toolset.TableDescription, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable = 'YES', COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	desc := &toolset.TableDescription{Schema: schema, Table: table}
	for rows.Next() {
		var c toolset.ColumnInfo
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.Default); err != nil {
			return nil, err
		}
		desc.Columns = append(desc.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(desc.Columns) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", schema, table)
	}

	pkRows, err := e.pool.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1 AND tc.table_name = $2
		  AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			return nil, err
		}
		desc.PrimaryKey = append(desc.PrimaryKey, col)
	}
	if err := pkRows.Err(); err != nil {
		return nil, err
	}

	// reltuples is an estimate maintained by autovacuum; good enough here and
	// never requires a scan.
	err = e.pool.QueryRow(ctx, `
		SELECT COALESCE(c.reltuples::bigint, 0)
		FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`, schema, table).Scan(&desc.RowEstimate)
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}
	return desc, nil
}

func (e *Engine) Query(ctx context.Context, sql string, limit int) (*toolset.RowSet, error) {
	if err := guardReadOnly(sql); err != nil {
		return nil, err
	}
	if !hasLimit.MatchString(sql) {
		sql = fmt.Sprintf("WITH q AS (%s) SELECT * FROM q LIMIT %d", strings.TrimRight(strings.TrimSpace(sql), ";"), limit+1)
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	rs, err := collectRows(rows, limit)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rs, nil
}

func (e *Engine) SampleTable(ctx context.Context, schema, table string, limit int) (*toolset.RowSet, error) {
	if err := checkIdent(schema); err != nil {
		return nil, err
	}
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(`SELECT * FROM %s.%s LIMIT %d`,
		pgx.Identifier{schema}.Sanitize(), pgx.Identifier{table}.Sanitize(), limit+1)

	rows, err := e.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s.%s: %w", schema, table, err)
	}
	defer rows.Close()
	return collectRows(rows, limit)
}

func (e *Engine) ProfileTable(ctx context.Context, schema, table string) (*toolset.TableProfile, error) {
	desc, err := e.DescribeTable(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	qualified := pgx.Identifier{schema}.Sanitize() + "." + pgx.Identifier{table}.Sanitize()
	profile := &toolset.TableProfile{Schema: schema, Table: table}

	if err := e.pool.QueryRow(ctx, "SELECT count(*) FROM "+qualified).Scan(&profile.RowCount); err != nil {
		return nil, fmt.Errorf("failed to count %s.%s: %w", schema, table, err)
	}

	for _, col := range desc.Columns {
		ident := pgx.Identifier{col.Name}.Sanitize()
		cp := toolset.ColumnProfile{Name: col.Name, DataType: col.DataType}
		err := e.pool.QueryRow(ctx, fmt.Sprintf(
			"SELECT count(*) - count(%s), count(DISTINCT %s) FROM %s", ident, ident, qualified),
		).Scan(&cp.NullCount, &cp.DistinctCount)
		if err != nil {
			return nil, fmt.Errorf("failed to profile column %s: %w", col.Name, err)
		}
		profile.Columns = append(profile.Columns, cp)
	}
	return profile, nil
}

func (e *Engine) SearchMetadata(ctx context.Context, term string) ([]toolset.MetadataHit, error) {
	pattern := "%" + term + "%"
	rows, err := e.pool.Query(ctx, `
		SELECT table_schema, table_name, column_name,
		       CASE
		         WHEN table_name ILIKE $1 THEN 'table'
		         ELSE 'column'
		       END
		FROM information_schema.columns
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		  AND (table_name ILIKE $1 OR column_name ILIKE $1)
		ORDER BY table_schema, table_name, ordinal_position
		LIMIT 200`, pattern)
	if err != nil {
		return nil, fmt.Errorf("metadata search failed: %w", err)
	}
	defer rows.Close()

	var hits []toolset.MetadataHit
	for rows.Next() {
		var h toolset.MetadataHit
		if err := rows.Scan(&h.Schema, &h.Table, &h.Column, &h.MatchedIn); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SemanticSearch runs full-text relevance ranking over the indexed tsvector
// columns reported by ListVectorSources. A source argument of the form
// schema.table.column restricts the search to that one column.
func (e *Engine) SemanticSearch(ctx context.Context, query, source string, limit int) ([]toolset.SemanticHit, error) {
	sources, err := e.ListVectorSources(ctx)
	if err != nil {
		return nil, err
	}
	if source != "" {
		filtered := sources[:0]
		for _, s := range sources {
			if source == s.Schema+"."+s.Table+"."+s.Column {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			return nil, fmt.Errorf("unknown source %q", source)
		}
		sources = filtered
	}

	var hits []toolset.SemanticHit
	for _, src := range sources {
		qualified := pgx.Identifier{src.Schema}.Sanitize() + "." + pgx.Identifier{src.Table}.Sanitize()
		ident := pgx.Identifier{src.Column}.Sanitize()
		sql := fmt.Sprintf(`
			SELECT ts_headline('simple', %s::text, plainto_tsquery('simple', $1)),
			       ts_rank(%s, plainto_tsquery('simple', $1))
			FROM %s
			WHERE %s @@ plainto_tsquery('simple', $1)
			ORDER BY 2 DESC
			LIMIT %d`, ident, ident, qualified, ident, limit)

		rows, err := e.pool.Query(ctx, sql, query)
		if err != nil {
			return nil, fmt.Errorf("search over %s failed: %w", qualified, err)
		}
		name := src.Schema + "." + src.Table + "." + src.Column
		for rows.Next() {
			h := toolset.SemanticHit{Source: name}
			if err := rows.Scan(&h.Snippet, &h.Rank); err != nil {
				rows.Close()
				return nil, err
			}
			hits = append(hits, h)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ListVectorSources reports every tsvector column outside the system schemas.
func (e *Engine) ListVectorSources(ctx context.Context) ([]toolset.VectorSource, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT table_schema, table_name, column_name
		FROM information_schema.columns
		WHERE data_type = 'tsvector'
		  AND table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name, column_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list searchable sources: %w", err)
	}
	defer rows.Close()

	var sources []toolset.VectorSource
	for rows.Next() {
		var s toolset.VectorSource
		if err := rows.Scan(&s.Schema, &s.Table, &s.Column); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func collectRows(rows pgx.Rows, limit int) (*toolset.RowSet, error) {
	flds := rows.FieldDescriptions()
	rs := &toolset.RowSet{Columns: make([]string, len(flds))}
	for i, f := range flds {
		rs.Columns[i] = string(f.Name)
	}

	for rows.Next() {
		if len(rs.Rows) == limit {
			rs.Truncated = true
			break
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rs.Rows = append(rs.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rs.RowCount = len(rs.Rows)
	return rs, nil
}

func guardReadOnly(sql string) error {
	trimmed := strings.TrimSpace(sql)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return fmt.Errorf("only SELECT and WITH statements are allowed")
	}
	if mutating.MatchString(trimmed) {
		return fmt.Errorf("refusing to run non-read-only SQL")
	}
	if i := strings.Index(trimmed, ";"); i >= 0 && i != len(trimmed)-1 {
		return fmt.Errorf("multiple statements are not allowed")
	}
	return nil
}

func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}
