// Package toolset declares the gateway's tool surface. Handlers are thin:
// they validate arguments, delegate to an Engine, and shape the result. All
// data access lives behind the Engine interface so the transport and
// dispatcher stay storage-agnostic.
package toolset

import (
	"context"
	"time"
)

// TableRef identifies one table within a schema.
type TableRef struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

// TableDescription is the full structural description of a table.
type TableDescription struct {
	Schema      string       `json:"schema"`
	Table       string       `json:"table"`
	Columns     []ColumnInfo `json:"columns"`
	PrimaryKey  []string     `json:"primary_key,omitempty"`
	RowEstimate int64        `json:"row_estimate"`
}

// RowSet is a bounded tabular query result.
type RowSet struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
	Elapsed   string   `json:"elapsed,omitempty"`
}

// ColumnProfile summarizes one column's contents.
type ColumnProfile struct {
	Name          string `json:"name"`
	DataType      string `json:"data_type"`
	NullCount     int64  `json:"null_count"`
	DistinctCount int64  `json:"distinct_count"`
}

// TableProfile summarizes a table's contents.
type TableProfile struct {
	Schema   string          `json:"schema"`
	Table    string          `json:"table"`
	RowCount int64           `json:"row_count"`
	Columns  []ColumnProfile `json:"columns"`
}

// MetadataHit is one match from a metadata search.
type MetadataHit struct {
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	Column    string `json:"column,omitempty"`
	MatchedIn string `json:"matched_in"`
}

// SemanticHit is one ranked match from a text-relevance search.
type SemanticHit struct {
	Source  string  `json:"source"`
	Snippet string  `json:"snippet"`
	Rank    float64 `json:"rank"`
}

// VectorSource names one searchable text source.
type VectorSource struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Column string `json:"column"`
}

// Engine is the data-access boundary the tool handlers call through. Engines
// must be safe for concurrent use and honor ctx cancellation on every call.
type Engine interface {
	ListSchemas(ctx context.Context) ([]string, error)
	ListTables(ctx context.Context, schema string) ([]TableRef, error)
	DescribeTable(ctx context.Context, schema, table string) (*TableDescription, error)
	Query(ctx context.Context, sql string, limit int) (*RowSet, error)
	SampleTable(ctx context.Context, schema, table string, limit int) (*RowSet, error)
	ProfileTable(ctx context.Context, schema, table string) (*TableProfile, error)
	SearchMetadata(ctx context.Context, term string) ([]MetadataHit, error)
	SemanticSearch(ctx context.Context, query, source string, limit int) ([]SemanticHit, error)
	ListVectorSources(ctx context.Context) ([]VectorSource, error)
}

// elapsed formats a duration for inclusion in results.
func elapsed(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
