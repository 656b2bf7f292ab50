package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/govdata/mcp-gateway/dispatch"
	"github.com/govdata/mcp-gateway/mcp"
)

const (
	defaultQueryLimit  = 100
	maxQueryLimit      = 1000
	defaultSampleLimit = 10
	defaultSearchLimit = 10
)

// Register wires every tool declaration and handler into the dispatcher.
func Register(d *dispatch.Dispatcher, eng Engine) {
	d.RegisterTool(mcp.Tool{
		Name:        "list_schemas",
		Description: "List the schemas available in the connected data source.",
		InputSchema: mustSchema(struct{}{}),
	}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		schemas, err := eng.ListSchemas(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"schemas": schemas}, nil
	})

	d.RegisterTool(mcp.Tool{
		Name:        "list_tables",
		Description: "List the tables in a schema.",
		InputSchema: mustSchema(listTablesArgs{}),
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args listTablesArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Schema == "" {
			args.Schema = "public"
		}
		tables, err := eng.ListTables(ctx, args.Schema)
		if err != nil {
			return nil, err
		}
		return map[string]any{"schema": args.Schema, "tables": tables}, nil
	})

	d.RegisterTool(mcp.Tool{
		Name:        "describe_table",
		Description: "Describe a table: columns, types, nullability, and primary key.",
		InputSchema: mustSchema(tableArgs{}),
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeTableArgs(raw)
		if err != nil {
			return nil, err
		}
		return eng.DescribeTable(ctx, args.Schema, args.Table)
	})

	d.RegisterTool(mcp.Tool{
		Name:        "query_data",
		Description: "Run a read-only SQL query. Results are capped by the limit argument.",
		InputSchema: mustSchema(queryDataArgs{}),
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args queryDataArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if strings.TrimSpace(args.SQL) == "" {
			return nil, fmt.Errorf("%w: sql must not be empty", dispatch.ErrInvalidParams)
		}
		limit := args.Limit
		if limit <= 0 {
			limit = defaultQueryLimit
		}
		if limit > maxQueryLimit {
			limit = maxQueryLimit
		}
		start := time.Now()
		rs, err := eng.Query(ctx, args.SQL, limit)
		if err != nil {
			return nil, err
		}
		rs.Elapsed = elapsed(start)
		return rs, nil
	})

	d.RegisterTool(mcp.Tool{
		Name:        "sample_table",
		Description: "Fetch a small sample of rows from a table.",
		InputSchema: mustSchema(sampleTableArgs{}),
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args sampleTableArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if err := requireTable(args.Schema, args.Table); err != nil {
			return nil, err
		}
		limit := args.Limit
		if limit <= 0 {
			limit = defaultSampleLimit
		}
		return eng.SampleTable(ctx, args.Schema, args.Table, limit)
	})

	d.RegisterTool(mcp.Tool{
		Name:        "profile_table",
		Description: "Profile a table: row count plus per-column null and distinct counts.",
		InputSchema: mustSchema(tableArgs{}),
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		args, err := decodeTableArgs(raw)
		if err != nil {
			return nil, err
		}
		return eng.ProfileTable(ctx, args.Schema, args.Table)
	})

	d.RegisterTool(mcp.Tool{
		Name:        "search_metadata",
		Description: "Search schema, table, and column names for a term.",
		InputSchema: mustSchema(searchMetadataArgs{}),
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args searchMetadataArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if strings.TrimSpace(args.Term) == "" {
			return nil, fmt.Errorf("%w: term must not be empty", dispatch.ErrInvalidParams)
		}
		hits, err := eng.SearchMetadata(ctx, args.Term)
		if err != nil {
			return nil, err
		}
		return map[string]any{"term": args.Term, "matches": hits}, nil
	})

	d.RegisterTool(mcp.Tool{
		Name:        "semantic_search",
		Description: "Search indexed text sources by relevance.",
		InputSchema: mustSchema(semanticSearchArgs{}),
	}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args semanticSearchArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if strings.TrimSpace(args.Query) == "" {
			return nil, fmt.Errorf("%w: query must not be empty", dispatch.ErrInvalidParams)
		}
		limit := args.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		hits, err := eng.SemanticSearch(ctx, args.Query, args.Source, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"query": args.Query, "results": hits}, nil
	})

	d.RegisterTool(mcp.Tool{
		Name:        "list_vector_sources",
		Description: "List the text sources available to semantic_search.",
		InputSchema: mustSchema(struct{}{}),
	}, func(ctx context.Context, _ json.RawMessage) (any, error) {
		sources, err := eng.ListVectorSources(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sources": sources}, nil
	})
}

type listTablesArgs struct {
	Schema string `json:"schema,omitempty" jsonschema:"description=Schema to list tables from (defaults to public)"`
}

type tableArgs struct {
	Schema string `json:"schema" jsonschema:"description=Schema containing the table"`
	Table  string `json:"table" jsonschema:"description=Table name"`
}

type queryDataArgs struct {
	SQL   string `json:"sql" jsonschema:"description=Read-only SQL statement (SELECT or WITH)"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum rows to return (default 100, cap 1000)"`
}

type sampleTableArgs struct {
	Schema string `json:"schema" jsonschema:"description=Schema containing the table"`
	Table  string `json:"table" jsonschema:"description=Table name"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Number of rows to sample (default 10)"`
}

type searchMetadataArgs struct {
	Term string `json:"term" jsonschema:"description=Term to match against schema, table, and column names"`
}

type semanticSearchArgs struct {
	Query  string `json:"query" jsonschema:"description=Natural-language search query"`
	Source string `json:"source,omitempty" jsonschema:"description=Restrict the search to one source (schema.table.column)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum results (default 10)"`
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %s", dispatch.ErrInvalidParams, err.Error())
	}
	return nil
}

func decodeTableArgs(raw json.RawMessage) (tableArgs, error) {
	var args tableArgs
	if err := decodeArgs(raw, &args); err != nil {
		return args, err
	}
	return args, requireTable(args.Schema, args.Table)
}

func requireTable(schema, table string) error {
	if schema == "" || table == "" {
		return fmt.Errorf("%w: schema and table are required", dispatch.ErrInvalidParams)
	}
	return nil
}

var schemaReflector = jsonschema.Reflector{
	Anonymous:      true,
	DoNotReference: true,
}

// mustSchema reflects a handler's argument struct into its advertised input
// schema. Called at registration time only; a reflection failure is a
// programming error.
func mustSchema(v any) json.RawMessage {
	s := schemaReflector.Reflect(v)
	s.Version = ""
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("reflect input schema: %v", err))
	}
	return b
}
