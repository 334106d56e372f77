// Package mcpserver exposes the engine over the Model Context Protocol
// (spec.md §6.2's C12): list_tables, get_table_state, run_query, and
// suggest_formula, each a thin wrapper over the inspector and assistant
// packages. Grounded on the teacher's internal/mcpserver/server.go:
// Config-struct-plus-constructor shape, mcp.AddTool registration in a
// registerTools method, (ctx, *mcp.CallToolRequest, Args) -> (result,
// TypedResult, error) handler signatures, stdio Start/Close lifecycle.
package mcpserver

import (
	"context"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cleanslate/engine/internal/assistant"
	"github.com/cleanslate/engine/internal/inspector"
)

// Server wraps the MCP server with CleanSlate's inspector and assistant
// capabilities.
type Server struct {
	mcpServer *mcp.Server
	inspector *inspector.Inspector
	assistant *assistant.Assistant // nil disables suggest_formula
}

// Config holds configuration for the MCP server.
type Config struct {
	ServerName    string
	ServerVersion string
}

// NewServer creates a new MCP server instance. assistantSvc may be nil,
// in which case suggest_formula reports an explicit "not configured"
// error rather than panicking — the rest of the tool set has no
// dependency on the formula assistant being wired.
func NewServer(cfg Config, insp *inspector.Inspector, assistantSvc *assistant.Assistant) (*Server, error) {
	if insp == nil {
		return nil, fmt.Errorf("mcpserver: an Inspector is required")
	}
	impl := &mcp.Implementation{Name: cfg.ServerName, Version: cfg.ServerVersion}
	mcpServer := mcp.NewServer(impl, nil)

	s := &Server{mcpServer: mcpServer, inspector: insp, assistant: assistantSvc}
	s.registerTools()
	return s, nil
}

// ListTablesArgs takes no parameters; it always returns every table.
type ListTablesArgs struct{}

// ListTablesResult mirrors inspector.Snapshot's table list.
type ListTablesResult struct {
	Tables        []inspector.TableView `json:"tables" jsonschema:"known tables and their projected state"`
	ActiveTableID string                `json:"activeTableId" jsonschema:"currently active table id, empty if none"`
}

// GetTableStateArgs names the one table to project.
type GetTableStateArgs struct {
	TableID string `json:"tableId" jsonschema:"id of the table to inspect"`
}

// GetTableStateResult is a single table's projection, or Found=false.
type GetTableStateResult struct {
	Found bool                  `json:"found"`
	Table inspector.TableView   `json:"table,omitempty" jsonschema:"the table's projected state, if found"`
}

// RunQueryArgs is a read-only SQL statement.
type RunQueryArgs struct {
	SQL string `json:"sql" jsonschema:"a single read-only SELECT or WITH statement"`
}

// RunQueryResult wraps the rows RunQuery returned.
type RunQueryResult struct {
	Rows []map[string]any `json:"rows" jsonschema:"result rows, column name to value"`
}

// SuggestFormulaArgs describes the transformation in natural language.
type SuggestFormulaArgs struct {
	Description string   `json:"description" jsonschema:"what the formula should compute, in plain English"`
	Columns     []string `json:"columns" jsonschema:"column names available to the formula"`
}

// SuggestFormulaResult is the assistant's proposed formula. It is
// advisory only — the caller applies it through the normal
// formula-column command path, never automatically.
type SuggestFormulaResult struct {
	Formula     string `json:"formula"`
	Explanation string `json:"explanation"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_tables",
		Description: "List every table the engine knows about, with row counts, columns, timeline position, and dirty/pending counts.",
	}, s.handleListTables)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_table_state",
		Description: "Get the current projected state of a single table by id.",
	}, s.handleGetTableState)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "run_query",
		Description: "Run a read-only SELECT/WITH query against the active table's database. Mutating statements are rejected.",
	}, s.handleRunQuery)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "suggest_formula",
		Description: "Ask the formula assistant to propose a formula (in the engine's closed spreadsheet-style grammar) for a described transformation. The suggestion is advisory and must be reviewed before being applied.",
	}, s.handleSuggestFormula)
}

func (s *Server) handleListTables(ctx context.Context, _ *mcp.CallToolRequest, _ ListTablesArgs) (*mcp.CallToolResult, ListTablesResult, error) {
	snap := s.inspector.Snapshot()
	return nil, ListTablesResult{Tables: snap.Tables, ActiveTableID: snap.ActiveTableID}, nil
}

func (s *Server) handleGetTableState(ctx context.Context, _ *mcp.CallToolRequest, args GetTableStateArgs) (*mcp.CallToolResult, GetTableStateResult, error) {
	snap := s.inspector.Snapshot()
	for _, t := range snap.Tables {
		if t.ID == args.TableID {
			return nil, GetTableStateResult{Found: true, Table: t}, nil
		}
	}
	return nil, GetTableStateResult{Found: false}, nil
}

func (s *Server) handleRunQuery(ctx context.Context, _ *mcp.CallToolRequest, args RunQueryArgs) (*mcp.CallToolResult, RunQueryResult, error) {
	rows, err := s.inspector.RunQuery(ctx, args.SQL)
	if err != nil {
		return nil, RunQueryResult{}, fmt.Errorf("run_query failed: %w", err)
	}
	return nil, RunQueryResult{Rows: rows}, nil
}

func (s *Server) handleSuggestFormula(ctx context.Context, _ *mcp.CallToolRequest, args SuggestFormulaArgs) (*mcp.CallToolResult, SuggestFormulaResult, error) {
	if s.assistant == nil {
		return nil, SuggestFormulaResult{}, fmt.Errorf("suggest_formula: the formula assistant is not configured")
	}
	suggestion, err := s.assistant.Suggest(ctx, args.Description, args.Columns)
	if err != nil {
		return nil, SuggestFormulaResult{}, fmt.Errorf("suggest_formula failed: %w", err)
	}
	return nil, SuggestFormulaResult{Formula: suggestion.Formula, Explanation: suggestion.Explanation}, nil
}

// Start starts the MCP server using stdio transport.
func (s *Server) Start(ctx context.Context) error {
	fmt.Fprintln(os.Stderr, "Starting CleanSlate MCP Server on stdio...")
	transport := &mcp.StdioTransport{}
	return s.mcpServer.Run(ctx, transport)
}
