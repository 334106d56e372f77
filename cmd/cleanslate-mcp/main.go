// Command cleanslate-mcp runs the engine's Model Context Protocol
// server over stdio: list_tables, get_table_state, run_query, and
// suggest_formula (which returns an error unless GEMINI_API_KEY is set).
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"google.golang.org/api/option"

	"github.com/google/generative-ai-go/genai"

	"github.com/cleanslate/engine/internal/assistant"
	"github.com/cleanslate/engine/internal/dbengine"
	"github.com/cleanslate/engine/internal/inspector"
	"github.com/cleanslate/engine/internal/mcpserver"
	"github.com/cleanslate/engine/internal/opfs"
	"github.com/cleanslate/engine/internal/orchestrator"
	"github.com/cleanslate/engine/internal/snapshot"
)

func main() {
	ctx := context.Background()

	// 1. Initialize the DB engine.
	dbPath := os.Getenv("CLEANSLATE_DB_PATH")
	engine, err := dbengine.Open(dbPath, dbengine.DefaultConfig())
	if err != nil {
		log.Fatalf("Failed to open database engine: %v", err)
	}
	defer engine.Close()

	// 2. Initialize the OPFS-equivalent durable directory store.
	root := os.Getenv("CLEANSLATE_DATA_DIR")
	if root == "" {
		root = "./cleanslate-data"
	}
	files, err := opfs.New(root, opfs.DefaultConfig())
	if err != nil {
		log.Fatalf("Failed to open snapshot directory %q: %v", root, err)
	}

	// 3. Initialize the snapshot store and run the strict-order startup
	// sequence.
	snapshots := snapshot.New(engine, files, snapshot.DefaultConfig())
	orc := orchestrator.New(engine, files, snapshots)
	if err := orc.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	// 4. Initialize the formula assistant, if a Gemini API key is set.
	var assistantSvc *assistant.Assistant
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		geminiClient, err := genai.NewClient(ctx, option.WithAPIKey(key))
		if err != nil {
			log.Printf("Warning: failed to create Gemini client, suggest_formula will be unavailable: %v", err)
		} else {
			defer geminiClient.Close()
			assistantSvc = assistant.New(geminiClient, os.Getenv("GEMINI_MODEL"))
		}
	}

	// 5. Build the Store Inspector Surface.
	insp := inspector.New(engine, orc, orc, noopDirty{}, nil, nil)

	// 6. Build and run the MCP server.
	server, err := mcpserver.NewServer(mcpserver.Config{
		ServerName:    "cleanslate",
		ServerVersion: "1.0.0",
	}, insp, assistantSvc)
	if err != nil {
		log.Fatalf("Failed to create MCP server: %v", err)
	}

	fmt.Fprintln(os.Stderr, "cleanslate-mcp ready")
	if err := server.Start(ctx); err != nil {
		log.Fatalf("MCP server exited with error: %v", err)
	}
}

// noopDirty stands in for the live editbatch/dirty-tracking wiring a
// full UI process would supply; the MCP server's read-only tools don't
// need per-cell dirty counts to function.
type noopDirty struct{}

func (noopDirty) DirtyCellCount(string) int   { return 0 }
func (noopDirty) PendingEditCount(string) int { return 0 }
