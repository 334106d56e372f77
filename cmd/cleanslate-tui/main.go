// Command cleanslate-tui runs the Inspector TUI: a read-only terminal
// dashboard over the engine's table list, timeline positions, and
// dirty/pending counts.
package main

import (
	"context"
	"log"
	"os"

	"github.com/cleanslate/engine/internal/dbengine"
	"github.com/cleanslate/engine/internal/inspector"
	"github.com/cleanslate/engine/internal/opfs"
	"github.com/cleanslate/engine/internal/orchestrator"
	"github.com/cleanslate/engine/internal/snapshot"
	"github.com/cleanslate/engine/ui/tui"
)

func main() {
	ctx := context.Background()

	dbPath := os.Getenv("CLEANSLATE_DB_PATH")
	engine, err := dbengine.Open(dbPath, dbengine.DefaultConfig())
	if err != nil {
		log.Fatalf("Failed to open database engine: %v", err)
	}
	defer engine.Close()

	root := os.Getenv("CLEANSLATE_DATA_DIR")
	if root == "" {
		root = "./cleanslate-data"
	}
	files, err := opfs.New(root, opfs.DefaultConfig())
	if err != nil {
		log.Fatalf("Failed to open snapshot directory %q: %v", root, err)
	}

	snapshots := snapshot.New(engine, files, snapshot.DefaultConfig())
	orc := orchestrator.New(engine, files, snapshots)
	if err := orc.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	insp := inspector.New(engine, orc, orc, noopDirty{}, nil, nil)

	if err := tui.Start(insp); err != nil {
		log.Fatalf("TUI exited with error: %v", err)
	}
}

type noopDirty struct{}

func (noopDirty) DirtyCellCount(string) int   { return 0 }
func (noopDirty) PendingEditCount(string) int { return 0 }
