// Package lineage is the Lineage Graph enrichment component: it records
// which tables' rows were stacked, joined, or merged into which other
// tables, as table-to-table edges in a Neo4j graph, so a later
// Trace(tableName) query can list the tables a table's rows flowed
// into. Individual origin ids (_cs_origin_id, spec.md §4.1) are not
// stored. It implements timeline.LineageNotifier and is wired as an
// optional collaborator — a nil Client leaves the core untouched.
//
// Grounded on the teacher's internal/database/graph/neo4j.go:
// GraphClient interface shape, NewSession+ExecuteWrite transaction
// pattern, MERGE-then-CREATE Cypher style.
package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/cleanslate/engine/internal/timeline"
)

// GraphClient is the interface the Lineage Graph needs from a driver,
// narrowed to exactly what this package calls — the teacher's
// GraphClient interface generalized the same way.
type GraphClient interface {
	Close(ctx context.Context) error
	Reset(ctx context.Context) error
	ExecuteCypher(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// Neo4jClient implements GraphClient against a real Neo4j instance.
type Neo4jClient struct {
	driver neo4j.DriverWithContext
	dbName string
}

// NewNeo4jClient connects to uri and verifies connectivity, mirroring
// the teacher's NewNeo4jClient constructor.
func NewNeo4jClient(uri, username, password, dbName string) (*Neo4jClient, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("lineage: create neo4j driver: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("lineage: connect to neo4j: %w", err)
	}
	return &Neo4jClient{driver: driver, dbName: dbName}, nil
}

func (c *Neo4jClient) Close(ctx context.Context) error { return c.driver.Close(ctx) }

// Reset deletes every node and edge in the lineage graph.
func (c *Neo4jClient) Reset(ctx context.Context) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.dbName})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, "MATCH (n) DETACH DELETE n", nil)
	})
	return err
}

// ExecuteCypher runs an arbitrary Cypher query in a write transaction
// (used for NotifyCommand's edge writes and for Trace).
func (c *Neo4jClient) ExecuteCypher(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.dbName})
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var rows []map[string]any
		for res.Next(ctx) {
			rows = append(rows, res.Record().AsMap())
		}
		return rows, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("lineage: execute cypher: %w", err)
	}
	rows, _ := result.([]map[string]any)
	return rows, nil
}

// EdgeKind classifies how one table's origin ids relate to another's,
// mirroring the operations that can combine rows: spec.md's combiner
// (stack/union) and matcher-driven join/merge.
type EdgeKind string

const (
	EdgeStack EdgeKind = "STACKED_INTO"
	EdgeJoin  EdgeKind = "JOINED_INTO"
	EdgeMerge EdgeKind = "MERGED_INTO"
)

// Graph records lineage edges derived from applied commands and
// answers Trace queries. It implements timeline.LineageNotifier.
type Graph struct {
	client GraphClient
}

var _ timeline.LineageNotifier = (*Graph)(nil)

// New wraps client. A nil client makes every Graph method a no-op,
// so lineage tracking can be disabled entirely without the timeline
// executor needing to know.
func New(client GraphClient) *Graph {
	return &Graph{client: client}
}

// NotifyCommand records a lineage edge for commands that combine rows
// from one origin table into another. Commands that don't name a
// source/target origin table pair (most transforms and edits) are
// ignored here — lineage only tracks cross-table provenance, not
// every mutation a table receives.
func (g *Graph) NotifyCommand(ctx context.Context, tableID string, cmd *timeline.Command) error {
	if g.client == nil {
		return nil
	}
	sourceTable, ok := cmd.Params["sourceTable"].(string)
	if !ok || sourceTable == "" {
		return nil
	}
	kind, ok := cmd.Params["lineageEdgeKind"].(string)
	if !ok || kind == "" {
		kind = string(EdgeStack)
	}

	query := `
		MERGE (src:Table {name: $source})
		MERGE (dst:Table {name: $target})
		MERGE (src)-[r:` + cypherSafeRelType(kind) + `]->(dst)
		SET r.commandId = $commandId, r.appliedAt = $appliedAt
	`
	params := map[string]any{
		"source":    sourceTable,
		"target":    tableID,
		"commandId": cmd.ID,
		"appliedAt": cmd.AppliedAt.Format(time.RFC3339),
	}
	_, err := g.client.ExecuteCypher(ctx, query, params)
	if err != nil {
		return fmt.Errorf("lineage: record edge for command %q: %w", cmd.ID, err)
	}
	return nil
}

// Trace returns, as rows with a "tableName" key, every table reachable
// from tableName over STACKED_INTO/JOINED_INTO/MERGED_INTO edges. The
// rows are in no defined order, and a table reachable by several paths
// appears once per path.
func (g *Graph) Trace(ctx context.Context, tableName string) ([]map[string]any, error) {
	if g.client == nil {
		return nil, nil
	}
	query := `
		MATCH path = (src:Table {name: $name})-[:STACKED_INTO|JOINED_INTO|MERGED_INTO*]->(dst:Table)
		RETURN dst.name AS tableName
	`
	return g.client.ExecuteCypher(ctx, query, map[string]any{"name": tableName})
}

// cypherSafeRelType restricts kind to the known edge kinds so a
// caller-supplied Params value can never be used to inject an
// arbitrary relationship type into the Cypher text.
func cypherSafeRelType(kind string) string {
	switch EdgeKind(kind) {
	case EdgeStack, EdgeJoin, EdgeMerge:
		return kind
	default:
		return string(EdgeStack)
	}
}
