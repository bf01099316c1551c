package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const graphSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	labels     TEXT NOT NULL DEFAULT '[]',
	metadata   TEXT NOT NULL DEFAULT '{}',
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);

CREATE TABLE IF NOT EXISTS edges (
	source       TEXT NOT NULL,
	target       TEXT NOT NULL,
	relationship TEXT NOT NULL,
	weight       REAL NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (source, target, relationship)
);

CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source);
`

// SQLiteGraph persists nodes and edges.
type SQLiteGraph struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenGraph opens or creates the graph database at path.
func OpenGraph(path string, logger *zap.Logger) (*SQLiteGraph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating graph directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening graph database: %w", err)
	}
	// One connection linearizes writers; batches arrive pre-serialized
	// through the flush mutex anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(graphSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying graph schema: %w", err)
	}

	logger.Info("graph database ready", zap.String("path", path))
	return &SQLiteGraph{db: db, logger: logger}, nil
}

// WriteBatch upserts a batch of nodes and edges in one transaction.
// Node conflicts replace labels and metadata; edge conflicts accumulate
// weight.
func (g *SQLiteGraph) WriteBatch(ctx context.Context, nodes map[string]Node, edges map[edgeKey]float64) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, node := range nodes {
		labels, err := json.Marshal(node.Labels)
		if err != nil {
			return fmt.Errorf("marshaling labels: %w", err)
		}
		metadata, err := json.Marshal(node.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO nodes (id, name, type, labels, metadata, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				labels = excluded.labels,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at`,
			node.ID, node.Name, string(node.Type), string(labels), string(metadata), now)
		if err != nil {
			return fmt.Errorf("upserting node %s: %w", node.ID, err)
		}
	}

	for key, weight := range edges {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO edges (source, target, relationship, weight, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source, target, relationship) DO UPDATE SET
				weight = edges.weight + excluded.weight,
				updated_at = excluded.updated_at`,
			key.source, key.target, key.relationship, weight, now)
		if err != nil {
			return fmt.Errorf("upserting edge %s->%s: %w", key.source, key.target, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// GetNode returns a node by id, or nil when absent.
func (g *SQLiteGraph) GetNode(ctx context.Context, id string) (*Node, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT id, name, type, labels, metadata FROM nodes WHERE id = ?`, id)

	var node Node
	var nodeType, labels, metadata string
	if err := row.Scan(&node.ID, &node.Name, &nodeType, &labels, &metadata); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning node: %w", err)
	}
	node.Type = NodeType(nodeType)
	if err := json.Unmarshal([]byte(labels), &node.Labels); err != nil {
		return nil, fmt.Errorf("unmarshaling labels: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &node.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return &node, nil
}

// Neighbors returns the edges leaving nodeID ordered by weight descending.
func (g *SQLiteGraph) Neighbors(ctx context.Context, nodeID string) ([]Edge, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT source, target, relationship, weight
		FROM edges WHERE source = ?
		ORDER BY weight DESC`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.Source, &e.Target, &e.Relationship, &e.Weight); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Counts reports node and edge totals for health reporting.
func (g *SQLiteGraph) Counts(ctx context.Context) (nodes, edges int, err error) {
	if err = g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&nodes); err != nil {
		return 0, 0, fmt.Errorf("counting nodes: %w", err)
	}
	if err = g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&edges); err != nil {
		return 0, 0, fmt.Errorf("counting edges: %w", err)
	}
	return nodes, edges, nil
}

// Close closes the database.
func (g *SQLiteGraph) Close() error {
	return g.db.Close()
}
