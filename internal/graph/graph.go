package graph

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// #region schema

const schema = `
CREATE TABLE IF NOT EXISTS causal_nodes (
	node_key   TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	props_json TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_kind ON causal_nodes(kind);

CREATE TABLE IF NOT EXISTS causal_edges (
	source_key TEXT NOT NULL,
	target_key TEXT NOT NULL,
	edge_type  TEXT NOT NULL,
	seen_count INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (source_key, target_key, edge_type)
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON causal_edges(source_key);
CREATE INDEX IF NOT EXISTS idx_edges_target ON causal_edges(target_key);
`

// #endregion schema

// #region types

// NodeKind is the closed set of causal graph node types. Raw failing
// records are never nodes; only their FailureSignature bucket is,
// which bounds the graph to distinct causes rather than occurrences.
type NodeKind string

const (
	NodeProducer         NodeKind = "Producer"
	NodeDeployment       NodeKind = "Deployment"
	NodeFailureSignature NodeKind = "FailureSignature"
	NodeSignal           NodeKind = "Signal"
	NodeIncident         NodeKind = "Incident"
	NodeDataset          NodeKind = "Dataset"
)

// EdgeType is the closed set of causal edge types.
type EdgeType string

const (
	EdgeIntroduced EdgeType = "INTRODUCED" // Deployment -> FailureSignature
	EdgeCaused     EdgeType = "CAUSED"     // FailureSignature -> Signal
	EdgeTriggered  EdgeType = "TRIGGERED"  // Signal -> Incident
	EdgeOwns       EdgeType = "OWNS"       // Producer -> Dataset
)

// Node is one identity-keyed causal graph node.
type Node struct {
	Key       string
	Kind      NodeKind
	PropsJSON string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Edge links two nodes. SeenCount tracks how often the link was
// re-asserted, without ever duplicating the edge row.
type Edge struct {
	SourceKey string
	TargetKey string
	EdgeType  EdgeType
	SeenCount int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the causal graph half of the knowledge plane. Nodes and
// edges are addressed by stable identity keys (signature hashes,
// URNs, signal window keys) rather than in-memory pointers, so
// concurrent writers from different engines converge without
// coordination and replays never duplicate anything.
type Store struct {
	db *sql.DB
}

// #endregion types

// #region constructor

// Open creates the graph tables on the given database.
func Open(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("graph schema: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region upserts

// UpsertNode inserts or refreshes a node by its identity key.
func (g *Store) UpsertNode(kind NodeKind, key, propsJSON string) error {
	if propsJSON == "" {
		propsJSON = "{}"
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := g.db.Exec(
		`INSERT INTO causal_nodes (node_key, kind, props_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(node_key) DO UPDATE SET
		   props_json = excluded.props_json,
		   updated_at = excluded.updated_at`,
		key, string(kind), propsJSON, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", key, err)
	}
	return nil
}

// UpsertEdge inserts an edge or bumps its seen count.
func (g *Store) UpsertEdge(sourceKey, targetKey string, edgeType EdgeType) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := g.db.Exec(
		`INSERT INTO causal_edges (source_key, target_key, edge_type, seen_count, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(source_key, target_key, edge_type) DO UPDATE SET
		   seen_count = causal_edges.seen_count + 1,
		   updated_at = excluded.updated_at`,
		sourceKey, targetKey, string(edgeType), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert edge %s-%s-%s: %w", sourceKey, edgeType, targetKey, err)
	}
	return nil
}

// #endregion upserts

// #region lookups

// GetNode returns a node by key.
func (g *Store) GetNode(key string) (Node, error) {
	var n Node
	var kind, createdAt, updatedAt string
	err := g.db.QueryRow(
		`SELECT node_key, kind, props_json, created_at, updated_at FROM causal_nodes WHERE node_key = ?`,
		key,
	).Scan(&n.Key, &kind, &n.PropsJSON, &createdAt, &updatedAt)
	if err != nil {
		return Node{}, fmt.Errorf("get node %s: %w", key, err)
	}
	n.Kind = NodeKind(kind)
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return n, nil
}

// CountNodes returns the number of nodes of one kind.
func (g *Store) CountNodes(kind NodeKind) (int, error) {
	var n int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM causal_nodes WHERE kind = ?`, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return n, nil
}

// CountEdges returns the number of edges of one type.
func (g *Store) CountEdges(edgeType EdgeType) (int, error) {
	var n int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM causal_edges WHERE edge_type = ?`, string(edgeType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count edges: %w", err)
	}
	return n, nil
}

// Neighbors returns outgoing and incoming edges of a node. Traversal
// follows both directions: RCA walks from an incident back through
// TRIGGERED/CAUSED/INTRODUCED as well as forward through OWNS.
func (g *Store) Neighbors(key string) ([]Edge, error) {
	rows, err := g.db.Query(
		`SELECT source_key, target_key, edge_type, seen_count, created_at, updated_at
		 FROM causal_edges WHERE source_key = ? OR target_key = ?
		 ORDER BY seen_count DESC, source_key, target_key`,
		key, key,
	)
	if err != nil {
		return nil, fmt.Errorf("neighbors of %s: %w", key, err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var edgeType, createdAt, updatedAt string
		if err := rows.Scan(&e.SourceKey, &e.TargetKey, &edgeType, &e.SeenCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.EdgeType = EdgeType(edgeType)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// #endregion lookups

// #region walk

// WalkResult is the ordered output of a bounded traversal.
type WalkResult struct {
	Keys  []string // node keys in visit order, entry first
	Depth []int    // hop distance from the entry node
}

// Walk performs a BFS from entry up to maxDepth hops and maxNodes
// total, following edges in both directions. This is the RCA read
// surface: entry is typically an Incident or Signal key.
func (g *Store) Walk(entry string, maxDepth, maxNodes int) (WalkResult, error) {
	if maxDepth <= 0 {
		maxDepth = 4
	}
	if maxNodes <= 0 {
		maxNodes = 50
	}

	result := WalkResult{Keys: []string{entry}, Depth: []int{0}}
	visited := map[string]bool{entry: true}

	type queueItem struct {
		key   string
		depth int
	}
	queue := []queueItem{{entry, 0}}

	for len(queue) > 0 && len(result.Keys) < maxNodes {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxDepth {
			continue
		}
		edges, err := g.Neighbors(current.key)
		if err != nil {
			return result, fmt.Errorf("walk: %w", err)
		}
		for _, e := range edges {
			if len(result.Keys) >= maxNodes {
				break
			}
			next := e.TargetKey
			if next == current.key {
				next = e.SourceKey
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			result.Keys = append(result.Keys, next)
			result.Depth = append(result.Depth, current.depth+1)
			queue = append(queue, queueItem{next, current.depth + 1})
		}
	}
	return result, nil
}

// #endregion walk
