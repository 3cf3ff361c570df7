// Package graph implements the property-graph storage primitive: typed
// nodes and bitemporal weighted edges over closed label and relation sets,
// partitioned into life and work domains, backed by SQLite.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kailiangenn/another-me/internal/encoding"
	"github.com/kailiangenn/another-me/pkg/core"
)

// Direction selects which edges Neighbors follows.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
	DirectionBoth
)

// Node is a typed vertex. Identity within a label is the node ID; the
// conventional primary-key property for Merge is "name".
type Node struct {
	ID         string         `json:"id"`
	Label      Label          `json:"label"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Edge is a directed, weighted, bitemporal relation between two nodes.
// A nil ValidUntil means the relation still holds.
type Edge struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Relation   Relation       `json:"relation"`
	Weight     float64        `json:"weight"`
	Properties map[string]any `json:"properties,omitempty"`
	ValidFrom  time.Time      `json:"valid_from"`
	ValidUntil *time.Time     `json:"valid_until,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Neighbor pairs an adjacent node with the edge that reaches it.
type Neighbor struct {
	Node Node
	Edge Edge
}

// NeighborQuery narrows a Neighbors call. Zero value means outgoing edges,
// any relation, no time filter.
type NeighborQuery struct {
	Direction Direction
	Relation  Relation   // empty = any
	ValidAt   *time.Time // nil = no time filter
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is a single-domain view over the graph file. Both domains may
// share one SQLite file; each gets its own table pair.
type Store struct {
	db     *sql.DB
	domain Domain
	nodes  string
	edges  string
	logger *zap.Logger
	ownsDB bool

	mu     sync.Mutex // serializes writes and schema mutation
	closed bool
}

var _ core.Store = (*Store)(nil)

// Open creates a domain store backed by the SQLite file at path.
func Open(path string, domain Domain, opts ...Option) (*Store, error) {
	// foreign_keys is set in the DSN so every pooled connection enforces
	// the edge cascade, not only the one Initialize ran on.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, core.WrapOp("graph.open", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	s := NewWithDB(db, domain, opts...)
	s.ownsDB = true
	return s, nil
}

// NewWithDB creates a domain store over an existing connection pool.
// Close leaves the pool open in that case.
func NewWithDB(db *sql.DB, domain Domain, opts ...Option) *Store {
	s := &Store{
		db:     db,
		domain: domain,
		nodes:  string(domain) + "_graph_nodes",
		edges:  string(domain) + "_graph_edges",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize creates the domain's tables and indexes idempotently.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS %[2]s (
	id          TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	relation    TEXT NOT NULL,
	weight      REAL NOT NULL DEFAULT 1.0,
	properties  TEXT NOT NULL DEFAULT '',
	valid_from  INTEGER NOT NULL,
	valid_until INTEGER,
	created_at  INTEGER NOT NULL,
	FOREIGN KEY (source_id) REFERENCES %[1]s(id) ON DELETE CASCADE,
	FOREIGN KEY (target_id) REFERENCES %[1]s(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_label    ON %[1]s(label);
CREATE INDEX IF NOT EXISTS idx_%[2]s_source   ON %[2]s(source_id);
CREATE INDEX IF NOT EXISTS idx_%[2]s_target   ON %[2]s(target_id);
CREATE INDEX IF NOT EXISTS idx_%[2]s_relation ON %[2]s(relation);
`, s.nodes, s.edges)

	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return core.WrapOp("graph.initialize", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return core.WrapOp("graph.initialize", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	return nil
}

// ------------------------------------------------------------------
// Node operations
// ------------------------------------------------------------------

// CreateNode inserts a node. The label must belong to the domain's set.
func (s *Store) CreateNode(ctx context.Context, node *Node) error {
	if node.ID == "" {
		return core.WrapOp("graph.create_node", fmt.Errorf("%w: missing node id", core.ErrValidation))
	}
	if !s.domain.AllowsLabel(node.Label) {
		return core.WrapOp("graph.create_node",
			fmt.Errorf("%w: label %q outside %s domain", core.ErrValidation, node.Label, s.domain))
	}
	props, err := encoding.EncodeMetadata(node.Properties)
	if err != nil {
		return core.WrapOp("graph.create_node", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapOp("graph.create_node", core.ErrStoreClosed)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, label, properties, created_at, updated_at) VALUES (?, ?, ?, ?, ?)", s.nodes),
		node.ID, string(node.Label), props, now.UnixNano(), now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return core.WrapOp("graph.create_node", fmt.Errorf("%w: %s", core.ErrConflict, node.ID))
		}
		return core.WrapOp("graph.create_node", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	node.CreatedAt = now
	node.UpdatedAt = now
	return nil
}

// GetNode returns the node with the given ID.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, label, properties, created_at, updated_at FROM %s WHERE id = ?", s.nodes), id)

	var (
		node    Node
		label   string
		props   string
		created int64
		updated int64
	)
	err := row.Scan(&node.ID, &label, &props, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.WrapOp("graph.get_node", fmt.Errorf("%w: %s", core.ErrNotFound, id))
	}
	if err != nil {
		return nil, core.WrapOp("graph.get_node", err)
	}

	node.Label = Label(label)
	node.CreatedAt = time.Unix(0, created)
	node.UpdatedAt = time.Unix(0, updated)
	node.Properties, err = encoding.DecodeMetadata(props)
	if err != nil {
		return nil, core.WrapOp("graph.get_node", err)
	}
	return &node, nil
}

// UpdateNode replaces a node's properties. The label is immutable.
func (s *Store) UpdateNode(ctx context.Context, node *Node) error {
	props, err := encoding.EncodeMetadata(node.Properties)
	if err != nil {
		return core.WrapOp("graph.update_node", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapOp("graph.update_node", core.ErrStoreClosed)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET properties = ?, updated_at = ? WHERE id = ?", s.nodes),
		props, time.Now().UnixNano(), node.ID)
	if err != nil {
		return core.WrapOp("graph.update_node", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.WrapOp("graph.update_node", fmt.Errorf("%w: %s", core.ErrNotFound, node.ID))
	}
	return nil
}

// DeleteNode removes a node and, via cascade, its edges. Deleting an
// absent node is not an error.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapOp("graph.delete_node", core.ErrStoreClosed)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.nodes), id)
	return core.WrapOp("graph.delete_node", err)
}

// FindNodes returns nodes with the given label whose properties contain
// every key-value pair in match. Values compare as strings.
func (s *Store) FindNodes(ctx context.Context, label Label, match map[string]any) ([]Node, error) {
	if !s.domain.AllowsLabel(label) {
		return nil, core.WrapOp("graph.find_nodes",
			fmt.Errorf("%w: label %q outside %s domain", core.ErrValidation, label, s.domain))
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, label, properties, created_at, updated_at FROM %s WHERE label = ?", s.nodes),
		string(label))
	if err != nil {
		return nil, core.WrapOp("graph.find_nodes", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	defer rows.Close()

	var result []Node
	for rows.Next() {
		var (
			node    Node
			l       string
			props   string
			created int64
			updated int64
		)
		if err := rows.Scan(&node.ID, &l, &props, &created, &updated); err != nil {
			return nil, core.WrapOp("graph.find_nodes", err)
		}
		node.Label = Label(l)
		node.CreatedAt = time.Unix(0, created)
		node.UpdatedAt = time.Unix(0, updated)
		node.Properties, err = encoding.DecodeMetadata(props)
		if err != nil {
			return nil, core.WrapOp("graph.find_nodes", err)
		}
		if propertiesMatch(node.Properties, match) {
			result = append(result, node)
		}
	}
	return result, rows.Err()
}

// Merge upserts a node identified by (label, key property). Properties of
// an existing node are merged, new keys winning.
func (s *Store) Merge(ctx context.Context, label Label, key string, value any, props map[string]any) (*Node, error) {
	found, err := s.FindNodes(ctx, label, map[string]any{key: value})
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		node := found[0]
		if node.Properties == nil {
			node.Properties = make(map[string]any)
		}
		for k, v := range props {
			node.Properties[k] = v
		}
		if err := s.UpdateNode(ctx, &node); err != nil {
			return nil, err
		}
		return &node, nil
	}

	merged := make(map[string]any, len(props)+1)
	for k, v := range props {
		merged[k] = v
	}
	merged[key] = value
	node := &Node{ID: uuid.New().String(), Label: label, Properties: merged}
	if err := s.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

func propertiesMatch(props, match map[string]any) bool {
	for k, want := range match {
		got, ok := props[k]
		if !ok || cast.ToString(got) != cast.ToString(want) {
			return false
		}
	}
	return true
}

// ------------------------------------------------------------------
// Edge operations
// ------------------------------------------------------------------

// CreateEdge inserts an edge. The relation must belong to the domain's
// set, and valid_from must not exceed valid_until.
func (s *Store) CreateEdge(ctx context.Context, edge *Edge) error {
	if !s.domain.AllowsRelation(edge.Relation) {
		return core.WrapOp("graph.create_edge",
			fmt.Errorf("%w: relation %q outside %s domain", core.ErrValidation, edge.Relation, s.domain))
	}
	if edge.ValidFrom.IsZero() {
		edge.ValidFrom = time.Now()
	}
	if edge.ValidUntil != nil && edge.ValidFrom.After(*edge.ValidUntil) {
		return core.WrapOp("graph.create_edge",
			fmt.Errorf("%w: valid_from after valid_until", core.ErrValidation))
	}
	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	if edge.Weight == 0 {
		edge.Weight = 1.0
	}
	props, err := encoding.EncodeMetadata(edge.Properties)
	if err != nil {
		return core.WrapOp("graph.create_edge", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapOp("graph.create_edge", core.ErrStoreClosed)
	}

	var validUntil any
	if edge.ValidUntil != nil {
		validUntil = edge.ValidUntil.UnixNano()
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, source_id, target_id, relation, weight, properties, valid_from, valid_until, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.edges),
		edge.ID, edge.SourceID, edge.TargetID, string(edge.Relation),
		edge.Weight, props, edge.ValidFrom.UnixNano(), validUntil, now.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint") {
			return core.WrapOp("graph.create_edge",
				fmt.Errorf("%w: endpoint missing for edge %s -> %s", core.ErrNotFound, edge.SourceID, edge.TargetID))
		}
		return core.WrapOp("graph.create_edge", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	edge.CreatedAt = now
	return nil
}

// CloseEdge sets valid_until, ending the relation's validity.
func (s *Store) CloseEdge(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapOp("graph.close_edge", core.ErrStoreClosed)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET valid_until = ? WHERE id = ? AND valid_from <= ?", s.edges),
		at.UnixNano(), id, at.UnixNano())
	if err != nil {
		return core.WrapOp("graph.close_edge", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.WrapOp("graph.close_edge", fmt.Errorf("%w: %s", core.ErrNotFound, id))
	}
	return nil
}

// DeleteEdge removes an edge. Absent edges are not an error.
func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapOp("graph.delete_edge", core.ErrStoreClosed)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.edges), id)
	return core.WrapOp("graph.delete_edge", err)
}

// EdgesBetween returns all edges from src to dst.
func (s *Store) EdgesBetween(ctx context.Context, src, dst string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("%s FROM %s WHERE source_id = ? AND target_id = ?", edgeColumns, s.edges), src, dst)
	if err != nil {
		return nil, core.WrapOp("graph.edges_between", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	defer rows.Close()
	return scanEdges(rows)
}

// Neighbors enumerates nodes adjacent to nodeID per the query.
func (s *Store) Neighbors(ctx context.Context, nodeID string, q NeighborQuery) ([]Neighbor, error) {
	var cond string
	args := []any{}
	switch q.Direction {
	case DirectionOut:
		cond = "e.source_id = ?"
		args = append(args, nodeID)
	case DirectionIn:
		cond = "e.target_id = ?"
		args = append(args, nodeID)
	case DirectionBoth:
		cond = "(e.source_id = ? OR e.target_id = ?)"
		args = append(args, nodeID, nodeID)
	}
	if q.Relation != "" {
		cond += " AND e.relation = ?"
		args = append(args, string(q.Relation))
	}
	if q.ValidAt != nil {
		cond += " AND e.valid_from <= ? AND (e.valid_until IS NULL OR e.valid_until >= ?)"
		args = append(args, q.ValidAt.UnixNano(), q.ValidAt.UnixNano())
	}

	query := fmt.Sprintf(`
		SELECT e.id, e.source_id, e.target_id, e.relation, e.weight, e.properties,
		       e.valid_from, e.valid_until, e.created_at,
		       n.id, n.label, n.properties, n.created_at, n.updated_at
		FROM %s e
		JOIN %s n ON n.id = CASE WHEN e.source_id = ? THEN e.target_id ELSE e.source_id END
		WHERE %s`, s.edges, s.nodes, cond)
	args = append([]any{nodeID}, args...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WrapOp("graph.neighbors", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	defer rows.Close()

	var result []Neighbor
	for rows.Next() {
		var (
			nb         Neighbor
			relation   string
			eprops     string
			validFrom  int64
			validUntil sql.NullInt64
			ecreated   int64
			label      string
			nprops     string
			ncreated   int64
			nupdated   int64
		)
		err := rows.Scan(&nb.Edge.ID, &nb.Edge.SourceID, &nb.Edge.TargetID,
			&relation, &nb.Edge.Weight, &eprops, &validFrom, &validUntil, &ecreated,
			&nb.Node.ID, &label, &nprops, &ncreated, &nupdated)
		if err != nil {
			return nil, core.WrapOp("graph.neighbors", err)
		}
		nb.Edge.Relation = Relation(relation)
		nb.Edge.ValidFrom = time.Unix(0, validFrom)
		if validUntil.Valid {
			t := time.Unix(0, validUntil.Int64)
			nb.Edge.ValidUntil = &t
		}
		nb.Edge.CreatedAt = time.Unix(0, ecreated)
		nb.Edge.Properties, err = encoding.DecodeMetadata(eprops)
		if err != nil {
			return nil, core.WrapOp("graph.neighbors", err)
		}
		nb.Node.Label = Label(label)
		nb.Node.CreatedAt = time.Unix(0, ncreated)
		nb.Node.UpdatedAt = time.Unix(0, nupdated)
		nb.Node.Properties, err = encoding.DecodeMetadata(nprops)
		if err != nil {
			return nil, core.WrapOp("graph.neighbors", err)
		}
		result = append(result, nb)
	}
	return result, rows.Err()
}

const edgeColumns = `SELECT id, source_id, target_id, relation, weight, properties,
	valid_from, valid_until, created_at`

func scanEdges(rows *sql.Rows) ([]Edge, error) {
	var result []Edge
	for rows.Next() {
		var (
			e          Edge
			relation   string
			props      string
			validFrom  int64
			validUntil sql.NullInt64
			created    int64
		)
		err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &relation, &e.Weight,
			&props, &validFrom, &validUntil, &created)
		if err != nil {
			return nil, err
		}
		e.Relation = Relation(relation)
		e.ValidFrom = time.Unix(0, validFrom)
		if validUntil.Valid {
			t := time.Unix(0, validUntil.Int64)
			e.ValidUntil = &t
		}
		e.CreatedAt = time.Unix(0, created)
		e.Properties, err = encoding.DecodeMetadata(props)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
