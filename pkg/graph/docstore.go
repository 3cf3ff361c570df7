package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/kailiangenn/another-me/pkg/core"
)

// The methods below make the graph store satisfy the uniform storage
// contract. Documents map to nodes under the domain's document label,
// with entity nodes linked by MENTIONS edges.

// Add stores a document as a node and links a shared Entity node for each
// extracted entity.
func (s *Store) Add(ctx context.Context, doc *core.Document) error {
	if err := doc.Validate(); err != nil {
		return core.WrapOp("graph.add", err)
	}
	if doc.ID == "" {
		return core.WrapOp("graph.add", fmt.Errorf("%w: missing id", core.ErrValidation))
	}

	ts := doc.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	node := &Node{
		ID:    doc.ID,
		Label: s.domain.DocumentLabel(),
		Properties: map[string]any{
			"content":   doc.Content,
			"doc_type":  string(doc.DocType),
			"source":    doc.Source,
			"timestamp": ts.UnixNano(),
		},
	}
	if err := s.CreateNode(ctx, node); err != nil {
		return err
	}

	for _, entity := range doc.Entities {
		entityNode, err := s.Merge(ctx, LabelEntity, "name", entity, nil)
		if err != nil {
			return err
		}
		edge := &Edge{
			SourceID:  doc.ID,
			TargetID:  entityNode.ID,
			Relation:  RelMentions,
			ValidFrom: ts,
		}
		if err := s.CreateEdge(ctx, edge); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the document stored under id.
func (s *Store) Get(ctx context.Context, id string) (*core.Document, error) {
	node, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if node.Label != s.domain.DocumentLabel() {
		return nil, core.WrapOp("graph.get", fmt.Errorf("%w: %s is not a document node", core.ErrNotFound, id))
	}
	return nodeToDocument(node), nil
}

// Update rewrites the document node's content properties.
func (s *Store) Update(ctx context.Context, doc *core.Document) error {
	node, err := s.GetNode(ctx, doc.ID)
	if err != nil {
		return err
	}
	if node.Properties == nil {
		node.Properties = make(map[string]any)
	}
	node.Properties["content"] = doc.Content
	node.Properties["doc_type"] = string(doc.DocType)
	return s.UpdateNode(ctx, node)
}

// Delete removes the document node and its edges.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.DeleteNode(ctx, id)
}

// Search matches document nodes whose content contains the request text.
func (s *Store) Search(ctx context.Context, req core.SearchRequest) ([]core.Hit, error) {
	if req.TopK <= 0 || req.Text == "" {
		return nil, nil
	}
	nodes, err := s.FindNodes(ctx, s.domain.DocumentLabel(), nil)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(req.Text)
	var hits []core.Hit
	for _, node := range nodes {
		content := cast.ToString(node.Properties["content"])
		if strings.Contains(strings.ToLower(content), needle) {
			hits = append(hits, core.Hit{ID: node.ID, Score: 1})
			if len(hits) == req.TopK {
				break
			}
		}
	}
	return hits, nil
}

// Count returns the number of document nodes.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE label = ?", s.nodes),
		string(s.domain.DocumentLabel())).Scan(&count)
	if err != nil {
		return 0, core.WrapOp("graph.count", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	return count, nil
}

// Clear drops all nodes and edges in this domain.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapOp("graph.clear", core.ErrStoreClosed)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.edges)); err != nil {
		return core.WrapOp("graph.clear", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.nodes)); err != nil {
		return core.WrapOp("graph.clear", err)
	}
	return nil
}

// Stats reports document and total node counts for this domain.
func (s *Store) Stats(ctx context.Context) (core.Stats, error) {
	docs, err := s.Count(ctx)
	if err != nil {
		return core.Stats{}, err
	}
	var total int64
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", s.nodes)).Scan(&total); err != nil {
		return core.Stats{}, core.WrapOp("graph.stats", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	return core.Stats{Count: docs, Total: total}, nil
}

// Close releases the pool when this store owns it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func nodeToDocument(node *Node) *core.Document {
	doc := &core.Document{
		ID:            node.ID,
		Content:       cast.ToString(node.Properties["content"]),
		DocType:       core.DocumentType(cast.ToString(node.Properties["doc_type"])),
		Source:        cast.ToString(node.Properties["source"]),
		StoredInGraph: true,
	}
	if ns := cast.ToInt64(node.Properties["timestamp"]); ns != 0 {
		doc.Timestamp = time.Unix(0, ns)
	}
	return doc
}
