package graph

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kailiangenn/another-me/pkg/core"
)

func newTestStore(t *testing.T, domain Domain) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graph.db"), domain)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNodeCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DomainLife)

	node := &Node{ID: "p1", Label: LabelPerson, Properties: map[string]any{"name": "Wang"}}
	if err := s.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if err := s.CreateNode(ctx, node); !errors.Is(err, core.ErrConflict) {
		t.Errorf("duplicate CreateNode = %v, want ErrConflict", err)
	}

	got, err := s.GetNode(ctx, "p1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Label != LabelPerson || got.Properties["name"] != "Wang" {
		t.Errorf("GetNode = %+v", got)
	}

	got.Properties["city"] = "Hangzhou"
	if err := s.UpdateNode(ctx, got); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	got, err = s.GetNode(ctx, "p1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Properties["city"] != "Hangzhou" {
		t.Errorf("update not applied: %v", got.Properties)
	}

	if err := s.DeleteNode(ctx, "p1"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := s.GetNode(ctx, "p1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetNode after delete = %v, want ErrNotFound", err)
	}
}

func TestClosedLabelSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DomainLife)

	// Work-domain label refused in the life domain.
	err := s.CreateNode(ctx, &Node{ID: "x", Label: LabelProject})
	if !errors.Is(err, core.ErrValidation) {
		t.Errorf("work label in life domain = %v, want ErrValidation", err)
	}
	// Unknown label refused anywhere.
	err = s.CreateNode(ctx, &Node{ID: "x", Label: "Spaceship"})
	if !errors.Is(err, core.ErrValidation) {
		t.Errorf("unknown label = %v, want ErrValidation", err)
	}
	// Entity is shared.
	if err := s.CreateNode(ctx, &Node{ID: "e", Label: LabelEntity}); err != nil {
		t.Errorf("shared Entity label rejected: %v", err)
	}
}

func TestClosedRelationSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DomainWork)

	for _, id := range []string{"t1", "t2"} {
		if err := s.CreateNode(ctx, &Node{ID: id, Label: LabelTask}); err != nil {
			t.Fatalf("CreateNode %s: %v", id, err)
		}
	}

	err := s.CreateEdge(ctx, &Edge{SourceID: "t1", TargetID: "t2", Relation: RelFeels})
	if !errors.Is(err, core.ErrValidation) {
		t.Errorf("life relation in work domain = %v, want ErrValidation", err)
	}
	if err := s.CreateEdge(ctx, &Edge{SourceID: "t1", TargetID: "t2", Relation: RelDependsOn}); err != nil {
		t.Errorf("valid relation rejected: %v", err)
	}
}

func TestEdgeValidity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DomainLife)

	for _, id := range []string{"a", "b"} {
		if err := s.CreateNode(ctx, &Node{ID: id, Label: LabelPerson}); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
	}

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := from.Add(-time.Hour)
	err := s.CreateEdge(ctx, &Edge{
		SourceID: "a", TargetID: "b", Relation: RelKnows,
		ValidFrom: from, ValidUntil: &until,
	})
	if !errors.Is(err, core.ErrValidation) {
		t.Errorf("valid_from after valid_until = %v, want ErrValidation", err)
	}

	edge := &Edge{SourceID: "a", TargetID: "b", Relation: RelKnows, ValidFrom: from}
	if err := s.CreateEdge(ctx, edge); err != nil {
		t.Fatalf("CreateEdge: %v", err)
	}

	// Open edge is valid at any later point.
	at := from.Add(24 * time.Hour)
	neighbors, err := s.Neighbors(ctx, "a", NeighborQuery{Direction: DirectionOut, ValidAt: &at})
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].Node.ID != "b" {
		t.Fatalf("Neighbors = %v, want b", neighbors)
	}

	// Closing the edge ends validity after the close point.
	closeAt := from.Add(48 * time.Hour)
	if err := s.CloseEdge(ctx, edge.ID, closeAt); err != nil {
		t.Fatalf("CloseEdge: %v", err)
	}
	later := closeAt.Add(time.Hour)
	neighbors, err = s.Neighbors(ctx, "a", NeighborQuery{Direction: DirectionOut, ValidAt: &later})
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(neighbors) != 0 {
		t.Errorf("closed edge still valid: %v", neighbors)
	}
	// Still valid inside the window.
	inside := from.Add(24 * time.Hour)
	neighbors, err = s.Neighbors(ctx, "a", NeighborQuery{Direction: DirectionOut, ValidAt: &inside})
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(neighbors) != 1 {
		t.Errorf("edge not valid inside window: %v", neighbors)
	}
}

func TestNeighborsDirectionAndRelation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DomainLife)

	for _, id := range []string{"me", "friend", "city"} {
		label := LabelPerson
		if id == "city" {
			label = LabelLocation
		}
		if err := s.CreateNode(ctx, &Node{ID: id, Label: label}); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
	}
	if err := s.CreateEdge(ctx, &Edge{SourceID: "me", TargetID: "friend", Relation: RelKnows}); err != nil {
		t.Fatalf("CreateEdge: %v", err)
	}
	if err := s.CreateEdge(ctx, &Edge{SourceID: "me", TargetID: "city", Relation: RelLocatedIn}); err != nil {
		t.Fatalf("CreateEdge: %v", err)
	}

	out, err := s.Neighbors(ctx, "me", NeighborQuery{Direction: DirectionOut})
	if err != nil {
		t.Fatalf("Neighbors out: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("out neighbors = %d, want 2", len(out))
	}

	in, err := s.Neighbors(ctx, "friend", NeighborQuery{Direction: DirectionIn})
	if err != nil {
		t.Fatalf("Neighbors in: %v", err)
	}
	if len(in) != 1 || in[0].Node.ID != "me" {
		t.Errorf("in neighbors = %v, want me", in)
	}

	known, err := s.Neighbors(ctx, "me", NeighborQuery{Direction: DirectionBoth, Relation: RelKnows})
	if err != nil {
		t.Fatalf("Neighbors filtered: %v", err)
	}
	if len(known) != 1 || known[0].Node.ID != "friend" {
		t.Errorf("relation-filtered neighbors = %v, want friend", known)
	}
}

func TestEdgesBetweenAndCascade(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DomainLife)

	for _, id := range []string{"a", "b"} {
		if err := s.CreateNode(ctx, &Node{ID: id, Label: LabelPerson}); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
	}
	if err := s.CreateEdge(ctx, &Edge{SourceID: "a", TargetID: "b", Relation: RelKnows}); err != nil {
		t.Fatalf("CreateEdge: %v", err)
	}

	edges, err := s.EdgesBetween(ctx, "a", "b")
	if err != nil {
		t.Fatalf("EdgesBetween: %v", err)
	}
	if len(edges) != 1 || edges[0].Relation != RelKnows {
		t.Fatalf("EdgesBetween = %v", edges)
	}

	// Deleting an endpoint cascades to its edges.
	if err := s.DeleteNode(ctx, "b"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	edges, err = s.EdgesBetween(ctx, "a", "b")
	if err != nil {
		t.Fatalf("EdgesBetween: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("edges survived endpoint deletion: %v", edges)
	}
}

func TestMergeUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DomainLife)

	first, err := s.Merge(ctx, LabelEntity, "name", "quantum computing", map[string]any{"seen": 1})
	if err != nil {
		t.Fatalf("Merge create: %v", err)
	}
	second, err := s.Merge(ctx, LabelEntity, "name", "quantum computing", map[string]any{"seen": 2})
	if err != nil {
		t.Fatalf("Merge update: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Merge created a duplicate: %s vs %s", first.ID, second.ID)
	}

	found, err := s.FindNodes(ctx, LabelEntity, map[string]any{"name": "quantum computing"})
	if err != nil {
		t.Fatalf("FindNodes: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("FindNodes = %d nodes, want 1", len(found))
	}
}

func TestDocumentStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, DomainWork)

	doc := &core.Document{
		ID:         "doc-1",
		Content:    "quarterly planning meeting notes",
		DocType:    core.DocTypeWorkLog,
		Importance: 0.5,
		Entities:   []string{"planning", "q3"},
		Timestamp:  time.Now(),
	}
	if err := s.Add(ctx, doc); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != doc.Content || !got.StoredInGraph {
		t.Errorf("Get = %+v", got)
	}

	// Entity nodes were merged and linked.
	neighbors, err := s.Neighbors(ctx, "doc-1", NeighborQuery{Direction: DirectionOut, Relation: RelMentions})
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(neighbors) != 2 {
		t.Errorf("mentions = %d, want 2", len(neighbors))
	}

	hits, err := s.Search(ctx, core.SearchRequest{Text: "planning", TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "doc-1" {
		t.Errorf("Search = %v", hits)
	}

	count, err := s.Count(ctx)
	if err != nil || count != 1 {
		t.Errorf("Count = %d, %v; want 1", count, err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	// One document node plus two entity nodes.
	if stats.Count != 1 || stats.Total != 3 {
		t.Errorf("Stats = %+v, want Count 1 Total 3", stats)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	count, _ = s.Count(ctx)
	if count != 0 {
		t.Errorf("Count after clear = %d, want 0", count)
	}
}
