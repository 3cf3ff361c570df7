package vector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kailiangenn/another-me/pkg/core"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(4, opts...)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func doc(id string, seed float32) *core.Document {
	v := make([]float32, 4)
	for i := range v {
		v[i] = seed + float32(i)*0.01
	}
	return &core.Document{ID: id, Content: id, Importance: 0.5, Embedding: v}
}

func TestAddSearchDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		if err := s.Add(ctx, doc(fmt.Sprintf("doc-%d", i), float32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	hits, err := s.Search(ctx, core.SearchRequest{Vector: doc("", 3).Embedding, TopK: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 || hits[0].ID != "doc-3" {
		t.Fatalf("hits = %v, want doc-3 first", hits)
	}
	// Exact match scores 1/(1+0) = 1.
	if hits[0].Score != 1 {
		t.Errorf("exact match score = %v, want 1", hits[0].Score)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("scores increase at %d", i)
		}
		if hits[i].Score < 0 || hits[i].Score > 1 {
			t.Errorf("score %v outside [0,1]", hits[i].Score)
		}
	}

	if err := s.Delete(ctx, "doc-3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	hits, err = s.Search(ctx, core.SearchRequest{Vector: doc("", 3).Embedding, TopK: 10})
	if err != nil {
		t.Fatalf("Search after delete: %v", err)
	}
	for _, h := range hits {
		if h.ID == "doc-3" {
			t.Error("deleted document surfaced in search")
		}
	}

	// Delete is idempotent.
	if err := s.Delete(ctx, "doc-3"); err != nil {
		t.Errorf("second delete should be a no-op, got %v", err)
	}
}

func TestGetUnsupported(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "doc-1")
	if !errors.Is(err, core.ErrUnsupported) {
		t.Errorf("Get error = %v, want ErrUnsupported", err)
	}
}

func TestSearchBoundaries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	hits, err := s.Search(ctx, core.SearchRequest{Vector: []float32{1, 2, 3, 4}, TopK: 5})
	if err != nil || len(hits) != 0 {
		t.Errorf("empty store search = %v, %v; want empty", hits, err)
	}

	if err := s.Add(ctx, doc("a", 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hits, err = s.Search(ctx, core.SearchRequest{Vector: []float32{1, 2, 3, 4}, TopK: 0})
	if err != nil || len(hits) != 0 {
		t.Errorf("top_k=0 search = %v, %v; want empty", hits, err)
	}
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Add(ctx, &core.Document{ID: "", Embedding: []float32{1, 2, 3, 4}}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("missing id: %v, want ErrValidation", err)
	}
	if err := s.Add(ctx, &core.Document{ID: "x"}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("missing embedding: %v, want ErrValidation", err)
	}
	if err := s.Add(ctx, &core.Document{ID: "x", Embedding: []float32{1, 2}}); !errors.Is(err, core.ErrValidation) {
		t.Errorf("wrong dimension: %v, want ErrValidation", err)
	}
}

func TestUpdateReplacesVector(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Add(ctx, doc("a", 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Update(ctx, doc("a", 50)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Update(ctx, doc("ghost", 1)); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Update missing doc: %v, want ErrNotFound", err)
	}

	hits, err := s.Search(ctx, core.SearchRequest{Vector: doc("", 50).Embedding, TopK: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "a" || hits[0].Score != 1 {
		t.Errorf("updated vector not found at new position: %v", hits)
	}

	count, err := s.Count(ctx)
	if err != nil || count != 1 {
		t.Errorf("Count = %d, %v; want 1", count, err)
	}
}

func TestTombstoneRatioAndRebuild(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 100; i++ {
		if err := s.Add(ctx, doc(fmt.Sprintf("doc-%d", i), float32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	for i := 0; i < 40; i++ {
		if err := s.Delete(ctx, fmt.Sprintf("doc-%d", i)); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}

	count, _ := s.Count(ctx)
	if count != 60 {
		t.Errorf("Count = %d, want 60", count)
	}
	st := s.Stats()
	if st.Count != 60 || st.Total != 100 {
		t.Errorf("Stats = %+v, want Count 60 Total 100", st)
	}
	if ratio := s.TombstoneRatio(); ratio != 0.4 {
		t.Errorf("TombstoneRatio = %v, want 0.4", ratio)
	}

	if err := s.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	st = s.Stats()
	if st.Count != 60 || st.Total != 60 {
		t.Errorf("Stats after rebuild = %+v, want Count 60 Total 60", st)
	}
	if ratio := s.TombstoneRatio(); ratio != 0 {
		t.Errorf("TombstoneRatio after rebuild = %v, want 0", ratio)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.idx")

	s := newTestStore(t, WithPath(path))
	for i := 0; i < 10; i++ {
		if err := s.Add(ctx, doc(fmt.Sprintf("doc-%d", i), float32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := New(4, WithPath(path))
	if err := reopened.Initialize(ctx); err != nil {
		t.Fatalf("Initialize reopened: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	if err != nil || count != 10 {
		t.Fatalf("reopened Count = %d, %v; want 10", count, err)
	}
	hits, err := reopened.Search(ctx, core.SearchRequest{Vector: doc("", 4).Embedding, TopK: 1})
	if err != nil || len(hits) != 1 || hits[0].ID != "doc-4" {
		t.Errorf("reopened search = %v, %v; want doc-4", hits, err)
	}
}

func TestPersistenceTornSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.idx")

	s := newTestStore(t, WithPath(path))
	if err := s.Add(ctx, doc("a", 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Remove one of the two files; load must refuse.
	if err := os.Remove(path + ".maps"); err != nil {
		t.Fatalf("remove maps: %v", err)
	}
	reopened := New(4, WithPath(path))
	if err := reopened.Initialize(ctx); !errors.Is(err, core.ErrBackendUnavailable) {
		t.Errorf("Initialize with torn snapshot = %v, want ErrBackendUnavailable", err)
	}
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Add(ctx, doc("a", 1)); !errors.Is(err, core.ErrStoreClosed) {
		t.Errorf("Add on closed store = %v, want ErrStoreClosed", err)
	}
	if _, err := s.Search(ctx, core.SearchRequest{Vector: []float32{1, 2, 3, 4}, TopK: 1}); !errors.Is(err, core.ErrStoreClosed) {
		t.Errorf("Search on closed store = %v, want ErrStoreClosed", err)
	}
}
