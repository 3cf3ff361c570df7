package index

import (
	"fmt"
	"testing"
)

func makeVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.01
	}
	return v
}

func TestAddAndSearchUntrained(t *testing.T) {
	ix := New(4, 100)

	for i := 0; i < 10; i++ {
		if err := ix.Add(int64(i), makeVector(4, float32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if ix.Trained() {
		t.Fatal("index should still be untrained below the threshold")
	}

	hits, err := ix.Search(makeVector(4, 3), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	if hits[0].ID != 3 {
		t.Errorf("nearest = %d, want 3", hits[0].ID)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Distance < hits[i-1].Distance {
			t.Errorf("distances not non-decreasing at %d", i)
		}
	}
}

func TestLazyTraining(t *testing.T) {
	ix := New(4, 8)

	for i := 0; i < 16; i++ {
		if err := ix.Add(int64(i), makeVector(4, float32(i))); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if !ix.Trained() {
		t.Fatal("index should train once the corpus fits the centroids")
	}

	// Post-training inserts must remain searchable.
	if err := ix.Add(99, makeVector(4, 99)); err != nil {
		t.Fatalf("Add after training: %v", err)
	}
	ix.SetNProbe(8)
	hits, err := ix.Search(makeVector(4, 99), 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != 99 {
		t.Errorf("got %v, want id 99", hits)
	}
}

func TestDimensionMismatch(t *testing.T) {
	ix := New(4, 10)
	if err := ix.Add(1, []float32{1, 2}); err == nil {
		t.Error("Add with wrong dimension should fail")
	}
	if _, err := ix.Search([]float32{1, 2, 3}, 1); err == nil {
		t.Error("Search with wrong dimension should fail")
	}
}

func TestSearchEmptyAndZeroK(t *testing.T) {
	ix := New(4, 10)
	hits, err := ix.Search(makeVector(4, 0), 5)
	if err != nil || len(hits) != 0 {
		t.Errorf("empty index search = %v, %v; want empty, nil", hits, err)
	}

	if err := ix.Add(1, makeVector(4, 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hits, err = ix.Search(makeVector(4, 1), 0)
	if err != nil || len(hits) != 0 {
		t.Errorf("top_k=0 search = %v, %v; want empty, nil", hits, err)
	}
}

func TestTombstoneCompaction(t *testing.T) {
	ix := New(4, 16)

	for i := 0; i < 100; i++ {
		if err := ix.Add(int64(i), makeVector(4, float32(i))); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	for i := 0; i < 40; i++ {
		if !ix.Delete(int64(i)) {
			t.Fatalf("Delete %d: not found", i)
		}
	}

	if ix.Live() != 60 {
		t.Errorf("Live = %d, want 60", ix.Live())
	}
	if ix.Total() != 100 {
		t.Errorf("Total = %d, want 100", ix.Total())
	}
	if ratio := ix.TombstoneRatio(); ratio != 0.4 {
		t.Errorf("TombstoneRatio = %v, want 0.4", ratio)
	}

	// Deleted entries must not surface in searches.
	ix.SetNProbe(16)
	hits, err := ix.Search(makeVector(4, 0), 100)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, h := range hits {
		if h.ID < 40 {
			t.Errorf("tombstoned id %d surfaced", h.ID)
		}
	}

	if err := ix.Rebuild(); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if ix.Live() != 60 || ix.Total() != 60 {
		t.Errorf("after rebuild Live=%d Total=%d, want 60/60", ix.Live(), ix.Total())
	}
	if ratio := ix.TombstoneRatio(); ratio != 0 {
		t.Errorf("TombstoneRatio after rebuild = %v, want 0", ratio)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ix := New(4, 10)
	if err := ix.Add(7, makeVector(4, 7)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !ix.Delete(7) {
		t.Fatal("first delete should report found")
	}
	if ix.Delete(7) {
		t.Error("second delete should report not found")
	}
}

func TestSnapshotRestore(t *testing.T) {
	ix := New(4, 8)
	for i := 0; i < 20; i++ {
		if err := ix.Add(int64(i), makeVector(4, float32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	ix.Delete(5)

	restored := Restore(ix.Snapshot())
	if restored.Live() != ix.Live() || restored.Total() != ix.Total() {
		t.Fatalf("restored Live/Total = %d/%d, want %d/%d",
			restored.Live(), restored.Total(), ix.Live(), ix.Total())
	}

	want, err := ix.Search(makeVector(4, 10), 5)
	if err != nil {
		t.Fatalf("Search original: %v", err)
	}
	got, err := restored.Search(makeVector(4, 10), 5)
	if err != nil {
		t.Fatalf("Search restored: %v", err)
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("restored search = %v, want %v", got, want)
	}
}

func TestClear(t *testing.T) {
	ix := New(4, 8)
	for i := 0; i < 20; i++ {
		if err := ix.Add(int64(i), makeVector(4, float32(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	ix.Clear()
	if ix.Live() != 0 || ix.Total() != 0 || ix.Trained() {
		t.Errorf("Clear left state behind: live=%d total=%d trained=%v",
			ix.Live(), ix.Total(), ix.Trained())
	}
}
