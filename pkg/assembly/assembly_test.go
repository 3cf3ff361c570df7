package assembly

import (
	"testing"

	"github.com/kailiangenn/another-me/pkg/config"
	"github.com/kailiangenn/another-me/pkg/graph"
)

func newTestContainer(t *testing.T) *Container {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Embedding.Dimension = 32
	cfg.Vector.NCentroids = 4
	c := New(cfg, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTaggedInstancesAreShared(t *testing.T) {
	c := newTestContainer(t)

	first, err := c.Embedder("main")
	if err != nil {
		t.Fatalf("Embedder: %v", err)
	}
	second, err := c.Embedder("main")
	if err != nil {
		t.Fatalf("Embedder: %v", err)
	}
	if first != second {
		t.Error("same tag returned distinct embedders")
	}

	v1, err := c.VectorStore("main")
	if err != nil {
		t.Fatalf("VectorStore: %v", err)
	}
	v2, err := c.VectorStore("main")
	if err != nil {
		t.Fatalf("VectorStore: %v", err)
	}
	if v1 != v2 {
		t.Error("same tag returned distinct vector stores")
	}
}

func TestDistinctTagsAreDistinct(t *testing.T) {
	c := newTestContainer(t)

	a, err := c.Embedder("a")
	if err != nil {
		t.Fatalf("Embedder: %v", err)
	}
	b, err := c.Embedder("b")
	if err != nil {
		t.Fatalf("Embedder: %v", err)
	}
	if a == b {
		t.Error("distinct tags shared an instance")
	}
}

func TestEmptyTagBuildsFresh(t *testing.T) {
	c := newTestContainer(t)

	first, err := c.Embedder("")
	if err != nil {
		t.Fatalf("Embedder: %v", err)
	}
	second, err := c.Embedder("")
	if err != nil {
		t.Fatalf("Embedder: %v", err)
	}
	if first == second {
		t.Error("empty tag memoized an instance")
	}
}

func TestGraphTagsAreDomainScoped(t *testing.T) {
	c := newTestContainer(t)

	work, err := c.Graph("main", graph.DomainWork)
	if err != nil {
		t.Fatalf("Graph(work): %v", err)
	}
	life, err := c.Graph("main", graph.DomainLife)
	if err != nil {
		t.Fatalf("Graph(life): %v", err)
	}
	if work == life {
		t.Error("domains shared a graph instance under one tag")
	}
}

func TestCompositeComponentsBuild(t *testing.T) {
	c := newTestContainer(t)

	if _, err := c.Retriever("main", graph.DomainWork); err != nil {
		t.Fatalf("Retriever: %v", err)
	}
	if _, err := c.MemoryStore("main"); err != nil {
		t.Fatalf("MemoryStore: %v", err)
	}
	if _, err := c.Sweeper("main"); err != nil {
		t.Fatalf("Sweeper: %v", err)
	}
	if _, err := c.IntentDetector("main"); err != nil {
		t.Fatalf("IntentDetector: %v", err)
	}
}

func TestInstanceTagUnique(t *testing.T) {
	if InstanceTag() == InstanceTag() {
		t.Error("instance tags collided")
	}
}
