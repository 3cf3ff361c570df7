package embedding

import (
	"context"
	"math"
	"testing"
)

func TestHashingDeterministic(t *testing.T) {
	h := NewHashing(64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "refactor the retrieval layer")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := h.Embed(ctx, "refactor the retrieval layer")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a) != 64 {
		t.Fatalf("dimension = %d, want 64", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embedding is not deterministic")
		}
	}
}

func TestHashingNormalized(t *testing.T) {
	h := NewHashing(64)
	vec, err := h.Embed(context.Background(), "hello world hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("norm^2 = %v, want 1", sum)
	}
}

func TestHashingSimilarityOrdering(t *testing.T) {
	h := NewHashing(256)
	ctx := context.Background()

	query, _ := h.Embed(ctx, "quantum computing research")
	near, _ := h.Embed(ctx, "research papers on quantum computing")
	far, _ := h.Embed(ctx, "dinner with friends last night")

	if dot(query, near) <= dot(query, far) {
		t.Error("related text should score higher than unrelated text")
	}
}

func TestHashingCJK(t *testing.T) {
	h := NewHashing(256)
	ctx := context.Background()

	query, _ := h.Embed(ctx, "量子计算")
	near, _ := h.Embed(ctx, "关于量子计算的资料")
	far, _ := h.Embed(ctx, "今天天气不错")

	if dot(query, near) <= dot(query, far) {
		t.Error("CJK overlap should drive similarity")
	}
}

func TestHashingEmptyAndBatch(t *testing.T) {
	h := NewHashing(32)
	ctx := context.Background()

	empty, err := h.Embed(ctx, "")
	if err != nil {
		t.Fatalf("Embed empty: %v", err)
	}
	for _, v := range empty {
		if v != 0 {
			t.Fatal("empty text should embed to the zero vector")
		}
	}

	vectors, err := h.EmbedBatch(ctx, []string{"one", "", "three"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("batch size = %d, want 3", len(vectors))
	}
	for i, vec := range vectors {
		if len(vec) != 32 {
			t.Errorf("vector %d dimension = %d, want 32", i, len(vec))
		}
	}
}

func TestOpenAIUnconfigured(t *testing.T) {
	o := NewOpenAI(OpenAIConfig{}, nil)
	if o.IsConfigured() {
		t.Fatal("embedder without API key should not be configured")
	}
	if _, err := o.EmbedBatch(context.Background(), []string{"x"}); err == nil {
		t.Error("unconfigured batch should fail")
	}
	if o.Dimension() != defaultDimension {
		t.Errorf("Dimension = %d, want %d", o.Dimension(), defaultDimension)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
