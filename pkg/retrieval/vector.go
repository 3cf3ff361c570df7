package retrieval

import (
	"context"

	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/embedding"
)

// DocumentFetcher hydrates candidate ids into full documents. The catalog
// satisfies this.
type DocumentFetcher interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]*core.Document, error)
}

// VectorStage embeds the query and runs k-NN over the dense index, then
// hydrates hits from the catalog so downstream stages see content and can
// apply filters.
type VectorStage struct {
	embedder embedding.Embedder
	index    core.Store
	docs     DocumentFetcher
	weight   float64
	logger   *zap.Logger
}

// NewVectorStage builds the stage. weight is the fusion weight candidates
// carry unless the adaptive stage overrides it.
func NewVectorStage(embedder embedding.Embedder, index core.Store, docs DocumentFetcher, weight float64, logger *zap.Logger) *VectorStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorStage{embedder: embedder, index: index, docs: docs, weight: weight, logger: logger}
}

func (s *VectorStage) Name() string { return "vector_retrieval" }

func (s *VectorStage) Run(ctx context.Context, query string, k int, sctx *StageContext, in []core.Result) ([]core.Result, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, core.WrapOp("retrieval.vector", err)
	}

	hits, err := s.index.Search(ctx, core.SearchRequest{Vector: vec, TopK: k})
	if err != nil {
		return nil, core.WrapOp("retrieval.vector", err)
	}
	if len(hits) == 0 {
		return in, nil
	}

	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	docs := map[string]*core.Document{}
	if s.docs != nil {
		docs, err = s.docs.GetByIDs(ctx, ids)
		if err != nil {
			return nil, core.WrapOp("retrieval.vector", err)
		}
	}

	filter := filterOf(sctx)
	weight := sctx.Weight(core.SourceVector, s.weight)
	out := in
	for _, hit := range hits {
		doc := docs[hit.ID]
		if doc != nil && !filter.Matches(doc) {
			continue
		}
		result := core.Result{
			DocID:  hit.ID,
			Score:  hit.Score,
			Source: core.SourceVector,
			Metadata: map[string]any{
				"weight": weight,
			},
		}
		if doc != nil {
			result.Content = doc.Content
			result.MatchedEntities = doc.Entities
			if sctx != nil && len(doc.Embedding) > 0 {
				sctx.Embeddings[hit.ID] = doc.Embedding
			}
		}
		out = append(out, result)
	}
	return out, nil
}

func filterOf(sctx *StageContext) *core.Filter {
	if sctx == nil {
		return nil
	}
	return sctx.Filter
}
