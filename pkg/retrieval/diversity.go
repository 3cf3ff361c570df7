package retrieval

import (
	"context"

	"github.com/kailiangenn/another-me/pkg/core"
)

// DefaultMMRLambda balances relevance against novelty in the greedy pick.
const DefaultMMRLambda = 0.7

// DiversityStage applies maximal marginal relevance: greedily pick the
// candidate maximizing λ·relevance − (1−λ)·max_sim(selected). Similarity
// uses embedding cosine when the stage context has both vectors, token
// Jaccard otherwise.
type DiversityStage struct {
	lambda float64
}

// NewDiversityStage builds the stage; lambda outside (0,1] selects the
// default.
func NewDiversityStage(lambda float64) *DiversityStage {
	if lambda <= 0 || lambda > 1 {
		lambda = DefaultMMRLambda
	}
	return &DiversityStage{lambda: lambda}
}

func (s *DiversityStage) Name() string { return "diversity" }

// narrows: the selection is the final cut, so the pipeline hands it k
// rather than the widened breadth.
func (s *DiversityStage) narrows() {}

func (s *DiversityStage) Run(ctx context.Context, query string, k int, sctx *StageContext, in []core.Result) ([]core.Result, error) {
	if len(in) <= 1 || k <= 0 {
		return truncate(in, k), nil
	}

	tokens := make([]map[string]struct{}, len(in))
	for i, r := range in {
		tokens[i] = tokenSet(r.Content)
	}

	remaining := make([]int, len(in))
	for i := range remaining {
		remaining[i] = i
	}

	selected := make([]core.Result, 0, k)
	selectedIdx := make([]int, 0, k)
	for len(selected) < k && len(remaining) > 0 {
		bestPos, bestScore := -1, 0.0
		for pos, idx := range remaining {
			maxSim := 0.0
			for _, sel := range selectedIdx {
				if sim := s.similarity(sctx, in, tokens, idx, sel); sim > maxSim {
					maxSim = sim
				}
			}
			mmr := s.lambda*in[idx].Score - (1-s.lambda)*maxSim
			if bestPos == -1 || mmr > bestScore {
				bestPos, bestScore = pos, mmr
			}
		}
		idx := remaining[bestPos]
		selected = append(selected, in[idx])
		selectedIdx = append(selectedIdx, idx)
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	normalizeScores(selected)
	return selected, nil
}

func (s *DiversityStage) similarity(sctx *StageContext, in []core.Result, tokens []map[string]struct{}, a, b int) float64 {
	if sctx != nil {
		va, vb := sctx.Embeddings[in[a].DocID], sctx.Embeddings[in[b].DocID]
		if len(va) > 0 && len(va) == len(vb) {
			return cosine(va, vb)
		}
	}
	return jaccard(tokens[a], tokens[b])
}
