package retrieval

import (
	"context"
	"fmt"

	"github.com/kailiangenn/another-me/pkg/core"
)

// DefaultRRFK is the rank-smoothing constant for reciprocal rank fusion.
const DefaultRRFK = 60

// FusionStage merges the per-source ranked lists accumulated by earlier
// retrieval stages with reciprocal rank fusion: each appearance at rank r
// in a list with weight w contributes w/(k+r).
type FusionStage struct {
	rrfK int
}

// NewFusionStage builds the stage; rrfK <= 0 selects the default.
func NewFusionStage(rrfK int) *FusionStage {
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}
	return &FusionStage{rrfK: rrfK}
}

func (s *FusionStage) Name() string { return "fusion" }

type fused struct {
	result  core.Result
	score   float64
	sources int
}

func (s *FusionStage) Run(ctx context.Context, query string, k int, sctx *StageContext, in []core.Result) ([]core.Result, error) {
	if len(in) == 0 {
		return in, nil
	}

	// Split candidates back into per-source ranked lists; retrieval
	// stages emit their tails already sorted.
	lists := make(map[core.ResultSource][]core.Result)
	for _, r := range in {
		lists[r.Source] = append(lists[r.Source], r)
	}

	merged := make(map[string]*fused)
	for source, list := range lists {
		for rank, r := range list {
			weight := resultWeight(r, source, sctx)
			contribution := weight / float64(s.rrfK+rank+1)

			f := merged[r.DocID]
			if f == nil {
				f = &fused{result: r}
				merged[r.DocID] = f
			}
			f.score += contribution
			f.sources++
			if f.result.Content == "" {
				f.result.Content = r.Content
			}
			f.result.MatchedEntities = mergeEntities(f.result.MatchedEntities, r.MatchedEntities)
			if f.result.Metadata == nil {
				f.result.Metadata = make(map[string]any)
			}
			f.result.Metadata[fmt.Sprintf("%s_rank", source)] = rank + 1
			f.result.Metadata[fmt.Sprintf("%s_score", source)] = r.Score
		}
	}

	out := make([]core.Result, 0, len(merged))
	for _, f := range merged {
		result := f.result
		result.Score = f.score
		if f.sources > 1 {
			result.Source = core.SourceHybrid
		}
		delete(result.Metadata, "weight")
		out = append(out, result)
	}
	normalizeScores(out)
	sortResults(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func resultWeight(r core.Result, source core.ResultSource, sctx *StageContext) float64 {
	if sctx != nil {
		if w, ok := sctx.Weights[source]; ok {
			return w
		}
	}
	if r.Metadata != nil {
		if w, ok := r.Metadata["weight"].(float64); ok && w > 0 {
			return w
		}
	}
	return 1
}

func mergeEntities(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a))
	for _, e := range a {
		seen[e] = struct{}{}
	}
	for _, e := range b {
		if _, ok := seen[e]; !ok {
			a = append(a, e)
			seen[e] = struct{}{}
		}
	}
	return a
}
