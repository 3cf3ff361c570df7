// Package retrieval implements the hybrid retrieval fabric: composable
// stages over the vector index and the property graph, fused, reranked,
// and diversified by a pipeline.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/detect"
)

// StageContext is the shared mutable state a pipeline threads through its
// stages: caller filters, entities detected from the query, and
// stage-weight overrides written by the adaptive stage.
type StageContext struct {
	Filter     *core.Filter
	Entities   []detect.Entity
	Weights    map[core.ResultSource]float64
	Embeddings map[string][]float32
}

// NewStageContext returns an empty context with the maps allocated.
func NewStageContext(filter *core.Filter) *StageContext {
	return &StageContext{
		Filter:     filter,
		Weights:    make(map[core.ResultSource]float64),
		Embeddings: make(map[string][]float32),
	}
}

// Weight resolves the effective weight for a source: an adaptive override
// wins, then the stage default.
func (c *StageContext) Weight(source core.ResultSource, fallback float64) float64 {
	if c != nil {
		if w, ok := c.Weights[source]; ok {
			return w
		}
	}
	return fallback
}

// Stage transforms a candidate set. Retrieval stages append to in;
// shaping stages (fusion, rerank, diversity) rewrite it. Stages never
// change a candidate's DocID.
type Stage interface {
	Name() string
	Run(ctx context.Context, query string, k int, sctx *StageContext, in []core.Result) ([]core.Result, error)
}

// ------------------------------------------------------------------
// Shared scoring helpers
// ------------------------------------------------------------------

// sourceOrder breaks score ties: vector before graph before hybrid.
var sourceOrder = map[core.ResultSource]int{
	core.SourceVector: 0,
	core.SourceGraph:  1,
	core.SourceHybrid: 2,
}

// sortResults orders by score descending, then source order, then doc id.
func sortResults(results []core.Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if sourceOrder[results[i].Source] != sourceOrder[results[j].Source] {
			return sourceOrder[results[i].Source] < sourceOrder[results[j].Source]
		}
		return results[i].DocID < results[j].DocID
	})
}

// normalizeScores rescales by the max so scores land in [0,1]. A zero or
// negative max leaves the slice untouched.
func normalizeScores(results []core.Result) {
	var max float64
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	if max <= 0 {
		return
	}
	for i := range results {
		results[i].Score /= max
	}
}

// applyMinScore prunes candidates below the filter's score floor.
func applyMinScore(results []core.Result, filter *core.Filter) []core.Result {
	if filter == nil || filter.MinScore <= 0 {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if r.Score >= filter.MinScore {
			out = append(out, r)
		}
	}
	return out
}

// tokenSet lowercases and splits text into a set of word tokens; CJK runes
// count as single tokens.
func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			set[word.String()] = struct{}{}
			word.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			set[string(r)] = struct{}{}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return set
}

// jaccard is the token-set similarity used when embeddings are absent.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// cosine returns the cosine similarity of two equal-length vectors.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
