package retrieval

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/llm"
)

// llmRerankThreshold is the candidate count above which the model is
// consulted; smaller sets are not worth a call.
const llmRerankThreshold = 5

// idealContentLen is the character count the length prior peaks at.
const idealContentLen = 80

// SemanticRerankStage reorders candidates by blending the upstream score
// with a lexical co-signal. With a model configured and enough
// candidates, it asks for a permutation instead; any malformed reply
// falls back to the heuristic.
type SemanticRerankStage struct {
	client llm.Client
	logger *zap.Logger
}

// NewSemanticRerankStage builds the stage; a nil client keeps it fully
// heuristic.
func NewSemanticRerankStage(client llm.Client, logger *zap.Logger) *SemanticRerankStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticRerankStage{client: client, logger: logger}
}

func (s *SemanticRerankStage) Name() string { return "semantic_rerank" }

func (s *SemanticRerankStage) Run(ctx context.Context, query string, k int, sctx *StageContext, in []core.Result) ([]core.Result, error) {
	if len(in) <= 1 {
		return in, nil
	}

	if s.client != nil && s.client.IsConfigured() && len(in) > llmRerankThreshold {
		if out, ok := s.rerankWithModel(ctx, query, in); ok {
			return truncate(out, k), nil
		}
	}

	out := s.rerankHeuristic(query, in)
	return truncate(out, k), nil
}

// rerankHeuristic blends the upstream score with token overlap against the
// query and a length prior favoring mid-sized content.
func (s *SemanticRerankStage) rerankHeuristic(query string, in []core.Result) []core.Result {
	queryTokens := tokenSet(query)
	out := make([]core.Result, len(in))
	copy(out, in)
	for i := range out {
		overlap := jaccard(queryTokens, tokenSet(out[i].Content))
		out[i].Score = 0.6*out[i].Score + 0.3*overlap + 0.1*lengthPrior(out[i].Content)
	}
	normalizeScores(out)
	sortResults(out)
	return out
}

// lengthPrior peaks at idealContentLen and decays toward 0 for very short
// or very long content.
func lengthPrior(content string) float64 {
	n := 0
	for range content {
		n++
	}
	if n == 0 {
		return 0
	}
	if n <= idealContentLen {
		return float64(n) / idealContentLen
	}
	return float64(idealContentLen) / float64(n)
}

const rerankPrompt = `按与查询的相关性对候选重新排序。只输出 JSON 数组，内容是候选编号（0 开始），最相关的在前，必须包含所有编号且不重复。

查询：%s

候选：
%s`

// rerankWithModel asks the model for an index permutation. The reply must
// be a complete permutation of 0..n-1; anything else reports !ok and the
// caller falls back.
func (s *SemanticRerankStage) rerankWithModel(ctx context.Context, query string, in []core.Result) ([]core.Result, bool) {
	var sb strings.Builder
	for i, r := range in {
		content := r.Content
		if runes := []rune(content); len(runes) > 200 {
			content = string(runes[:200])
		}
		fmt.Fprintf(&sb, "%d: %s\n", i, content)
	}

	resp, err := s.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(rerankPrompt, query, sb.String())},
	}, &llm.Options{Temperature: 0, MaxTokens: 300})
	if err != nil {
		s.logger.Debug("model rerank failed, using heuristic", zap.Error(err))
		return nil, false
	}

	var order []int
	if err := llm.ExtractJSON(resp.Content, &order); err != nil {
		s.logger.Debug("model rerank reply unparseable, using heuristic", zap.Error(err))
		return nil, false
	}
	if len(order) != len(in) {
		return nil, false
	}
	seen := make([]bool, len(in))
	for _, idx := range order {
		if idx < 0 || idx >= len(in) || seen[idx] {
			return nil, false
		}
		seen[idx] = true
	}

	out := make([]core.Result, 0, len(in))
	n := float64(len(in))
	for pos, idx := range order {
		r := in[idx]
		r.Score = 1 - float64(pos)/n
		out = append(out, r)
	}
	return out, true
}

func truncate(results []core.Result, k int) []core.Result {
	if k > 0 && len(results) > k {
		return results[:k]
	}
	return results
}
