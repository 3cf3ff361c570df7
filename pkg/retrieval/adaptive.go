package retrieval

import (
	"context"

	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/detect"
)

// entityDenseThreshold is how many named entities make a query
// graph-worthy.
const entityDenseThreshold = 2

// Weight splits the adaptive stage writes into the context.
const (
	graphBoostGraphWeight  = 0.6
	graphBoostVectorWeight = 0.4
	semanticVectorWeight   = 0.8
	semanticGraphWeight    = 0.2
)

// IntentAdaptiveStage inspects the query's entities and rewrites the
// stage weights the rest of the pipeline resolves through the context:
// entity-dense queries lean on the graph, everything else on the
// semantic path. Candidates pass through untouched.
type IntentAdaptiveStage struct {
	extractor detect.EntityExtractor
	hasGraph  bool
	logger    *zap.Logger
}

func NewIntentAdaptiveStage(extractor detect.EntityExtractor, hasGraph bool, logger *zap.Logger) *IntentAdaptiveStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntentAdaptiveStage{extractor: extractor, hasGraph: hasGraph, logger: logger}
}

func (s *IntentAdaptiveStage) Name() string { return "intent_adaptive" }

func (s *IntentAdaptiveStage) Run(ctx context.Context, query string, k int, sctx *StageContext, in []core.Result) ([]core.Result, error) {
	if sctx == nil {
		return in, nil
	}
	if sctx.Entities == nil && s.extractor != nil {
		entities, err := s.extractor.Extract(ctx, query)
		if err != nil {
			// Weighting is advisory; a detector failure must not sink
			// the query.
			s.logger.Debug("entity detection failed, keeping weights", zap.Error(err))
			return in, nil
		}
		sctx.Entities = entities
	}

	if len(sctx.Entities) >= entityDenseThreshold && s.hasGraph {
		sctx.Weights[core.SourceGraph] = graphBoostGraphWeight
		sctx.Weights[core.SourceVector] = graphBoostVectorWeight
	} else {
		sctx.Weights[core.SourceVector] = semanticVectorWeight
		sctx.Weights[core.SourceGraph] = semanticGraphWeight
	}
	return in, nil
}
