package retrieval

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/detect"
	"github.com/kailiangenn/another-me/pkg/embedding"
	"github.com/kailiangenn/another-me/pkg/graph"
	"github.com/kailiangenn/another-me/pkg/llm"
)

// DefaultTopK applies when a caller passes a non-positive k.
const DefaultTopK = 10

// narrowing marks stages that consume the final k directly instead of
// the widened intermediate breadth.
type narrowing interface {
	narrows()
}

// Pipeline is a named, ordered list of stages.
type Pipeline struct {
	name   string
	stages []Stage
	logger *zap.Logger
}

// NewPipeline assembles a pipeline from stages in execution order.
func NewPipeline(name string, logger *zap.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{name: name, stages: stages, logger: logger}
}

func (p *Pipeline) Name() string { return p.name }

// Execute runs the stages in order. Early stages see a widened 2k so
// fusion and rerank have headroom; the diversity stage and the final
// truncation narrow back to k.
func (p *Pipeline) Execute(ctx context.Context, query string, k int, sctx *StageContext) ([]core.Result, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	if sctx == nil {
		sctx = NewStageContext(nil)
	}

	var candidates []core.Result
	var err error
	for _, stage := range p.stages {
		breadth := 2 * k
		if _, ok := stage.(narrowing); ok {
			breadth = k
		}
		candidates, err = stage.Run(ctx, query, breadth, sctx, candidates)
		if err != nil {
			return nil, err
		}
		p.logger.Debug("stage complete",
			zap.String("pipeline", p.name),
			zap.String("stage", stage.Name()),
			zap.Int("candidates", len(candidates)))
	}

	candidates = applyMinScore(candidates, filterOf(sctx))
	return truncate(candidates, k), nil
}

// ------------------------------------------------------------------
// Parallel retrieval
// ------------------------------------------------------------------

// parallelStage fans independent retrieval stages out concurrently and
// concatenates their outputs in declared order. A failed branch degrades
// the query rather than failing it: its error is logged and the surviving
// branches' candidates carry on. The stage errors only when the context
// is cancelled or every branch failed.
type parallelStage struct {
	name   string
	stages []Stage
	logger *zap.Logger
}

func newParallelStage(name string, logger *zap.Logger, stages ...Stage) *parallelStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &parallelStage{name: name, stages: stages, logger: logger}
}

func (p *parallelStage) Name() string { return p.name }

func (p *parallelStage) Run(ctx context.Context, query string, k int, sctx *StageContext, in []core.Result) ([]core.Result, error) {
	outputs := make([][]core.Result, len(p.stages))
	errs := make([]error, len(p.stages))
	var g errgroup.Group
	for i, stage := range p.stages {
		g.Go(func() error {
			out, err := stage.Run(ctx, query, k, sctx, nil)
			if err != nil {
				errs[i] = err
				return nil
			}
			outputs[i] = out
			return nil
		})
	}
	// Branch errors land in errs; the group itself never fails.
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := in
	survived := false
	for i := range p.stages {
		if errs[i] != nil {
			p.logger.Warn("retrieval branch failed, degrading",
				zap.String("parallel", p.name),
				zap.String("stage", p.stages[i].Name()),
				zap.Error(errs[i]))
			continue
		}
		survived = true
		out = append(out, outputs[i]...)
	}
	if !survived {
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// ------------------------------------------------------------------
// Retriever
// ------------------------------------------------------------------

// Config wires the retriever's dependencies. Graph and Client are
// optional; their absence narrows which pipelines are available.
type Config struct {
	Embedder  embedding.Embedder
	Index     core.Store
	Docs      DocumentFetcher
	Graph     *graph.Store
	Extractor detect.EntityExtractor
	Client    llm.Client
	Logger    *zap.Logger
}

// Retriever owns the preset pipelines and picks one per query.
type Retriever struct {
	basic      *Pipeline
	advanced   *Pipeline
	semantic   *Pipeline
	vectorOnly *Pipeline
	graphOnly  *Pipeline

	extractor    detect.EntityExtractor
	hasGraph     bool
	logger       *zap.Logger
	fallbackOnce sync.Once
}

// New builds the retriever and its presets.
func New(cfg Config) *Retriever {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	vector := NewVectorStage(cfg.Embedder, cfg.Index, cfg.Docs, 1.0, logger)
	vectorWeighted := NewVectorStage(cfg.Embedder, cfg.Index, cfg.Docs, 0.6, logger)
	rerank := NewSemanticRerankStage(cfg.Client, logger)
	adaptive := NewIntentAdaptiveStage(cfg.Extractor, cfg.Graph != nil, logger)
	diversity := NewDiversityStage(DefaultMMRLambda)

	r := &Retriever{
		extractor: cfg.Extractor,
		hasGraph:  cfg.Graph != nil,
		logger:    logger,
	}
	r.basic = NewPipeline("basic", logger, vector, rerank)
	r.semantic = NewPipeline("semantic", logger, vector, adaptive, rerank, diversity)
	r.vectorOnly = NewPipeline("vector_only", logger, vector)

	if cfg.Graph != nil {
		graphStage := NewGraphStage(cfg.Graph, cfg.Extractor, 0.4, 2, logger)
		r.advanced = NewPipeline("advanced", logger,
			newParallelStage("recall", logger, vectorWeighted, graphStage),
			NewFusionStage(DefaultRRFK),
			rerank)
		r.graphOnly = NewPipeline("graph_only", logger, NewGraphStage(cfg.Graph, cfg.Extractor, 1.0, 2, logger))
	} else {
		r.advanced = r.basic
	}
	return r
}

// Pipeline returns the preset registered under name, or nil.
func (r *Retriever) Pipeline(name string) *Pipeline {
	switch name {
	case "basic":
		return r.basic
	case "advanced":
		return r.advanced
	case "semantic":
		return r.semantic
	case "vector_only":
		return r.vectorOnly
	case "graph_only":
		return r.graphOnly
	}
	return nil
}

// Retrieve picks a pipeline by strategy and executes it. The adaptive
// strategy routes entity-dense queries through the graph-aware preset.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, strategy core.RetrievalStrategy, filter *core.Filter) ([]core.Result, error) {
	if query == "" || k == 0 {
		return nil, nil
	}
	sctx := NewStageContext(filter)

	var pipeline *Pipeline
	switch strategy {
	case core.StrategyVectorOnly:
		pipeline = r.vectorOnly
	case core.StrategyGraphOnly:
		pipeline = r.graphOnly
		if pipeline == nil {
			r.fallbackOnce.Do(func() {
				r.logger.Warn("graph retriever absent, graph_only falls back to vector_only")
			})
			pipeline = r.vectorOnly
		}
	case core.StrategyHybrid:
		pipeline = r.advanced
	default: // adaptive
		pipeline = r.pickAdaptive(ctx, query, sctx)
	}

	return pipeline.Execute(ctx, query, k, sctx)
}

// pickAdaptive chooses advanced when the query names entities and a
// graph is wired, semantic otherwise.
func (r *Retriever) pickAdaptive(ctx context.Context, query string, sctx *StageContext) *Pipeline {
	if r.extractor != nil && r.hasGraph {
		entities, err := r.extractor.Extract(ctx, query)
		if err == nil {
			sctx.Entities = entities
			if len(entities) > 0 {
				return r.advanced
			}
		} else {
			r.logger.Debug("entity detection failed, using semantic preset", zap.Error(err))
		}
	}
	return r.semantic
}
