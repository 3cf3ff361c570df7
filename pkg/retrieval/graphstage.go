package retrieval

import (
	"context"

	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/detect"
	"github.com/kailiangenn/another-me/pkg/graph"
)

// maxHop2Fanout caps how many second-hop documents a single entity can
// contribute, keeping dense entities from flooding the candidate set.
const maxHop2Fanout = 20

// GraphStage extracts entities from the query and walks the property
// graph for documents that mention them, up to two hops out.
type GraphStage struct {
	graph     *graph.Store
	extractor detect.EntityExtractor
	weight    float64
	maxHops   int
	logger    *zap.Logger
}

// NewGraphStage builds the stage. maxHops of 1 or 2; anything else means 2.
func NewGraphStage(g *graph.Store, extractor detect.EntityExtractor, weight float64, maxHops int, logger *zap.Logger) *GraphStage {
	if maxHops != 1 {
		maxHops = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphStage{graph: g, extractor: extractor, weight: weight, maxHops: maxHops, logger: logger}
}

func (s *GraphStage) Name() string { return "graph_retrieval" }

// graphCandidate accumulates per-document evidence during the walk.
// direct holds query entities the document mentions itself; via holds
// entities it was reached through at hop 2. Only direct mentions count
// toward the shared-entity ratio.
type graphCandidate struct {
	hops   int
	direct map[string]struct{}
	via    map[string]struct{}
}

func (c *graphCandidate) shared() int {
	if len(c.direct) > 0 {
		return len(c.direct)
	}
	return 1
}

func (c *graphCandidate) matched() []string {
	out := make([]string, 0, len(c.direct)+len(c.via))
	for name := range c.direct {
		out = append(out, name)
	}
	for name := range c.via {
		if _, ok := c.direct[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Run contributes graph candidates on top of in. Extractor and backend
// failures degrade: they are logged and the prior candidates pass through
// untouched. Only context cancellation surfaces as an error.
func (s *GraphStage) Run(ctx context.Context, query string, k int, sctx *StageContext, in []core.Result) ([]core.Result, error) {
	entities, err := s.queryEntities(ctx, query, sctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("entity detection failed, skipping graph retrieval", zap.Error(err))
		return in, nil
	}
	if len(entities) == 0 {
		return in, nil
	}

	candidates := make(map[string]*graphCandidate)
	for _, entity := range entities {
		if err := s.walkEntity(ctx, entity.Text, candidates); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("graph walk failed, degrading to prior candidates",
				zap.String("entity", entity.Text), zap.Error(err))
			return in, nil
		}
	}
	if len(candidates) == 0 {
		return in, nil
	}

	maxShared := 1
	for _, c := range candidates {
		if c.shared() > maxShared {
			maxShared = c.shared()
		}
	}

	filter := filterOf(sctx)
	weight := sctx.Weight(core.SourceGraph, s.weight)
	out := in
	for id, c := range candidates {
		doc, err := s.graph.Get(ctx, id)
		if err != nil {
			continue
		}
		if !filter.Matches(doc) {
			continue
		}
		score := 1 / float64(1+c.hops) * float64(c.shared()) / float64(maxShared)
		out = append(out, core.Result{
			DocID:           id,
			Content:         doc.Content,
			Score:           score,
			Source:          core.SourceGraph,
			MatchedEntities: c.matched(),
			HopDistance:     c.hops,
			Metadata: map[string]any{
				"weight": weight,
			},
		})
	}

	// Sort the appended tail so the stage emits a ranked list.
	sortResults(out[len(in):])
	return out, nil
}

// queryEntities reuses entities already detected by an earlier stage.
func (s *GraphStage) queryEntities(ctx context.Context, query string, sctx *StageContext) ([]detect.Entity, error) {
	if sctx != nil && sctx.Entities != nil {
		return sctx.Entities, nil
	}
	if s.extractor == nil {
		return nil, nil
	}
	entities, err := s.extractor.Extract(ctx, query)
	if err != nil {
		return nil, err
	}
	if sctx != nil {
		sctx.Entities = entities
	}
	return entities, nil
}

// walkEntity finds the entity node and collects documents mentioning it
// (hop 1), then documents sharing a co-mentioned entity (hop 2).
func (s *GraphStage) walkEntity(ctx context.Context, name string, candidates map[string]*graphCandidate) error {
	nodes, err := s.graph.FindNodes(ctx, graph.LabelEntity, map[string]any{"name": name})
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}
	entityID := nodes[0].ID

	mentions, err := s.graph.Neighbors(ctx, entityID, graph.NeighborQuery{
		Direction: graph.DirectionIn,
		Relation:  graph.RelMentions,
	})
	if err != nil {
		return err
	}

	for _, m := range mentions {
		record(candidates, m.Node.ID, 1, name, true)
	}
	if s.maxHops < 2 {
		return nil
	}

	// Hop 2: sibling entities of the hop-1 documents, then their docs.
	for _, m := range mentions {
		siblings, err := s.graph.Neighbors(ctx, m.Node.ID, graph.NeighborQuery{
			Direction: graph.DirectionOut,
			Relation:  graph.RelMentions,
		})
		if err != nil {
			return err
		}
		for _, sib := range siblings {
			if sib.Node.ID == entityID {
				continue
			}
			cousins, err := s.graph.Neighbors(ctx, sib.Node.ID, graph.NeighborQuery{
				Direction: graph.DirectionIn,
				Relation:  graph.RelMentions,
			})
			if err != nil {
				return err
			}
			if len(cousins) > maxHop2Fanout {
				cousins = cousins[:maxHop2Fanout]
			}
			for _, c := range cousins {
				record(candidates, c.Node.ID, 2, name, false)
			}
		}
	}
	return nil
}

// record keeps the shortest hop distance and which query entities
// reached the document, split by direct mention vs hop-2 traversal.
func record(candidates map[string]*graphCandidate, docID string, hops int, entity string, direct bool) {
	c := candidates[docID]
	if c == nil {
		c = &graphCandidate{
			hops:   hops,
			direct: make(map[string]struct{}),
			via:    make(map[string]struct{}),
		}
		candidates[docID] = c
	}
	if hops < c.hops {
		c.hops = hops
	}
	if direct {
		c.direct[entity] = struct{}{}
	} else {
		c.via[entity] = struct{}{}
	}
}
