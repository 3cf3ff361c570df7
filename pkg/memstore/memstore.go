// Package memstore is the conversational memory layer: classified
// retention, dual writes to the vector index and the catalog, and
// decay-weighted recall.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/catalog"
	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/embedding"
)

// Config carries the retention TTLs and the decay factor. These are the
// single source for values that also appear in prompts.
type Config struct {
	DecayFactor  float64
	TemporaryTTL time.Duration
	CasualTTL    time.Duration
}

// DefaultConfig returns the stock retention policy: 0.99 per-day decay,
// temporary memories live 7 days, casual chatter 1 day.
func DefaultConfig() Config {
	return Config{
		DecayFactor:  0.99,
		TemporaryTTL: 7 * 24 * time.Hour,
		CasualTTL:    24 * time.Hour,
	}
}

// StoreRequest is one memory to persist.
type StoreRequest struct {
	Content    string
	Importance float64
	Emotion    string
	Category   string
	Tags       []string
	Metadata   map[string]any
	// Retention overrides classification when set to a valid type.
	Retention core.RetentionType
	// Hints feed the retention classifier (e.g. "retention": "permanent").
	Hints map[string]string
}

// StoreResult reports what happened to the memory.
type StoreResult struct {
	ID        string             `json:"id,omitempty"`
	Stored    bool               `json:"stored"`
	Retention core.RetentionType `json:"retention_type"`
}

// RetrieveOptions shapes a recall query.
type RetrieveOptions struct {
	TopK                int
	TimeDecay           bool
	ImportanceThreshold float64
	Filter              *core.Filter
}

// MemoryItem is a recalled memory with its blended score.
type MemoryItem struct {
	ID          string             `json:"id"`
	Content     string             `json:"content"`
	Score       float64            `json:"score"`
	VectorScore float64            `json:"vector_score"`
	Importance  float64            `json:"importance"`
	Timestamp   time.Time          `json:"timestamp"`
	Retention   core.RetentionType `json:"retention_type"`
	AccessCount int64              `json:"access_count"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// Store coordinates the embedding function, the vector index, and the
// catalog for conversational memories.
type Store struct {
	embedder   embedding.Embedder
	vectors    core.Store
	catalog    *catalog.Catalog
	classifier *RetentionClassifier
	cfg        Config
	logger     *zap.Logger

	mu     sync.Mutex
	lastID int64
}

// New wires the store. classifier may be nil, in which case everything
// unclassified is temporary.
func New(embedder embedding.Embedder, vectors core.Store, cat *catalog.Catalog, classifier *RetentionClassifier, cfg Config, logger *zap.Logger) *Store {
	if cfg.DecayFactor <= 0 || cfg.DecayFactor > 1 {
		cfg.DecayFactor = 0.99
	}
	if cfg.TemporaryTTL <= 0 {
		cfg.TemporaryTTL = 7 * 24 * time.Hour
	}
	if cfg.CasualTTL <= 0 {
		cfg.CasualTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		embedder:   embedder,
		vectors:    vectors,
		catalog:    cat,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger,
	}
}

// nextID returns "mem_" + a strictly monotonic nanosecond timestamp.
func (s *Store) nextID(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := now.UnixNano()
	if ns <= s.lastID {
		ns = s.lastID + 1
	}
	s.lastID = ns
	return fmt.Sprintf("mem_%d", ns)
}

// Store persists one memory. Casual chatter is classified, counted, and
// dropped; the caller learns via Stored=false. A vector-index failure
// degrades to catalog-only storage; a catalog failure rolls the vector
// insert back and is fatal.
func (s *Store) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	doc := &core.Document{
		Content:    req.Content,
		Importance: req.Importance,
	}
	if err := doc.Validate(); err != nil {
		return nil, core.WrapOp("memstore.store", err)
	}

	retention := req.Retention
	if !retention.Valid() {
		if s.classifier != nil {
			retention = s.classifier.Classify(ctx, req.Content, req.Hints)
		} else {
			retention = core.RetentionTemporary
		}
	}
	if retention == core.RetentionCasualChat {
		s.logger.Debug("casual chat not persisted")
		return &StoreResult{Stored: false, Retention: retention}, nil
	}

	now := time.Now()
	doc.ID = s.nextID(now)
	doc.DocType = core.DocTypeConversation
	doc.Timestamp = now
	doc.Retention = retention
	doc.Layer = core.LayerHot
	doc.Metadata = buildMetadata(req)
	if retention == core.RetentionTemporary {
		expires := now.Add(s.cfg.TemporaryTTL)
		doc.ExpiresAt = &expires
	}

	vec, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		s.logger.Warn("embedding failed, storing without vector", zap.String("id", doc.ID), zap.Error(err))
	} else {
		doc.Embedding = vec
		if err := s.vectors.Add(ctx, doc); err != nil {
			s.logger.Warn("vector insert failed, storing catalog row only", zap.String("id", doc.ID), zap.Error(err))
		} else {
			doc.StoredInVector = true
		}
	}

	if err := s.catalog.Add(ctx, doc); err != nil {
		if doc.StoredInVector {
			if derr := s.vectors.Delete(ctx, doc.ID); derr != nil {
				s.logger.Warn("vector rollback failed", zap.String("id", doc.ID), zap.Error(derr))
			}
		}
		return nil, core.WrapOp("memstore.store", err)
	}

	return &StoreResult{ID: doc.ID, Stored: true, Retention: retention}, nil
}

// Retrieve recalls memories for query. Backend failures degrade to an
// empty list; only cancellation propagates.
func (s *Store) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]MemoryItem, error) {
	if query == "" || opts.TopK <= 0 {
		return nil, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return s.degrade("embed", err)
	}
	hits, err := s.vectors.Search(ctx, core.SearchRequest{Vector: vec, TopK: 2 * opts.TopK})
	if err != nil {
		return s.degrade("vector search", err)
	}
	if len(hits) == 0 {
		return []MemoryItem{}, nil
	}

	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	docs, err := s.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return s.degrade("catalog fetch", err)
	}

	now := time.Now()
	items := make([]MemoryItem, 0, len(hits))
	for _, hit := range hits {
		doc := docs[hit.ID]
		if doc == nil {
			continue
		}
		if !opts.Filter.Matches(doc) {
			continue
		}
		if doc.Importance < opts.ImportanceThreshold {
			continue
		}
		items = append(items, MemoryItem{
			ID:          doc.ID,
			Content:     doc.Content,
			Score:       scoreMemory(hit.Score, doc.Importance, now.Sub(doc.Timestamp), s.cfg.DecayFactor, opts.TimeDecay),
			VectorScore: hit.Score,
			Importance:  doc.Importance,
			Timestamp:   doc.Timestamp,
			Retention:   doc.Retention,
			AccessCount: doc.AccessCount,
			Metadata:    doc.Metadata,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ID < items[j].ID
	})
	if len(items) > opts.TopK {
		items = items[:opts.TopK]
	}

	if len(items) > 0 {
		accessed := make([]string, len(items))
		for i, item := range items {
			accessed[i] = item.ID
		}
		if err := s.catalog.RecordAccess(ctx, accessed, now); err != nil {
			s.logger.Warn("access bookkeeping failed", zap.Error(err))
		}
	}
	return items, nil
}

// scoreMemory blends the vector score with per-day decay and importance:
// vector · decay^days · (0.5 + 0.5·importance). Partial days round down.
func scoreMemory(vectorScore, importance float64, age time.Duration, decayFactor float64, timeDecay bool) float64 {
	decay := 1.0
	if timeDecay && age > 0 {
		days := int(age.Hours() / 24)
		decay = math.Pow(decayFactor, float64(days))
	}
	return vectorScore * decay * (0.5 + 0.5*importance)
}

// Get returns one memory by id without touching access stats.
func (s *Store) Get(ctx context.Context, id string) (*MemoryItem, error) {
	doc, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &MemoryItem{
		ID:          doc.ID,
		Content:     doc.Content,
		Importance:  doc.Importance,
		Timestamp:   doc.Timestamp,
		Retention:   doc.Retention,
		AccessCount: doc.AccessCount,
		Metadata:    doc.Metadata,
	}, nil
}

// Delete removes a memory from both stores. It reports whether anything
// was deleted; deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := s.catalog.Get(ctx, id); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.vectors.Delete(ctx, id); err != nil {
		s.logger.Warn("vector delete failed", zap.String("id", id), zap.Error(err))
	}
	if err := s.catalog.Delete(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateImportance sets a memory's importance. It reports success; an
// out-of-range value is a validation error, a missing id is false.
func (s *Store) UpdateImportance(ctx context.Context, id string, importance float64) (bool, error) {
	if importance < 0 || importance > 1 {
		return false, core.WrapOp("memstore.update_importance",
			fmt.Errorf("%w: importance %v outside [0,1]", core.ErrValidation, importance))
	}
	doc, err := s.catalog.Get(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	doc.Importance = importance
	if err := s.catalog.Update(ctx, doc); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) degrade(op string, err error) ([]MemoryItem, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	s.logger.Warn("retrieve degraded to empty result", zap.String("cause", op), zap.Error(err))
	return []MemoryItem{}, nil
}

func buildMetadata(req StoreRequest) map[string]any {
	meta := make(map[string]any, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.Emotion != "" {
		meta["emotion"] = req.Emotion
	}
	if req.Category != "" {
		meta["category"] = req.Category
	}
	if len(req.Tags) > 0 {
		meta["tags"] = req.Tags
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
