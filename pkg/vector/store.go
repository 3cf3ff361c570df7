// Package vector implements the dense-vector storage primitive: an IVF
// index keyed by internal integer handles plus the bidirectional mapping
// to external document IDs.
package vector

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/internal/encoding"
	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/index"
)

// RebuildThreshold is the tombstone ratio above which Delete surfaces a
// rebuild warning.
const RebuildThreshold = 0.30

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPath enables snapshot persistence rooted at path. The index snapshot
// is written to path and the ID maps to path+".maps"; loading requires both.
func WithPath(path string) Option {
	return func(s *Store) { s.path = path }
}

// WithNCentroids overrides the centroid count for a fresh index.
func WithNCentroids(n int) Option {
	return func(s *Store) { s.nCentroids = n }
}

// Store is the vector storage primitive. Writers are exclusive; searches
// run concurrently.
type Store struct {
	mu sync.RWMutex

	ix         *index.Index
	toInternal map[string]int64
	toExternal map[int64]string
	nextHandle int64

	dimension  int
	nCentroids int
	path       string
	logger     *zap.Logger
	closed     bool
	warned     bool
}

var _ core.Store = (*Store)(nil)

// New creates a vector store for the given embedding dimension.
func New(dimension int, opts ...Option) *Store {
	s := &Store{
		dimension:  dimension,
		nCentroids: 100,
		logger:     zap.NewNop(),
		toInternal: make(map[string]int64),
		toExternal: make(map[int64]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ix = index.New(dimension, s.nCentroids)
	return s
}

// Initialize loads a persisted snapshot when a path is configured and both
// snapshot files exist. A fresh store is valid without either.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.WrapOp("vector.initialize", core.ErrStoreClosed)
	}
	if s.path == "" {
		return nil
	}

	_, ixErr := os.Stat(s.path)
	_, mapErr := os.Stat(s.mapsPath())
	if os.IsNotExist(ixErr) && os.IsNotExist(mapErr) {
		return nil
	}
	if ixErr != nil || mapErr != nil {
		// One file without the other means a torn snapshot.
		return core.WrapOp("vector.initialize",
			fmt.Errorf("%w: incomplete snapshot at %s", core.ErrBackendUnavailable, s.path))
	}
	return s.loadLocked()
}

// Add inserts the document's embedding under its ID. Re-adding an existing
// ID replaces the old vector atomically.
func (s *Store) Add(ctx context.Context, doc *core.Document) error {
	if doc == nil || doc.ID == "" {
		return core.WrapOp("vector.add", fmt.Errorf("%w: missing id", core.ErrValidation))
	}
	if err := encoding.ValidateVector(doc.Embedding); err != nil {
		return core.WrapOp("vector.add", fmt.Errorf("%w: %v", core.ErrValidation, err))
	}
	if len(doc.Embedding) != s.dimension {
		return core.WrapOp("vector.add",
			fmt.Errorf("%w: embedding has %d components, store expects %d",
				core.ErrValidation, len(doc.Embedding), s.dimension))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapOp("vector.add", core.ErrStoreClosed)
	}

	if old, ok := s.toInternal[doc.ID]; ok {
		s.ix.Delete(old)
		delete(s.toExternal, old)
	}

	handle := s.nextHandle
	s.nextHandle++
	if err := s.ix.Add(handle, doc.Embedding); err != nil {
		return core.WrapOp("vector.add", err)
	}
	s.toInternal[doc.ID] = handle
	s.toExternal[handle] = doc.ID
	return nil
}

// Get is not supported by the vector store; the catalog is the read path.
func (s *Store) Get(ctx context.Context, id string) (*core.Document, error) {
	return nil, core.WrapOp("vector.get", core.ErrUnsupported)
}

// Update replaces the stored embedding for an existing document.
func (s *Store) Update(ctx context.Context, doc *core.Document) error {
	s.mu.RLock()
	_, ok := s.toInternal[doc.ID]
	s.mu.RUnlock()
	if !ok {
		return core.WrapOp("vector.update", fmt.Errorf("%w: %s", core.ErrNotFound, doc.ID))
	}
	return s.Add(ctx, doc)
}

// Delete tombstones the entry for id. Deleting an absent ID is not an
// error. When the tombstone ratio crosses RebuildThreshold a warning is
// logged once until the next rebuild.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapOp("vector.delete", core.ErrStoreClosed)
	}

	handle, ok := s.toInternal[id]
	if !ok {
		return nil
	}
	delete(s.toInternal, id)
	delete(s.toExternal, handle)
	s.ix.Delete(handle)

	if ratio := s.ix.TombstoneRatio(); ratio > RebuildThreshold && !s.warned {
		s.warned = true
		s.logger.Warn("tombstone ratio above rebuild threshold",
			zap.Float64("ratio", ratio),
			zap.Float64("threshold", RebuildThreshold))
	}
	return nil
}

// Search returns the TopK nearest documents. Distance converts to
// similarity as 1/(1+d); entries whose handle is no longer mapped are
// dropped.
func (s *Store) Search(ctx context.Context, req core.SearchRequest) ([]core.Hit, error) {
	if req.TopK <= 0 || len(req.Vector) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, core.WrapOp("vector.search", core.ErrStoreClosed)
	}

	matches, err := s.ix.Search(req.Vector, req.TopK)
	if err != nil {
		return nil, core.WrapOp("vector.search", err)
	}

	hits := make([]core.Hit, 0, len(matches))
	for _, m := range matches {
		externalID, ok := s.toExternal[m.ID]
		if !ok {
			continue
		}
		hits = append(hits, core.Hit{
			ID:    externalID,
			Score: 1 / (1 + float64(m.Distance)),
		})
	}
	return hits, nil
}

// Count returns the number of live entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, core.WrapOp("vector.count", core.ErrStoreClosed)
	}
	return int64(len(s.toInternal)), nil
}

// Clear drops everything, including any persisted snapshot.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapOp("vector.clear", core.ErrStoreClosed)
	}

	s.ix.Clear()
	s.toInternal = make(map[string]int64)
	s.toExternal = make(map[int64]string)
	s.warned = false

	if s.path != "" {
		os.Remove(s.path)
		os.Remove(s.mapsPath())
	}
	return nil
}

// Close persists a snapshot when a path is configured, then marks the
// store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.path == "" {
		return nil
	}
	return s.saveLocked()
}

// ------------------------------------------------------------------
// Maintenance
// ------------------------------------------------------------------

// TombstoneRatio exposes the index's tombstone ratio.
func (s *Store) TombstoneRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ix.TombstoneRatio()
}

// Rebuild compacts the index to live entries.
func (s *Store) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.WrapOp("vector.rebuild", core.ErrStoreClosed)
	}
	if err := s.ix.Rebuild(); err != nil {
		return core.WrapOp("vector.rebuild", err)
	}
	s.warned = false
	s.logger.Info("vector index rebuilt", zap.Int("live", s.ix.Live()))
	return nil
}

// Stats reports live count, total slots, and dimension.
func (s *Store) Stats() core.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return core.Stats{
		Count:      int64(s.ix.Live()),
		Total:      int64(s.ix.Total()),
		Dimensions: s.dimension,
	}
}

// Save persists the current snapshot without closing the store.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.path == "" {
		return core.WrapOp("vector.save", fmt.Errorf("%w: no snapshot path configured", core.ErrConfiguration))
	}
	return s.saveLocked()
}

// ------------------------------------------------------------------
// Persistence
// ------------------------------------------------------------------

type idMaps struct {
	ToInternal map[string]int64
	ToExternal map[int64]string
	NextHandle int64
}

func (s *Store) mapsPath() string {
	return s.path + ".maps"
}

func (s *Store) saveLocked() error {
	if err := writeGob(s.path, s.ix.Snapshot()); err != nil {
		return core.WrapOp("vector.save", err)
	}
	maps := idMaps{ToInternal: s.toInternal, ToExternal: s.toExternal, NextHandle: s.nextHandle}
	if err := writeGob(s.mapsPath(), &maps); err != nil {
		return core.WrapOp("vector.save", err)
	}
	return nil
}

func (s *Store) loadLocked() error {
	var snap index.Snapshot
	if err := readGob(s.path, &snap); err != nil {
		return core.WrapOp("vector.load", err)
	}
	var maps idMaps
	if err := readGob(s.mapsPath(), &maps); err != nil {
		return core.WrapOp("vector.load", err)
	}

	s.ix = index.Restore(&snap)
	s.dimension = snap.Dimension
	s.toInternal = maps.ToInternal
	s.toExternal = maps.ToExternal
	s.nextHandle = maps.NextHandle
	s.logger.Info("vector snapshot loaded",
		zap.String("path", s.path),
		zap.Int("live", s.ix.Live()))
	return nil
}

func writeGob(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}
