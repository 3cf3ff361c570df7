package memstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/catalog"
	"github.com/kailiangenn/another-me/pkg/core"
)

// DefaultSweepInterval paces the background expiry loop.
const DefaultSweepInterval = time.Hour

// Sweeper removes memories whose TTL has elapsed, from both the catalog
// and the vector index, then purges soft-deleted rows.
type Sweeper struct {
	catalog  *catalog.Catalog
	vectors  core.Store
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(cat *catalog.Catalog, vectors core.Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{catalog: cat, vectors: vectors, interval: interval, logger: logger}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn("sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("swept expired memories", zap.Int("count", n))
			}
		}
	}
}

// SweepOnce deletes everything expired as of now and returns how many
// memories were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.catalog.DueForSweep(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if s.vectors != nil {
			if err := s.vectors.Delete(ctx, id); err != nil {
				s.logger.Warn("vector delete during sweep failed", zap.String("id", id), zap.Error(err))
			}
		}
		if err := s.catalog.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	if _, err := s.catalog.PurgeDeleted(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}
