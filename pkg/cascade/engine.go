// Package cascade implements the multi-level inference engine: cheap
// classifiers run first and expensive ones are consulted only when
// confidence stays below the threshold.
package cascade

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/core"
)

// Result is the outcome of one inference.
type Result struct {
	Value      any            `json:"value"`
	Confidence float64        `json:"confidence"`
	Level      core.LevelTag  `json:"level"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Level is a single classifier in the cascade. Implementations must not
// mutate results produced by earlier levels.
type Level interface {
	Tag() core.LevelTag
	Infer(ctx context.Context, input string, evalCtx map[string]any) (*Result, error)
}

// FallbackStrategy decides which result wins when no level reaches the
// threshold.
type FallbackStrategy string

const (
	// FallbackBestOf returns the highest-confidence result seen.
	FallbackBestOf FallbackStrategy = "best-of"
	// FallbackCascade returns the last attempted result.
	FallbackCascade FallbackStrategy = "cascade"
)

const (
	defaultThreshold = 0.7
	defaultCacheSize = 1000
	defaultCacheTTL  = time.Hour
)

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold sets the early-exit confidence threshold.
func WithThreshold(threshold float64) Option {
	return func(e *Engine) { e.threshold = threshold }
}

// WithFallback sets the below-threshold strategy. Defaults to best-of.
func WithFallback(strategy FallbackStrategy) Option {
	return func(e *Engine) { e.strategy = strategy }
}

// WithCache sizes the result cache. capacity 0 disables caching.
func WithCache(capacity int, ttl time.Duration) Option {
	return func(e *Engine) {
		if capacity <= 0 {
			e.cache = nil
			return
		}
		e.cache = newResultCache(capacity, ttl)
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine evaluates an ordered sequence of levels. Level order is fixed
// between AddLevel calls; adding a level invalidates the cache.
type Engine struct {
	name      string
	levels    []Level
	threshold float64
	strategy  FallbackStrategy
	cache     *resultCache
	logger    *zap.Logger
}

// New creates an engine with the default threshold, best-of fallback, and
// a 1000-entry one-hour cache.
func New(name string, opts ...Option) *Engine {
	e := &Engine{
		name:      name,
		threshold: defaultThreshold,
		strategy:  FallbackBestOf,
		cache:     newResultCache(defaultCacheSize, defaultCacheTTL),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddLevel appends a level and invalidates the cache.
func (e *Engine) AddLevel(level Level) {
	e.levels = append(e.levels, level)
	if e.cache != nil {
		e.cache.purge()
	}
}

// Threshold returns the engine's early-exit threshold.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Stats returns cache counters; zero value when caching is disabled.
func (e *Engine) Stats() CacheStats {
	if e.cache == nil {
		return CacheStats{}
	}
	return e.cache.stats()
}

// Infer runs the cascade. It always produces a Result: when every level
// fails, the result is synthetic with confidence 0 and the per-level errors
// in metadata. The only error returned is context cancellation.
func (e *Engine) Infer(ctx context.Context, input string, evalCtx map[string]any) (*Result, error) {
	key := hashKey(input, evalCtx)
	if e.cache != nil {
		if cached, ok := e.cache.get(key); ok {
			return cached, nil
		}
	}

	var (
		best     *Result
		last     *Result
		attempts []map[string]any
	)

	for _, level := range e.levels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := level.Infer(ctx, input, evalCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Debug("cascade level failed",
				zap.String("engine", e.name),
				zap.String("level", string(level.Tag())),
				zap.Error(err))
			attempts = append(attempts, map[string]any{
				"level": string(level.Tag()),
				"error": err.Error(),
			})
			continue
		}
		if result == nil {
			attempts = append(attempts, map[string]any{
				"level": string(level.Tag()),
				"error": "nil result",
			})
			continue
		}

		if result.Level == "" {
			result.Level = level.Tag()
		}
		attempts = append(attempts, map[string]any{
			"level":      string(level.Tag()),
			"confidence": result.Confidence,
		})

		if result.Confidence >= e.threshold {
			e.finish(key, result, attempts)
			return result, nil
		}
		last = result
		if best == nil || result.Confidence > best.Confidence {
			best = result
		}
	}

	chosen := best
	if e.strategy == FallbackCascade {
		chosen = last
	}
	if chosen == nil {
		chosen = &Result{Confidence: 0, Metadata: map[string]any{}}
	}
	e.finish(key, chosen, attempts)
	return chosen, nil
}

func (e *Engine) finish(key cacheKey, result *Result, attempts []map[string]any) {
	// Record attempts whenever escalation happened or any level failed,
	// so the synthetic result of a one-level engine still carries the error.
	record := len(attempts) > 1
	if !record {
		for _, attempt := range attempts {
			if _, failed := attempt["error"]; failed {
				record = true
				break
			}
		}
	}
	if record {
		if result.Metadata == nil {
			result.Metadata = make(map[string]any)
		}
		result.Metadata["attempts"] = attempts
	}
	if e.cache != nil {
		e.cache.put(key, result)
	}
}

// hashKey computes the (input-hash, context-hash) pair. Context keys are
// sorted so the hash is order-independent.
func hashKey(input string, evalCtx map[string]any) cacheKey {
	ih := fnv.New64a()
	ih.Write([]byte(input))

	ch := fnv.New64a()
	keys := make([]string, 0, len(evalCtx))
	for k := range evalCtx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(ch, "%s=%s;", k, cast.ToString(evalCtx[k]))
	}

	return cacheKey{input: ih.Sum64(), context: ch.Sum64()}
}
