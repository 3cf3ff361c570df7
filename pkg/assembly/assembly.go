// Package assembly is the dependency container: the one place concrete
// stores, detectors, and clients are constructed. Instances are memoized
// by caller-supplied tag; an empty tag always builds a fresh instance.
package assembly

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/catalog"
	"github.com/kailiangenn/another-me/pkg/config"
	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/detect"
	"github.com/kailiangenn/another-me/pkg/embedding"
	"github.com/kailiangenn/another-me/pkg/graph"
	"github.com/kailiangenn/another-me/pkg/llm"
	"github.com/kailiangenn/another-me/pkg/memstore"
	"github.com/kailiangenn/another-me/pkg/retrieval"
	"github.com/kailiangenn/another-me/pkg/vector"
)

// Container builds and memoizes the engine's components. All accessors
// are safe for concurrent use.
type Container struct {
	cfg    *config.Config
	logger *zap.Logger

	mu         sync.Mutex
	embedders  map[string]embedding.Embedder
	clients    map[string]llm.Client
	vectors    map[string]core.Store
	catalogs   map[string]*catalog.Catalog
	graphs     map[string]*graph.Store
	emotions   map[string]*detect.EmotionDetector
	entities   map[string]*detect.EntityDetector
	intents    map[string]*detect.IntentDetector
	retrievers map[string]*retrieval.Retriever
	memstores  map[string]*memstore.Store
}

func newVectorStore(cfg *config.Config) core.Store {
	return vector.New(cfg.Embedding.Dimension,
		vector.WithPath(cfg.VectorPath()),
		vector.WithNCentroids(cfg.Vector.NCentroids))
}

// New builds an empty container around cfg.
func New(cfg *config.Config, logger *zap.Logger) *Container {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Container{
		cfg:        cfg,
		logger:     logger,
		embedders:  make(map[string]embedding.Embedder),
		clients:    make(map[string]llm.Client),
		vectors:    make(map[string]core.Store),
		catalogs:   make(map[string]*catalog.Catalog),
		graphs:     make(map[string]*graph.Store),
		emotions:   make(map[string]*detect.EmotionDetector),
		entities:   make(map[string]*detect.EntityDetector),
		intents:    make(map[string]*detect.IntentDetector),
		retrievers: make(map[string]*retrieval.Retriever),
		memstores:  make(map[string]*memstore.Store),
	}
}

// InstanceTag returns a tag no other caller can collide with, for
// callers that want memoization without sharing.
func InstanceTag() string { return uuid.NewString() }

// memoize is the shared tag discipline: empty tag builds fresh,
// otherwise the first registered build wins. Builders run outside the
// lock because they call other accessors; a concurrent duplicate build
// is discarded in favor of the registered instance.
func memoize[T any](c *Container, cache map[string]T, tag string, build func() (T, error)) (T, error) {
	if tag == "" {
		return build()
	}
	c.mu.Lock()
	if v, ok := cache[tag]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := build()
	if err != nil {
		var zero T
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := cache[tag]; ok {
		if closer, ok := any(v).(interface{ Close() error }); ok {
			closer.Close()
		}
		return existing, nil
	}
	cache[tag] = v
	return v, nil
}

// Embedder returns the configured embedding function.
func (c *Container) Embedder(tag string) (embedding.Embedder, error) {
	return memoize(c, c.embedders, tag, func() (embedding.Embedder, error) {
		switch c.cfg.Embedding.Provider {
		case "openai":
			return embedding.NewOpenAI(embedding.OpenAIConfig{
				APIKey:    c.cfg.LLM.APIKey,
				BaseURL:   c.cfg.LLM.BaseURL,
				Model:     c.cfg.Embedding.Model,
				Dimension: c.cfg.Embedding.Dimension,
			}, c.logger), nil
		case "", "hashing":
			return embedding.NewHashing(c.cfg.Embedding.Dimension), nil
		default:
			return nil, core.WrapOp("assembly.embedder",
				fmt.Errorf("%w: unknown embedding provider %q", core.ErrConfiguration, c.cfg.Embedding.Provider))
		}
	})
}

// LLMClient returns the chat-completion client. It may be unconfigured;
// cascades treat that as rule-only operation.
func (c *Container) LLMClient(tag string) (llm.Client, error) {
	return memoize(c, c.clients, tag, func() (llm.Client, error) {
		return llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  c.cfg.LLM.APIKey,
			BaseURL: c.cfg.LLM.BaseURL,
			Model:   c.cfg.LLM.Model,
		}, c.logger), nil
	})
}

// VectorStore returns the dense index backed by the configured snapshot
// path.
func (c *Container) VectorStore(tag string) (core.Store, error) {
	return memoize(c, c.vectors, tag, func() (core.Store, error) {
		if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
			return nil, core.WrapOp("assembly.vector", err)
		}
		return newVectorStore(c.cfg), nil
	})
}

// Catalog returns the metadata catalog.
func (c *Container) Catalog(tag string) (*catalog.Catalog, error) {
	return memoize(c, c.catalogs, tag, func() (*catalog.Catalog, error) {
		if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
			return nil, core.WrapOp("assembly.catalog", err)
		}
		return catalog.Open(c.cfg.CatalogPath(), catalog.WithLogger(c.logger))
	})
}

// Graph returns the property graph for a domain. The tag is scoped by
// domain so "work:main" and "life:main" are distinct instances.
func (c *Container) Graph(tag string, domain graph.Domain) (*graph.Store, error) {
	scoped := tag
	if scoped != "" {
		scoped = string(domain) + ":" + tag
	}
	return memoize(c, c.graphs, scoped, func() (*graph.Store, error) {
		if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
			return nil, core.WrapOp("assembly.graph", err)
		}
		return graph.Open(c.cfg.GraphPath(), domain, graph.WithLogger(c.logger))
	})
}

// EmotionDetector returns the emotion cascade.
func (c *Container) EmotionDetector(tag string) (*detect.EmotionDetector, error) {
	return memoize(c, c.emotions, tag, func() (*detect.EmotionDetector, error) {
		client, err := c.LLMClient(tag)
		if err != nil {
			return nil, err
		}
		return detect.NewEmotionDetector(client, c.logger), nil
	})
}

// EntityDetector returns the entity-extraction cascade.
func (c *Container) EntityDetector(tag string) (*detect.EntityDetector, error) {
	return memoize(c, c.entities, tag, func() (*detect.EntityDetector, error) {
		client, err := c.LLMClient(tag)
		if err != nil {
			return nil, err
		}
		return detect.NewEntityDetector(client, c.logger), nil
	})
}

// IntentDetector returns the intent cascade.
func (c *Container) IntentDetector(tag string) (*detect.IntentDetector, error) {
	return memoize(c, c.intents, tag, func() (*detect.IntentDetector, error) {
		client, err := c.LLMClient(tag)
		if err != nil {
			return nil, err
		}
		return detect.NewIntentDetector(client, c.logger), nil
	})
}

// Retriever returns the hybrid retriever over the shared stores.
func (c *Container) Retriever(tag string, domain graph.Domain) (*retrieval.Retriever, error) {
	return memoize(c, c.retrievers, tag, func() (*retrieval.Retriever, error) {
		embedder, err := c.Embedder(tag)
		if err != nil {
			return nil, err
		}
		index, err := c.VectorStore(tag)
		if err != nil {
			return nil, err
		}
		cat, err := c.Catalog(tag)
		if err != nil {
			return nil, err
		}
		g, err := c.Graph(tag, domain)
		if err != nil {
			return nil, err
		}
		extractor, err := c.EntityDetector(tag)
		if err != nil {
			return nil, err
		}
		client, err := c.LLMClient(tag)
		if err != nil {
			return nil, err
		}
		return retrieval.New(retrieval.Config{
			Embedder:  embedder,
			Index:     index,
			Docs:      cat,
			Graph:     g,
			Extractor: extractor,
			Client:    client,
			Logger:    c.logger,
		}), nil
	})
}

// MemoryStore returns the conversational memory layer.
func (c *Container) MemoryStore(tag string) (*memstore.Store, error) {
	return memoize(c, c.memstores, tag, func() (*memstore.Store, error) {
		embedder, err := c.Embedder(tag)
		if err != nil {
			return nil, err
		}
		index, err := c.VectorStore(tag)
		if err != nil {
			return nil, err
		}
		cat, err := c.Catalog(tag)
		if err != nil {
			return nil, err
		}
		client, err := c.LLMClient(tag)
		if err != nil {
			return nil, err
		}
		classifier := memstore.NewRetentionClassifier(client, c.logger)
		return memstore.New(embedder, index, cat, classifier, memstore.Config{
			DecayFactor:  c.cfg.Retention.DecayFactor,
			TemporaryTTL: c.cfg.Retention.TemporaryTTL,
			CasualTTL:    c.cfg.Retention.CasualTTL,
		}, c.logger), nil
	})
}

// Sweeper returns a fresh sweeper over the tagged stores.
func (c *Container) Sweeper(tag string) (*memstore.Sweeper, error) {
	cat, err := c.Catalog(tag)
	if err != nil {
		return nil, err
	}
	index, err := c.VectorStore(tag)
	if err != nil {
		return nil, err
	}
	return memstore.NewSweeper(cat, index, memstore.DefaultSweepInterval, c.logger), nil
}

// Close releases every memoized store. Later errors do not mask earlier
// ones; the first is returned.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, store := range c.vectors {
		keep(store.Close())
	}
	for _, cat := range c.catalogs {
		keep(cat.Close())
	}
	for _, g := range c.graphs {
		keep(g.Close())
	}
	c.vectors = make(map[string]core.Store)
	c.catalogs = make(map[string]*catalog.Catalog)
	c.graphs = make(map[string]*graph.Store)
	return first
}
