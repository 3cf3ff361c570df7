package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailiangenn/another-me/pkg/core"
)

const (
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultDimension      = 1536
	defaultBatchSize      = 100
	batchParallelism      = 4
)

// OpenAIConfig configures the OpenAI-compatible embedding transport.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	BatchSize int
}

// OpenAI embeds text through an OpenAI-compatible endpoint. Batches are
// chunked and the chunks embedded in parallel.
type OpenAI struct {
	api        openai.Client
	model      string
	dim        int
	batchSize  int
	configured bool
	logger     *zap.Logger
}

var _ Embedder = (*OpenAI)(nil)

// NewOpenAI builds the embedder. A missing API key yields an unconfigured
// embedder whose calls fail with ErrConfiguration.
func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) *OpenAI {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = defaultDimension
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	var reqOpts []option.RequestOption
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{
		api:        openai.NewClient(reqOpts...),
		model:      cfg.Model,
		dim:        cfg.Dimension,
		batchSize:  cfg.BatchSize,
		configured: cfg.APIKey != "",
		logger:     logger,
	}
}

func (o *OpenAI) Dimension() int { return o.dim }

// IsConfigured reports whether an API key was supplied.
func (o *OpenAI) IsConfigured() bool { return o.configured }

// Embed returns the vector for one text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return make([]float32, o.dim), nil
	}
	vectors, err := o.embedChunk(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in parallel chunks. A failed chunk logs and
// yields zero vectors for its items instead of failing the whole batch.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !o.configured {
		return nil, core.WrapOp("embedding.batch", fmt.Errorf("%w: missing API key", core.ErrConfiguration))
	}
	vectors := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	var mu sync.Mutex

	for start := 0; start < len(texts); start += o.batchSize {
		end := start + o.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			chunk := make([]string, 0, end-start)
			positions := make([]int, 0, end-start)
			for i := start; i < end; i++ {
				if texts[i] != "" {
					chunk = append(chunk, texts[i])
					positions = append(positions, i)
				}
			}

			var embedded [][]float32
			if len(chunk) > 0 {
				var err error
				embedded, err = o.embedChunk(gctx, chunk)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					o.logger.Warn("embedding chunk failed, zero-filling",
						zap.Int("start", start), zap.Error(err))
					embedded = nil
				}
			}

			mu.Lock()
			defer mu.Unlock()
			for i := start; i < end; i++ {
				vectors[i] = make([]float32, o.dim)
			}
			for j, pos := range positions {
				if embedded != nil && j < len(embedded) {
					vectors[pos] = embedded[j]
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (o *OpenAI) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	if !o.configured {
		return nil, core.WrapOp("embedding.embed", fmt.Errorf("%w: missing API key", core.ErrConfiguration))
	}

	resp, err := o.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(o.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, core.WrapOp("embedding.embed", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	if len(resp.Data) != len(texts) {
		return nil, core.WrapOp("embedding.embed",
			fmt.Errorf("%w: %d vectors for %d inputs", core.ErrParse, len(resp.Data), len(texts)))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}
