package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/pkoukk/tiktoken-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/core"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultCallTimeout = 60 * time.Second
	defaultMaxRetries  = 3
	retryBaseDelay     = 500 * time.Millisecond
	retryMaxDelay      = 10 * time.Second

	tokenEncoding = "cl100k_base"
	// Rough fallback when the tokenizer is unavailable.
	charsPerToken = 4
)

// OpenAIConfig configures the OpenAI-compatible transport.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	CallTimeout time.Duration
	MaxRetries  int
}

// OpenAIClient talks to an OpenAI-compatible endpoint with exponential
// backoff retries wrapped in a circuit breaker.
type OpenAIClient struct {
	api         openai.Client
	model       string
	callTimeout time.Duration
	maxRetries  int
	breaker     *gobreaker.CircuitBreaker
	encoder     *tiktoken.Tiktoken
	configured  bool
	logger      *zap.Logger
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAI builds a client. A missing API key yields an unconfigured
// client whose calls fail with ErrConfiguration.
func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	var reqOpts []option.RequestOption
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	encoder, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		logger.Warn("tokenizer unavailable, falling back to a character heuristic", zap.Error(err))
	}

	return &OpenAIClient{
		api:         openai.NewClient(reqOpts...),
		model:       cfg.Model,
		callTimeout: cfg.CallTimeout,
		maxRetries:  cfg.MaxRetries,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		encoder:    encoder,
		configured: cfg.APIKey != "",
		logger:     logger,
	}
}

// IsConfigured reports whether an API key was supplied.
func (c *OpenAIClient) IsConfigured() bool {
	return c.configured
}

// EstimateTokens counts tokens with the local tokenizer.
func (c *OpenAIClient) EstimateTokens(text string) int {
	if c.encoder == nil {
		return (len(text) + charsPerToken - 1) / charsPerToken
	}
	return len(c.encoder.Encode(text, nil, nil))
}

// Generate performs a blocking completion with retries.
func (c *OpenAIClient) Generate(ctx context.Context, messages []Message, opts *Options) (*Response, error) {
	if !c.configured {
		return nil, core.WrapOp("llm.generate", fmt.Errorf("%w: missing API key", core.ErrConfiguration))
	}

	params := c.buildParams(messages, opts)

	var resp *Response
	err := c.withRetries(ctx, "llm.generate", func(callCtx context.Context) error {
		completion, err := c.api.Chat.Completions.New(callCtx, params)
		if err != nil {
			return err
		}
		if len(completion.Choices) == 0 {
			return fmt.Errorf("%w: empty choices", core.ErrParse)
		}
		choice := completion.Choices[0]
		resp = &Response{
			Content:      choice.Message.Content,
			FinishReason: string(choice.FinishReason),
			Usage: Usage{
				PromptTokens:     int(completion.Usage.PromptTokens),
				CompletionTokens: int(completion.Usage.CompletionTokens),
				TotalTokens:      int(completion.Usage.TotalTokens),
			},
			Metadata: map[string]any{"model": completion.Model},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GenerateStream delivers chunks through fn as they arrive. Streams are
// not retried; a broken stream surfaces as ErrBackendUnavailable.
func (c *OpenAIClient) GenerateStream(ctx context.Context, messages []Message, opts *Options, fn StreamFunc) error {
	if !c.configured {
		return core.WrapOp("llm.generate_stream", fmt.Errorf("%w: missing API key", core.ErrConfiguration))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	stream := c.api.Chat.Completions.NewStreaming(callCtx, c.buildParams(messages, opts))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := fn(delta); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return core.WrapOp("llm.generate_stream", fmt.Errorf("%w: %v", core.ErrBackendUnavailable, err))
	}
	return nil
}

func (c *OpenAIClient) buildParams(messages []Message, opts *Options) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	if opts != nil {
		if opts.Temperature > 0 {
			params.Temperature = openai.Float(opts.Temperature)
		}
		if opts.MaxTokens > 0 {
			params.MaxTokens = openai.Int(int64(opts.MaxTokens))
		}
		if opts.TopP > 0 {
			params.TopP = openai.Float(opts.TopP)
		}
		if opts.FrequencyPenalty != 0 {
			params.FrequencyPenalty = openai.Float(opts.FrequencyPenalty)
		}
		if opts.PresencePenalty != 0 {
			params.PresencePenalty = openai.Float(opts.PresencePenalty)
		}
	}
	return params
}

// withRetries runs call through the circuit breaker with exponential
// backoff. Cancellation aborts immediately and is never retried.
func (c *OpenAIClient) withRetries(ctx context.Context, op string, call func(context.Context) error) error {
	delay := retryBaseDelay
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, call(callCtx)
		})
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			return core.WrapOp(op, fmt.Errorf("%w: circuit open", core.ErrBackendUnavailable))
		}
		if errors.Is(err, core.ErrParse) {
			return core.WrapOp(op, err)
		}
		lastErr = err
		c.logger.Warn("llm call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return core.WrapOp(op, fmt.Errorf("%w: %v", core.ErrBackendUnavailable, lastErr))
}
