// Package llm defines the language-model transport consumed by the engine
// and its OpenAI-compatible implementation.
package llm

import "context"

// Message roles follow the chat-completion convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single generation call. Zero values fall back to the
// provider defaults.
type Options struct {
	Temperature      float64 `json:"temperature,omitempty"`
	MaxTokens        int     `json:"max_tokens,omitempty"`
	TopP             float64 `json:"top_p,omitempty"`
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64 `json:"presence_penalty,omitempty"`
}

// Usage reports token consumption of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the outcome of a blocking generation.
type Response struct {
	Content      string         `json:"content"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        Usage          `json:"usage"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// StreamFunc receives text chunks as they arrive. Returning an error
// aborts the stream.
type StreamFunc func(chunk string) error

// Client is the transport interface. Implementations are stateless and
// safe for concurrent use.
type Client interface {
	// Generate performs a blocking completion.
	Generate(ctx context.Context, messages []Message, opts *Options) (*Response, error)

	// GenerateStream delivers the completion incrementally through fn.
	GenerateStream(ctx context.Context, messages []Message, opts *Options, fn StreamFunc) error

	// EstimateTokens counts tokens cheaply without a network call.
	EstimateTokens(text string) int

	// IsConfigured reports whether credentials are present.
	IsConfigured() bool
}
