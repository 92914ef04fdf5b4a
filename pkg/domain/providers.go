package domain

import (
	"context"
	"time"
)

// ProviderType represents different LLM provider types
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
)

// BaseProviderConfig contains common configuration for all providers
type BaseProviderConfig struct {
	Type    ProviderType  `mapstructure:"type"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// OpenAIProviderConfig contains OpenAI-compatible provider configuration.
// This covers the OpenAI API and compatible servers (Ollama, vLLM, etc.).
type OpenAIProviderConfig struct {
	BaseProviderConfig `mapstructure:",squash"`
	BaseURL            string `mapstructure:"base_url"`
	APIKey             string `mapstructure:"api_key"`
	EmbeddingModel     string `mapstructure:"embedding_model"`
	LLMModel           string `mapstructure:"llm_model"`
	RewriteModel       string `mapstructure:"rewrite_model,omitempty"`
	Organization       string `mapstructure:"organization,omitempty"`
	Project            string `mapstructure:"project,omitempty"`
}

// LLMMessage is one turn of model input.
type LLMMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

type GenerationOptions struct {
	Temperature float64
	MaxTokens   int
}

// GenerationResult carries the final text and whatever usage the provider
// reported. Usage is nil when the provider does not report it (common on
// streamed completions).
type GenerationResult struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Generator produces chat completions.
type Generator interface {
	Generate(ctx context.Context, messages []LLMMessage, opts *GenerationOptions) (*GenerationResult, error)
	// Stream invokes callback once per delta and returns the assembled
	// result after the stream ends.
	Stream(ctx context.Context, messages []LLMMessage, opts *GenerationOptions, callback func(delta string)) (*GenerationResult, error)
}

// Embedder produces dense vectors for chunks and queries.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float64, error)
	EmbedQuery(ctx context.Context, text string) ([]float64, error)
	Dimension() int
}

// Reranker rescores retrieval candidates against the query. Scores are
// normalized relevance in (0, 1); results come back sorted descending.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []string, topN int) ([]RerankResult, error)
}

// LLMProvider wraps Generator with provider identity and health checking
type LLMProvider interface {
	Generator
	ProviderType() ProviderType
	Health(ctx context.Context) error
}

// EmbedderProvider wraps Embedder with provider identity and health checking
type EmbedderProvider interface {
	Embedder
	ProviderType() ProviderType
	Health(ctx context.Context) error
}
