package providers

import (
	"context"
	"fmt"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// OpenAILLMProvider implements domain.LLMProvider for OpenAI-compatible services
type OpenAILLMProvider struct {
	client openai.Client
	config *domain.OpenAIProviderConfig
}

// NewOpenAILLMProvider creates a new OpenAI LLM provider
func NewOpenAILLMProvider(config *domain.OpenAIProviderConfig) (domain.LLMProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAILLMProvider{
		client: openai.NewClient(opts...),
		config: config,
	}, nil
}

func (p *OpenAILLMProvider) ProviderType() domain.ProviderType {
	return domain.ProviderOpenAI
}

func toOpenAIMessages(messages []domain.LLMMessage) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case "system":
			out[i] = openai.SystemMessage(msg.Content)
		case "user":
			out[i] = openai.UserMessage(msg.Content)
		case "assistant":
			out[i] = openai.AssistantMessage(msg.Content)
		default:
			return nil, fmt.Errorf("%w: unknown message role %q", domain.ErrInvalidInput, msg.Role)
		}
	}
	return out, nil
}

func (p *OpenAILLMProvider) buildParams(messages []domain.LLMMessage, opts *domain.GenerationOptions) (openai.ChatCompletionNewParams, error) {
	msgs, err := toOpenAIMessages(messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.config.LLMModel),
		Messages: msgs,
	}
	if opts != nil {
		if opts.Temperature >= 0 {
			params.Temperature = openai.Float(opts.Temperature)
		}
		if opts.MaxTokens > 0 {
			params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
		}
	}
	return params, nil
}

// Generate produces a complete, non-streamed chat completion.
func (p *OpenAILLMProvider) Generate(ctx context.Context, messages []domain.LLMMessage, opts *domain.GenerationOptions) (*domain.GenerationResult, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: empty messages", domain.ErrInvalidInput)
	}

	params, err := p.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", domain.ErrGenerationFailed)
	}

	result := &domain.GenerationResult{
		Content: completion.Choices[0].Message.Content,
	}
	if completion.Usage.TotalTokens > 0 {
		result.Usage = &domain.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		}
	}
	return result, nil
}

// Stream produces a streamed chat completion, invoking callback per delta.
// The assembled text comes back in the result; usage is nil unless the
// server reports it on the final chunk.
func (p *OpenAILLMProvider) Stream(ctx context.Context, messages []domain.LLMMessage, opts *domain.GenerationOptions, callback func(string)) (*domain.GenerationResult, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: empty messages", domain.ErrInvalidInput)
	}
	if callback == nil {
		return nil, fmt.Errorf("%w: nil callback", domain.ErrInvalidInput)
	}

	params, err := p.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	result := &domain.GenerationResult{}
	var full []byte
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			delta := chunk.Choices[0].Delta.Content
			full = append(full, delta...)
			callback(delta)
		}
		if chunk.Usage.TotalTokens > 0 {
			result.Usage = &domain.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err)
	}

	result.Content = string(full)
	return result, nil
}

// Health checks the health of the chat completions endpoint
func (p *OpenAILLMProvider) Health(ctx context.Context) error {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.config.LLMModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("Hello"),
		},
		MaxCompletionTokens: openai.Int(1),
	}

	if _, err := p.client.Chat.Completions.New(ctx, params); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGenerationFailed, err)
	}
	return nil
}

// OpenAIEmbedderProvider implements domain.EmbedderProvider for
// OpenAI-compatible services
type OpenAIEmbedderProvider struct {
	client    openai.Client
	config    *domain.OpenAIProviderConfig
	dimension int
}

// NewOpenAIEmbedderProvider creates a new OpenAI embedder provider.
// dimension is the vector width the rest of the system is configured for;
// every response is checked against it.
func NewOpenAIEmbedderProvider(config *domain.OpenAIProviderConfig, dimension int) (domain.EmbedderProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive", domain.ErrConfigurationError)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAIEmbedderProvider{
		client:    openai.NewClient(opts...),
		config:    config,
		dimension: dimension,
	}, nil
}

func (p *OpenAIEmbedderProvider) ProviderType() domain.ProviderType {
	return domain.ProviderOpenAI
}

func (p *OpenAIEmbedderProvider) Dimension() int {
	return p.dimension
}

// EmbedTexts embeds a batch of chunk texts in one request.
func (p *OpenAIEmbedderProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: empty input", domain.ErrInvalidInput)
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.config.EmbeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingFailed, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", domain.ErrEmbeddingFailed, len(resp.Data), len(texts))
	}

	vectors := make([][]float64, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) != p.dimension {
			return nil, fmt.Errorf("%w: provider returned dimension %d, configured %d",
				domain.ErrConfigurationError, len(d.Embedding), p.dimension)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// EmbedQuery embeds a single query string.
func (p *OpenAIEmbedderProvider) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", domain.ErrInvalidInput)
	}
	vectors, err := p.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Health checks the health of the embeddings endpoint
func (p *OpenAIEmbedderProvider) Health(ctx context.Context) error {
	if _, err := p.EmbedQuery(ctx, "ping"); err != nil {
		return err
	}
	return nil
}
