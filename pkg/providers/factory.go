package providers

import (
	"context"
	"fmt"

	"github.com/csbot-dev/csbot/pkg/domain"
)

// Factory creates providers from configuration. Provider binding happens
// once at startup; the bound providers live for the process.
type Factory struct{}

// NewFactory creates a new provider factory
func NewFactory() *Factory {
	return &Factory{}
}

// CreateLLMProvider creates an LLM provider based on the configuration
func (f *Factory) CreateLLMProvider(ctx context.Context, cfg *domain.OpenAIProviderConfig) (domain.LLMProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no llm provider configured", domain.ErrConfigurationError)
	}
	switch cfg.Type {
	case domain.ProviderOpenAI, "":
		return NewOpenAILLMProvider(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported llm provider type: %s", domain.ErrConfigurationError, cfg.Type)
	}
}

// CreateEmbedderProvider creates an embedder provider and pins its
// dimension. The configured dimension is authoritative; the vector
// collection is created against it and every embedding response is
// checked against it.
func (f *Factory) CreateEmbedderProvider(ctx context.Context, cfg *domain.OpenAIProviderConfig, dimension int) (domain.EmbedderProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no embedder provider configured", domain.ErrConfigurationError)
	}
	switch cfg.Type {
	case domain.ProviderOpenAI, "":
		return NewOpenAIEmbedderProvider(cfg, dimension)
	default:
		return nil, fmt.Errorf("%w: unsupported embedder provider type: %s", domain.ErrConfigurationError, cfg.Type)
	}
}
