package provider

import (
	"context"
	"errors"
	"time"

	"github.com/gradolab/tagline/config"
	openai_provider "github.com/gradolab/tagline/internal/provider/openai"
)

// Provider is the text-generation capability consumed by the pipeline:
// prompt in, free text out. Callers parse responses defensively; nothing
// here guarantees a schema.
type Provider interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string
}

// NewProvider builds the configured text-generation client.
func NewProvider(cfg config.OpenAIConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers.openai.api_key not configured")
	}
	model := cfg.CompletionModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return openai_provider.NewClient(cfg.APIKey, cfg.BaseURL, model, cfg.Temperature, cfg.MaxTokens, timeout), nil
}
