// Package resolve creates provider clients from provider-agnostic
// configuration, for config-driven wiring.
package resolve

import (
	"fmt"

	memori "github.com/memorilabs/memori-go"
	"github.com/memorilabs/memori-go/embedder/openaiembed"
	"github.com/memorilabs/memori-go/provider/anthropic"
	"github.com/memorilabs/memori-go/provider/openai"
)

// Config holds provider-agnostic configuration for creating a chat
// client.
type Config struct {
	Provider string // "openai", "anthropic", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // auto-filled for known providers

	// Common cross-provider options (nil or zero = provider default).
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// EmbeddingConfig holds provider-agnostic configuration for creating an
// embedding model.
type EmbeddingConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// Provider creates a chat client from cfg. OpenAI-compatible aliases
// share the openai client with their base URL and payload title filled
// in.
func Provider(cfg Config) (memori.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropicClient(cfg), nil
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiClient(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// Embedder creates an embedding model from a provider-agnostic
// EmbeddingConfig.
func Embedder(cfg EmbeddingConfig) (memori.Embedder, error) {
	switch cfg.Provider {
	case "openai":
		var opts []openaiembed.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openaiembed.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Dimensions > 0 {
			opts = append(opts, openaiembed.WithDimensions(cfg.Dimensions))
		}
		return openaiembed.New(cfg.APIKey, cfg.Model, opts...), nil
	default:
		return nil, fmt.Errorf("resolve: embedding provider %q not supported", cfg.Provider)
	}
}

func anthropicClient(cfg Config) *anthropic.Client {
	var opts []anthropic.Option
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Temperature != nil {
		opts = append(opts, anthropic.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, anthropic.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens > 0 {
		opts = append(opts, anthropic.WithMaxTokens(cfg.MaxTokens))
	}
	return anthropic.New(cfg.APIKey, cfg.Model, opts...)
}

func openaiClient(cfg Config) *openai.Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	opts := []openai.Option{openai.WithTitle(cfg.Provider)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if cfg.Temperature != nil {
		opts = append(opts, openai.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, openai.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens > 0 {
		opts = append(opts, openai.WithMaxTokens(cfg.MaxTokens))
	}
	return openai.New(cfg.APIKey, cfg.Model, opts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
