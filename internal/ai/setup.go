package ai

import (
	"context"
	"strings"

	"github.com/suPer8Hu/ai-chat/internal/config"
	"github.com/suPer8Hu/ai-chat/internal/logger"
)

// NewRegistryFromConfig registers ollama and openrouter always, and the
// langchaingo-backed openai/anthropic providers when their keys are set.
func NewRegistryFromConfig(cfg config.Config, log *logger.Logger) *Registry {
	reg := NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		m := strings.TrimSpace(model)
		switch m {
		case "":
			m = cfg.OpenRouterModel
		case "auto":
			m = "openrouter/auto"
		}
		return NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	if cfg.OpenAIAPIKey != "" {
		reg.Register("openai", func(ctx context.Context, model string) (Provider, error) {
			p, err := NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, model)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}
	if cfg.AnthropicAPIKey != "" {
		reg.Register("anthropic", func(ctx context.Context, model string) (Provider, error) {
			p, err := NewAnthropicProvider(cfg.AnthropicAPIKey, model)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	if log != nil {
		log.Info("ai providers registered", "providers", reg.Names(), "default", cfg.AIProvider)
	}
	return reg
}
