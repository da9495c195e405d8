package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChainProvider adapts a langchaingo model to Provider and StreamProvider.
type LangChainProvider struct {
	Name string
	LLM  llms.Model
}

func NewOpenAIProvider(apiKey, baseURL, model string) (*LangChainProvider, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return &LangChainProvider{Name: "openai", LLM: llm}, nil
}

func NewAnthropicProvider(apiKey, model string) (*LangChainProvider, error) {
	opts := []anthropic.Option{anthropic.WithToken(apiKey)}
	if model != "" {
		opts = append(opts, anthropic.WithModel(model))
	}
	llm, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return &LangChainProvider{Name: "anthropic", LLM: llm}, nil
}

func toMessageContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var role llms.ChatMessageType
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func (p *LangChainProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.LLM == nil {
		return "", errors.New("langchain: model is nil")
	}
	resp, err := p.LLM.GenerateContent(ctx, toMessageContent(messages))
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: empty response", p.Name)
	}
	return resp.Choices[0].Content, nil
}

func (p *LangChainProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if p.LLM == nil {
			errs <- errors.New("langchain: model is nil")
			return
		}
		_, err := p.LLM.GenerateContent(ctx, toMessageContent(messages),
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				if !emit(ctx, chunks, string(chunk)) {
					return ctx.Err()
				}
				return nil
			}),
		)
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
