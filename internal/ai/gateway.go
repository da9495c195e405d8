package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/suPer8Hu/ai-chat/internal/logger"
)

// Gateway routes completion requests to registered providers and normalizes
// their output into a stream of non-empty increments.
//
// A model of the form "<provider>/<name>" is sent to that provider when it is
// registered; any other model string goes to the default provider unchanged.
// The gateway never retries: one call, one provider attempt.
type Gateway struct {
	registry        *Registry
	defaultProvider string
	log             *logger.Logger
}

func NewGateway(reg *Registry, defaultProvider string, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Nop()
	}
	return &Gateway{
		registry:        reg,
		defaultProvider: normalizeName(defaultProvider),
		log:             log.With("component", "ai.gateway"),
	}
}

// Route splits a model string into provider and provider-local model.
func (g *Gateway) Route(model string) (provider, name string) {
	model = strings.TrimSpace(model)
	if prefix, rest, ok := strings.Cut(model, "/"); ok && rest != "" && g.registry.Has(prefix) {
		return normalizeName(prefix), rest
	}
	return g.defaultProvider, model
}

func (g *Gateway) resolve(ctx context.Context, model string) (Provider, error) {
	if g.registry == nil {
		return nil, errors.New("ai gateway: no provider registry")
	}
	name, local := g.Route(model)
	g.log.Debug("route completion", "provider", name, "model", local)
	return g.registry.Get(ctx, name, local)
}

func buildMessages(history []Message, systemContext string) []Message {
	out := make([]Message, 0, len(history)+1)
	if strings.TrimSpace(systemContext) != "" {
		out = append(out, Message{Role: RoleSystem, Content: systemContext})
	}
	return append(out, history...)
}

// Complete streams the completion for history. Increments are never empty and
// arrive in provider order. A failure is sent on the error channel before the
// increment channel closes; exhaustion without an error means success.
func (g *Gateway) Complete(ctx context.Context, history []Message, systemContext, model string) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		p, err := g.resolve(ctx, model)
		if err != nil {
			errs <- err
			return
		}
		msgs := buildMessages(history, systemContext)

		sp, ok := p.(StreamProvider)
		if !ok {
			// whole reply as one increment
			text, err := p.Chat(ctx, msgs)
			if err != nil {
				errs <- err
				return
			}
			if text != "" && !emit(ctx, out, text) {
				errs <- ctx.Err()
			}
			return
		}

		chunks, perrs := sp.StreamChat(ctx, msgs)
		for c := range chunks {
			if c == "" {
				continue
			}
			if !emit(ctx, out, c) {
				errs <- ctx.Err()
				return
			}
		}
		if err := <-perrs; err != nil {
			errs <- err
		}
	}()

	return out, errs
}

// CompleteAll returns the assembled completion. Background jobs only.
func (g *Gateway) CompleteAll(ctx context.Context, history []Message, systemContext, model string) (string, error) {
	p, err := g.resolve(ctx, model)
	if err != nil {
		return "", err
	}
	return p.Chat(ctx, buildMessages(history, systemContext))
}
