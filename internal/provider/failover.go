package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"wabot/internal/domain"
)

// FailoverProvider tries multiple providers in order, falling back to the next
// one when the current fails.
type FailoverProvider struct {
	providers []domain.Provider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover chain from the given providers.
// At least one provider is required.
func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		providers: providers,
		logger:    logger,
	}
}

// NewOpenAIChain builds the primary model plus one client per fallback model.
// A single model yields the bare client.
func NewOpenAIChain(cfg OpenAIConfig, fallbackModels []string) domain.Provider {
	primary := NewOpenAI(cfg)
	if len(fallbackModels) == 0 {
		return primary
	}
	chain := []domain.Provider{primary}
	for _, m := range fallbackModels {
		if m == "" || m == primary.model {
			continue
		}
		c := cfg
		c.Model = m
		chain = append(chain, NewOpenAI(c))
	}
	if len(chain) == 1 {
		return primary
	}
	return NewFailoverProvider(chain, primary.logger)
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.providers))
	for i, p := range fp.providers {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

// Complete tries each provider in order and returns the first success.
// Context cancellation stops the chain immediately.
func (fp *FailoverProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	if len(fp.providers) == 0 {
		return nil, errors.New("failover chain is empty")
	}
	var lastErr error
	for i, p := range fp.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			if i > 0 {
				fp.logger.Info("failover: used fallback provider",
					"provider", p.Name(),
					"attempt", i+1,
				)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		fp.logger.Warn("failover: provider failed, trying next",
			"provider", p.Name(),
			"attempt", i+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}
