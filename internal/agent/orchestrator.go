package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"wabot/internal/domain"
	"wabot/internal/metrics"
	"wabot/internal/tool"
)

// MaxToolRounds bounds the completion calls made for one message.
const MaxToolRounds = 5

type OrchestratorConfig struct {
	Provider    domain.Provider
	Tools       *tool.Registry
	Limiter     *RateLimiter // optional
	MaxTokens   int
	Temperature float64
	Logger      *slog.Logger
}

// Orchestrator runs the function-calling protocol against the provider.
type Orchestrator struct {
	provider    domain.Provider
	tools       *tool.Registry
	limiter     *RateLimiter
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		provider:    cfg.Provider,
		tools:       cfg.Tools,
		limiter:     cfg.Limiter,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      cfg.Logger,
	}
}

// Run asks the provider for an answer, executing requested tools and feeding
// their results back until a plain text reply arrives. It returns "" when the
// model keeps calling tools past MaxToolRounds.
func (o *Orchestrator) Run(ctx context.Context, transcript []domain.Message, call tool.Call) (string, error) {
	var defs []domain.ToolDefinition
	if o.tools != nil {
		defs = o.tools.Definitions()
	}
	messages := slices.Clone(transcript)

	for round := 1; round <= MaxToolRounds; round++ {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limit: %w", err)
			}
		}

		start := time.Now()
		resp, err := o.provider.Complete(ctx, domain.CompletionRequest{
			Messages:    messages,
			Tools:       defs,
			MaxTokens:   o.maxTokens,
			Temperature: o.temperature,
		})
		if err != nil {
			return "", fmt.Errorf("completion round %d: %w", round, err)
		}
		if resp == nil {
			return "", fmt.Errorf("completion round %d: empty response", round)
		}
		o.logger.Debug("completion received",
			"chat", call.Message.Chat.ID,
			"round", round,
			"tool_calls", len(resp.ToolCalls),
			"latency", time.Since(start),
		)

		if !resp.HasToolCalls() {
			metrics.ToolRounds.Observe(float64(round))
			return strings.TrimSpace(resp.Content), nil
		}

		messages = append(messages, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			c := call
			c.ID = tc.ID
			c.Transcript = slices.Clip(messages)
			result := o.execute(ctx, tc, c)
			messages = append(messages, domain.Message{
				Role:       domain.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}
	}

	metrics.ToolRounds.Observe(MaxToolRounds)
	o.logger.Warn("tool round limit reached", "chat", call.Message.Chat.ID, "rounds", MaxToolRounds)
	return "", nil
}

func (o *Orchestrator) execute(ctx context.Context, tc domain.ToolCall, call tool.Call) string {
	if o.tools == nil {
		return tool.NotFoundResult
	}
	return o.tools.Execute(ctx, tc.Name, tool.ParseArgs(tc.Arguments), call)
}
