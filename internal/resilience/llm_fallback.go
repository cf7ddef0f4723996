package resilience

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voicetutor/pkg/provider/llm"
)

type namedLLM struct {
	name string
	llm.Provider
}

// LLMFallback is an [llm.Provider] that fails over across model backends,
// each behind its own breaker. It keeps the LLM tutor answering when one
// vendor is down or out of quota.
type LLMFallback struct {
	group *FallbackGroup[namedLLM]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns a chain that prefers primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(namedLLM{primaryName, primary}, primaryName, cfg)}
}

// AddFallback appends a backend tried after all earlier ones.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, namedLLM{name, p})
}

// Complete asks each backend in turn. If every backend fails and any of them
// was rate limited, the error matches llm.ErrRateLimited.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(b namedLLM) (*llm.CompletionResponse, error) {
		resp, err := b.Complete(ctx, req)
		if err == nil {
			slog.Debug("llm fallback: answered", "backend", b.name, "tokens", resp.Usage.TotalTokens)
		}
		return resp, err
	})
}
