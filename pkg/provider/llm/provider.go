// Package llm is the language model seam. The tutor falls back to a model
// when the tutoring service cannot answer; each vendor SDK lives in its own
// subpackage behind [Provider].
package llm

import (
	"context"
	"errors"
)

// ErrRateLimited is wrapped by providers whose backend refused a request for
// rate or quota reasons.
var ErrRateLimited = errors.New("llm: rate limited")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    string // RoleUser or RoleAssistant; system text goes in SystemPrompt
	Content string
}

// CompletionRequest asks for the next assistant turn. Zero Temperature and
// MaxTokens keep the backend's defaults.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
}

// Usage is the backend's token accounting, when it reports one.
type Usage struct {
	PromptTokens, CompletionTokens, TotalTokens int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider completes a conversation. Implementations are safe for concurrent
// use and return promptly once ctx ends.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
