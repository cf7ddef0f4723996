// Package mock is a scriptable [llm.Provider] for tests.
//
//	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "What do you think a loop does?"}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicetutor/pkg/provider/llm"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider returns canned completions and records what it was asked.
// Configure the exported fields before first use.
type Provider struct {
	// Replies are handed out one per call, in order. Once exhausted,
	// CompleteResponse answers.
	Replies []string

	// CompleteResponse answers when Replies is empty. Nil means an empty
	// completion.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr fails every call.
	CompleteErr error

	// WaitForCancel blocks each call until ctx ends, then returns ctx.Err().
	WaitForCancel bool

	mu    sync.Mutex
	calls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Ctx: ctx, Req: req})
	resp := p.CompleteResponse
	if len(p.Replies) > 0 {
		resp = &llm.CompletionResponse{Content: p.Replies[0]}
		p.Replies = p.Replies[1:]
	}
	p.mu.Unlock()

	switch {
	case p.WaitForCancel:
		<-ctx.Done()
		return nil, ctx.Err()
	case p.CompleteErr != nil:
		return nil, p.CompleteErr
	case resp == nil:
		return &llm.CompletionResponse{}, nil
	}
	return resp, nil
}

// Calls returns the calls so far, oldest first.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.calls...)
}
