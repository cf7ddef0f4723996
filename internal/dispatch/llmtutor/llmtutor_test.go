package llmtutor_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicetutor/internal/dispatch"
	"github.com/MrWong99/voicetutor/internal/dispatch/llmtutor"
	"github.com/MrWong99/voicetutor/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicetutor/pkg/provider/llm/mock"
)

func TestSend_BuildsSocraticRequest(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "What do you think repeats in a loop?"}}
	tutor := llmtutor.New(p, llmtutor.WithSubjectNames(map[string]string{"cs101": "Intro to Programming"}))

	reply, err := tutor.Send(context.Background(), dispatch.Request{
		History: []dispatch.Turn{
			{Role: dispatch.RoleUser, Text: "hello"},
			{Role: dispatch.RoleTutor, Text: "Hi! What are we studying?"},
		},
		Query:     "explain loops",
		SubjectID: "cs101",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "What do you think repeats in a loop?" {
		t.Errorf("reply = %q", reply)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	req := calls[0].Req
	if !strings.Contains(req.SystemPrompt, `"Intro to Programming"`) {
		t.Errorf("system prompt missing subject name:\n%s", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "Never give the final answer") {
		t.Errorf("system prompt missing Socratic rule")
	}
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "Hi! What are we studying?"},
		{Role: llm.RoleUser, Content: "explain loops"},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("messages = %+v", req.Messages)
	}
	for i := range want {
		if req.Messages[i] != want[i] {
			t.Errorf("message[%d] = %+v, want %+v", i, req.Messages[i], want[i])
		}
	}
}

func TestSend_TrimsHistory(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	tutor := llmtutor.New(p, llmtutor.WithHistoryTurns(2))

	var history []dispatch.Turn
	for i := range 6 {
		history = append(history, dispatch.Turn{Role: dispatch.RoleUser, Text: fmt.Sprintf("turn %d", i)})
	}
	if _, err := tutor.Send(context.Background(), dispatch.Request{History: history, Query: "now"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := p.Calls()[0].Req.Messages
	if len(msgs) != 3 || msgs[0].Content != "turn 4" || msgs[2].Content != "now" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSend_EmptyCompletionUsesFallback(t *testing.T) {
	t.Parallel()

	tutor := llmtutor.New(&llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  \n"}})
	reply, err := tutor.Send(context.Background(), dispatch.Request{Query: "q"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != dispatch.FallbackReply {
		t.Errorf("reply = %q, want fallback", reply)
	}
}

func TestSend_ErrorCategories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want dispatch.Category
	}{
		{name: "rate limited", err: fmt.Errorf("openai: %w", llm.ErrRateLimited), want: dispatch.CategoryRateLimited},
		{name: "other", err: errors.New("model overloaded"), want: dispatch.CategoryBackend},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tutor := llmtutor.New(&llmmock.Provider{CompleteErr: tc.err})
			_, err := tutor.Send(context.Background(), dispatch.Request{Query: "q"})
			if got := dispatch.CategoryOf(err); got != tc.want {
				t.Errorf("category = %v, want %v", got, tc.want)
			}
			if !errors.Is(err, tc.err) {
				t.Errorf("error does not wrap provider error: %v", err)
			}
		})
	}
}

func TestSend_DeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	tutor := llmtutor.New(&llmmock.Provider{WaitForCancel: true})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tutor.Send(ctx, dispatch.Request{Query: "q"})
	if got := dispatch.CategoryOf(err); got != dispatch.CategoryTimeout {
		t.Errorf("category = %v, want timeout (err: %v)", got, err)
	}
}
