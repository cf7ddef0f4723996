package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/voicetutor/pkg/provider/llm"
)

func TestMessage(t *testing.T) {
	tests := []struct {
		role    string
		wantErr bool
	}{
		{role: llm.RoleSystem},
		{role: llm.RoleUser},
		{role: llm.RoleAssistant},
		{role: "tool", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			m, err := message(llm.Message{Role: tt.role, Content: "text"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			set := map[string]bool{
				llm.RoleSystem:    m.OfSystem != nil,
				llm.RoleUser:      m.OfUser != nil,
				llm.RoleAssistant: m.OfAssistant != nil,
			}
			for role, ok := range set {
				if ok != (role == tt.role) {
					t.Errorf("variant %s set = %v", role, ok)
				}
			}
		})
	}
}

func TestParams(t *testing.T) {
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params, err := p.params(llm.CompletionRequest{
		SystemPrompt: "Guide, don't answer.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "What is a variable?"},
			{Role: llm.RoleAssistant, Content: "What do you think it stores?"},
			{Role: llm.RoleUser, Content: "A value?"},
		},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(params.Messages) != 4 || params.Messages[0].OfSystem == nil {
		t.Fatalf("want system prompt plus 3 turns, got %d messages", len(params.Messages))
	}
	if params.Temperature.Value != 0.7 || params.MaxCompletionTokens.Value != 256 {
		t.Errorf("sampling = %v / %v", params.Temperature.Value, params.MaxCompletionTokens.Value)
	}

	_, err = p.params(llm.CompletionRequest{Messages: []llm.Message{{Role: "function"}}})
	if err == nil {
		t.Error("expected an error for an unknown role")
	}
}

// chatServer answers /v1/chat/completions with status once the request body
// names the expected model.
func chatServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Model    string            `json:"model"`
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Model != "gpt-4o-mini" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"try later","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 0, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "What do you think a loop does?"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		wantContent string
		wantRate    bool
		wantErr     bool
	}{
		{name: "ok", status: http.StatusOK, wantContent: "What do you think a loop does?"},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: true, wantRate: true},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}
	req := llm.CompletionRequest{
		SystemPrompt: "Tutor.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "explain loops"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.status)
			p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"), WithOrganization("org-1"))
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			resp, err := p.Complete(context.Background(), req)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				if got := errors.Is(err, llm.ErrRateLimited); got != tt.wantRate {
					t.Errorf("rate limited = %v, want %v (%v)", got, tt.wantRate, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Content != tt.wantContent {
				t.Errorf("content = %q", resp.Content)
			}
			if resp.Usage != (llm.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20}) {
				t.Errorf("usage = %+v", resp.Usage)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	for _, tt := range []struct{ key, model string }{{"", "gpt-4o"}, {"sk", ""}} {
		if _, err := New(tt.key, tt.model); err == nil {
			t.Errorf("New(%q, %q) should fail", tt.key, tt.model)
		}
	}
}
