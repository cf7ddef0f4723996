// Package llmtutor answers students directly from a language model. It is the
// fallback tutor used when the tutoring service is unreachable, and follows
// the same Socratic rules: guide with questions, never hand over the answer.
package llmtutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/MrWong99/voicetutor/internal/dispatch"
	"github.com/MrWong99/voicetutor/pkg/provider/llm"
)

const (
	backendName = "llmtutor"

	// DefaultHistoryTurns is how many prior turns are sent to the model.
	DefaultHistoryTurns = 10

	defaultMaxTokens   = 300
	defaultTemperature = 0.7
)

var systemPrompt = template.Must(template.New("system").Parse(
	`You are a Socratic tutor talking with a student by voice{{if .Subject}} about the subject "{{.Subject}}"{{end}}.

Rules:
1. Never give the final answer outright. Guide the student to it with one or two questions at a time.
2. Break hard ideas into small steps and check understanding before moving on.
3. Be warm and encouraging but rigorous.
4. Your reply is read aloud. Keep it under about 80 words, use plain sentences, and do not use markdown, lists, code blocks, or emoji.
5. If the question is unrelated to studying, gently steer back to the subject.`))

// Option configures a Tutor.
type Option func(*Tutor)

// WithHistoryTurns limits how many prior turns are included. Zero or negative
// sends the full history.
func WithHistoryTurns(n int) Option {
	return func(t *Tutor) { t.historyTurns = n }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option {
	return func(t *Tutor) { t.maxTokens = n }
}

// WithSubjectNames maps subject IDs to the names used in the prompt.
func WithSubjectNames(names map[string]string) Option {
	return func(t *Tutor) { t.subjects = names }
}

// Tutor is a dispatch.Dispatcher backed by an llm.Provider.
type Tutor struct {
	provider     llm.Provider
	historyTurns int
	maxTokens    int
	subjects     map[string]string
}

var _ dispatch.Dispatcher = (*Tutor)(nil)

// New returns a Tutor using p.
func New(p llm.Provider, opts ...Option) *Tutor {
	t := &Tutor{
		provider:     p,
		historyTurns: DefaultHistoryTurns,
		maxTokens:    defaultMaxTokens,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Send implements dispatch.Dispatcher.
func (t *Tutor) Send(ctx context.Context, req dispatch.Request) (string, error) {
	prompt, err := t.prompt(req.SubjectID)
	if err != nil {
		return "", &dispatch.Error{Category: dispatch.CategoryBackend, Backend: backendName, Err: err}
	}

	resp, err := t.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages:     t.messages(req),
		Temperature:  defaultTemperature,
		MaxTokens:    t.maxTokens,
	})
	if err != nil {
		if cerr := dispatch.ContextError(ctx, backendName); cerr != nil {
			return "", cerr
		}
		cat := dispatch.CategoryBackend
		switch {
		case errors.Is(err, llm.ErrRateLimited):
			cat = dispatch.CategoryRateLimited
		case errors.Is(err, context.DeadlineExceeded):
			cat = dispatch.CategoryTimeout
		}
		return "", &dispatch.Error{Category: cat, Backend: backendName, Err: err}
	}
	if resp == nil {
		return dispatch.FallbackReply, nil
	}
	return dispatch.ReplyOrFallback(resp.Content), nil
}

func (t *Tutor) prompt(subjectID string) (string, error) {
	name := subjectID
	if n, ok := t.subjects[subjectID]; ok && n != "" {
		name = n
	}
	var b strings.Builder
	if err := systemPrompt.Execute(&b, struct{ Subject string }{name}); err != nil {
		return "", fmt.Errorf("llmtutor: render prompt: %w", err)
	}
	return b.String(), nil
}

func (t *Tutor) messages(req dispatch.Request) []llm.Message {
	history := req.History
	if t.historyTurns > 0 && len(history) > t.historyTurns {
		history = history[len(history)-t.historyTurns:]
	}
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, turn := range history {
		role := llm.RoleUser
		if turn.Role == dispatch.RoleTutor {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: turn.Text})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Query})
}
