// Package tutorapi is the HTTP client for the tutoring service's chat
// endpoint (POST /api/chat/query), which runs retrieval and a Socratic
// response strategy server-side.
package tutorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voicetutor/internal/dispatch"
	"github.com/MrWong99/voicetutor/internal/observe"
)

const (
	backendName           = "tutorapi"
	defaultMasteryScore   = 0.5
	defaultRequestTimeout = 25 * time.Second
	maxErrorBody          = 512
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithMasteryScore sets the mastery score sent with every query. Default: 0.5.
func WithMasteryScore(score float64) Option {
	return func(cl *Client) { cl.mastery = score }
}

// WithRequestTimeout bounds a single request, independent of the caller's
// turn deadline, so a slow service leaves time for a fallback tutor.
func WithRequestTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// Client talks to the tutoring service.
type Client struct {
	base       string
	httpClient *http.Client
	mastery    float64
	timeout    time.Duration
}

var _ dispatch.Dispatcher = (*Client)(nil)

// New returns a Client for the service at baseURL (e.g. "http://localhost:8000").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("tutorapi: base URL must not be empty")
	}
	c := &Client{
		base:       strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		mastery:    defaultMasteryScore,
		timeout:    defaultRequestTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type queryRequest struct {
	Query               string         `json:"query"`
	SubjectID           string         `json:"subject_id"`
	ConversationHistory []historyEntry `json:"conversation_history"`
	MasteryScore        float64        `json:"mastery_score"`
	StudentID           string         `json:"student_id,omitempty"`
}

// Source is a curriculum document the reply drew on.
type Source struct {
	Document  string  `json:"source_document"`
	Relevance float64 `json:"relevance"`
}

// Response is the decoded service reply.
type Response struct {
	Response   string   `json:"response"`
	Sources    []Source `json:"sources"`
	Intent     string   `json:"intent"`
	Confidence string   `json:"confidence"`
	Strategy   string   `json:"strategy"`
}

// Send implements dispatch.Dispatcher.
func (c *Client) Send(ctx context.Context, req dispatch.Request) (string, error) {
	resp, err := c.Query(ctx, req)
	if err != nil {
		return "", err
	}
	observe.Logger(ctx).Debug("tutorapi: reply received",
		"intent", resp.Intent,
		"strategy", resp.Strategy,
		"confidence", resp.Confidence,
		"sources", len(resp.Sources),
	)
	return dispatch.ReplyOrFallback(resp.Response), nil
}

// Query performs the request and returns the full decoded response. Failures
// are *dispatch.Error values.
func (c *Client) Query(ctx context.Context, req dispatch.Request) (*Response, error) {
	body, err := json.Marshal(buildRequest(req, c.mastery))
	if err != nil {
		return nil, &dispatch.Error{Category: dispatch.CategoryBackend, Backend: backendName, Err: err}
	}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.base+"/api/chat/query", bytes.NewReader(body))
	if err != nil {
		return nil, &dispatch.Error{Category: dispatch.CategoryBackend, Backend: backendName, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cat := dispatch.CategoryNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			cat = dispatch.CategoryTimeout
		}
		return nil, &dispatch.Error{Category: cat, Backend: backendName, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		cat := dispatch.CategoryBackend
		if httpResp.StatusCode == http.StatusTooManyRequests {
			cat = dispatch.CategoryRateLimited
		}
		return nil, &dispatch.Error{
			Category: cat,
			Backend:  backendName,
			Status:   httpResp.StatusCode,
			Err:      fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(snippet))),
		}
	}

	var out Response
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		cat := dispatch.CategoryBackend
		if errors.Is(err, context.DeadlineExceeded) {
			cat = dispatch.CategoryTimeout
		}
		return nil, &dispatch.Error{Category: cat, Backend: backendName, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

func buildRequest(req dispatch.Request, mastery float64) queryRequest {
	history := make([]historyEntry, 0, len(req.History))
	for _, t := range req.History {
		history = append(history, historyEntry{Role: string(t.Role), Content: t.Text})
	}
	return queryRequest{
		Query:               req.Query,
		SubjectID:           req.SubjectID,
		ConversationHistory: history,
		MasteryScore:        mastery,
		StudentID:           req.StudentID,
	}
}
