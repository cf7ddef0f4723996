// Package dispatch defines how a finished student utterance reaches a tutor
// and how the tutor's reply (or failure) comes back.
//
// A [Dispatcher] makes exactly one logical call per turn. It always returns
// non-empty reply text on success, substituting [FallbackReply] when the
// backend produced nothing usable, and reports failures as an [*Error] whose
// [Category] is all the voice loop looks at.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FallbackReply is spoken when a tutor answered without usable text.
const FallbackReply = "I could not generate a response. Please try again."

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleTutor Role = "model"
)

// Turn is one prior entry of the conversation, oldest first.
type Turn struct {
	Role Role
	Text string
}

// Request is everything a tutor needs to answer one utterance.
type Request struct {
	// History is a copy of the conversation before Query. Dispatchers must
	// treat it as read-only.
	History []Turn

	// Query is the finalized student utterance.
	Query string

	SubjectID string
	StudentID string
}

// Dispatcher sends a turn to a tutor. Implementations must be safe for
// concurrent use across sessions; a single session never has more than one
// call outstanding.
type Dispatcher interface {
	Send(ctx context.Context, req Request) (string, error)
}

// Category is the class of a dispatch failure.
type Category int

const (
	// CategoryBackend is a failure reported by the tutor service itself.
	CategoryBackend Category = iota

	// CategoryNetwork means the tutor service could not be reached.
	CategoryNetwork

	// CategoryTimeout means no reply arrived within the turn deadline.
	CategoryTimeout

	// CategoryRateLimited means the tutor service asked the caller to slow
	// down.
	CategoryRateLimited
)

// String returns the label used in logs and metrics.
func (c Category) String() string {
	switch c {
	case CategoryBackend:
		return "backend"
	case CategoryNetwork:
		return "network"
	case CategoryTimeout:
		return "timeout"
	case CategoryRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// severity ranks categories for surfacing one failure out of several. Higher
// wins; rate limiting is ranked first because it is the only category with
// advice the student can act on.
func (c Category) severity() int {
	switch c {
	case CategoryRateLimited:
		return 3
	case CategoryTimeout:
		return 2
	case CategoryNetwork:
		return 1
	default:
		return 0
	}
}

// Error is a categorized dispatch failure.
type Error struct {
	Category Category

	// Backend names the dispatcher that failed, if known.
	Backend string

	// Status is the HTTP status code, when the failure came from one.
	Status int

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("dispatch")
	if e.Backend != "" {
		b.WriteString(" " + e.Backend)
	}
	b.WriteString(": " + e.Category.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// CategoryOf classifies err. Errors that are not an [*Error] are treated as
// timeouts when they stem from a context deadline and as backend failures
// otherwise.
func CategoryOf(err error) Category {
	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryBackend
}

// ContextError converts a cancelled or expired ctx into a categorized error.
// It returns nil while ctx is still live.
func ContextError(ctx context.Context, backend string) error {
	switch {
	case ctx.Err() == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Error{Category: CategoryTimeout, Backend: backend, Err: ctx.Err()}
	default:
		return ctx.Err()
	}
}

// ReplyOrFallback returns reply unless it is blank, in which case it returns
// [FallbackReply].
func ReplyOrFallback(reply string) string {
	if strings.TrimSpace(reply) == "" {
		return FallbackReply
	}
	return reply
}
