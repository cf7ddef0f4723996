package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/MrWong99/voicetutor"

type sessionKey struct{}

// sessionTag identifies the tutoring session a context belongs to.
type sessionTag struct {
	sessionID string
	studentID string
}

// WithSession tags ctx with a session and student. Spans started from the
// returned context carry both IDs, and [Logger] adds them to every record.
func WithSession(ctx context.Context, sessionID, studentID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionTag{sessionID: sessionID, studentID: studentID})
}

// SessionID returns the session ctx was tagged with, or "".
func SessionID(ctx context.Context) string {
	tag, _ := ctx.Value(sessionKey{}).(sessionTag)
	return tag.sessionID
}

// StartSpan opens a span on the global tracer provider. Session tags in ctx
// become span attributes. End it with [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tag, ok := ctx.Value(sessionKey{}).(sessionTag); ok {
		opts = append(opts, trace.WithAttributes(
			attribute.String("session_id", tag.sessionID),
			attribute.String("student_id", tag.studentID),
		))
	}
	return otel.Tracer(scopeName).Start(ctx, name, opts...)
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID is the hex trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default with whatever ctx knows about: the session
// tag and the active trace and span.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if tag, ok := ctx.Value(sessionKey{}).(sessionTag); ok {
		attrs = append(attrs, "session_id", tag.sessionID, "student_id", tag.studentID)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
