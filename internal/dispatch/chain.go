package dispatch

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicetutor/internal/observe"
	"github.com/MrWong99/voicetutor/internal/resilience"
)

// haltError marks a failure caused by the caller's context. It ends failover
// and is not held against the backend's circuit breaker.
type haltError struct{ err error }

func (h *haltError) Error() string { return h.err.Error() }
func (h *haltError) Unwrap() error { return h.err }

func isHalt(err error) bool {
	var h *haltError
	return errors.As(err, &h)
}

type backend struct {
	name string
	d    Dispatcher
}

// ChainOption configures a [Chain].
type ChainOption func(*Chain)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// Chain is a [Dispatcher] that tries a primary tutor and then each fallback in
// order, each behind its own circuit breaker. Rate-limit and timeout failures
// fall through to the next backend like any other; a cancelled or expired
// turn context stops the chain immediately.
//
// When every backend fails, the surfaced error carries the most severe
// category seen, so a rate-limited primary is reported as rate limited even
// if the fallback merely failed.
type Chain struct {
	group   *resilience.FallbackGroup[backend]
	metrics *observe.Metrics
}

var _ Dispatcher = (*Chain)(nil)

// NewChain creates a Chain with primary as the preferred backend. The breaker
// settings in cfg apply to every backend.
func NewChain(primaryName string, primary Dispatcher, cfg resilience.CircuitBreakerConfig, opts ...ChainOption) *Chain {
	c := &Chain{}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	inner := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to resilience.State) {
		c.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		if inner != nil {
			inner(name, from, to)
		}
	}
	c.group = resilience.NewFallbackGroup(backend{name: primaryName, d: primary}, primaryName, resilience.FallbackConfig{
		CircuitBreaker: cfg,
		Halt:           isHalt,
	})
	return c
}

// Add registers a fallback backend.
func (c *Chain) Add(name string, d Dispatcher) {
	c.group.AddFallback(name, backend{name: name, d: d})
}

// Send implements [Dispatcher].
func (c *Chain) Send(ctx context.Context, req Request) (string, error) {
	ctx, span := observe.StartSpan(ctx, "dispatch.send",
		trace.WithAttributes(
			attribute.String("subject_id", req.SubjectID),
			attribute.Int("history_len", len(req.History)),
		),
	)

	reply, err := resilience.ExecuteWithResult(c.group, func(b backend) (string, error) {
		if ctx.Err() != nil {
			return "", &haltError{err: ContextError(ctx, b.name)}
		}
		reply, err := b.d.Send(ctx, req)
		if err != nil {
			c.metrics.RecordDispatchRequest(ctx, b.name, "error")
			if ctx.Err() != nil {
				return "", &haltError{err: ContextError(ctx, b.name)}
			}
			observe.Logger(ctx).Warn("dispatch: backend failed", "backend", b.name, "category", CategoryOf(err).String(), "err", err)
			return "", err
		}
		c.metrics.RecordDispatchRequest(ctx, b.name, "ok")
		span.SetAttributes(attribute.String("backend", b.name))
		return reply, nil
	})
	if err != nil {
		err = surface(err)
		observe.EndSpan(span, err)
		return "", err
	}
	observe.EndSpan(span, nil)
	return ReplyOrFallback(reply), nil
}

// surface reduces a chain failure to the single error the caller sees.
func surface(err error) error {
	var h *haltError
	if errors.As(err, &h) {
		return h.err
	}
	var all *resilience.AllFailedError
	if !errors.As(err, &all) {
		return err
	}

	worst := &Error{Category: CategoryBackend, Err: err}
	found := false
	for _, e := range all.Errs {
		cat := CategoryOf(e)
		if found && cat.severity() <= worst.Category.severity() {
			continue
		}
		found = true
		worst = &Error{Category: cat, Err: err}
		var de *Error
		if errors.As(e, &de) {
			worst.Backend = de.Backend
			worst.Status = de.Status
		}
	}
	return worst
}
