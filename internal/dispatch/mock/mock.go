// Package mock provides a test double for dispatch.Dispatcher.
//
// By default Send returns Reply (or Err) immediately. Set Hold to make every
// call block until the test releases it with Respond, which lets tests observe
// the session while a turn is in flight.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicetutor/internal/dispatch"
)

type result struct {
	reply string
	err   error
}

// Dispatcher is a mock implementation of dispatch.Dispatcher.
type Dispatcher struct {
	mu sync.Mutex

	// Reply is returned by Send when Hold is false.
	Reply string

	// Err, if non-nil, is returned by Send when Hold is false.
	Err error

	// Hold makes Send block until Respond is called or ctx is done.
	Hold bool

	requests []dispatch.Request
	pending  []chan result
	waiting  chan struct{}
}

// Send records the request and returns the configured result.
func (d *Dispatcher) Send(ctx context.Context, req dispatch.Request) (string, error) {
	d.mu.Lock()
	req.History = append([]dispatch.Turn(nil), req.History...)
	d.requests = append(d.requests, req)
	if !d.Hold {
		reply, err := d.Reply, d.Err
		d.mu.Unlock()
		return reply, err
	}
	ch := make(chan result, 1)
	d.pending = append(d.pending, ch)
	if d.waiting != nil {
		close(d.waiting)
		d.waiting = nil
	}
	d.mu.Unlock()

	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		d.mu.Lock()
		for i, p := range d.pending {
			if p == ch {
				d.pending = append(d.pending[:i], d.pending[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
		return "", ctx.Err()
	}
}

// Respond completes the oldest held call. It reports false when no call is
// waiting.
func (d *Dispatcher) Respond(reply string, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return false
	}
	ch := d.pending[0]
	d.pending = d.pending[1:]
	ch <- result{reply: reply, err: err}
	return true
}

// Waiting returns a channel closed once at least one held call is pending.
func (d *Dispatcher) Waiting() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	if len(d.pending) > 0 {
		close(ch)
		return ch
	}
	d.waiting = ch
	return ch
}

// Requests returns a copy of every request received.
func (d *Dispatcher) Requests() []dispatch.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]dispatch.Request, len(d.requests))
	copy(out, d.requests)
	return out
}

// Reset clears recorded requests.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = nil
}

var _ dispatch.Dispatcher = (*Dispatcher)(nil)
