// Package mock provides a scriptable test double for capture.Driver.
//
// Each Start call creates an Attempt that the test drives by hand:
//
//	d := &mock.Driver{}
//	d.OnStart = func(a *mock.Attempt) {
//	    a.Interim("explain")
//	    a.Final("explain loops")
//	    a.End()
//	}
//
// Leaving OnStart nil keeps attempts open until the test calls the Attempt
// methods itself (see Driver.Last) or the caller aborts them.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicetutor/pkg/provider/capture"
)

// Driver is a mock implementation of capture.Driver.
type Driver struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start and no attempt is created.
	StartErr error

	// OnStart, if non-nil, is invoked synchronously with every new attempt
	// before Start returns.
	OnStart func(a *Attempt)

	attempts []*Attempt
}

// Start records the attempt and runs OnStart.
func (d *Driver) Start(_ context.Context, cfg capture.Config, l capture.Listener) (capture.Attempt, error) {
	d.mu.Lock()
	if d.StartErr != nil {
		err := d.StartErr
		d.mu.Unlock()
		return nil, err
	}
	a := &Attempt{Config: cfg, listener: l}
	d.attempts = append(d.attempts, a)
	hook := d.OnStart
	d.mu.Unlock()

	if hook != nil {
		hook(a)
	}
	return a, nil
}

// Attempts returns every attempt started so far, oldest first.
func (d *Driver) Attempts() []*Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Attempt, len(d.attempts))
	copy(out, d.attempts)
	return out
}

// StartCount returns the number of successful Start calls.
func (d *Driver) StartCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

// Last returns the most recent attempt, or nil.
func (d *Driver) Last() *Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.attempts) == 0 {
		return nil
	}
	return d.attempts[len(d.attempts)-1]
}

// Active reports whether any attempt has started and not yet ended.
func (d *Driver) Active() bool {
	for _, a := range d.Attempts() {
		if !a.Ended() {
			return true
		}
	}
	return false
}

// Ensure Driver implements capture.Driver at compile time.
var _ capture.Driver = (*Driver)(nil)

// Attempt is one scripted recognition attempt.
type Attempt struct {
	// Config is the configuration passed to Start.
	Config capture.Config

	mu       sync.Mutex
	listener capture.Listener
	ended    bool
	aborted  bool
}

// Interim delivers an interim result unless the attempt has ended.
func (a *Attempt) Interim(text string) {
	a.mu.Lock()
	ended, cb := a.ended, a.listener.OnInterim
	a.mu.Unlock()
	if !ended && cb != nil {
		cb(text)
	}
}

// Final delivers the final result unless the attempt has ended.
func (a *Attempt) Final(text string) {
	a.mu.Lock()
	ended, cb := a.ended, a.listener.OnFinal
	a.mu.Unlock()
	if !ended && cb != nil {
		cb(text)
	}
}

// Fail delivers an error unless the attempt has ended.
func (a *Attempt) Fail(code, detail string) {
	a.mu.Lock()
	ended, cb := a.ended, a.listener.OnError
	a.mu.Unlock()
	if !ended && cb != nil {
		cb(capture.NewError(code, detail))
	}
}

// End fires the end-of-attempt callback once.
func (a *Attempt) End() {
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return
	}
	a.ended = true
	onEnd := a.listener.OnEnd
	a.mu.Unlock()
	if onEnd != nil {
		onEnd()
	}
}

// Abort implements capture.Attempt.
func (a *Attempt) Abort() {
	a.mu.Lock()
	a.aborted = true
	a.mu.Unlock()
	a.End()
}

// Ended reports whether OnEnd has fired.
func (a *Attempt) Ended() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ended
}

// Aborted reports whether Abort was called.
func (a *Attempt) Aborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aborted
}
