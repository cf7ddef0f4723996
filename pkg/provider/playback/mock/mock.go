// Package mock provides a scriptable playback.Driver for tests.
//
// Speech never completes on its own: tests call Finish to simulate the end of
// playback (or a playback error), mirroring how a real synthesizer reports
// completion asynchronously.
package mock

import (
	"sync"

	"github.com/MrWong99/voicetutor/pkg/provider/playback"
)

// SpeakCall records a single invocation of Speak.
type SpeakCall struct {
	Text    string
	Options playback.Options
}

// Driver is a mock implementation of playback.Driver.
type Driver struct {
	mu sync.Mutex

	// OnSpeak, if set, is called after every Speak is recorded, outside the
	// lock. It may call Finish to complete speech synchronously.
	OnSpeak func(text string)

	calls   []SpeakCall
	done    func(error)
	cancels int
}

// Speak records the call. Any speech still active completes with
// playback.ErrCancelled first.
func (d *Driver) Speak(text string, opts playback.Options, done func(error)) {
	d.mu.Lock()
	prev := d.done
	d.calls = append(d.calls, SpeakCall{Text: text, Options: opts})
	d.done = done
	hook := d.OnSpeak
	d.mu.Unlock()

	if prev != nil {
		prev(playback.ErrCancelled)
	}
	if hook != nil {
		hook(text)
	}
}

// Cancel completes active speech with playback.ErrCancelled.
func (d *Driver) Cancel() {
	d.mu.Lock()
	done := d.done
	d.done = nil
	d.cancels++
	d.mu.Unlock()
	if done != nil {
		done(playback.ErrCancelled)
	}
}

// Finish completes active speech with err. It reports false when nothing is
// speaking.
func (d *Driver) Finish(err error) bool {
	d.mu.Lock()
	done := d.done
	d.done = nil
	d.mu.Unlock()
	if done == nil {
		return false
	}
	done(err)
	return true
}

// Active reports whether speech is in progress.
func (d *Driver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done != nil
}

// Calls returns a copy of the recorded Speak calls.
func (d *Driver) Calls() []SpeakCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SpeakCall, len(d.calls))
	copy(out, d.calls)
	return out
}

// Spoken returns the text of every Speak call in order.
func (d *Driver) Spoken() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.Text
	}
	return out
}

// CancelCount returns how many times Cancel was called.
func (d *Driver) CancelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels
}

var _ playback.Driver = (*Driver)(nil)
