// Package capture defines the single-attempt speech capture contract the voice
// loop drives.
//
// A Driver starts one recognition attempt at a time. Each attempt emits zero or
// more interim callbacks, at most one final callback, at most one error
// callback, and then always exactly one end-of-attempt callback. Attempts are
// re-armed manually by the caller; a Driver never restarts on its own.
//
// Drivers report failures as an [Error] carrying a code and a human-readable
// detail. Whether a code is worth retrying is decided by the caller through a
// [Classifier], never by the driver.
package capture

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by Start when no speech capture capability exists
// in this environment (no microphone stream, no recognizer configured).
var ErrUnsupported = errors.New("capture: speech recognition not supported")

// Config is the recognition configuration surface.
type Config struct {
	// Language is the BCP-47 recognition language (e.g., "en-US").
	Language string

	// InterimResults enables OnInterim callbacks.
	InterimResults bool

	// Continuous keeps recognizing after the first final result. The voice
	// loop always uses single-attempt mode and re-arms manually.
	Continuous bool

	// MaxAlternatives is the number of recognition hypotheses requested.
	MaxAlternatives int
}

// DefaultConfig returns the configuration the tutoring loop uses.
func DefaultConfig() Config {
	return Config{
		Language:        "en-US",
		InterimResults:  true,
		Continuous:      false,
		MaxAlternatives: 1,
	}
}

// Listener receives the callbacks of one attempt. Nil fields are skipped.
// Callbacks may be invoked from any goroutine but never concurrently with each
// other for the same attempt.
type Listener struct {
	// OnInterim delivers provisional text that may still change.
	OnInterim func(text string)

	// OnFinal delivers the committed text of the attempt. Called at most once.
	OnFinal func(text string)

	// OnError reports why the attempt failed. Called at most once, before
	// OnEnd.
	OnError func(err *Error)

	// OnEnd fires exactly once when the attempt is over, whatever the outcome.
	OnEnd func()
}

// Attempt is a running recognition attempt.
type Attempt interface {
	// Abort stops the attempt. OnEnd fires promptly if it has not already.
	// Safe to call more than once and after the attempt has ended.
	Abort()
}

// Driver wraps a speech-to-text capability.
type Driver interface {
	// Start begins one recognition attempt. ctx bounds the setup only; the
	// attempt runs until it ends on its own or is aborted.
	//
	// A non-nil error means no attempt was started and no callbacks will fire.
	Start(ctx context.Context, cfg Config, l Listener) (Attempt, error)
}
