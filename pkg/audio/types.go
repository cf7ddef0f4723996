// Package audio holds the PCM plumbing shared by the capture and playback
// adapters: a microphone [Source], a speaker [Sink], the in-memory [Pipe] that
// connects a network transport to a capture attempt, and codec helpers.
//
// All audio is 16-bit little-endian signed PCM unless a function says
// otherwise.
package audio

import (
	"context"
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String renders f as e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}

// Duration is how long n bytes of 16-bit PCM in f take to play.
func (f Format) Duration(n int) time.Duration {
	bps := f.SampleRate * max(f.Channels, 1) * 2
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Source delivers microphone audio to a capture attempt.
//
// Frames returns the live chunk channel. It is closed when the source is closed.
// Flush discards anything buffered so far; callers invoke it at the start of a
// capture attempt so audio recorded while the session was speaking or idle is
// never transcribed.
type Source interface {
	Frames() <-chan []byte
	Format() Format
	Flush()
}

// Sink plays synthesized audio.
type Sink interface {
	// Play writes one chunk of PCM to the output device. It may block until
	// the device accepts the chunk and returns ctx.Err() when ctx is done.
	Play(ctx context.Context, chunk []byte) error

	// Clear drops any audio the sink has queued but not yet played.
	Clear()

	// Format is the PCM format the sink expects.
	Format() Format
}

// Drainer is implemented by sinks that play out in real time, where Play
// returns before the listener has heard the chunk.
type Drainer interface {
	// Drain blocks until everything handed to Play has been played, or
	// until ctx is done or the sink is cleared.
	Drain(ctx context.Context) error
}
