package web

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicetutor/pkg/audio"
)

// defaultPlayoutLead is how far ahead of the client's playback the sink may
// send audio. It covers network jitter without letting a whole reply pile up
// in the browser where Clear cannot reach it.
const defaultPlayoutLead = 200 * time.Millisecond

// socketSink is the [audio.Sink] that carries synthesized speech to the
// client as binary frames.
//
// The client plays audio in real time while TTS produces it much faster, so
// the sink keeps a playhead: the moment the client will have played
// everything sent so far. Play holds each chunk back until it is within the
// lead of the playhead, and Drain waits for the playhead itself. A reply is
// therefore only finished once the student has heard it.
type socketSink struct {
	format   audio.Format
	encoding audio.Encoding
	out      chan []byte
	lead     time.Duration

	// notify is called after Clear so the client can drop what it buffered.
	notify func()

	mu       sync.Mutex
	playhead time.Time
	cleared  chan struct{} // closed and replaced by Clear

	closed chan struct{}
	once   sync.Once
}

func newSocketSink(f audio.Format, enc audio.Encoding, depth int, notify func()) *socketSink {
	return &socketSink{
		format:   f,
		encoding: enc,
		out:      make(chan []byte, depth),
		lead:     defaultPlayoutLead,
		notify:   notify,
		cleared:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Play implements [audio.Sink].
func (s *socketSink) Play(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.mu.Lock()
	now := time.Now()
	if s.playhead.Before(now) {
		s.playhead = now
	}
	starts := s.playhead
	s.playhead = starts.Add(s.format.Duration(len(chunk)))
	cleared := s.cleared
	s.mu.Unlock()

	if err := s.until(ctx, starts.Add(-s.lead), cleared); err != nil {
		return err
	}

	frame := s.encoding.Encode(chunk)
	select {
	case s.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return context.Canceled
	}
}

// Drain implements [audio.Drainer].
func (s *socketSink) Drain(ctx context.Context) error {
	s.mu.Lock()
	end, cleared := s.playhead, s.cleared
	s.mu.Unlock()
	return s.until(ctx, end, cleared)
}

// until sleeps to t. A Clear in between ends the wait early with
// context.Canceled.
func (s *socketSink) until(ctx context.Context, t time.Time, cleared <-chan struct{}) error {
	wait := time.Until(t)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-cleared:
		return context.Canceled
	case <-s.closed:
		return context.Canceled
	}
}

// Clear implements [audio.Sink].
func (s *socketSink) Clear() {
	s.mu.Lock()
	s.playhead = time.Time{}
	close(s.cleared)
	s.cleared = make(chan struct{})
	s.mu.Unlock()

	for len(s.out) > 0 {
		select {
		case <-s.out:
		default:
		}
	}
	if s.notify != nil {
		s.notify()
	}
}

// Format implements [audio.Sink].
func (s *socketSink) Format() audio.Format { return s.format }

// Frames is read by the connection writer.
func (s *socketSink) Frames() <-chan []byte { return s.out }

func (s *socketSink) close() {
	s.once.Do(func() { close(s.closed) })
}

var (
	_ audio.Sink    = (*socketSink)(nil)
	_ audio.Drainer = (*socketSink)(nil)
)
