// Package mock holds scriptable stand-ins for [stt.Provider] and
// [stt.SessionHandle].
//
//	sess := mock.NewSession()
//	sess.Say("what is a noun")
//	capture := streaming.New(&mock.Provider{Session: sess}, src)
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voicetutor/pkg/provider/stt"
)

// StartStreamCall is one recorded StartStream invocation.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider hands out Session (or a fresh one per call when nil).
type Provider struct {
	Session        stt.SessionHandle
	StartStreamErr error

	mu               sync.Mutex
	StartStreamCalls []StartStreamCall
}

var _ stt.Provider = (*Provider)(nil)

// StartStream implements [stt.Provider].
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	switch {
	case p.StartStreamErr != nil:
		return nil, p.StartStreamErr
	case p.Session != nil:
		return p.Session, nil
	}
	return NewSession(), nil
}

// CallCount is the number of StartStream calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Session is a fake recognition stream. Tests script it through the
// channels or [Session.Hear] and [Session.Say], and end it with
// [Session.End] to play a provider hang-up.
type Session struct {
	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// SendAudioErr fails every SendAudio; CloseErr is returned by Close.
	SendAudioErr error
	CloseErr     error

	mu             sync.Mutex
	SendAudioCalls [][]byte
	closes         int
	ended          bool
	err            error
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session whose channels buffer 16 transcripts each.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

// Hear queues an interim transcript.
func (s *Session) Hear(text string) { s.PartialsCh <- stt.Transcript{Text: text} }

// Say queues a final transcript that ends the student's speech.
func (s *Session) Say(text string) {
	s.FinalsCh <- stt.Transcript{Text: text, IsFinal: true, EndOfSpeech: true}
}

// Segment queues a final transcript for part of a longer question.
func (s *Session) Segment(text string) { s.FinalsCh <- stt.Transcript{Text: text, IsFinal: true} }

// Pause queues the textless end-of-speech marker some recognizers send after
// the last segment.
func (s *Session) Pause() { s.FinalsCh <- stt.Transcript{IsFinal: true, EndOfSpeech: true} }

// SendAudio keeps a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return stt.ErrSessionClosed
	}
	s.SendAudioCalls = append(s.SendAudioCalls, slices.Clone(chunk))
	return s.SendAudioErr
}

// SendAudioCallCount is the number of chunks received.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }
func (s *Session) Finals() <-chan stt.Transcript   { return s.FinalsCh }

// Err returns what End was called with.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// End closes both channels with err as the stream's final error. Repeat
// calls do nothing.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended, s.err = true, err
	close(s.PartialsCh)
	close(s.FinalsCh)
}

// Close ends the stream cleanly.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.End(nil)
	return s.CloseErr
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}
