// Package mock is a scriptable [tts.Provider] for tests.
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/voicetutor/pkg/provider/tts"
)

// SynthesizeStreamCall is one recorded synthesis stream.
type SynthesizeStreamCall struct {
	Ctx   context.Context
	Voice tts.VoiceProfile

	// Text is every fragment the stream received, joined. It is complete
	// once the caller has closed its text channel.
	Text string
}

// Provider streams SynthesizeChunks for every request.
type Provider struct {
	SynthesizeChunks [][]byte
	SynthesizeErr    error

	// StreamErr is reported by each stream after its chunks, as if
	// synthesis broke off mid-reply.
	StreamErr error

	// Block keeps each audio stream open after its chunks until Block is
	// closed or the stream context ends.
	Block chan struct{}

	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	mu      sync.Mutex
	calls   []*SynthesizeStreamCall
	lookups int
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream implements [tts.Provider].
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Stream, error) {
	call := &SynthesizeStreamCall{Ctx: ctx, Voice: voice}
	p.mu.Lock()
	p.calls = append(p.calls, call)
	err, chunks, block := p.SynthesizeErr, slices.Clone(p.SynthesizeChunks), p.Block
	streamErr := p.StreamErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	go func() {
		var sb strings.Builder
		for frag := range text {
			sb.WriteString(frag)
			p.mu.Lock()
			call.Text = sb.String()
			p.mu.Unlock()
		}
	}()

	s := &Stream{audio: make(chan []byte, len(chunks))}
	go func() {
		defer close(s.audio)
		for _, c := range chunks {
			select {
			case s.audio <- c:
			case <-ctx.Done():
				return
			}
		}
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return
			}
		}
		s.err = streamErr
	}()
	return s, nil
}

// Stream is the [tts.Stream] handed out by [Provider].
type Stream struct {
	audio chan []byte
	err   error // written before audio closes
}

func (s *Stream) Audio() <-chan []byte { return s.audio }
func (s *Stream) Err() error           { return s.err }

// ListVoices implements [tts.Provider].
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns snapshots of the synthesis streams so far.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.calls))
	for i, c := range p.calls {
		out[i] = *c
	}
	return out
}

// VoiceLookups is the number of ListVoices calls.
func (p *Provider) VoiceLookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookups
}
