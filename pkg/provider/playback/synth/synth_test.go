package synth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicetutor/pkg/audio"
	"github.com/MrWong99/voicetutor/pkg/provider/playback"
	"github.com/MrWong99/voicetutor/pkg/provider/playback/synth"
	"github.com/MrWong99/voicetutor/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicetutor/pkg/provider/tts/mock"
)

type recordingSink struct {
	mu      sync.Mutex
	format  audio.Format
	chunks  [][]byte
	clears  int
	playErr error
}

func (s *recordingSink) Play(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playErr != nil {
		return s.playErr
	}
	s.chunks = append(s.chunks, chunk)
	return ctx.Err()
}

func (s *recordingSink) Clear() {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
}

func (s *recordingSink) Format() audio.Format { return s.format }

func (s *recordingSink) played() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

func (s *recordingSink) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// completion collects done callbacks and fails the test on a second call.
type completion struct {
	t  *testing.T
	ch chan error
}

func newCompletion(t *testing.T) *completion {
	return &completion{t: t, ch: make(chan error, 2)}
}

func (c *completion) done(err error) { c.ch <- err }

func (c *completion) wait() error {
	c.t.Helper()
	select {
	case err := <-c.ch:
		select {
		case <-c.ch:
			c.t.Fatal("done called more than once")
		case <-time.After(20 * time.Millisecond):
		}
		return err
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for completion")
		return nil
	}
}

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

func TestSpeak_PlaysAllChunksWithSelectedVoice(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{{1, 0, 2, 0}, {3, 0}},
		ListVoicesResult: []tts.VoiceProfile{
			{ID: "us", Name: "Google US English", Language: "en-US"},
			{ID: "gb", Name: "Google UK English Male", Language: "en-GB"},
		},
	}
	sink := &recordingSink{format: mono16k}
	d := synth.New(p, sink)

	c := newCompletion(t)
	d.Speak("Hello there.", playback.DefaultOptions(), c.done)
	if err := c.wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(sink.played()); got != 2 {
		t.Errorf("played %d chunks, want 2", got)
	}
	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 synthesis call, got %d", len(calls))
	}
	v := calls[0].Voice
	if v.ID != "gb" || v.Rate != 0.95 || v.Pitch != 1.0 {
		t.Errorf("unexpected voice %+v", v)
	}
}

func TestSpeak_VoiceLookupFailureUsesDefault(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{ListVoicesErr: errors.New("offline")}
	d := synth.New(p, &recordingSink{format: mono16k}, synth.WithDefaultVoice(tts.VoiceProfile{ID: "default"}))

	c := newCompletion(t)
	d.Speak("Hi.", playback.DefaultOptions(), c.done)
	if err := c.wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := p.Calls()[0].Voice
	if v.ID != "default" || v.Language != "en-GB" {
		t.Errorf("expected default voice with requested language, got %+v", v)
	}

	// A failed lookup is retried on the next utterance.
	c2 := newCompletion(t)
	d.Speak("Again.", playback.DefaultOptions(), c2.done)
	c2.wait()
	if n := p.VoiceLookups(); n != 2 {
		t.Errorf("ListVoices calls: got %d, want 2", n)
	}
}

func TestCancel_CompletesWithErrCancelled(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{{1, 0}},
		Block:            make(chan struct{}),
	}
	sink := &recordingSink{format: mono16k}
	d := synth.New(p, sink)

	c := newCompletion(t)
	d.Speak("A long explanation.", playback.DefaultOptions(), c.done)
	waitFor(t, func() bool { return len(sink.played()) == 1 })

	d.Cancel()
	if err := c.wait(); !errors.Is(err, playback.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
	if sink.clearCount() != 1 {
		t.Errorf("sink cleared %d times, want 1", sink.clearCount())
	}

	// Cancel with nothing playing is a no-op.
	d.Cancel()
	if sink.clearCount() != 1 {
		t.Errorf("idle Cancel cleared the sink")
	}
}

func TestSpeak_ReplacesCurrentSpeech(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	p := &ttsmock.Provider{Block: block}
	d := synth.New(p, &recordingSink{format: mono16k})

	first := newCompletion(t)
	d.Speak("first", playback.DefaultOptions(), first.done)
	waitFor(t, func() bool { return len(p.Calls()) == 1 })

	second := newCompletion(t)
	d.Speak("second", playback.DefaultOptions(), second.done)
	if err := first.wait(); !errors.Is(err, playback.ErrCancelled) {
		t.Errorf("first: expected ErrCancelled, got %v", err)
	}
	close(block)
	if err := second.wait(); err != nil {
		t.Errorf("second: unexpected error %v", err)
	}
}

func TestSpeak_Errors(t *testing.T) {
	t.Parallel()
	synthErr := errors.New("quota exceeded")
	playErr := errors.New("device gone")

	tests := []struct {
		name    string
		p       *ttsmock.Provider
		sink    *recordingSink
		wantErr error
	}{
		{
			name:    "synthesis start fails",
			p:       &ttsmock.Provider{SynthesizeErr: synthErr},
			sink:    &recordingSink{format: mono16k},
			wantErr: synthErr,
		},
		{
			name:    "synthesis breaks off",
			p:       &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 0}}, StreamErr: synthErr},
			sink:    &recordingSink{format: mono16k},
			wantErr: synthErr,
		},
		{
			name:    "sink fails",
			p:       &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 0}, {2, 0}}},
			sink:    &recordingSink{format: mono16k, playErr: playErr},
			wantErr: playErr,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := synth.New(tc.p, tc.sink)
			c := newCompletion(t)
			d.Speak("text", playback.DefaultOptions(), c.done)
			if err := c.wait(); !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestSpeak_ConvertsToSinkFormat(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 480)}} // 10ms at 24kHz mono
	sink := &recordingSink{format: audio.Format{SampleRate: 48000, Channels: 2}}
	d := synth.New(p, sink, synth.WithSourceFormat(audio.Format{SampleRate: 24000, Channels: 1}))

	c := newCompletion(t)
	d.Speak("text", playback.DefaultOptions(), c.done)
	if err := c.wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	played := sink.played()
	if len(played) != 1 || len(played[0]) != 1920 {
		t.Fatalf("expected one 1920-byte chunk, got %d chunks", len(played))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// drainingSink holds Drain until release is closed, like a speaker that is
// still playing buffered audio.
type drainingSink struct {
	recordingSink
	release chan struct{}
}

func (s *drainingSink) Drain(ctx context.Context) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSpeak_WaitsForSinkToDrain(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 0}, {2, 0}}}
	sink := &drainingSink{recordingSink: recordingSink{format: mono16k}, release: make(chan struct{})}
	d := synth.New(p, sink)

	c := newCompletion(t)
	d.Speak("Still talking.", playback.DefaultOptions(), c.done)
	waitFor(t, func() bool { return len(sink.played()) == 2 })

	select {
	case err := <-c.ch:
		t.Fatalf("completed with %v while the sink was still playing", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(sink.release)
	if err := c.wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCancel_WhileDraining(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 0}}}
	sink := &drainingSink{recordingSink: recordingSink{format: mono16k}, release: make(chan struct{})}
	d := synth.New(p, sink)

	c := newCompletion(t)
	d.Speak("Interrupted.", playback.DefaultOptions(), c.done)
	waitFor(t, func() bool { return len(sink.played()) == 1 })

	d.Cancel()
	if err := c.wait(); !errors.Is(err, playback.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}
}
