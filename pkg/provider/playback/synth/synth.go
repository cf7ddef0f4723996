// Package synth implements playback.Driver on top of a streaming
// tts.Provider and an audio.Sink.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicetutor/pkg/audio"
	"github.com/MrWong99/voicetutor/pkg/provider/playback"
	"github.com/MrWong99/voicetutor/pkg/provider/tts"
)

const defaultVoiceLookupTimeout = 2 * time.Second

// Option configures a Driver.
type Option func(*Driver)

// WithSourceFormat sets the PCM format the TTS provider emits. Chunks are
// converted to the sink's format when the two differ.
func WithSourceFormat(f audio.Format) Option {
	return func(d *Driver) { d.source = f }
}

// WithDefaultVoice sets the voice used when no installed voice matches the
// requested language.
func WithDefaultVoice(v tts.VoiceProfile) Option {
	return func(d *Driver) { d.fallback = v }
}

// WithVoiceLookupTimeout bounds how long Speak waits for the voice list.
func WithVoiceLookupTimeout(d time.Duration) Option {
	return func(drv *Driver) { drv.lookupTimeout = d }
}

// Driver speaks text through a tts.Provider into an audio.Sink.
type Driver struct {
	provider      tts.Provider
	sink          audio.Sink
	source        audio.Format
	fallback      tts.VoiceProfile
	lookupTimeout time.Duration

	voicesMu sync.Mutex
	voices   []playback.Voice
	profiles map[string]tts.VoiceProfile

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
}

// New creates a Driver. The provider's output is assumed to match the sink's
// format unless WithSourceFormat says otherwise.
func New(p tts.Provider, sink audio.Sink, opts ...Option) *Driver {
	d := &Driver{
		provider:      p,
		sink:          sink,
		source:        sink.Format(),
		lookupTimeout: defaultVoiceLookupTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Speak implements playback.Driver.
func (d *Driver) Speak(text string, opts playback.Options, done func(error)) {
	d.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.cancel = cancel
	d.mu.Unlock()

	go func() {
		err := d.speak(ctx, text, opts)
		d.mu.Lock()
		if d.gen == gen {
			d.cancel = nil
		}
		d.mu.Unlock()
		cancel()
		done(err)
	}()
}

// Cancel implements playback.Driver.
func (d *Driver) Cancel() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	d.sink.Clear()
}

func (d *Driver) speak(ctx context.Context, text string, opts playback.Options) error {
	voice := d.voiceFor(ctx, opts)

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	stream, err := d.provider.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		if ctx.Err() != nil {
			return playback.ErrCancelled
		}
		return err
	}

	conv := &audio.Converter{From: d.source, To: d.sink.Format()}
	for chunk := range stream.Audio() {
		pcm := conv.Convert(chunk)
		if len(pcm) == 0 {
			continue
		}
		if err := d.sink.Play(ctx, pcm); err != nil {
			go audio.Drain(stream.Audio())
			return d.stopped(ctx, err)
		}
	}
	if ctx.Err() != nil {
		return playback.ErrCancelled
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("playback: synthesis: %w", err)
	}

	// Real-time sinks accept audio ahead of the listener; speech is only
	// over once it has been heard.
	if dr, ok := d.sink.(audio.Drainer); ok {
		if err := dr.Drain(ctx); err != nil {
			return d.stopped(ctx, err)
		}
	}
	return nil
}

// stopped maps a sink failure to the completion error.
func (d *Driver) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return playback.ErrCancelled
	}
	return err
}

// voiceFor resolves the voice profile for opts. The provider's voice list is
// fetched once; a failed lookup is retried on the next utterance.
func (d *Driver) voiceFor(ctx context.Context, opts playback.Options) tts.VoiceProfile {
	voices, profiles := d.installedVoices(ctx)

	profile := d.fallback
	if v, ok := playback.SelectVoice(voices, opts.Language, opts.VoicePatterns); ok {
		profile = profiles[v.ID]
	}
	if profile.Language == "" {
		profile.Language = opts.Language
	}
	profile.Rate = opts.Rate
	profile.Pitch = opts.Pitch
	return profile
}

func (d *Driver) installedVoices(ctx context.Context) ([]playback.Voice, map[string]tts.VoiceProfile) {
	d.voicesMu.Lock()
	defer d.voicesMu.Unlock()
	if d.profiles != nil {
		return d.voices, d.profiles
	}

	lookupCtx, cancel := context.WithTimeout(ctx, d.lookupTimeout)
	defer cancel()
	list, err := d.provider.ListVoices(lookupCtx)
	if err != nil {
		slog.Warn("playback: voice lookup failed, using default voice", "err", err)
		return nil, nil
	}

	d.profiles = make(map[string]tts.VoiceProfile, len(list))
	d.voices = make([]playback.Voice, 0, len(list))
	for _, p := range list {
		d.profiles[p.ID] = p
		d.voices = append(d.voices, playback.Voice{ID: p.ID, Name: p.Name, Language: p.Language})
	}
	return d.voices, d.profiles
}

var _ playback.Driver = (*Driver)(nil)
