// Package streaming adapts a streaming stt.Provider fed by an audio.Source
// into the single-attempt capture.Driver contract.
//
// Each attempt opens a fresh STT session and forwards microphone audio until
// the student stops talking. Final segments are joined and delivered once,
// when the recognizer marks the end of speech or when no more speech follows
// within the utterance gap. The session is then closed. An attempt that hears
// nothing within the silence window ends with a "no-speech" error.
package streaming

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicetutor/pkg/audio"
	"github.com/MrWong99/voicetutor/pkg/provider/capture"
	"github.com/MrWong99/voicetutor/pkg/provider/stt"
)

const (
	defaultSilenceTimeout = 8 * time.Second
	defaultUtteranceGap   = 1500 * time.Millisecond
)

// Option is a functional option for Driver.
type Option func(*Driver)

// WithSilenceTimeout sets how long an attempt waits for speech before it
// ends with a no-speech error. The window restarts on every interim result.
func WithSilenceTimeout(d time.Duration) Option {
	return func(dr *Driver) {
		if d > 0 {
			dr.silence = d
		}
	}
}

// WithUtteranceGap sets how long an attempt that already holds final text
// waits for more speech before delivering it. It only matters when the
// recognizer does not mark the end of speech itself.
func WithUtteranceGap(d time.Duration) Option {
	return func(dr *Driver) {
		if d > 0 {
			dr.gap = d
		}
	}
}

// WithKeywords sets vocabulary hints passed to every STT session.
func WithKeywords(kw []stt.KeywordBoost) Option {
	return func(dr *Driver) {
		dr.keywords = kw
	}
}

// Driver implements capture.Driver. Only one attempt may run at a time per
// Driver because all attempts read from the same source.
type Driver struct {
	provider stt.Provider
	source   audio.Source
	silence  time.Duration
	gap      time.Duration
	keywords []stt.KeywordBoost
}

// New creates a Driver. A nil provider or source yields a Driver whose Start
// always returns capture.ErrUnsupported.
func New(provider stt.Provider, source audio.Source, opts ...Option) *Driver {
	d := &Driver{
		provider: provider,
		source:   source,
		silence:  defaultSilenceTimeout,
		gap:      defaultUtteranceGap,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start implements capture.Driver. The adapter always runs in single-attempt
// mode; cfg.Continuous is ignored.
func (d *Driver) Start(ctx context.Context, cfg capture.Config, l capture.Listener) (capture.Attempt, error) {
	if d.provider == nil || d.source == nil {
		return nil, capture.ErrUnsupported
	}

	// Audio captured while nobody was listening (including our own playback)
	// must not leak into this attempt.
	d.source.Flush()

	f := d.source.Format()
	sess, err := d.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Language:   cfg.Language,
		Keywords:   d.keywords,
	})
	if err != nil {
		return nil, capture.NewError(capture.CodeNetwork, err.Error())
	}

	a := &attempt{
		sess:     sess,
		frames:   d.source.Frames(),
		listener: l,
		interim:  cfg.InterimResults,
		silence:  d.silence,
		gap:      d.gap,
		abort:    make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Ensure Driver implements capture.Driver at compile time.
var _ capture.Driver = (*Driver)(nil)

type attempt struct {
	sess     stt.SessionHandle
	frames   <-chan []byte
	listener capture.Listener
	interim  bool
	silence  time.Duration
	gap      time.Duration

	// heard holds the final segments of the current question.
	heard []string

	abort     chan struct{}
	abortOnce sync.Once
}

// Abort implements capture.Attempt.
func (a *attempt) Abort() {
	a.abortOnce.Do(func() { close(a.abort) })
}

func (a *attempt) run() {
	defer func() {
		if err := a.sess.Close(); err != nil {
			slog.Debug("capture: close stt session", "err", err)
		}
		if a.listener.OnEnd != nil {
			a.listener.OnEnd()
		}
	}()

	timer := time.NewTimer(a.silence)
	defer timer.Stop()

	partials := a.sess.Partials()
	for {
		select {
		case <-a.abort:
			return

		case chunk, ok := <-a.frames:
			if !ok {
				a.fail(capture.CodeAudioCapture, "microphone stream closed")
				return
			}
			if err := a.sess.SendAudio(chunk); err != nil {
				a.fail(capture.CodeNetwork, err.Error())
				return
			}

		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			text := strings.TrimSpace(t.Text)
			if text == "" {
				continue
			}
			resetTimer(timer, a.wait())
			if a.interim && a.listener.OnInterim != nil {
				a.listener.OnInterim(a.joined(text))
			}

		case t, ok := <-a.sess.Finals():
			if !ok {
				if a.deliver() {
					return
				}
				if err := a.sess.Err(); err != nil {
					a.fail(capture.CodeNetwork, err.Error())
				} else {
					a.fail(capture.CodeNoSpeech, "recognizer closed without a result")
				}
				return
			}
			// Recognizers commit empty segments during silence.
			if text := strings.TrimSpace(t.Text); text != "" {
				a.heard = append(a.heard, text)
				resetTimer(timer, a.gap)
			}
			if t.EndOfSpeech && a.deliver() {
				return
			}

		case <-timer.C:
			if a.deliver() {
				return
			}
			a.fail(capture.CodeNoSpeech, "no speech detected")
			return
		}
	}
}

// wait is the current quiet window: short once the student has said
// something, the full silence timeout before.
func (a *attempt) wait() time.Duration {
	if len(a.heard) > 0 {
		return a.gap
	}
	return a.silence
}

// joined is the text heard so far followed by tail.
func (a *attempt) joined(tail string) string {
	return strings.Join(append(slices.Clip(a.heard), tail), " ")
}

// deliver hands the buffered question to OnFinal. It reports false when
// nothing was heard.
func (a *attempt) deliver() bool {
	if len(a.heard) == 0 {
		return false
	}
	if a.listener.OnFinal != nil {
		a.listener.OnFinal(strings.Join(a.heard, " "))
	}
	return true
}

func (a *attempt) fail(code, detail string) {
	if a.listener.OnError != nil {
		a.listener.OnError(capture.NewError(code, detail))
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
