// Package deepgram streams microphone audio to Deepgram's live transcription
// websocket and implements [stt.Provider].
package deepgram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicetutor/pkg/provider/stt"
)

// Defaults applied by [New].
const (
	DefaultEndpoint    = "wss://api.deepgram.com/v1/listen"
	DefaultModel       = "nova-3"
	DefaultLanguage    = "en-US"
	DefaultSampleRate  = 16000
	DefaultEndpointing = 300 * time.Millisecond

	// DefaultUtteranceEnd is the word gap after which Deepgram sends
	// UtteranceEnd. It catches the end of speech when background noise
	// keeps endpointing from firing.
	DefaultUtteranceEnd = time.Second

	// DefaultKeepAlive is below Deepgram's ten second idle cutoff, which a
	// student thinking before answering easily exceeds.
	DefaultKeepAlive = 5 * time.Second
)

var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

type settings struct {
	endpoint    string
	model       string
	language    string
	sampleRate  int
	endpointing  time.Duration
	utteranceEnd time.Duration
	keepAlive    time.Duration
}

// Option tunes a [Provider].
type Option func(*settings)

// WithModel selects the recognition model, e.g. "nova-3" or "base".
func WithModel(model string) Option { return func(s *settings) { s.model = model } }

// WithLanguage sets the language used when a stream does not ask for one.
func WithLanguage(lang string) Option { return func(s *settings) { s.language = lang } }

// WithSampleRate sets the rate assumed when a stream does not specify one.
func WithSampleRate(hz int) Option { return func(s *settings) { s.sampleRate = hz } }

// WithEndpointing sets how many milliseconds of silence close a segment.
// Zero leaves Deepgram's default.
func WithEndpointing(ms int) Option {
	return func(s *settings) { s.endpointing = time.Duration(ms) * time.Millisecond }
}

// WithUtteranceEnd sets the word gap, in milliseconds, that ends an
// utterance. Deepgram accepts 1000 or more; zero disables UtteranceEnd.
func WithUtteranceEnd(ms int) Option {
	return func(s *settings) { s.utteranceEnd = time.Duration(ms) * time.Millisecond }
}

// WithEndpoint replaces the websocket URL, for self-hosted Deepgram and tests.
func WithEndpoint(endpoint string) Option { return func(s *settings) { s.endpoint = endpoint } }

// WithKeepAlive sets how long the stream may go without audio before a
// KeepAlive message is sent. Zero disables keepalives.
func WithKeepAlive(d time.Duration) Option { return func(s *settings) { s.keepAlive = d } }

// Provider opens Deepgram live transcription streams.
type Provider struct {
	apiKey string
	set    settings
}

var _ stt.Provider = (*Provider)(nil)

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key must not be empty")
	}
	p := &Provider{apiKey: apiKey, set: settings{
		endpoint:    DefaultEndpoint,
		model:       DefaultModel,
		language:    DefaultLanguage,
		sampleRate:  DefaultSampleRate,
		endpointing:  DefaultEndpointing,
		utteranceEnd: DefaultUtteranceEnd,
		keepAlive:    DefaultKeepAlive,
	}}
	for _, o := range opts {
		o(&p.set)
	}
	return p, nil
}

// StartStream dials Deepgram. ctx bounds the dial only; the stream lives
// until Close.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.listenURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:      conn,
		cancel:    cancel,
		keepAlive: p.set.keepAlive,
		audio:     make(chan []byte, 256),
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		closing:   make(chan struct{}),
	}
	s.wg.Go(func() { s.receive(runCtx) })
	s.wg.Go(func() { s.send(runCtx) })
	return s, nil
}

func (p *Provider) listenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.set.endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint: %w", err)
	}
	lang := cmp.Or(cfg.Language, p.set.language)
	rate := cmp.Or(cfg.SampleRate, p.set.sampleRate)

	q := url.Values{
		"model":           {p.set.model},
		"language":        {lang},
		"encoding":        {"linear16"},
		"sample_rate":     {strconv.Itoa(rate)},
		"interim_results": {"true"},
		"punctuate":       {"true"},
		"smart_format":    {"true"},
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if p.set.endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(p.set.endpointing.Milliseconds(), 10))
	}
	if p.set.utteranceEnd > 0 {
		q.Set("utterance_end_ms", strconv.FormatInt(p.set.utteranceEnd.Milliseconds(), 10))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// stream is one live Deepgram connection.
type stream struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	keepAlive time.Duration

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return stt.ErrSessionClosed
	}
}

func (s *stream) Partials() <-chan stt.Transcript { return s.partials }
func (s *stream) Finals() <-chan stt.Transcript   { return s.finals }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// setErr keeps the first failure. Failures after Close are the teardown.
func (s *stream) setErr(err error) {
	select {
	case <-s.closing:
		return
	default:
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close asks Deepgram to flush, closes the socket and waits for both loops.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.conn.Write(ctx, websocket.MessageText, msgCloseStream)
		cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// send forwards audio and keeps an idle connection open.
func (s *stream) send(ctx context.Context) {
	var tick <-chan time.Time
	if s.keepAlive > 0 {
		t := time.NewTicker(s.keepAlive)
		defer t.Stop()
		tick = t.C
	}
	idle := false
	for {
		var (
			typ = websocket.MessageBinary
			msg []byte
		)
		select {
		case <-s.closing:
			return
		case <-ctx.Done():
			return
		case msg = <-s.audio:
			idle = false
		case <-tick:
			// One tick without audio marks the stream idle; the next sends.
			if !idle {
				idle = true
				continue
			}
			typ, msg = websocket.MessageText, msgKeepAlive
		}
		if err := s.conn.Write(ctx, typ, msg); err != nil {
			s.setErr(fmt.Errorf("deepgram: write: %w", err))
			return
		}
	}
}

// receive routes transcripts until the socket closes.
func (s *stream) receive(ctx context.Context) {
	defer close(s.finals)
	defer close(s.partials)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(fmt.Errorf("deepgram: read: %w", err))
			}
			return
		}
		tr, ok := decode(data)
		if !ok {
			continue
		}
		out := s.partials
		if tr.IsFinal {
			out = s.finals
		}
		select {
		case out <- tr:
		case <-s.closing:
			return
		}
	}
}

// results is the subset of a Deepgram "Results" message the tutor uses.
type results struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// decode turns a server message into a transcript. An UtteranceEnd becomes
// an empty final that only marks the end of speech. Metadata and anything
// unparseable report false.
func decode(data []byte) (stt.Transcript, bool) {
	var r results
	if json.Unmarshal(data, &r) != nil {
		return stt.Transcript{}, false
	}
	if r.Type == "UtteranceEnd" {
		return stt.Transcript{IsFinal: true, EndOfSpeech: true}, true
	}
	if r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	best := r.Channel.Alternatives[0]
	return stt.Transcript{
		Text:        best.Transcript,
		IsFinal:     r.IsFinal,
		EndOfSpeech: r.IsFinal && r.SpeechFinal,
		Confidence:  best.Confidence,
		Timestamp:   seconds(r.Start),
		Duration:    seconds(r.Duration),
	}, true
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }
