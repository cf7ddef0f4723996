// Package elevenlabs speaks tutor replies through ElevenLabs' stream-input
// websocket and implements [tts.Provider].
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicetutor/pkg/provider/tts"
)

// Defaults applied by [New].
const (
	DefaultModel        = "eleven_flash_v2_5"
	DefaultOutputFormat = "pcm_16000"

	// DefaultVoice is the stock "George" narrator.
	DefaultVoice = "JBFqnCBsd6RMkjVDRZzb"

	defaultStreamRoot = "wss://api.elevenlabs.io"
	defaultAPIRoot    = "https://api.elevenlabs.io"
)

// ElevenLabs accepts speaking speeds in this range only.
const (
	minSpeed = 0.7
	maxSpeed = 1.2
)

type settings struct {
	model      string
	format     string
	voice      string
	streamRoot string
	apiRoot    string
	client     *http.Client
}

// Option tunes a [Provider].
type Option func(*settings)

// WithModel selects the synthesis model, e.g. "eleven_multilingual_v2".
func WithModel(model string) Option { return func(s *settings) { s.model = model } }

// WithOutputFormat selects the audio encoding, e.g. "pcm_24000".
func WithOutputFormat(format string) Option { return func(s *settings) { s.format = format } }

// WithDefaultVoice sets the voice spoken when a profile carries no ID.
func WithDefaultVoice(id string) Option { return func(s *settings) { s.voice = id } }

// WithBaseURLs points the provider at another websocket and REST root.
func WithBaseURLs(streamRoot, apiRoot string) Option {
	return func(s *settings) {
		s.streamRoot = strings.TrimRight(streamRoot, "/")
		s.apiRoot = strings.TrimRight(apiRoot, "/")
	}
}

// WithHTTPClient sets the client for voice listing.
func WithHTTPClient(c *http.Client) Option { return func(s *settings) { s.client = c } }

// Provider synthesizes speech with ElevenLabs.
type Provider struct {
	apiKey string
	set    settings
}

var _ tts.Provider = (*Provider)(nil)

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	p := &Provider{apiKey: apiKey, set: settings{
		model:      DefaultModel,
		format:     DefaultOutputFormat,
		voice:      DefaultVoice,
		streamRoot: defaultStreamRoot,
		apiRoot:    defaultAPIRoot,
		client:     http.DefaultClient,
	}}
	for _, o := range opts {
		o(&p.set)
	}
	return p, nil
}

// outbound is every client message on the stream. The first one opens the
// stream with a single space; an empty Text flushes and ends it.
type outbound struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

type inbound struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SynthesizeStream dials a stream for voice and speaks each fragment read
// from text. The stream's audio closes once the server marks it final, text
// is closed and flushed, or ctx ends.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (tts.Stream, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.set.voice
	}
	conn, _, err := websocket.Dial(ctx, p.streamURL(voiceID), &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": {p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	s := &synthesis{conn: conn, voice: voiceID, audio: make(chan []byte, 64)}
	if err := s.send(ctx, outbound{Text: " ", VoiceSettings: settingsFor(voice)}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("elevenlabs: open stream: %w", err)
	}

	go s.run(ctx, text)
	return s, nil
}

// synthesis is one open stream.
type synthesis struct {
	conn  *websocket.Conn
	voice string
	audio chan []byte

	mu  sync.Mutex
	err error
}

func (s *synthesis) Audio() <-chan []byte { return s.audio }

func (s *synthesis) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail keeps the first error. Errors caused by cancellation are dropped.
func (s *synthesis) fail(ctx context.Context, err error) {
	if err == nil || ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		slog.Debug("elevenlabs: stream ended early", "voice", s.voice, "err", err)
	}
	s.mu.Unlock()
}

func (s *synthesis) send(ctx context.Context, m outbound) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, b)
}

func (s *synthesis) run(ctx context.Context, text <-chan string) {
	heard := make(chan struct{})
	go func() {
		defer close(heard)
		s.fail(ctx, s.listen(ctx))
	}()
	// The listener may still be sending audio; it stops once the socket is
	// gone.
	defer func() {
		s.conn.CloseNow()
		<-heard
		close(s.audio)
	}()

	for {
		select {
		case frag, ok := <-text:
			if !ok {
				if err := s.send(ctx, outbound{}); err != nil {
					s.fail(ctx, fmt.Errorf("elevenlabs: flush: %w", err))
				} else {
					<-heard
				}
				s.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if strings.TrimSpace(frag) == "" {
				continue
			}
			// The trailing space marks a word boundary for the synthesizer.
			if err := s.send(ctx, outbound{Text: frag + " "}); err != nil {
				s.fail(ctx, fmt.Errorf("elevenlabs: send: %w", err))
				return
			}
		case <-heard:
			return
		case <-ctx.Done():
			return
		}
	}
}

// listen forwards audio until the final marker.
func (s *synthesis) listen(ctx context.Context) error {
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		pcm, final, err := decodeAudio(msg)
		if err != nil {
			return err
		}
		if len(pcm) > 0 {
			select {
			case s.audio <- pcm:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if final {
			return nil
		}
	}
}

// settingsFor maps a profile's rate onto ElevenLabs' speed. There is no
// pitch control.
func settingsFor(voice tts.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.Rate > 0 {
		vs.Speed = min(max(voice.Rate, minSpeed), maxSpeed)
	}
	return vs
}

// decodeAudio returns the PCM carried by one server message and whether it
// ends the stream. Server-side errors are returned as errors.
func decodeAudio(msg []byte) (pcm []byte, final bool, err error) {
	var in inbound
	if err := json.Unmarshal(msg, &in); err != nil {
		return nil, false, fmt.Errorf("elevenlabs: decode: %w", err)
	}
	if in.Error != "" {
		return nil, true, fmt.Errorf("elevenlabs: server: %s: %s", in.Error, in.Message)
	}
	if in.Audio == "" {
		return nil, in.IsFinal, nil
	}
	pcm, err = base64.StdEncoding.DecodeString(in.Audio)
	if err != nil {
		return nil, in.IsFinal, fmt.Errorf("elevenlabs: audio payload: %w", err)
	}
	return pcm, in.IsFinal, nil
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{"model_id": {p.set.model}, "output_format": {p.set.format}}
	return p.set.streamRoot + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

type voiceList struct {
	Voices []struct {
		ID        string            `json:"voice_id"`
		Name      string            `json:"name"`
		Category  string            `json:"category"`
		Labels    map[string]string `json:"labels"`
		Languages []struct {
			Language string `json:"language"`
			Locale   string `json:"locale"`
		} `json:"verified_languages"`
	} `json:"voices"`
}

// ListVoices returns the voices the API key can use.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.set.apiRoot+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.set.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: %s", resp.Status)
	}

	var list voiceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	return list.profiles(), nil
}

func (l voiceList) profiles() []tts.VoiceProfile {
	out := make([]tts.VoiceProfile, 0, len(l.Voices))
	for _, v := range l.Voices {
		meta := maps.Clone(v.Labels)
		if meta == nil {
			meta = map[string]string{}
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		var lang string
		if len(v.Languages) > 0 {
			lang = v.Languages[0].Locale
			if lang == "" {
				lang = v.Languages[0].Language
			}
		}
		out = append(out, tts.VoiceProfile{ID: v.ID, Name: v.Name, Language: lang, Provider: "elevenlabs", Metadata: meta})
	}
	return out
}
