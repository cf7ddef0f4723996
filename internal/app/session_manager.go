package app

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicetutor/internal/config"
	"github.com/MrWong99/voicetutor/internal/dispatch"
	"github.com/MrWong99/voicetutor/internal/observe"
	"github.com/MrWong99/voicetutor/internal/voice"
	"github.com/MrWong99/voicetutor/internal/voicecmd"
	"github.com/MrWong99/voicetutor/internal/web"
	"github.com/MrWong99/voicetutor/pkg/provider/capture"
	"github.com/MrWong99/voicetutor/pkg/provider/capture/streaming"
	"github.com/MrWong99/voicetutor/pkg/provider/playback"
	"github.com/MrWong99/voicetutor/pkg/provider/playback/synth"
	"github.com/MrWong99/voicetutor/pkg/provider/tts"
)

// SessionSettings is the per-session tuning derived from config. A snapshot is
// taken when a session opens; reloads only affect later sessions.
type SessionSettings struct {
	Capture        capture.Config
	Classifier     capture.Classifier
	SilenceTimeout time.Duration
	UtteranceGap   time.Duration

	Voice        playback.Options
	DefaultVoice string

	RetryDelay       time.Duration
	RelistenDelay    time.Duration
	DispatchTimeout  time.Duration
	MaxEmptyAttempts int

	// Commands is nil when spoken commands are disabled.
	Commands voice.CommandMatcher
}

// SettingsFromConfig builds session settings from the capture, playback, loop
// and commands sections of cfg.
func SettingsFromConfig(cfg *config.Config) (SessionSettings, error) {
	classifier, err := cfg.Capture.Classifier()
	if err != nil {
		return SessionSettings{}, err
	}
	s := SessionSettings{
		Capture:          cfg.Capture.Driver(),
		Classifier:       classifier,
		SilenceTimeout:   cfg.Capture.SilenceTimeout,
		UtteranceGap:     cfg.Capture.UtteranceGap,
		Voice:            cfg.Playback.Options(),
		DefaultVoice:     cfg.Playback.DefaultVoice,
		RetryDelay:       cfg.Loop.RetryDelay,
		RelistenDelay:    cfg.Loop.RelistenDelay,
		DispatchTimeout:  cfg.Loop.DispatchTimeout,
		MaxEmptyAttempts: cfg.Loop.MaxEmptyAttempts,
	}
	if !cfg.Commands.Disabled {
		s.Commands = voicecmd.New(cfg.Commands.StopPhrases)
	}
	return s, nil
}

type openSession struct {
	ctrl    *voice.Controller
	started time.Time

	// hangup ends the client connection; nil when the opener gave none.
	hangup func()
}

// SessionManager opens one voice session per client connection and tracks the
// open ones. All exported methods are safe for concurrent use.
type SessionManager struct {
	providers  *Providers
	dispatcher dispatch.Dispatcher
	recorder   voice.Recorder
	metrics    *observe.Metrics

	mu       sync.Mutex
	settings SessionSettings
	sessions map[string]*openSession
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Providers  *Providers
	Dispatcher dispatch.Dispatcher
	Settings   SessionSettings

	// Recorder is optional.
	Recorder voice.Recorder

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Providers == nil {
		cfg.Providers = &Providers{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		providers:  cfg.Providers,
		dispatcher: cfg.Dispatcher,
		recorder:   cfg.Recorder,
		metrics:    cfg.Metrics,
		settings:   cfg.Settings,
		sessions:   make(map[string]*openSession),
	}
}

var _ web.Opener = (*SessionManager)(nil)

// Open implements [web.Opener]. It wires the connection's audio into capture
// and playback drivers and starts an idle session controller. Without an STT
// provider every listen attempt reports that speech capture is unsupported;
// without a TTS provider replies are shown but not spoken.
func (sm *SessionManager) Open(ctx context.Context, req web.OpenRequest) (web.Session, func(), error) {
	sm.mu.Lock()
	s := sm.settings
	sm.mu.Unlock()

	var captureOpts []streaming.Option
	if s.SilenceTimeout > 0 {
		captureOpts = append(captureOpts, streaming.WithSilenceTimeout(s.SilenceTimeout))
	}
	if s.UtteranceGap > 0 {
		captureOpts = append(captureOpts, streaming.WithUtteranceGap(s.UtteranceGap))
	}
	capDriver := streaming.New(sm.providers.STT, req.Source, captureOpts...)

	var playDriver playback.Driver = textOnly{}
	if sm.providers.TTS != nil && req.Sink != nil {
		synthOpts := []synth.Option{synth.WithDefaultVoice(tts.VoiceProfile{ID: s.DefaultVoice})}
		if sm.providers.TTSFormat.SampleRate > 0 {
			synthOpts = append(synthOpts, synth.WithSourceFormat(sm.providers.TTSFormat))
		}
		playDriver = synth.New(sm.providers.TTS, req.Sink, synthOpts...)
	}

	ctrl, err := voice.New(voice.Config{
		StudentID:        req.StudentID,
		SubjectID:        req.SubjectID,
		Capture:          capDriver,
		Playback:         playDriver,
		Dispatcher:       sm.dispatcher,
		CaptureConfig:    s.Capture,
		Voice:            s.Voice,
		Classifier:       s.Classifier,
		RetryDelay:       s.RetryDelay,
		RelistenDelay:    s.RelistenDelay,
		DispatchTimeout:  s.DispatchTimeout,
		MaxEmptyAttempts: s.MaxEmptyAttempts,
		Commands:         s.Commands,
		Recorder:         sm.recorder,
		Metrics:          sm.metrics,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("session: %w", err)
	}

	id := ctrl.ID()
	sm.mu.Lock()
	sm.sessions[id] = &openSession{ctrl: ctrl, started: time.Now(), hangup: req.Hangup}
	sm.mu.Unlock()
	sm.metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("session opened",
		"session_id", id,
		"student_id", req.StudentID,
		"subject_id", req.SubjectID,
		"speech_input", sm.providers.STT != nil,
		"speech_output", sm.providers.TTS != nil,
	)

	var once sync.Once
	release := func() {
		once.Do(func() { sm.close(id) })
	}
	return ctrl, release, nil
}

// close removes and closes one session and hangs up its connection. It is a
// no-op for unknown IDs, which happens when CloseAll got there first.
func (sm *SessionManager) close(id string) bool {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if !ok {
		return false
	}

	if err := s.ctrl.Close(); err != nil {
		slog.Warn("session: close error", "session_id", id, "err", err)
	}
	if s.hangup != nil {
		s.hangup()
	}
	sm.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("session closed", "session_id", id, "duration", time.Since(s.started).Round(time.Second))
	return true
}

// CloseAll closes every open session and returns how many there were.
func (sm *SessionManager) CloseAll() int {
	sm.mu.Lock()
	ids := slices.Collect(maps.Keys(sm.sessions))
	sm.mu.Unlock()

	n := 0
	for _, id := range ids {
		if sm.close(id) {
			n++
		}
	}
	return n
}

// Count returns the number of open sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// UpdateSettings replaces the settings used for sessions opened from now on.
func (sm *SessionManager) UpdateSettings(s SessionSettings) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.settings = s
}

// Settings returns the current session settings.
func (sm *SessionManager) Settings() SessionSettings {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.settings
}

// textOnly is the playback driver used without a TTS provider. Replies still
// reach the client as utterances, so speaking completes immediately.
type textOnly struct{}

func (textOnly) Speak(_ string, _ playback.Options, done func(error)) { go done(nil) }
func (textOnly) Cancel()                                               {}
