// Package config provides the configuration schema, loader, hot-reload watcher
// and provider registry for the voice tutor.
package config

import (
	"time"

	"github.com/MrWong99/voicetutor/pkg/provider/capture"
	"github.com/MrWong99/voicetutor/pkg/provider/playback"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the log handler.
type LogFormat string

const (
	LogFormatText   LogFormat = "text"
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	switch f {
	case LogFormatText, LogFormatJSON, LogFormatPretty:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tutor     TutorConfig     `yaml:"tutor"`
	Providers ProvidersConfig `yaml:"providers"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Loop      LoopConfig      `yaml:"loop"`
	Commands  CommandsConfig  `yaml:"commands"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns allowed to open a voice websocket
	// from a browser on another origin. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TraceSampleRatio is the fraction of new traces recorded, in [0, 1].
	// Zero records every trace; incoming sampled parents are always honoured.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TutorConfig configures the tutoring backend and the LLM fallback.
type TutorConfig struct {
	// BaseURL of the tutoring service exposing /api/chat/query.
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds one HTTP call to the service. The overall turn is
	// bounded separately by loop.dispatch_timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MasteryScore is sent with every query. Defaults to 0.5.
	MasteryScore float64 `yaml:"mastery_score"`

	// LLMFallback answers through providers.llm when the service fails.
	LLMFallback bool `yaml:"llm_fallback"`

	// HistoryTurns caps how much history the LLM fallback sees.
	HistoryTurns int `yaml:"history_turns"`

	// Subjects maps subject IDs to display names used in the fallback prompt.
	Subjects map[string]string `yaml:"subjects"`

	// Breaker tunes the per-backend circuit breakers.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig mirrors resilience.CircuitBreakerConfig.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProvidersConfig selects the speech and language providers. Each entry names
// a provider registered in the [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when providers.llm fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// CaptureConfig configures speech recognition.
type CaptureConfig struct {
	Language        string `yaml:"language"`
	InterimResults  *bool  `yaml:"interim_results"`
	MaxAlternatives int    `yaml:"max_alternatives"`

	// SilenceTimeout ends an attempt that hears nothing with a no-speech
	// error.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// UtteranceGap is how long a pause after some recognized speech must
	// last before the question is sent. Zero keeps the driver default.
	UtteranceGap time.Duration `yaml:"utterance_gap"`

	// Codes overrides the error classification table, mapping capture error
	// codes to "fatal", "recoverable" or "ignored".
	Codes map[string]string `yaml:"codes"`
}

// Driver returns the capture driver configuration.
func (c CaptureConfig) Driver() capture.Config {
	out := capture.DefaultConfig()
	if c.Language != "" {
		out.Language = c.Language
	}
	if c.InterimResults != nil {
		out.InterimResults = *c.InterimResults
	}
	if c.MaxAlternatives > 0 {
		out.MaxAlternatives = c.MaxAlternatives
	}
	return out
}

// Classifier returns the default classification table with Codes applied.
func (c CaptureConfig) Classifier() (capture.Classifier, error) {
	overrides := make(map[string]capture.Category, len(c.Codes))
	for code, name := range c.Codes {
		cat, err := capture.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		overrides[code] = cat
	}
	return capture.DefaultClassifier().With(overrides), nil
}

// PlaybackConfig configures speech synthesis.
type PlaybackConfig struct {
	Language      string   `yaml:"language"`
	Rate          float64  `yaml:"rate"`
	Pitch         float64  `yaml:"pitch"`
	VoicePatterns []string `yaml:"voice_patterns"`

	// DefaultVoice is the provider voice ID used when no preferred voice is
	// available.
	DefaultVoice string `yaml:"default_voice"`
}

// Options returns the playback options, filling unset fields from
// [playback.DefaultOptions].
func (p PlaybackConfig) Options() playback.Options {
	out := playback.DefaultOptions()
	if p.Language != "" {
		out.Language = p.Language
	}
	if p.Rate != 0 {
		out.Rate = p.Rate
	}
	if p.Pitch != 0 {
		out.Pitch = p.Pitch
	}
	if len(p.VoicePatterns) > 0 {
		out.VoicePatterns = append([]string(nil), p.VoicePatterns...)
	}
	return out
}

// LoopConfig tunes the conversation loop. Zero values select the defaults of
// the voice package.
type LoopConfig struct {
	RetryDelay       time.Duration `yaml:"retry_delay"`
	RelistenDelay    time.Duration `yaml:"relisten_delay"`
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`
	MaxEmptyAttempts int           `yaml:"max_empty_attempts"`
}

// CommandsConfig configures spoken control phrases.
type CommandsConfig struct {
	// StopPhrases replaces the built-in stop phrases when non-empty.
	StopPhrases []string `yaml:"stop_phrases"`

	// Disabled turns spoken commands off entirely.
	Disabled bool `yaml:"disabled"`
}

// ArchiveConfig configures the transcript archive. An empty DSN disables it.
type ArchiveConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	QueueSize   int    `yaml:"queue_size"`
}

// AudioConfig describes the audio exchanged with websocket clients.
type AudioConfig struct {
	// Encoding is "pcm16" (default) or "mulaw".
	Encoding string `yaml:"encoding"`

	// SampleRate of client audio in both directions. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`
}
