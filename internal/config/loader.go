package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicetutor/pkg/audio"
	"github.com/MrWong99/voicetutor/pkg/provider/capture"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
}

// Secrets are the values that may be supplied through the environment instead
// of the YAML file. Non-empty variables override the file.
type Secrets struct {
	TutorURL   string `env:"VOICETUTOR_TUTOR_URL"`
	LLMAPIKey  string `env:"VOICETUTOR_LLM_API_KEY"`
	STTAPIKey  string `env:"VOICETUTOR_STT_API_KEY"`
	TTSAPIKey  string `env:"VOICETUTOR_TTS_API_KEY"`
	ArchiveDSN string `env:"VOICETUTOR_ARCHIVE_DSN"`
	LogLevel   string `env:"VOICETUTOR_LOG_LEVEL"`
}

// Load reads the YAML file at path, overlays [Secrets] from the environment
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := load(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func load(data []byte) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result. The
// environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays [Secrets] from the process environment onto cfg.
func ApplyEnv(cfg *Config) error {
	s, err := env.ParseAs[Secrets]()
	if err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	overlay(&cfg.Tutor.BaseURL, s.TutorURL)
	overlay(&cfg.Providers.LLM.APIKey, s.LLMAPIKey)
	overlay(&cfg.Providers.STT.APIKey, s.STTAPIKey)
	overlay(&cfg.Providers.TTS.APIKey, s.TTSAPIKey)
	overlay(&cfg.Archive.PostgresDSN, s.ArchiveDSN)
	if s.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(s.LogLevel)
	}
	return nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json, pretty", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Tutor
	if cfg.Tutor.BaseURL == "" && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("tutor.base_url or providers.llm is required; the tutor has no way to answer"))
	}
	if cfg.Tutor.LLMFallback && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("tutor.llm_fallback requires providers.llm"))
	}
	if s := cfg.Tutor.MasteryScore; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("tutor.mastery_score %.2f is out of range [0, 1]", s))
	}
	if cfg.Tutor.RequestTimeout < 0 || cfg.Tutor.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("tutor timeouts must not be negative"))
	}
	if cfg.Tutor.HistoryTurns < 0 || cfg.Tutor.Breaker.MaxFailures < 0 {
		errs = append(errs, errors.New("tutor.history_turns and tutor.breaker.max_failures must not be negative"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; sessions will report speech recognition as unsupported")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; replies will be shown but not spoken")
	}

	// Capture
	for code, name := range cfg.Capture.Codes {
		if _, err := capture.ParseCategory(name); err != nil {
			errs = append(errs, fmt.Errorf("capture.codes[%q]: %q is invalid; valid values: fatal, recoverable, ignored", code, name))
		}
	}
	if cfg.Capture.MaxAlternatives < 0 || cfg.Capture.SilenceTimeout < 0 || cfg.Capture.UtteranceGap < 0 {
		errs = append(errs, errors.New("capture.max_alternatives, capture.silence_timeout and capture.utterance_gap must not be negative"))
	}

	// Playback
	if r := cfg.Playback.Rate; r != 0 && (r < 0.1 || r > 10) {
		errs = append(errs, fmt.Errorf("playback.rate %.2f is out of range [0.1, 10]", r))
	}
	if p := cfg.Playback.Pitch; p < 0 || p > 2 {
		errs = append(errs, fmt.Errorf("playback.pitch %.2f is out of range [0, 2]", p))
	}

	// Loop
	l := cfg.Loop
	if l.RetryDelay < 0 || l.RelistenDelay < 0 || l.DispatchTimeout < 0 {
		errs = append(errs, errors.New("loop delays must not be negative"))
	}
	if l.MaxEmptyAttempts < 0 {
		errs = append(errs, fmt.Errorf("loop.max_empty_attempts %d must not be negative", l.MaxEmptyAttempts))
	}
	if rt := cfg.Tutor.RequestTimeout; rt > 0 && l.DispatchTimeout > 0 && rt > l.DispatchTimeout {
		slog.Warn("tutor.request_timeout exceeds loop.dispatch_timeout; the fallback will never run after a slow primary",
			"request_timeout", rt,
			"dispatch_timeout", l.DispatchTimeout,
		)
	}

	// Archive
	if cfg.Archive.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("archive.queue_size %d must not be negative", cfg.Archive.QueueSize))
	}

	// Audio
	if _, err := audio.ParseEncoding(cfg.Audio.Encoding); err != nil {
		errs = append(errs, fmt.Errorf("audio.encoding %q is invalid; valid values: pcm16, mulaw", cfg.Audio.Encoding))
	}
	if sr := cfg.Audio.SampleRate; sr != 0 && (sr < 8000 || sr > 48000) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", sr))
	}
	if cfg.Audio.Encoding == string(audio.EncodingMulaw) && cfg.Audio.SampleRate != 0 && cfg.Audio.SampleRate != 8000 {
		errs = append(errs, errors.New("audio.encoding mulaw requires audio.sample_rate 8000"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
