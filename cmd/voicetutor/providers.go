package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicetutor/internal/app"
	"github.com/MrWong99/voicetutor/internal/config"
	"github.com/MrWong99/voicetutor/internal/resilience"
	"github.com/MrWong99/voicetutor/pkg/audio"
	"github.com/MrWong99/voicetutor/pkg/provider/llm"
	"github.com/MrWong99/voicetutor/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voicetutor/pkg/provider/llm/openai"
	"github.com/MrWong99/voicetutor/pkg/provider/stt"
	"github.com/MrWong99/voicetutor/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voicetutor/pkg/provider/tts"
	"github.com/MrWong99/voicetutor/pkg/provider/tts/elevenlabs"
)

// defaultTTSFormat matches the ElevenLabs default output, pcm_16000.
var defaultTTSFormat = audio.Format{SampleRate: 16000, Channels: 1}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := optDuration(entry.Options, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining LLM backends go through any-llm. ollama, llamacpp and
	// llamafile are local servers and usually only need a base URL.
	for _, name := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "ollama", "llamacpp", "llamafile"} {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms, ok := optInt(entry.Options, "endpointing_ms"); ok {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		if ms, ok := optInt(entry.Options, "utterance_end_ms"); ok {
			opts = append(opts, deepgram.WithUtteranceEnd(ms))
		}
		if d, err := optDuration(entry.Options, "keepalive"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, deepgram.WithKeepAlive(d))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := optString(entry.Options, "voice_id"); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
// Extra LLMs in providers.llm_fallbacks are chained behind the primary one.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name)

		if len(cfg.Providers.LLMFallbacks) > 0 {
			chain := resilience.NewLLMFallback(p, name, resilience.FallbackConfig{
				CircuitBreaker: resilience.CircuitBreakerConfig{
					MaxFailures:  cfg.Tutor.Breaker.MaxFailures,
					ResetTimeout: cfg.Tutor.Breaker.ResetTimeout,
				},
			})
			for i, entry := range cfg.Providers.LLMFallbacks {
				fp, err := reg.CreateLLM(entry)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %d (%q): %w", i, entry.Name, err)
				}
				chain.AddFallback(fallbackName(entry, i), fp)
				slog.Info("provider created", "kind", "llm-fallback", "name", entry.Name)
			}
			ps.LLM = chain
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown stt provider, speech input disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown tts provider, speech output disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			f, err := pcmFormat(optString(cfg.Providers.TTS.Options, "output_format"))
			if err != nil {
				return nil, fmt.Errorf("tts provider %q: %w", name, err)
			}
			ps.TTS = p
			ps.TTSFormat = f
			slog.Info("provider created", "kind", "tts", "name", name, "sample_rate", f.SampleRate)
		}
	}

	return ps, nil
}

// fallbackName keeps breaker and log names unique when the same backend is
// listed twice with different models.
func fallbackName(entry config.ProviderEntry, i int) string {
	if entry.Model == "" {
		return fmt.Sprintf("%s#%d", entry.Name, i)
	}
	return entry.Name + "/" + entry.Model
}

// pcmFormat parses an ElevenLabs-style output format such as "pcm_24000".
// Empty selects the provider default.
func pcmFormat(s string) (audio.Format, error) {
	if s == "" {
		return defaultTTSFormat, nil
	}
	rate, ok := strings.CutPrefix(s, "pcm_")
	if !ok {
		return audio.Format{}, fmt.Errorf("output format %q is not raw PCM", s)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return audio.Format{}, fmt.Errorf("output format %q has no valid sample rate", s)
	}
	return audio.Format{SampleRate: n, Channels: 1}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voicetutor: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Tutor API", orNone(cfg.Tutor.BaseURL))
	printRow("LLM", providerLabel(cfg.Providers.LLM))
	printRow("LLM fallbacks", strconv.Itoa(len(cfg.Providers.LLMFallbacks)))
	printRow("STT", providerLabel(cfg.Providers.STT))
	printRow("TTS", providerLabel(cfg.Providers.TTS))
	printRow("Archive", enabled(cfg.Archive.PostgresDSN != ""))
	printRow("Audio", fmt.Sprintf("%s @ %d Hz", orNone(cfg.Audio.Encoding), cfg.Audio.SampleRate))
	printRow("Listen addr", orNone(cfg.Server.ListenAddr))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "(disabled)"
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt accepts both YAML integers and numeric strings.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

func optDuration(opts map[string]any, key string) (time.Duration, error) {
	s := optString(opts, key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}
