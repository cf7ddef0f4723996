package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voicetutor/internal/config"
	"github.com/MrWong99/voicetutor/pkg/audio"
)

func TestPCMFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    audio.Format
		wantErr bool
	}{
		{in: "", want: defaultTTSFormat},
		{in: "pcm_24000", want: audio.Format{SampleRate: 24000, Channels: 1}},
		{in: "pcm_8000", want: audio.Format{SampleRate: 8000, Channels: 1}},
		{in: "mp3_44100_128", wantErr: true},
		{in: "pcm_", wantErr: true},
		{in: "pcm_-1", wantErr: true},
	}
	for _, tt := range tests {
		got, err := pcmFormat(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("pcmFormat(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("pcmFormat(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("pcmFormat(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()
	opts := map[string]any{
		"language": "de",
		"count":    7,
		"float":    250.0,
		"text":     "300",
		"timeout":  "2s",
		"bad":      "soon",
	}
	if got := optString(opts, "language"); got != "de" {
		t.Errorf("optString = %q", got)
	}
	if got := optString(nil, "language"); got != "" {
		t.Errorf("optString(nil) = %q", got)
	}
	if got := optString(opts, "count"); got != "" {
		t.Errorf("optString on int = %q", got)
	}
	for key, want := range map[string]int{"count": 7, "float": 250, "text": 300} {
		if got, ok := optInt(opts, key); !ok || got != want {
			t.Errorf("optInt(%s) = %d, %v", key, got, ok)
		}
	}
	if _, ok := optInt(opts, "missing"); ok {
		t.Error("optInt(missing) should be false")
	}
	if d, err := optDuration(opts, "timeout"); err != nil || d.Seconds() != 2 {
		t.Errorf("optDuration = %v, %v", d, err)
	}
	if _, err := optDuration(opts, "bad"); err == nil {
		t.Error("optDuration(bad) should fail")
	}
}

func TestFallbackName(t *testing.T) {
	t.Parallel()
	if got := fallbackName(config.ProviderEntry{Name: "ollama", Model: "llama3"}, 0); got != "ollama/llama3" {
		t.Errorf("got %q", got)
	}
	if got := fallbackName(config.ProviderEntry{Name: "ollama"}, 2); got != "ollama#2" {
		t.Errorf("got %q", got)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{}
	cfg.Providers.LLM = config.ProviderEntry{Name: "ollama", Model: "llama3", BaseURL: "http://localhost:11434"}
	cfg.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "llamafile", Model: "phi", BaseURL: "http://localhost:8080"}}
	cfg.Providers.STT = config.ProviderEntry{Name: "whisper"}

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders error: %v", err)
	}
	if ps.LLM == nil {
		t.Fatal("LLM provider should be set")
	}
	if ps.STT != nil {
		t.Error("unknown STT provider should be skipped")
	}
	if ps.TTS != nil {
		t.Error("TTS should be nil when not configured")
	}
}

func TestBuildProviders_BadTTSFormat(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := &config.Config{}
	cfg.Providers.TTS = config.ProviderEntry{
		Name:    "elevenlabs",
		APIKey:  "key",
		Options: map[string]any{"output_format": "mp3_44100_128"},
	}
	if _, err := buildProviders(cfg, reg); err == nil {
		t.Fatal("expected error for non-PCM output format")
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	for _, format := range []config.LogFormat{config.LogFormatText, config.LogFormatJSON, config.LogFormatPretty} {
		t.Run(string(format), func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			logger, ctl := newLoggerTo(&buf, format, config.LogWarn)

			logger.Info("hidden")
			if buf.Len() != 0 {
				t.Fatalf("info should be filtered at warn level, got %q", buf.String())
			}

			ctl.set(config.LogDebug)
			logger.Debug("visible", "k", "v")
			if !strings.Contains(buf.String(), "visible") {
				t.Errorf("debug should pass after lowering the level, got %q", buf.String())
			}
			if !logger.Enabled(context.Background(), slog.LevelDebug) {
				t.Error("logger should report debug enabled")
			}
		})
	}
}

func TestCheckConfigCommand(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "voicetutor.yaml")
	if err := os.WriteFile(path, []byte("tutor: {base_url: http://localhost:9000}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"check-config", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("check-config error: %v (output %q)", err, out.String())
	}
	if !strings.Contains(out.String(), "ok") {
		t.Errorf("output = %q", out.String())
	}
}
