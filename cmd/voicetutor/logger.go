package main

import (
	"io"
	"log/slog"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/MrWong99/voicetutor/internal/config"
)

// levelControl changes the active log level after startup.
type levelControl struct {
	slogLevel *slog.LevelVar
	charm     *charmlog.Logger
}

func (l levelControl) set(level config.LogLevel) {
	lvl := slogLevel(level)
	l.slogLevel.Set(lvl)
	if l.charm != nil {
		l.charm.SetLevel(charmlog.Level(lvl))
	}
}

func newLogger(format config.LogFormat, level config.LogLevel) (*slog.Logger, levelControl) {
	return newLoggerTo(os.Stderr, format, level)
}

func newLoggerTo(w io.Writer, format config.LogFormat, level config.LogLevel) (*slog.Logger, levelControl) {
	ctl := levelControl{slogLevel: new(slog.LevelVar)}
	ctl.slogLevel.Set(slogLevel(level))

	switch format {
	case config.LogFormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ctl.slogLevel})), ctl
	case config.LogFormatPretty:
		ctl.charm = charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(slogLevel(level)),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			Prefix:          "voicetutor",
		})
		return slog.New(ctl.charm), ctl
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ctl.slogLevel})), ctl
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
