package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// Loop, playback, capture and command settings are read when a session is
// created, so changes to them reach every session opened after the reload.
// Everything else is bound at startup and listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PlaybackChanged bool
	LoopChanged     bool
	CaptureChanged  bool
	CommandsChanged bool

	// RestartRequired names the top-level sections that changed but are only
	// applied on restart.
	RestartRequired []string
}

// SessionSettingsChanged reports whether anything applied to new sessions
// changed.
func (d ConfigDiff) SessionSettingsChanged() bool {
	return d.PlaybackChanged || d.LoopChanged || d.CaptureChanged || d.CommandsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.PlaybackChanged = !reflect.DeepEqual(old.Playback, new.Playback)
	d.LoopChanged = old.Loop != new.Loop
	d.CaptureChanged = !captureEqual(old.Capture, new.Capture)
	d.CommandsChanged = old.Commands.Disabled != new.Commands.Disabled ||
		!slices.Equal(old.Commands.StopPhrases, new.Commands.StopPhrases)

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Tutor, new.Tutor) {
		d.RestartRequired = append(d.RestartRequired, "tutor")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	return d
}

func captureEqual(a, b CaptureConfig) bool {
	return a.Driver() == b.Driver() &&
		a.SilenceTimeout == b.SilenceTimeout &&
		a.UtteranceGap == b.UtteranceGap &&
		maps.Equal(a.Codes, b.Codes)
}
