package voice

import (
	"unicode/utf8"

	"github.com/MrWong99/voicetutor/internal/dispatch"
)

// User-facing messages.
const (
	MsgCaptureUnsupported = "Speech recognition not supported in this environment."
	MsgMicrophoneError    = "Microphone error: "
	MsgNoSpeech           = "No speech detected. Tap to start listening again."
	MsgRateLimited        = "Rate limit reached. Please wait a moment."
	MsgTimeout            = "The tutor took too long to respond. Please try again."
	MsgDispatchFailed     = "Something went wrong. Please try again."
)

// Display limits for published text.
const (
	ReplyDisplayLimit   = 300
	HistoryDisplayLimit = 200
)

// Label returns the status line shown for p.
func Label(p Phase) string {
	switch p {
	case PhaseListening:
		return "Listening..."
	case PhaseThinking:
		return "Thinking..."
	case PhaseSpeaking:
		return "Speaking..."
	default:
		return "Tap to start listening..."
	}
}

// dispatchMessage maps a failed turn to the message the student sees.
func dispatchMessage(cat dispatch.Category) string {
	switch cat {
	case dispatch.CategoryRateLimited:
		return MsgRateLimited
	case dispatch.CategoryTimeout:
		return MsgTimeout
	default:
		return MsgDispatchFailed
	}
}

// Truncate shortens s to at most limit runes, marking the cut with "…".
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
