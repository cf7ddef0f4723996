// Package playback defines the speech output contract the voice loop drives.
//
// Speak is fire-and-forget but deterministically produces exactly one
// completion callback per call, whether speech finished, failed or was
// cancelled. A new Speak cancels whatever is still playing, so audio never
// overlaps.
package playback

import (
	"errors"
	"strings"
)

// ErrCancelled is passed to the completion callback of speech that was
// interrupted by Cancel or by a newer Speak.
var ErrCancelled = errors.New("playback: cancelled")

// Options is the synthesis configuration surface.
type Options struct {
	// Language is the preferred BCP-47 voice locale (e.g., "en-GB").
	Language string

	// Rate scales speaking speed; 1.0 is normal.
	Rate float64

	// Pitch scales voice pitch; 1.0 is normal.
	Pitch float64

	// VoicePatterns lists substrings of preferred voice names in priority
	// order. See SelectVoice.
	VoicePatterns []string
}

// DefaultOptions returns the tutoring voice settings: a British English voice
// slightly slower than normal.
func DefaultOptions() Options {
	return Options{
		Language:      "en-GB",
		Rate:          0.95,
		Pitch:         1.0,
		VoicePatterns: []string{"Google", "Natural", "British"},
	}
}

// Driver wraps a text-to-speech capability.
type Driver interface {
	// Speak cancels any current speech and starts speaking text. done is
	// invoked exactly once, from any goroutine, with nil on success,
	// ErrCancelled when interrupted, or the synthesis/output error.
	Speak(text string, opts Options, done func(error))

	// Cancel stops current speech. It is a no-op when nothing is playing.
	Cancel()
}

// Voice is an installed synthesis voice.
type Voice struct {
	ID       string
	Name     string
	Language string
}

// SelectVoice picks the first voice whose language matches lang and whose name
// contains any of patterns, then the first voice matching lang alone. ok is
// false when nothing matches and the driver's default voice should be used.
// Language comparison ignores case and treats "_" like "-".
func SelectVoice(voices []Voice, lang string, patterns []string) (Voice, bool) {
	want := normalizeLang(lang)
	var fallback *Voice
	for i := range voices {
		v := &voices[i]
		if want != "" && normalizeLang(v.Language) != want {
			continue
		}
		for _, p := range patterns {
			if p != "" && strings.Contains(v.Name, p) {
				return *v, true
			}
		}
		if fallback == nil {
			fallback = v
		}
	}
	if fallback != nil && want != "" {
		return *fallback, true
	}
	return Voice{}, false
}

func normalizeLang(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "-"))
}
