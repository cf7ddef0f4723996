// Package tts is the speech synthesis seam. The voice loop speaks through
// playback/synth, which adds exactly-once completion and cancellation on top
// of [Provider].
package tts

import "context"

// Provider turns streamed text into streamed PCM. Implementations are safe
// for concurrent use.
type Provider interface {
	// SynthesizeStream speaks fragments read from text until text closes.
	// Only a stream that cannot start returns an error; later failures are
	// reported by the stream.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (Stream, error)

	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// Stream is the audio of one synthesis.
type Stream interface {
	// Audio closes when speech is done, synthesis fails or ctx ends.
	Audio() <-chan []byte

	// Err is why synthesis stopped before the end of the text. It is nil
	// for complete and cancelled streams, and only meaningful once Audio is
	// closed.
	Err() error
}
