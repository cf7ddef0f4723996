// Package stt is the streaming speech recognition seam. A session takes PCM
// chunks and yields two transcript streams: partials to show while the
// student talks and finals to act on.
//
// The voice loop reaches this package through capture/streaming, which
// reduces a session to one capture attempt.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// Transcript is one recognition result, partial or final.
//
// Recognizers may commit one spoken question as several finals. EndOfSpeech
// marks the final that closes it; such a final may carry no text at all.
type Transcript struct {
	Text        string
	IsFinal     bool
	EndOfSpeech bool
	Confidence  float64 // 0..1, zero when not reported

	// Timestamp is the utterance start relative to the session start.
	Timestamp time.Duration
	Duration  time.Duration
}

// KeywordBoost raises the odds of recognizing an uncommon term, e.g. a
// lesson's vocabulary. Boost is backend specific.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// StreamConfig describes the audio a session will receive. Zero values let
// the provider pick; an empty Language may mean autodetect.
type StreamConfig struct {
	SampleRate int
	Channels   int
	Language   string
	Keywords   []KeywordBoost
}

// SessionHandle is one open recognition stream. Its methods are safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio queues a PCM chunk. After Close it returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials and Finals are closed when the session ends.
	Partials() <-chan Transcript
	Finals() <-chan Transcript

	// Err is why the session ended early, or nil while running and after a
	// clean Close.
	Err() error

	// Close ends the session. It is idempotent and always returns nil once
	// the transcript channels are closed.
	Close() error
}

// Provider opens recognition streams. ctx bounds only the setup.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
