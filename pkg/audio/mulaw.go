package audio

import (
	"fmt"

	"github.com/zaf/g711"
)

// Encoding names the wire encoding of audio exchanged with a client.
type Encoding string

const (
	// EncodingPCM16 is raw 16-bit little-endian PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingMulaw is 8-bit G.711 μ-law, as sent by telephony gateways.
	EncodingMulaw Encoding = "mulaw"
)

// ParseEncoding validates an encoding name. The empty string maps to
// [EncodingPCM16].
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingPCM16:
		return EncodingPCM16, nil
	case EncodingMulaw:
		return EncodingMulaw, nil
	default:
		return "", fmt.Errorf("audio: unknown encoding %q", s)
	}
}

// Decode converts wire bytes in encoding e to 16-bit PCM.
func (e Encoding) Decode(b []byte) []byte {
	if e == EncodingMulaw {
		return g711.DecodeUlaw(b)
	}
	return b
}

// Encode converts 16-bit PCM to wire bytes in encoding e.
func (e Encoding) Encode(pcm []byte) []byte {
	if e == EncodingMulaw {
		return g711.EncodeUlaw(pcm)
	}
	return pcm
}
