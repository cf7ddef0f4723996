package audio

import (
	"encoding/binary"
	"log/slog"
)

// Converter adapts PCM chunks between two formats, typically the browser's
// capture format and what the recognizer or speaker expects. It is not safe
// for concurrent use; create one per stream.
type Converter struct {
	From, To Format

	noted   bool
	dropped bool
}

// Convert returns pcm in the target format, or nil for a chunk that is not
// a whole number of samples. Channels are mixed down before resampling and
// spread out after it, so the resampler always works on mono.
func (c *Converter) Convert(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		if !c.dropped {
			c.dropped = true
			slog.Warn("audio: dropping chunk with a partial sample", "bytes", len(pcm))
		}
		return nil
	}
	if c.From == c.To || c.From.SampleRate == 0 || c.To.SampleRate == 0 {
		return pcm
	}
	if !c.noted {
		c.noted = true
		slog.Debug("audio: converting stream", "from", c.From.String(), "to", c.To.String())
	}

	if c.From.Channels > 1 && c.To.Channels < c.From.Channels {
		pcm = Downmix(pcm, c.From.Channels)
	}
	pcm = Resample(pcm, c.From.SampleRate, c.To.SampleRate)
	if c.To.Channels > 1 && c.From.Channels < c.To.Channels {
		pcm = Upmix(pcm, c.To.Channels)
	}
	return pcm
}

func sample(pcm []byte, i int) int16 { return int16(binary.LittleEndian.Uint16(pcm[2*i:])) }

func putSample(pcm []byte, i int, s int16) { binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s)) }

// Downmix averages interleaved frames of n channels into mono. A trailing
// partial frame is dropped.
func Downmix(pcm []byte, n int) []byte {
	if n <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * n)
	out := make([]byte, 2*frames)
	for f := range frames {
		var sum int32
		for ch := range n {
			sum += int32(sample(pcm, f*n+ch))
		}
		putSample(out, f, int16(sum/int32(n)))
	}
	return out
}

// Upmix copies each mono sample into n interleaved channels.
func Upmix(pcm []byte, n int) []byte {
	if n <= 1 {
		return pcm
	}
	samples := len(pcm) / 2
	out := make([]byte, 2*samples*n)
	for i := range samples {
		s := sample(pcm, i)
		for ch := range n {
			putSample(out, i*n+ch, s)
		}
	}
	return out
}

// Resample converts mono PCM from one rate to another by linear
// interpolation. Non-positive or equal rates return pcm unchanged.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 2 {
		return pcm
	}
	in := len(pcm) / 2
	n := int(int64(in) * int64(to) / int64(from))
	if n == 0 {
		return nil
	}
	out := make([]byte, 2*n)
	step := float64(from) / float64(to)
	for i := range n {
		pos := float64(i) * step
		j := int(pos)
		a := float64(sample(pcm, j))
		b := a
		if j+1 < in {
			b = float64(sample(pcm, j+1))
		}
		frac := pos - float64(j)
		putSample(out, i, int16(a+(b-a)*frac))
	}
	return out
}
