package audio

import (
	"log/slog"
	"sync"
)

const defaultPipeDepth = 128

// Pipe is a [Source] fed by Write. It is the hand-off point between a
// transport goroutine receiving microphone frames and whichever capture
// attempt is currently reading.
//
// Writes never block: when no attempt is draining the pipe and the buffer is
// full, the oldest chunk is dropped. Pipe is safe for concurrent use.
type Pipe struct {
	format Format
	ch     chan []byte

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewPipe returns a pipe carrying audio in format f. depth bounds the number
// of buffered chunks; values <= 0 select a default.
func NewPipe(f Format, depth int) *Pipe {
	if depth <= 0 {
		depth = defaultPipeDepth
	}
	return &Pipe{format: f, ch: make(chan []byte, depth)}
}

// Write enqueues a copy of chunk. It returns false if the pipe is closed.
func (p *Pipe) Write(chunk []byte) bool {
	if len(chunk) == 0 {
		return true
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	for {
		select {
		case p.ch <- cp:
			return true
		default:
		}
		select {
		case <-p.ch:
			p.dropped++
			if p.dropped == 1 || p.dropped%1000 == 0 {
				slog.Debug("audio pipe full, dropping oldest chunk", "dropped", p.dropped)
			}
		default:
		}
	}
}

// Frames implements [Source].
func (p *Pipe) Frames() <-chan []byte { return p.ch }

// Format implements [Source].
func (p *Pipe) Format() Format { return p.format }

// Flush implements [Source].
func (p *Pipe) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case <-p.ch:
		default:
			return
		}
	}
}

// Close closes the frame channel. Subsequent writes are rejected. Calling
// Close more than once is safe.
func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.ch)
}

var _ Source = (*Pipe)(nil)
