// Package web bridges browser clients to voice sessions over a websocket.
//
// Each connection owns exactly one session. Text frames from the client carry
// control messages (toggle, start, stop, subject, reset); binary frames carry
// microphone audio. The server pushes every published state and utterance as
// JSON text frames and synthesized speech as binary frames. Closing the
// socket closes the session.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrWong99/voicetutor/internal/voice"
	"github.com/MrWong99/voicetutor/pkg/audio"
)

// Defaults for [Options].
const (
	DefaultSampleRate      = 16000
	DefaultControlRate     = rate.Limit(5)
	DefaultControlBurst    = 10
	DefaultMaxMessageBytes = 1 << 20
	defaultWriteTimeout    = 10 * time.Second
	audioQueueDepth        = 32
)

// Session is the part of [voice.Controller] the bridge drives.
type Session interface {
	ID() string
	Start() error
	Stop() error
	Toggle() error
	SelectSubject(id string) error
	Reset() error
	Subscribe(o voice.Observer) (func(), error)
	History() []voice.Utterance
}

var _ Session = (*voice.Controller)(nil)

// OpenRequest describes the session a new connection needs.
type OpenRequest struct {
	StudentID string
	SubjectID string

	// Source delivers the client's microphone audio.
	Source audio.Source

	// Sink carries synthesized speech back to the client.
	Sink audio.Sink

	// Hangup disconnects the client from the server side. The opener calls
	// it when it closes the session on its own, e.g. at shutdown.
	Hangup func()
}

// Opener creates a session for a connection. release is called exactly once
// when the connection ends and must close the session.
type Opener interface {
	Open(ctx context.Context, req OpenRequest) (s Session, release func(), err error)
}

// Options configures a [Handler].
type Options struct {
	// AllowedOrigins lists host patterns accepted for cross-origin
	// connections. Empty allows same-origin clients only.
	AllowedOrigins []string

	// Encoding of audio frames in both directions.
	Encoding audio.Encoding

	// SampleRate of audio frames in both directions.
	SampleRate int

	// ControlRate and ControlBurst bound how fast a client may send control
	// messages. Excess messages are rejected with an error frame.
	ControlRate  rate.Limit
	ControlBurst int

	// MaxMessageBytes caps a single inbound frame.
	MaxMessageBytes int64
}

func (o *Options) applyDefaults() {
	if o.Encoding == "" {
		o.Encoding = audio.EncodingPCM16
	}
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.ControlRate <= 0 {
		o.ControlRate = DefaultControlRate
	}
	if o.ControlBurst <= 0 {
		o.ControlBurst = DefaultControlBurst
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
}

// Handler upgrades requests to voice session websockets.
type Handler struct {
	opener Opener
	opts   Options
}

// NewHandler returns a Handler that opens sessions through o.
func NewHandler(o Opener, opts Options) *Handler {
	opts.applyDefaults()
	return &Handler{opener: o, opts: opts}
}

// ServeHTTP implements [http.Handler]. The query must carry student_id;
// subject_id is optional.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	studentID := q.Get("student_id")
	if studentID == "" {
		http.Error(w, "student_id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("web: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.opts.MaxMessageBytes)

	ctx, hangup := context.WithCancel(r.Context())
	defer hangup()

	cl := newClient(conn, h.opts)
	sess, release, err := h.opener.Open(ctx, OpenRequest{
		StudentID: studentID,
		SubjectID: q.Get("subject_id"),
		Source:    cl.pipe,
		Sink:      cl.sink,
		Hangup:    hangup,
	})
	if err != nil {
		slog.Error("web: open session", "student_id", studentID, "err", err)
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	cl.log = slog.With("session_id", sess.ID(), "student_id", studentID)
	cl.log.Info("web: client connected", "remote", r.RemoteAddr)

	err = cl.serve(ctx, sess)
	hungUp := ctx.Err() != nil && r.Context().Err() == nil

	cl.sink.close()
	release()
	cl.pipe.Close()

	if hungUp {
		cl.log.Info("web: session closed by server")
		conn.Close(websocket.StatusGoingAway, "session closed")
		return
	}
	if err != nil {
		cl.log.Warn("web: connection ended with error", "err", err)
		conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	cl.log.Info("web: client disconnected")
	conn.Close(websocket.StatusNormalClosure, "")
}

// ─── Client ──────────────────────────────────────────────────────────────────

type client struct {
	conn     *websocket.Conn
	encoding audio.Encoding
	pipe     *audio.Pipe
	sink     *socketSink
	limiter  *rate.Limiter
	log      *slog.Logger

	mu     sync.Mutex
	outbox []any
	wake   chan struct{}
}

func newClient(conn *websocket.Conn, opts Options) *client {
	f := audio.Format{SampleRate: opts.SampleRate, Channels: 1}
	c := &client{
		conn:     conn,
		encoding: opts.Encoding,
		pipe:     audio.NewPipe(f, 0),
		limiter:  rate.NewLimiter(opts.ControlRate, opts.ControlBurst),
		log:      slog.Default(),
		wake:     make(chan struct{}, 1),
	}
	c.sink = newSocketSink(f, opts.Encoding, audioQueueDepth, func() {
		c.enqueue(NoticeFrame{Type: FrameClear})
	})
	return c
}

// serve runs the connection until the client goes away or ctx is done.
func (c *client) serve(ctx context.Context, sess Session) error {
	history := sess.History()
	hf := HistoryFrame{Type: FrameHistory, SessionID: sess.ID(), Utterances: make([]UtteranceFrame, 0, len(history))}
	for _, u := range history {
		hf.Utterances = append(hf.Utterances, utteranceFrame(u))
	}
	c.enqueue(hf)

	// Observers run on the session loop; enqueue never blocks it.
	unsubscribe, err := sess.Subscribe(voice.Observer{
		OnState:     func(s voice.State) { c.enqueue(stateFrame(s)) },
		OnUtterance: func(u voice.Utterance) { c.enqueue(utteranceFrame(u)) },
	})
	if err != nil {
		return fmt.Errorf("web: subscribe: %w", err)
	}
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(ctx, sess) })
	g.Go(func() error { return c.writeLoop(ctx) })
	err = g.Wait()
	if errors.Is(err, errClientGone) {
		return nil
	}
	return err
}

// errClientGone stops the write loop once the reader has seen the close.
var errClientGone = errors.New("web: client gone")

func (c *client) readLoop(ctx context.Context, sess Session) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				return errClientGone
			}
			return fmt.Errorf("web: read: %w", err)
		}
		switch typ {
		case websocket.MessageBinary:
			c.pipe.Write(c.encoding.Decode(data))
		case websocket.MessageText:
			c.handleControl(sess, data)
		}
	}
}

func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
			for _, frame := range c.takeOutbox() {
				if err := c.writeJSON(ctx, frame); err != nil {
					return err
				}
			}
		case chunk := <-c.sink.Frames():
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := c.conn.Write(wctx, websocket.MessageBinary, chunk)
			cancel()
			if err != nil {
				return writeErr(ctx, err)
			}
		}
	}
}

func (c *client) writeJSON(ctx context.Context, v any) error {
	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, c.conn, v); err != nil {
		return writeErr(ctx, err)
	}
	return nil
}

func writeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("web: write: %w", err)
}

func (c *client) handleControl(sess Session, data []byte) {
	if !c.limiter.Allow() {
		c.enqueue(NoticeFrame{Type: FrameError, Message: "too many commands, slow down"})
		return
	}
	var msg Control
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(NoticeFrame{Type: FrameError, Message: "malformed control message"})
		return
	}

	var err error
	switch msg.Type {
	case ControlToggle:
		err = sess.Toggle()
	case ControlStart:
		err = sess.Start()
	case ControlStop:
		err = sess.Stop()
	case ControlSubject:
		err = sess.SelectSubject(msg.SubjectID)
	case ControlReset:
		err = sess.Reset()
	default:
		c.enqueue(NoticeFrame{Type: FrameError, Message: fmt.Sprintf("unknown control %q", msg.Type)})
		return
	}
	if err != nil {
		c.log.Warn("web: control failed", "control", msg.Type, "err", err)
		c.enqueue(NoticeFrame{Type: FrameError, Message: "session unavailable"})
		return
	}
	c.log.Debug("web: control", "control", msg.Type, "subject_id", msg.SubjectID)
}

// ─── Outbox ──────────────────────────────────────────────────────────────────

func (c *client) enqueue(frame any) {
	c.mu.Lock()
	c.outbox = append(c.outbox, frame)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *client) takeOutbox() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out
}
