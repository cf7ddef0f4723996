// Package voice implements the hands-free tutoring loop: a session controller
// that turns single-attempt speech capture and one-shot speech playback into a
// continuous, interruptible spoken conversation with a tutor backend.
//
// A [Controller] runs every transition on one event-loop goroutine. Driver and
// dispatcher callbacks never touch session state directly; they post an event
// tagged with the generation that was current when the operation started, and
// the loop drops events whose generation has since moved on. Stop, subject
// changes and every new attempt advance the generation, so a late callback
// from an aborted attempt cannot resurrect a cancelled session.
//
// Capture and playback are never active at the same time: a capture attempt
// is only armed after playback has completed, and playback only starts after
// the attempt that produced the utterance has been aborted.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicetutor/internal/dispatch"
	"github.com/MrWong99/voicetutor/internal/observe"
	"github.com/MrWong99/voicetutor/internal/speakable"
	"github.com/MrWong99/voicetutor/pkg/provider/capture"
	"github.com/MrWong99/voicetutor/pkg/provider/playback"
)

// ErrClosed is returned by commands issued after [Controller.Close].
var ErrClosed = errors.New("voice: session closed")

// Default loop timings.
const (
	DefaultRetryDelay      = 300 * time.Millisecond
	DefaultRelistenDelay   = 500 * time.Millisecond
	DefaultDispatchTimeout = 30 * time.Second
)

// Config holds the dependencies and tuning of one session.
//
// Capture, Playback and Dispatcher are required. Everything else has a usable
// zero value.
type Config struct {
	// SessionID identifies the session in logs and the archive. A random ID
	// is generated when empty.
	SessionID string

	StudentID string

	// SubjectID is the initial subject. See [Controller.SelectSubject].
	SubjectID string

	Capture    capture.Driver
	Playback   playback.Driver
	Dispatcher dispatch.Dispatcher

	// CaptureConfig is passed to every capture attempt. Defaults to
	// [capture.DefaultConfig] when Language is empty.
	CaptureConfig capture.Config

	// Voice configures playback. Defaults to [playback.DefaultOptions] when
	// Language is empty.
	Voice playback.Options

	// Classifier decides which capture error codes are retried. Defaults to
	// [capture.DefaultClassifier].
	Classifier capture.Classifier

	// RetryDelay is the pause before re-arming capture after an attempt that
	// produced nothing.
	RetryDelay time.Duration

	// RelistenDelay is the pause between the end of playback and the next
	// capture attempt.
	RelistenDelay time.Duration

	// DispatchTimeout bounds one tutor round trip.
	DispatchTimeout time.Duration

	// MaxEmptyAttempts stops the loop after this many consecutive attempts
	// without speech. Zero retries forever.
	MaxEmptyAttempts int

	// Commands recognises spoken stop phrases. Optional.
	Commands CommandMatcher

	// Recorder receives every utterance appended to the history. Optional.
	Recorder Recorder

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

func (c *Config) validate() error {
	var errs []error
	if c.Capture == nil {
		errs = append(errs, errors.New("voice: capture driver is required"))
	}
	if c.Playback == nil {
		errs = append(errs, errors.New("voice: playback driver is required"))
	}
	if c.Dispatcher == nil {
		errs = append(errs, errors.New("voice: dispatcher is required"))
	}
	if c.RetryDelay < 0 || c.RelistenDelay < 0 || c.DispatchTimeout < 0 {
		errs = append(errs, errors.New("voice: delays must not be negative"))
	}
	if c.MaxEmptyAttempts < 0 {
		errs = append(errs, fmt.Errorf("voice: max empty attempts must not be negative, got %d", c.MaxEmptyAttempts))
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.CaptureConfig.Language == "" {
		c.CaptureConfig = capture.DefaultConfig()
	}
	if c.Voice.Language == "" {
		c.Voice = playback.DefaultOptions()
	}
	if c.Classifier == nil {
		c.Classifier = capture.DefaultClassifier()
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RelistenDelay == 0 {
		c.RelistenDelay = DefaultRelistenDelay
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller is the session state machine. All methods are safe for
// concurrent use, except that observers must not call them synchronously.
type Controller struct {
	cfg    Config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// Mailbox. post never blocks; run drains the queue in order.
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	// Published snapshots, readable from any goroutine.
	snapMu  sync.RWMutex
	snap    State
	history []Utterance

	// Everything below is owned by the loop goroutine.
	phase      Phase
	loop       bool
	gen        uint64
	subject    string
	transcript string
	reply      string
	errMsg     string
	empties    int

	attempt        capture.Attempt
	speaking       bool
	timer          *time.Timer
	cancelDispatch context.CancelFunc

	observers map[int]Observer
	nextObs   int
}

// New creates a session in the Idle phase and starts its event loop. Call
// Close to release it.
func New(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(observe.WithSession(context.Background(), cfg.SessionID, cfg.StudentID))
	c := &Controller{
		cfg:       cfg,
		log:       cfg.Logger.With("session_id", cfg.SessionID),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		subject:   cfg.SubjectID,
		observers: make(map[int]Observer),
	}
	c.snap = c.state()
	go c.run()
	return c, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.cfg.SessionID }

// ─── Mailbox ─────────────────────────────────────────────────────────────────

func (c *Controller) run() {
	defer close(c.done)
	for range c.wake {
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				closed := c.closed
				c.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			fn()
		}
	}
}

// post enqueues fn for the loop. It reports false once the session is closed.
func (c *Controller) post(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
	c.signal()
	return true
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// do runs fn on the loop and waits for it to finish.
func (c *Controller) do(fn func()) error {
	finished := make(chan struct{})
	if !c.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	<-finished
	return nil
}

// ─── Commands ────────────────────────────────────────────────────────────────

// Start arms the loop and begins listening. It is a no-op unless the session
// is Idle.
func (c *Controller) Start() error {
	return c.do(c.start)
}

// Stop cancels whatever is running and returns to Idle. It is safe in any
// phase and idempotent.
func (c *Controller) Stop() error {
	return c.do(func() {
		c.log.Debug("voice: stop requested", "phase", c.phase.String())
		c.stop()
	})
}

// Toggle starts the loop when Idle and stops it otherwise.
func (c *Controller) Toggle() error {
	return c.do(func() {
		if c.phase == PhaseIdle {
			c.start()
			return
		}
		c.stop()
	})
}

// SelectSubject switches the active subject. Changing subject mid-session
// stops the loop and clears the conversation history so nothing said about
// the previous subject reaches the next dispatch.
func (c *Controller) SelectSubject(id string) error {
	return c.do(func() {
		if id == c.subject {
			return
		}
		c.log.Info("voice: subject changed", "from", c.subject, "to", id)
		c.halt()
		c.clearHistory()
		c.subject = id
		c.reply = ""
		c.errMsg = ""
		c.setPhase(PhaseIdle)
		c.publish()
	})
}

// Reset stops the loop and clears the conversation history.
func (c *Controller) Reset() error {
	return c.do(func() {
		c.halt()
		c.clearHistory()
		c.reply = ""
		c.errMsg = ""
		c.setPhase(PhaseIdle)
		c.publish()
	})
}

// Close stops the session, releases the drivers and ends the event loop.
// Later commands return [ErrClosed]. Close is idempotent.
func (c *Controller) Close() error {
	if err := c.do(c.stop); err != nil {
		return nil
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.signal()
	<-c.done
	c.cancel()
	return nil
}

// Subscribe registers o and immediately delivers the current state to it.
// The returned function removes the observer.
func (c *Controller) Subscribe(o Observer) (func(), error) {
	var id int
	err := c.do(func() {
		id = c.nextObs
		c.nextObs++
		c.observers[id] = o
		if o.OnState != nil {
			o.OnState(c.snapshot())
		}
	})
	if err != nil {
		return func() {}, err
	}
	return func() {
		c.post(func() { delete(c.observers, id) })
	}, nil
}

// State returns the most recently published state.
func (c *Controller) State() State {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// History returns a copy of the conversation so far, oldest first.
func (c *Controller) History() []Utterance {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	out := make([]Utterance, len(c.history))
	copy(out, c.history)
	return out
}

// ─── Transitions (loop goroutine only) ───────────────────────────────────────

func (c *Controller) start() {
	if c.phase != PhaseIdle {
		return
	}
	c.loop = true
	c.transcript = ""
	c.errMsg = ""
	c.empties = 0
	c.setPhase(PhaseListening)
	c.publish()
	c.arm()
}

// arm starts a fresh capture attempt.
func (c *Controller) arm() {
	c.stopTimer()
	c.gen++
	gen := c.gen
	c.transcript = ""

	attempt, err := c.cfg.Capture.Start(c.ctx, c.cfg.CaptureConfig, capture.Listener{
		OnInterim: func(text string) { c.post(func() { c.onInterim(gen, text) }) },
		OnFinal:   func(text string) { c.post(func() { c.onFinal(gen, text) }) },
		OnError:   func(err *capture.Error) { c.post(func() { c.onCaptureError(gen, err) }) },
		OnEnd:     func() { c.post(func() { c.onAttemptEnd(gen) }) },
	})
	if err != nil {
		c.onStartError(err)
		return
	}
	c.attempt = attempt
	c.log.Debug("voice: capture armed", "generation", gen)
	c.publish()
}

func (c *Controller) onStartError(err error) {
	if errors.Is(err, capture.ErrUnsupported) {
		c.cfg.Metrics.RecordCaptureError(c.ctx, capture.CategoryFatal.String())
		c.fail(MsgCaptureUnsupported, err)
		return
	}
	cat := c.cfg.Classifier.ClassifyErr(err)
	c.cfg.Metrics.RecordCaptureError(c.ctx, cat.String())
	if cat == capture.CategoryFatal {
		c.fail(MsgMicrophoneError+captureDetail(err), err)
		return
	}
	c.log.Debug("voice: capture could not start, retrying", "err", err)
	c.retry()
}

func (c *Controller) onInterim(gen uint64, text string) {
	if gen != c.gen || c.phase != PhaseListening {
		return
	}
	c.transcript = text
	c.publish()
}

func (c *Controller) onFinal(gen uint64, text string) {
	if gen != c.gen || c.phase != PhaseListening || !c.loop {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		// Whitespace counts as nothing heard; the end of the attempt re-arms.
		return
	}
	if c.cfg.Commands != nil {
		if phrase, ok := c.cfg.Commands.Match(text); ok {
			c.log.Info("voice: stop phrase recognised", "phrase", phrase, "transcript", text)
			c.stop()
			return
		}
	}
	c.think(text)
}

func (c *Controller) onCaptureError(gen uint64, err *capture.Error) {
	if gen != c.gen || c.phase != PhaseListening {
		return
	}
	cat := c.cfg.Classifier.Classify(err.Code)
	c.cfg.Metrics.RecordCaptureError(c.ctx, cat.String())
	switch cat {
	case capture.CategoryFatal:
		c.fail(MsgMicrophoneError+captureDetail(err), err)
	default:
		// Recoverable and ignored errors both wait for the end of the
		// attempt, which re-arms while the loop is active.
		c.log.Debug("voice: capture error", "code", err.Code, "category", cat.String())
	}
}

func (c *Controller) onAttemptEnd(gen uint64) {
	if gen != c.gen {
		return
	}
	c.attempt = nil
	if c.phase != PhaseListening {
		return
	}
	if !c.loop {
		c.setPhase(PhaseIdle)
		c.publish()
		return
	}
	c.retry()
}

// retry schedules the next attempt after an attempt that heard nothing.
func (c *Controller) retry() {
	c.empties++
	if limit := c.cfg.MaxEmptyAttempts; limit > 0 && c.empties >= limit {
		c.log.Info("voice: no speech, giving up", "attempts", c.empties)
		c.halt()
		c.errMsg = MsgNoSpeech
		c.setPhase(PhaseIdle)
		c.publish()
		return
	}
	c.cfg.Metrics.CaptureRetries.Add(c.ctx, 1)
	c.transcript = ""
	c.publish()
	c.schedule(c.cfg.RetryDelay)
}

// schedule re-arms capture after d unless the generation moves on first.
func (c *Controller) schedule(d time.Duration) {
	c.stopTimer()
	gen := c.gen
	c.timer = time.AfterFunc(d, func() {
		c.post(func() {
			if gen != c.gen || !c.loop || c.phase != PhaseListening {
				return
			}
			c.timer = nil
			c.arm()
		})
	})
}

func (c *Controller) think(text string) {
	if c.attempt != nil {
		c.attempt.Abort()
		c.attempt = nil
	}
	c.stopTimer()
	c.gen++
	gen := c.gen
	c.empties = 0
	c.transcript = ""

	prior := c.turns()
	c.appendUtterance(RoleUser, text)
	c.setPhase(PhaseThinking)
	c.publish()

	req := dispatch.Request{
		History:   prior,
		Query:     text,
		SubjectID: c.subject,
		StudentID: c.cfg.StudentID,
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DispatchTimeout)
	c.cancelDispatch = cancel
	start := time.Now()

	// Fires on expiry even if the dispatcher ignores ctx.
	context.AfterFunc(ctx, func() {
		if err := dispatch.ContextError(ctx, "session"); isTimeout(err) {
			c.post(func() { c.onReply(gen, "", err, start) })
		}
	})
	go func() {
		reply, err := c.cfg.Dispatcher.Send(ctx, req)
		c.post(func() { c.onReply(gen, reply, err, start) })
	}()
}

func (c *Controller) onReply(gen uint64, reply string, err error, start time.Time) {
	if gen != c.gen || c.phase != PhaseThinking {
		return
	}
	if c.cancelDispatch != nil {
		c.cancelDispatch()
		c.cancelDispatch = nil
	}
	c.cfg.Metrics.TurnDuration.Record(c.ctx, time.Since(start).Seconds())
	if err != nil {
		cat := dispatch.CategoryOf(err)
		c.cfg.Metrics.RecordDispatchError(c.ctx, cat.String())
		c.fail(dispatchMessage(cat), err)
		return
	}

	reply = dispatch.ReplyOrFallback(reply)
	c.appendUtterance(RoleAgent, reply)
	c.reply = Truncate(reply, ReplyDisplayLimit)
	c.speak(reply)
}

func (c *Controller) speak(reply string) {
	c.gen++
	gen := c.gen
	text := speakable.Text(reply)
	if text == "" {
		text = reply
	}
	c.speaking = true
	c.setPhase(PhaseSpeaking)
	c.publish()

	start := time.Now()
	c.cfg.Playback.Speak(text, c.cfg.Voice, func(err error) {
		c.post(func() { c.onSpoken(gen, err, start) })
	})
}

func (c *Controller) onSpoken(gen uint64, err error, start time.Time) {
	if gen != c.gen {
		return
	}
	c.speaking = false
	c.cfg.Metrics.PlaybackDuration.Record(c.ctx, time.Since(start).Seconds())
	if err != nil && !errors.Is(err, playback.ErrCancelled) {
		// Not hearing the reply is survivable; keep the conversation going.
		c.cfg.Metrics.PlaybackErrors.Add(c.ctx, 1)
		c.log.Warn("voice: playback failed", "err", err)
	}
	if !c.loop {
		c.setPhase(PhaseIdle)
		c.publish()
		return
	}
	c.setPhase(PhaseListening)
	c.publish()
	c.schedule(c.cfg.RelistenDelay)
}

// stop halts the loop and settles at Idle, keeping any error message.
func (c *Controller) stop() {
	c.halt()
	c.setPhase(PhaseIdle)
	c.publish()
}

// fail stops the loop and surfaces msg.
func (c *Controller) fail(msg string, err error) {
	c.log.Warn("voice: session stopped", "phase", c.phase.String(), "reason", msg, "err", err)
	c.halt()
	c.errMsg = msg
	c.setPhase(PhaseIdle)
	c.publish()
}

// halt clears LoopControl, invalidates every outstanding callback and
// releases whichever driver is active.
func (c *Controller) halt() {
	c.loop = false
	c.gen++
	c.empties = 0
	c.transcript = ""
	c.stopTimer()
	if c.attempt != nil {
		c.attempt.Abort()
		c.attempt = nil
	}
	if c.cancelDispatch != nil {
		c.cancelDispatch()
		c.cancelDispatch = nil
	}
	if c.speaking {
		c.cfg.Playback.Cancel()
		c.speaking = false
	}
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) setPhase(p Phase) {
	if p == c.phase {
		return
	}
	c.log.Debug("voice: phase transition",
		"from", c.phase.String(),
		"to", p.String(),
		"generation", c.gen,
	)
	c.cfg.Metrics.RecordTransition(c.ctx, c.phase.String(), p.String())
	c.phase = p
}

// ─── History and publication ─────────────────────────────────────────────────

func (c *Controller) appendUtterance(role Role, text string) {
	// V7 IDs sort by creation time, which keeps archived rows in order.
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	u := Utterance{
		ID:        id.String(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
	c.snapMu.Lock()
	c.history = append(c.history, u)
	c.snapMu.Unlock()

	c.cfg.Metrics.RecordUtterance(c.ctx, string(role))
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.Record(ArchiveEntry{
			SessionID: c.cfg.SessionID,
			StudentID: c.cfg.StudentID,
			SubjectID: c.subject,
			Utterance: u,
		})
	}
	for _, o := range c.observers {
		if o.OnUtterance != nil {
			o.OnUtterance(u)
		}
	}
}

func (c *Controller) clearHistory() {
	c.snapMu.Lock()
	c.history = nil
	c.snapMu.Unlock()
}

// turns converts the history into the dispatcher's wire roles.
func (c *Controller) turns() []dispatch.Turn {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	out := make([]dispatch.Turn, 0, len(c.history))
	for _, u := range c.history {
		role := dispatch.RoleUser
		if u.Role == RoleAgent {
			role = dispatch.RoleTutor
		}
		out = append(out, dispatch.Turn{Role: role, Text: u.Text})
	}
	return out
}

func (c *Controller) state() State {
	return State{
		Phase:      c.phase,
		Label:      Label(c.phase),
		Transcript: c.transcript,
		Reply:      c.reply,
		Error:      c.errMsg,
		SubjectID:  c.subject,
		LoopActive: c.loop,
	}
}

func (c *Controller) snapshot() State {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// publish notifies observers when the visible state changed.
func (c *Controller) publish() {
	s := c.state()
	c.snapMu.Lock()
	if s == c.snap {
		c.snapMu.Unlock()
		return
	}
	c.snap = s
	c.snapMu.Unlock()
	for _, o := range c.observers {
		if o.OnState != nil {
			o.OnState(s)
		}
	}
}

func isTimeout(err error) bool {
	return err != nil && dispatch.CategoryOf(err) == dispatch.CategoryTimeout
}

func captureDetail(err error) string {
	var ce *capture.Error
	if errors.As(err, &ce) {
		if ce.Detail != "" {
			return ce.Detail
		}
		return ce.Code
	}
	return err.Error()
}
