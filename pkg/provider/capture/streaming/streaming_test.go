package streaming_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicetutor/pkg/audio"
	"github.com/MrWong99/voicetutor/pkg/provider/capture"
	"github.com/MrWong99/voicetutor/pkg/provider/capture/streaming"
	"github.com/MrWong99/voicetutor/pkg/provider/stt"
	"github.com/MrWong99/voicetutor/pkg/provider/stt/deepgram"
	sttmock "github.com/MrWong99/voicetutor/pkg/provider/stt/mock"
)

// recorder collects the callbacks of one attempt.
type recorder struct {
	mu       sync.Mutex
	interims []string
	finals   []string
	errs     []*capture.Error
	ends     int
	ended    chan struct{}
}

func newRecorder() *recorder { return &recorder{ended: make(chan struct{})} }

func (r *recorder) listener() capture.Listener {
	return capture.Listener{
		OnInterim: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.interims = append(r.interims, text)
		},
		OnFinal: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finals = append(r.finals, text)
		},
		OnError: func(err *capture.Error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnEnd: func() {
			r.mu.Lock()
			r.ends++
			n := r.ends
			r.mu.Unlock()
			if n == 1 {
				close(r.ended)
			}
		},
	}
}

func (r *recorder) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-r.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for end of attempt")
	}
}

var pcm16k = audio.Format{SampleRate: 16000, Channels: 1}

func TestStart_FinalEndsAttempt(t *testing.T) {
	sess := sttmock.NewSession()
	provider := &sttmock.Provider{Session: sess}
	src := audio.NewPipe(pcm16k, 8)
	d := streaming.New(provider, src)

	rec := newRecorder()
	if _, err := d.Start(context.Background(), capture.DefaultConfig(), rec.listener()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sess.PartialsCh <- stt.Transcript{Text: "explain"}
	sess.FinalsCh <- stt.Transcript{Text: "  ", IsFinal: true}
	sess.FinalsCh <- stt.Transcript{Text: "explain loops", IsFinal: true, EndOfSpeech: true}
	rec.waitEnd(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.finals) != 1 || rec.finals[0] != "explain loops" {
		t.Errorf("finals: got %v", rec.finals)
	}
	if len(rec.errs) != 0 {
		t.Errorf("unexpected errors: %v", rec.errs)
	}
	if rec.ends != 1 {
		t.Errorf("OnEnd fired %d times, want 1", rec.ends)
	}
	if !sess.Closed() {
		t.Error("stt session should be closed after the attempt")
	}

	calls := provider.StartStreamCalls
	if len(calls) != 1 || calls[0].Cfg.Language != "en-US" || calls[0].Cfg.SampleRate != 16000 {
		t.Errorf("unexpected StartStream calls: %+v", calls)
	}
}

func TestStart_InterimDisabled(t *testing.T) {
	sess := sttmock.NewSession()
	d := streaming.New(&sttmock.Provider{Session: sess}, audio.NewPipe(pcm16k, 8))

	cfg := capture.DefaultConfig()
	cfg.InterimResults = false
	rec := newRecorder()
	if _, err := d.Start(context.Background(), cfg, rec.listener()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess.PartialsCh <- stt.Transcript{Text: "what"}
	sess.Say("what is a variable")
	rec.waitEnd(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.interims) != 0 {
		t.Errorf("interims should be suppressed, got %v", rec.interims)
	}
}

func TestStart_JoinsSegmentsOfOneQuestion(t *testing.T) {
	tests := []struct {
		name   string
		opts   []streaming.Option
		script func(s *sttmock.Session)
	}{
		{
			name: "end marked on the last segment",
			script: func(s *sttmock.Session) {
				s.Segment("What is a variable")
				s.Hear("and how")
				s.Say("and how do I declare one in Python?")
			},
		},
		{
			name: "separate end marker",
			script: func(s *sttmock.Session) {
				s.Segment("What is a variable")
				s.Segment("and how do I declare one in Python?")
				s.Pause()
			},
		},
		{
			name: "utterance gap",
			opts: []streaming.Option{streaming.WithUtteranceGap(30 * time.Millisecond)},
			script: func(s *sttmock.Session) {
				s.Segment("What is a variable")
				s.Segment("and how do I declare one in Python?")
			},
		},
		{
			name: "recognizer hangs up",
			script: func(s *sttmock.Session) {
				s.Segment("What is a variable")
				s.Segment("and how do I declare one in Python?")
				s.End(nil)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := sttmock.NewSession()
			d := streaming.New(&sttmock.Provider{Session: sess}, audio.NewPipe(pcm16k, 8), tt.opts...)

			rec := newRecorder()
			if _, err := d.Start(context.Background(), capture.DefaultConfig(), rec.listener()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			tt.script(sess)
			rec.waitEnd(t)

			rec.mu.Lock()
			defer rec.mu.Unlock()
			want := "What is a variable and how do I declare one in Python?"
			if len(rec.finals) != 1 || rec.finals[0] != want {
				t.Errorf("finals = %q, want [%q]", rec.finals, want)
			}
			if len(rec.errs) != 0 {
				t.Errorf("unexpected errors: %v", rec.errs)
			}
		})
	}
}

func TestStart_InterimIncludesEarlierSegments(t *testing.T) {
	sess := sttmock.NewSession()
	d := streaming.New(&sttmock.Provider{Session: sess}, audio.NewPipe(pcm16k, 8))

	rec := newRecorder()
	if _, err := d.Start(context.Background(), capture.DefaultConfig(), rec.listener()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess.Segment("What is a variable")
	// Partials and finals are separate channels; let the segment land first.
	time.Sleep(20 * time.Millisecond)
	sess.Hear("and how")

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.mu.Lock()
		got := slices.Clone(rec.interims)
		rec.mu.Unlock()
		if len(got) > 0 {
			if got[0] != "What is a variable and how" {
				t.Errorf("interim = %q", got[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no interim result")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess.Pause()
	rec.waitEnd(t)
}

func TestStart_EndMarkerWithoutSpeechKeepsListening(t *testing.T) {
	sess := sttmock.NewSession()
	d := streaming.New(&sttmock.Provider{Session: sess}, audio.NewPipe(pcm16k, 8))

	rec := newRecorder()
	if _, err := d.Start(context.Background(), capture.DefaultConfig(), rec.listener()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess.Pause()
	sess.Say("define recursion")
	rec.waitEnd(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.finals) != 1 || rec.finals[0] != "define recursion" {
		t.Errorf("finals = %q", rec.finals)
	}
}

func TestStart_SilenceTimeoutIsNoSpeech(t *testing.T) {
	d := streaming.New(&sttmock.Provider{}, audio.NewPipe(pcm16k, 8), streaming.WithSilenceTimeout(20*time.Millisecond))

	rec := newRecorder()
	if _, err := d.Start(context.Background(), capture.DefaultConfig(), rec.listener()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitEnd(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || rec.errs[0].Code != capture.CodeNoSpeech {
		t.Fatalf("expected one no-speech error, got %v", rec.errs)
	}
	if len(rec.finals) != 0 {
		t.Errorf("unexpected finals %v", rec.finals)
	}
}

func TestAbort_EndsOnceWithoutError(t *testing.T) {
	sess := sttmock.NewSession()
	d := streaming.New(&sttmock.Provider{Session: sess}, audio.NewPipe(pcm16k, 8))

	rec := newRecorder()
	a, err := d.Start(context.Background(), capture.DefaultConfig(), rec.listener())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	a.Abort()
	a.Abort()
	rec.waitEnd(t)
	a.Abort()

	// Give a stray second OnEnd a chance to show up.
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ends != 1 {
		t.Errorf("OnEnd fired %d times, want 1", rec.ends)
	}
	if len(rec.errs) != 0 {
		t.Errorf("abort should not report an error, got %v", rec.errs)
	}
	if !sess.Closed() {
		t.Error("stt session should be closed after abort")
	}
}

func TestStart_ForwardsOnlyFreshAudio(t *testing.T) {
	sess := sttmock.NewSession()
	src := audio.NewPipe(pcm16k, 8)
	src.Write([]byte{9, 9}) // recorded before the attempt
	d := streaming.New(&sttmock.Provider{Session: sess}, src)

	rec := newRecorder()
	a, err := d.Start(context.Background(), capture.DefaultConfig(), rec.listener())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Write([]byte{1, 1})

	deadline := time.Now().Add(2 * time.Second)
	for sess.SendAudioCallCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	a.Abort()
	rec.waitEnd(t)

	if n := sess.SendAudioCallCount(); n != 1 {
		t.Fatalf("expected 1 forwarded chunk, got %d", n)
	}
	if got := sess.SendAudioCalls[0]; got[0] != 1 {
		t.Errorf("forwarded stale audio %v", got)
	}
}

func TestStart_SessionFailureIsNetworkError(t *testing.T) {
	sess := sttmock.NewSession()
	d := streaming.New(&sttmock.Provider{Session: sess}, audio.NewPipe(pcm16k, 8))

	rec := newRecorder()
	if _, err := d.Start(context.Background(), capture.DefaultConfig(), rec.listener()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess.End(errors.New("socket reset"))
	rec.waitEnd(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || rec.errs[0].Code != capture.CodeNetwork {
		t.Fatalf("expected one network error, got %v", rec.errs)
	}
}

func TestStart_MicrophoneClosed(t *testing.T) {
	src := audio.NewPipe(pcm16k, 8)
	d := streaming.New(&sttmock.Provider{}, src)

	rec := newRecorder()
	if _, err := d.Start(context.Background(), capture.DefaultConfig(), rec.listener()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Close()
	rec.waitEnd(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || rec.errs[0].Code != capture.CodeAudioCapture {
		t.Fatalf("expected one audio-capture error, got %v", rec.errs)
	}
}

func TestStart_Errors(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		_, err := streaming.New(nil, nil).Start(context.Background(), capture.DefaultConfig(), capture.Listener{})
		if !errors.Is(err, capture.ErrUnsupported) {
			t.Errorf("expected ErrUnsupported, got %v", err)
		}
	})
	t.Run("stream refused", func(t *testing.T) {
		d := streaming.New(&sttmock.Provider{StartStreamErr: errors.New("401")}, audio.NewPipe(pcm16k, 8))
		_, err := d.Start(context.Background(), capture.DefaultConfig(), capture.Listener{})
		var ce *capture.Error
		if !errors.As(err, &ce) || ce.Code != capture.CodeNetwork {
			t.Errorf("expected network capture error, got %v", err)
		}
	})
}

// TestStart_DeepgramSegmentedQuestion runs an attempt against the real
// Deepgram client and a fake server that finalizes one question in two
// segments, the way Deepgram does when the student pauses mid-sentence.
func TestStart_DeepgramSegmentedQuestion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		for _, msg := range []string{
			`{"type":"Results","is_final":true,"speech_final":false,"channel":{"alternatives":[{"transcript":"What is a variable"}]}}`,
			`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"and how do I declare one in Python?"}]}}`,
		} {
			if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	dg, err := deepgram.New("key", deepgram.WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("deepgram.New: %v", err)
	}
	src := audio.NewPipe(pcm16k, 8)
	d := streaming.New(dg, src)

	rec := newRecorder()
	if _, err := d.Start(context.Background(), capture.DefaultConfig(), rec.listener()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Write(make([]byte, 320))
	rec.waitEnd(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := "What is a variable and how do I declare one in Python?"
	if len(rec.finals) != 1 || rec.finals[0] != want {
		t.Errorf("finals = %q, want [%q]", rec.finals, want)
	}
}
