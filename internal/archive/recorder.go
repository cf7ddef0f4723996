package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/voicetutor/internal/observe"
	"github.com/MrWong99/voicetutor/internal/voice"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithQueueSize sets how many entries may wait for the database before new
// ones are dropped.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan voice.ArchiveEntry, n)
		}
	}
}

// WithWriteTimeout bounds each database write.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.writeTimeout = d }
}

// WithMetrics sets the metrics used to count dropped entries.
func WithMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// Recorder is a [voice.Recorder] that writes entries to a [Store] from a
// background goroutine. Record never blocks; when the queue is full the entry
// is dropped and counted.
type Recorder struct {
	store        Store
	queue        chan voice.ArchiveEntry
	writeTimeout time.Duration
	metrics      *observe.Metrics
}

var _ voice.Recorder = (*Recorder)(nil)

// NewRecorder returns a recorder for store. Call Run to start writing.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:        store,
		queue:        make(chan voice.ArchiveEntry, defaultQueueSize),
		writeTimeout: defaultWriteTimeout,
		metrics:      observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record queues e for writing.
func (r *Recorder) Record(e voice.ArchiveEntry) {
	select {
	case r.queue <- e:
	default:
		r.metrics.ArchiveDropped.Add(context.Background(), 1)
		slog.Warn("archive: queue full, dropping utterance",
			"session_id", e.SessionID,
			"utterance_id", e.Utterance.ID,
		)
	}
}

// Run writes queued entries until ctx is cancelled, then flushes whatever is
// still queued. Write failures are logged and do not stop the recorder.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.queue:
			r.write(context.WithoutCancel(ctx), e)
		case <-ctx.Done():
			r.flush(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, e voice.ArchiveEntry) {
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	if err := r.store.Append(ctx, e); err != nil {
		slog.Warn("archive: write failed", "session_id", e.SessionID, "err", err)
	}
}
