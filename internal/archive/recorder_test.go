package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicetutor/internal/observe"
	"github.com/MrWong99/voicetutor/internal/voice"
)

type fakeStore struct {
	mu      sync.Mutex
	entries []voice.ArchiveEntry
	err     error
	block   chan struct{}
}

func (s *fakeStore) Append(ctx context.Context, e voice.ArchiveEntry) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func entry(id string) voice.ArchiveEntry {
	e := sampleEntry()
	e.Utterance.ID = id
	return e
}

func TestRecorder_WritesInOrder(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	r := NewRecorder(store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	for _, id := range []string{"a", "b", "c"} {
		r.Record(entry(id))
	}
	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(store.entries))
	}
	for i, id := range []string{"a", "b", "c"} {
		if store.entries[i].Utterance.ID != id {
			t.Errorf("entry %d = %q, want %q", i, store.entries[i].Utterance.ID, id)
		}
	}
}

func TestRecorder_FlushesOnShutdown(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	r := NewRecorder(store)
	r.Record(entry("a"))
	r.Record(entry("b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.count() != 2 {
		t.Errorf("flushed %d entries, want 2", store.count())
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	r := NewRecorder(&fakeStore{}, WithQueueSize(2), WithMetrics(metrics))
	start := time.Now()
	for _, id := range []string{"a", "b", "c", "d"} {
		r.Record(entry(id))
	}
	if time.Since(start) > time.Second {
		t.Error("Record must not block on a full queue")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var dropped int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "voicetutor.archive.dropped" {
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					dropped += dp.Value
				}
			}
		}
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestRecorder_WriteFailureKeepsGoing(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("db down")}
	r := NewRecorder(store, WithWriteTimeout(10*time.Millisecond))
	r.Record(entry("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Errorf("Run should swallow write errors, got %v", err)
	}
}

func TestRecorder_WriteTimeout(t *testing.T) {
	t.Parallel()

	store := &fakeStore{block: make(chan struct{})}
	r := NewRecorder(store, WithWriteTimeout(10*time.Millisecond))
	r.Record(entry("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	_ = r.Run(ctx)
	if time.Since(start) > time.Second {
		t.Error("a hung write should be cut off by the write timeout")
	}
	if store.count() != 0 {
		t.Error("timed-out write should not be stored")
	}
}
