package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func probe(ctx context.Context, t *testing.T, h http.Handler, path string) (int, Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("%s Content-Type = %q", path, ct)
	}
	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("%s: decode: %v", path, err)
	}
	return rec.Code, rep
}

func mounted(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func TestProbes(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	refused := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checkers   []Checker
		drain      bool
		path       string
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{name: "liveness", path: "/healthz", wantCode: http.StatusOK, wantStatus: StatusOK},
		{name: "liveness while draining", drain: true, path: "/healthz", wantCode: http.StatusOK, wantStatus: StatusOK},
		{name: "ready without checkers", path: "/readyz", wantCode: http.StatusOK, wantStatus: StatusOK},
		{
			name:       "ready",
			checkers:   []Checker{{"tutor-api", ok}, {"archive", ok}},
			path:       "/readyz",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"tutor-api": StatusOK, "archive": StatusOK},
		},
		{
			name:       "archive down",
			checkers:   []Checker{{"tutor-api", ok}, {"archive", refused}},
			path:       "/readyz",
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"tutor-api": StatusOK, "archive": StatusFail},
		},
		{
			name:       "draining skips checks",
			checkers:   []Checker{{"archive", refused}},
			drain:      true,
			path:       "/readyz",
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusDraining,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := New(tt.checkers...)
			if tt.drain {
				h.Drain()
			}
			code, rep := probe(context.Background(), t, mounted(h), tt.path)
			if code != tt.wantCode || rep.Status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, rep.Status, tt.wantCode, tt.wantStatus)
			}
			if len(rep.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", rep.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if got := rep.Checks[name].Status; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ReportsCheckError(t *testing.T) {
	t.Parallel()
	h := New(Checker{"archive", func(context.Context) error { return errors.New("too many clients") }})
	_, rep := probe(context.Background(), t, http.HandlerFunc(h.Readyz), "/readyz")
	if got := rep.Checks["archive"].Error; got != "too many clients" {
		t.Errorf("error = %q", got)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(100 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{"a", slow}, Checker{"b", slow}, Checker{"c", slow})

	start := time.Now()
	code, rep := probe(context.Background(), t, mounted(h), "/readyz")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("readyz took %v; checks should overlap", elapsed)
	}
	if rep.Checks["a"].LatencyMS < 100 {
		t.Errorf("latency = %dms, want at least the check's 100ms", rep.Checks["a"].LatencyMS)
	}
}

func TestReadyz_CancelledRequestFails(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, rep := probe(ctx, t, mounted(h), "/readyz")
	if code != http.StatusServiceUnavailable || !strings.Contains(rep.Checks["slow"].Error, "canceled") {
		t.Errorf("got %d %+v, want 503 with a cancellation", code, rep.Checks["slow"])
	}
}

func TestHTTPCheck(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		status  int
		wantErr bool
	}{
		{http.StatusOK, false},
		{http.StatusNotFound, false},
		{http.StatusBadGateway, true},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := HTTPCheck(srv.Client(), srv.URL)(context.Background())
		srv.Close()
		if (err != nil) != tt.wantErr {
			t.Errorf("status %d: err = %v, wantErr %v", tt.status, err, tt.wantErr)
		}
	}

	if err := HTTPCheck(nil, "http://127.0.0.1:1")(context.Background()); err == nil {
		t.Error("unreachable backend should fail")
	}
}
