// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// [Checker] concurrently and answers 200 only when all of them pass and the
// server has not started draining. Both answer with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckTimeout bounds each readiness check.
const CheckTimeout = 5 * time.Second

// Report statuses.
const (
	StatusOK       = "ok"
	StatusFail     = "fail"
	StatusDraining = "draining"
)

// Checker probes one dependency. Check returns nil when the dependency is
// usable and must return promptly once ctx ends.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is the probe response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is one checker's outcome.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Handler serves the probes for a fixed set of checkers.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a handler over checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Drain fails readiness from now on, so new voice sessions land elsewhere
// while open ones finish.
func (h *Handler) Drain() {
	if !h.draining.Swap(true) {
		slog.Info("health: draining")
	}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, Report{Status: StatusOK})
}

// Readyz reports readiness.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		respond(w, Report{Status: StatusDraining})
		return
	}
	respond(w, h.check(r.Context()))
}

func (h *Handler) check(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: StatusOK, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
				slog.Warn("health: check failed", "check", c.Name, "err", err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK}
	if len(results) > 0 {
		rep.Checks = make(map[string]CheckResult, len(results))
	}
	for i, res := range results {
		rep.Checks[h.checkers[i].Name] = res
		if res.Status != StatusOK {
			rep.Status = StatusFail
		}
	}
	return rep
}

func respond(w http.ResponseWriter, rep Report) {
	code := http.StatusOK
	if rep.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}

// HTTPCheck GETs url and counts any answer below 500 as healthy, so a
// backend without a health route still passes with a 404.
func HTTPCheck(client *http.Client, url string) func(ctx context.Context) error {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s answered %s", url, resp.Status)
		}
		return nil
	}
}
