// Package app wires the voice tutor subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the tutor dispatcher, the
// transcript archive and the session manager, Handler exposes them over HTTP,
// Run drives background work, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDispatcher,
// WithArchiveStore, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicetutor/internal/archive"
	"github.com/MrWong99/voicetutor/internal/config"
	"github.com/MrWong99/voicetutor/internal/dispatch"
	"github.com/MrWong99/voicetutor/internal/dispatch/llmtutor"
	"github.com/MrWong99/voicetutor/internal/dispatch/tutorapi"
	"github.com/MrWong99/voicetutor/internal/health"
	"github.com/MrWong99/voicetutor/internal/observe"
	"github.com/MrWong99/voicetutor/internal/resilience"
	"github.com/MrWong99/voicetutor/internal/web"
	"github.com/MrWong99/voicetutor/pkg/audio"
	"github.com/MrWong99/voicetutor/pkg/provider/llm"
	"github.com/MrWong99/voicetutor/pkg/provider/stt"
	"github.com/MrWong99/voicetutor/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// TTSFormat is the PCM format TTS produces. Zero means it already matches
	// the client audio format.
	TTSFormat audio.Format
}

// Backend names used in logs, metrics and the dispatch chain.
const (
	backendTutorAPI = "tutor-api"
	backendLLM      = "llm"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	httpClient     *http.Client

	dispatcher dispatch.Dispatcher
	store      archive.Store
	recorder   *archive.Recorder
	health     *health.Handler
	checkers   []health.Checker
	sessions   *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDispatcher injects the tutor dispatcher instead of building the chain
// from config.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(a *App) { a.dispatcher = d }
}

// WithArchiveStore injects the transcript store instead of connecting to
// archive.postgres_dsn.
func WithArchiveStore(s archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithHTTPClient sets the client used for the tutor service and its
// readiness probe.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithHealthChecker adds a readiness check.
func WithHealthChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.httpClient == nil {
		a.httpClient = http.DefaultClient
	}

	// ── 1. Tutor dispatcher ──────────────────────────────────────────────
	if err := a.initDispatcher(); err != nil {
		return nil, fmt.Errorf("app: init dispatcher: %w", err)
	}

	// ── 2. Transcript archive ────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Health ────────────────────────────────────────────────────────
	if cfg.Tutor.BaseURL != "" {
		a.checkers = append(a.checkers, health.Checker{
			Name:  backendTutorAPI,
			Check: health.HTTPCheck(a.httpClient, strings.TrimRight(cfg.Tutor.BaseURL, "/")+"/health"),
		})
	}
	a.health = health.New(a.checkers...)

	// ── 4. Sessions ──────────────────────────────────────────────────────
	settings, err := SettingsFromConfig(cfg)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: session settings: %w", err)
	}
	sm := SessionManagerConfig{
		Providers:  providers,
		Dispatcher: a.dispatcher,
		Settings:   settings,
		Metrics:    a.metrics,
	}
	if a.recorder != nil {
		sm.Recorder = a.recorder
	}
	a.sessions = NewSessionManager(sm)

	return a, nil
}

// initDispatcher builds the tutor chain: the tutoring service first, then the
// LLM tutor when llm_fallback is set. Without a service URL the LLM tutor is
// the only backend.
func (a *App) initDispatcher() error {
	if a.dispatcher != nil {
		return nil
	}
	tc := a.cfg.Tutor

	var llmTutor dispatch.Dispatcher
	if a.providers.LLM != nil {
		opts := []llmtutor.Option{llmtutor.WithSubjectNames(tc.Subjects)}
		if tc.HistoryTurns > 0 {
			opts = append(opts, llmtutor.WithHistoryTurns(tc.HistoryTurns))
		}
		llmTutor = llmtutor.New(a.providers.LLM, opts...)
	}

	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  tc.Breaker.MaxFailures,
		ResetTimeout: tc.Breaker.ResetTimeout,
	}

	if tc.BaseURL == "" {
		if llmTutor == nil {
			return errors.New("no tutor backend: set tutor.base_url or providers.llm")
		}
		a.dispatcher = dispatch.NewChain(backendLLM, llmTutor, breaker, dispatch.WithMetrics(a.metrics))
		slog.Info("tutor dispatcher ready", "backends", []string{backendLLM})
		return nil
	}

	opts := []tutorapi.Option{tutorapi.WithHTTPClient(a.httpClient)}
	if tc.MasteryScore > 0 {
		opts = append(opts, tutorapi.WithMasteryScore(tc.MasteryScore))
	}
	if tc.RequestTimeout > 0 {
		opts = append(opts, tutorapi.WithRequestTimeout(tc.RequestTimeout))
	}
	api, err := tutorapi.New(tc.BaseURL, opts...)
	if err != nil {
		return err
	}

	chain := dispatch.NewChain(backendTutorAPI, api, breaker, dispatch.WithMetrics(a.metrics))
	backends := []string{backendTutorAPI}
	if tc.LLMFallback {
		if llmTutor == nil {
			return errors.New("tutor.llm_fallback is set but no LLM provider is configured")
		}
		chain.Add(backendLLM, llmTutor)
		backends = append(backends, backendLLM)
	}
	a.dispatcher = chain
	slog.Info("tutor dispatcher ready", "backends", backends)
	return nil
}

// initArchive connects the Postgres transcript archive when configured and
// starts a recorder in front of whichever store is in use.
func (a *App) initArchive(ctx context.Context) error {
	if a.store == nil {
		dsn := a.cfg.Archive.PostgresDSN
		if dsn == "" {
			slog.Info("transcript archive disabled")
			return nil
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		store := archive.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.store = store
		a.checkers = append(a.checkers, health.Checker{Name: "archive", Check: store.Ping})
		slog.Info("transcript archive connected")
	}

	var opts []archive.RecorderOption
	if n := a.cfg.Archive.QueueSize; n > 0 {
		opts = append(opts, archive.WithQueueSize(n))
	}
	opts = append(opts, archive.WithMetrics(a.metrics))
	a.recorder = archive.NewRecorder(a.store, opts...)
	return nil
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the HTTP surface: the voice websocket on /ws, the health
// probes and, when configured, the metrics scrape endpoint. Every route goes
// through the metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", web.NewHandler(a.sessions, web.Options{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Encoding:       audio.Encoding(a.cfg.Audio.Encoding),
		SampleRate:     a.cfg.Audio.SampleRate,
	}))
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// Health returns the probe handler so the caller can drain it on shutdown.
func (a *App) Health() *health.Handler { return a.health }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives background work and blocks until ctx is cancelled. The archive
// recorder flushes queued utterances before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.recorder != nil {
		g.Go(func() error { return a.recorder.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	slog.Info("app running", "archive", a.recorder != nil)
	return g.Wait()
}

// ApplyConfig applies a reloaded config. Session settings take effect for
// sessions opened afterwards; sections that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.SessionSettingsChanged() {
		settings, err := SettingsFromConfig(new)
		if err != nil {
			slog.Warn("config reload: session settings rejected", "err", err)
		} else {
			a.sessions.UpdateSettings(settings)
			slog.Info("config reload: session settings updated",
				"unchanged_sessions", a.sessions.Count(),
				"playback", d.PlaybackChanged,
				"loop", d.LoopChanged,
				"capture", d.CaptureChanged,
				"commands", d.CommandsChanged,
			)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: some changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every open session and then the subsystems in init order.
// It respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		n := a.sessions.CloseAll()
		slog.Info("shutting down", "sessions", n, "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
