// Package app wires all lingorelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the upstream provider,
// the usage store and recorder, the session registry and the HTTP router;
// Run serves HTTP; Shutdown drains live connections and tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithUpstream,
// WithUsageStore). When an option is not provided, New creates real
// implementations through the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/lingorelay/internal/api"
	"github.com/MrWong99/lingorelay/internal/config"
	"github.com/MrWong99/lingorelay/internal/health"
	"github.com/MrWong99/lingorelay/internal/observe"
	"github.com/MrWong99/lingorelay/internal/relay"
	"github.com/MrWong99/lingorelay/internal/resilience"
	"github.com/MrWong99/lingorelay/internal/session"
	"github.com/MrWong99/lingorelay/internal/usage"
	"github.com/MrWong99/lingorelay/pkg/provider/s2s"
)

// RealtimePath is the WebSocket route clients connect to.
const RealtimePath = "/v1/realtime"

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics        *observe.Metrics
	metricsHandler http.Handler
	upstream       s2s.Provider
	upstreams      *resilience.Upstreams
	store          usage.Store
	recorder       *usage.Recorder
	sessions       *session.Registry
	relay          *relay.Handler
	health         *health.Handler
	router         chi.Router

	srvMu  sync.Mutex
	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithUpstream injects the upstream provider instead of creating it from config.
func WithUpstream(p s2s.Provider) Option {
	return func(a *App) { a.upstream = p }
}

// WithUsageStore injects a usage store instead of creating it from config.
// The App does not close an injected store.
func WithUsageStore(s usage.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg supplies the
// factories for upstream providers and usage stores named in cfg.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: reg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Upstream ──────────────────────────────────────────────────────
	if err := a.initUpstream(); err != nil {
		return nil, fmt.Errorf("app: init upstream: %w", err)
	}

	// ── 2. Usage store + recorder ────────────────────────────────────────
	if err := a.initUsage(ctx); err != nil {
		return nil, fmt.Errorf("app: init usage: %w", err)
	}

	// ── 3. Session registry ──────────────────────────────────────────────
	a.sessions = session.NewRegistry(session.Config{
		TTL:         cfg.Sessions.TTL,
		Capacity:    cfg.Sessions.Capacity,
		DefaultMode: usage.Mode(cfg.Usage.DefaultMode),
		Metrics:     a.metrics,
	})

	// ── 4. Relay ─────────────────────────────────────────────────────────
	a.relay = relay.NewHandler(relay.HandlerConfig{
		Registry:       a.sessions,
		Upstream:       a.upstream,
		Sink:           a.recorder,
		Metrics:        a.metrics,
		OriginPatterns: cfg.Server.AllowedOrigins,
		Config:         RelayConfig(cfg),
	})

	// ── 5. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{
		{Name: "usage_store", Check: a.store.Ping},
		{Name: "usage_recorder", Check: a.checkRecorder},
	}
	if a.upstreams != nil {
		checkers = append(checkers, health.Checker{Name: "upstream", Check: a.upstreams.Check})
	}
	a.health = health.New(checkers...)

	// ── 6. Router ────────────────────────────────────────────────────────
	a.router = a.buildRouter()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initUpstream creates the primary upstream and its fallbacks. Even a single
// upstream sits behind a circuit breaker so a failing endpoint is not dialled
// for every new client.
func (a *App) initUpstream() error {
	if a.upstream != nil {
		return nil
	}
	primary, err := a.registry.CreateS2S(a.cfg.Upstream)
	if err != nil {
		return fmt.Errorf("create upstream %q: %w", a.cfg.Upstream.Name, err)
	}
	pool := resilience.NewUpstreams(resilience.CircuitBreakerConfig{
		// Missing credentials are a configuration error, not an outage.
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, s2s.ErrMissingCredentials)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}, slog.Default().With("component", "upstream"))
	pool.Add(a.cfg.Upstream.Name, primary)
	for i, entry := range a.cfg.UpstreamFallbacks {
		p, err := a.registry.CreateS2S(entry)
		if err != nil {
			return fmt.Errorf("create upstream fallback %d (%q): %w", i, entry.Name, err)
		}
		pool.Add(fmt.Sprintf("%s#%d", entry.Name, i+1), p)
		slog.Info("upstream fallback configured", "name", entry.Name, "model", entry.Model)
	}
	a.upstream, a.upstreams = pool, pool
	return nil
}

// initUsage opens the usage store (unless injected) and starts the recorder.
func (a *App) initUsage(ctx context.Context) error {
	if a.store == nil {
		store, err := a.registry.CreateUsageStore(a.cfg.Usage)
		if err != nil {
			return fmt.Errorf("create usage store %q: %w", a.cfg.Usage.Store, err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("ping usage store %q: %w", a.cfg.Usage.Store, err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}

	u := a.cfg.Usage
	a.recorder = usage.NewRecorder(a.store,
		usage.WithWorkers(u.Workers),
		usage.WithQueueSize(u.QueueSize),
		usage.WithWriteTimeout(u.WriteTimeout),
		usage.WithMetrics(a.metrics),
	)
	return nil
}

func (a *App) checkRecorder(context.Context) error {
	if st := a.recorder.BreakerState(); st == resilience.StateOpen {
		return fmt.Errorf("usage writes suspended (breaker %s)", st)
	}
	return nil
}

func (a *App) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(a.metrics))

	a.health.Register(r)
	if a.metricsHandler != nil && !a.cfg.Telemetry.DisableMetrics {
		r.Handle("/metrics", a.metricsHandler)
	}
	apiCfg := api.Config{
		Registry:     a.sessions,
		Store:        a.store,
		Token:        a.cfg.Server.APIToken,
		RealtimePath: RealtimePath,
	}
	if a.upstreams != nil {
		apiCfg.Upstreams = a.upstreams
	}
	api.New(apiCfg).Register(r)
	r.Get(RealtimePath, a.relay.ServeHTTP)
	return r
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.router }

// Sessions returns the session registry.
func (a *App) Sessions() *session.Registry { return a.sessions }

// Relay returns the WebSocket relay handler.
func (a *App) Relay() *relay.Handler { return a.relay }

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of cfg: relay tuning and
// scenarios for connections accepted from now on. Other changes need a
// restart and are ignored here.
func (a *App) ApplyConfig(cfg *config.Config, d config.ConfigDiff) {
	if !d.RelayChanged && !d.ScenariosChanged {
		return
	}
	a.relay.SetConfig(RelayConfig(cfg))
	slog.Info("relay tuning updated for new connections",
		"relay_changed", d.RelayChanged,
		"scenarios", len(cfg.Scenarios),
	)
}

// RelayConfig converts the relay section of cfg into connection tuning.
func RelayConfig(cfg *config.Config) relay.Config {
	r := cfg.Relay
	rc := relay.DefaultConfig()
	rc.SpeechThreshold = r.SpeechThreshold
	rc.SilenceThreshold = r.SilenceThreshold
	rc.BargeInThreshold = r.BargeInThreshold
	rc.SilenceHang = r.SilenceHang
	rc.MinSpeech = r.MinSpeech
	rc.BargeInFloor = r.BargeInFloor
	rc.BargeInWindow = r.BargeInWindow

	rc.BargeIn = r.BargeIn
	rc.ServerVAD = r.ServerVAD
	rc.MinCommitBytes = r.MinCommitBytes
	rc.ResponseDelay = r.ResponseDelay
	rc.FlushGrace = r.FlushGrace
	rc.ContinuationGrace = r.ContinuationGrace
	rc.ClientSampleRate = r.ClientSampleRate
	rc.UpstreamSampleRate = r.UpstreamSampleRate
	rc.TranscriptionModel = r.TranscriptionModel
	rc.OutboundQueue = r.OutboundQueue
	rc.PingInterval = r.PingInterval
	rc.UsageTick = cfg.Usage.TickInterval

	rc.CompletionDisabled = r.Completion.Disabled
	rc.ShortWords = r.Completion.ShortWords
	rc.MaxContinuations = r.Completion.MaxContinuations
	rc.Connectors = slices.Clone(r.Completion.Connectors)
	rc.ContinuationPrompt = r.Completion.Prompt
	rc.Scenarios = maps.Clone(cfg.Scenarios)
	return rc
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address and blocks until ctx is
// cancelled or the server fails. When ctx is done, Run returns ctx.Err();
// call Shutdown afterwards to drain connections.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.srvMu.Lock()
	a.server = srv
	a.srvMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains and tears down all subsystems:
//
//  1. /readyz starts reporting draining and live clients are warned.
//  2. The listener closes; in-flight API requests finish.
//  3. Live connections get the drain grace to end on their own, then are
//     closed. Each one flushes its final usage as it ends.
//  4. The recorder drains its queue and the usage store closes.
//
// It respects the context deadline: if ctx expires first, the remaining
// steps are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		tracker := a.relay.Tracker()
		slog.Info("shutting down", "connections", tracker.Count(), "closers", len(a.closers))

		a.health.SetDraining(true)
		tracker.WarnAll("server shutting down")

		a.srvMu.Lock()
		srv := a.server
		a.srvMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		graceCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.DrainGrace)
		drained := tracker.Wait(graceCtx)
		cancel()
		if !drained {
			n := tracker.CancelAll()
			slog.Info("closing remaining connections", "count", n)
			if !tracker.Wait(ctx) {
				slog.Warn("shutdown deadline exceeded", "connections", tracker.Count())
				shutdownErr = ctx.Err()
				return
			}
		}
		a.sessions.Purge()

		if err := a.recorder.Close(ctx); err != nil {
			slog.Warn("usage recorder did not drain", "err", err)
			shutdownErr = err
		}

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
