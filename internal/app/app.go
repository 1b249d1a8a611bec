// Package app wires the livecoach subsystems into a running HTTP service.
//
// The App owns the full lifecycle: New builds the HTTP handler, readiness
// checks and provider cache from a config snapshot; Run serves until its
// context is cancelled; Shutdown drains in-flight requests and runs the
// registered closers in order.
//
// Configuration is swapped atomically by [App.SetConfig] (typically from a
// config.Watcher callback). Requests already in flight keep the snapshot they
// started with.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livecoach/internal/config"
	"github.com/MrWong99/livecoach/internal/health"
	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/internal/resilience"
	"github.com/MrWong99/livecoach/internal/server"
	"github.com/MrWong99/livecoach/pkg/provider/s2s"
	"github.com/MrWong99/livecoach/pkg/provider/s2s/loopback"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
)

// App owns all subsystem lifetimes of the livecoach server.
type App struct {
	cfg      atomic.Pointer[config.Config]
	registry *config.Registry
	metrics  *observe.Metrics
	scrape   http.Handler
	breaker  resilience.CircuitBreakerConfig
	sources  server.SourceFactory
	onReload func(config.ConfigDiff)

	handler http.Handler
	srv     *http.Server

	mu       sync.Mutex
	guarded  *resilience.GuardedProvider
	builtFor config.SessionConfig

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler mounted on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithBreaker configures the circuit breaker around session connects.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(a *App) { a.breaker = cfg }
}

// WithSourceFactory replaces the file-backed capture source used for uploads.
func WithSourceFactory(f server.SourceFactory) Option {
	return func(a *App) { a.sources = f }
}

// WithReloadHook registers fn to be called after every [App.SetConfig] with
// the computed diff.
func WithReloadHook(fn func(config.ConfigDiff)) Option {
	return func(a *App) { a.onReload = fn }
}

// WithCloser registers fn to run during Shutdown, after the HTTP server has
// drained. Closers run in registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App serving cfg. The registry supplies the realtime provider
// named by session.provider; the provider is built lazily on the first
// request and rebuilt whenever the session section changes.
func New(cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if registry == nil {
		return nil, errors.New("app: nil registry")
	}
	a := &App{registry: registry}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	checks := health.New(
		health.Checker{Name: "temp_dir", Check: func(ctx context.Context) error {
			return health.TempDir(a.Config().Server.TempDir).Check(ctx)
		}},
		health.Credentials(a.credentials, config.APIKeyEnvVars...),
		health.Checker{Name: "upstream", Check: func(ctx context.Context) error {
			g := a.currentGuard()
			if g == nil {
				return nil
			}
			return health.Breaker(g.Breaker()).Check(ctx)
		}},
	)

	srvOpts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithHealth(checks),
	}
	if a.sources != nil {
		srvOpts = append(srvOpts, server.WithSourceFactory(a.sources))
	}
	if a.scrape != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(a.scrape))
	}
	a.handler = server.New(a.Config, a.provider, srvOpts...)
	return a, nil
}

// Config returns the current configuration snapshot.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// SetConfig swaps in a new snapshot for subsequent requests and logs what
// changed. Settings that need a restart are reported but not applied.
func (a *App) SetConfig(cfg *config.Config) {
	old := a.cfg.Swap(cfg)
	d := config.Diff(old, cfg)
	if !d.Changed() {
		return
	}
	slog.Info("configuration updated",
		"log_level_changed", d.LogLevelChanged,
		"session_fields", d.SessionFields,
		"capture_fields", d.CaptureFields,
		"pipeline_changed", d.PipelineChanged,
	)
	if d.RestartRequired {
		slog.Warn("listener settings changed; restart to apply",
			"listen_addr", cfg.Server.ListenAddr)
	}
	if a.onReload != nil {
		a.onReload(d)
	}
}

// ─── Providers ───────────────────────────────────────────────────────────────

// provider returns the breaker-guarded provider for cfg, building a new one
// when the session section differs from the cached provider's.
func (a *App) provider(cfg *config.Config) (s2s.Provider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.guarded != nil && a.builtFor == cfg.Session {
		return a.guarded, nil
	}
	inner, err := a.registry.CreateSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build session provider: %w", err)
	}
	a.guarded = resilience.NewGuardedProvider(inner, cfg.Session.Provider, a.breaker)
	a.builtFor = cfg.Session
	slog.Info("session provider ready", "provider", cfg.Session.Provider, "model", cfg.Session.Model)
	return a.guarded, nil
}

func (a *App) currentGuard() *resilience.GuardedProvider {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.guarded
}

// credentials resolves the API key for the configured provider. The loopback
// provider needs none.
func (a *App) credentials() string {
	cfg := a.Config()
	if cfg.Session.Provider == loopback.Name {
		return loopback.Name
	}
	return config.ResolveAPIKey(cfg)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on ln (or on server.listen_addr when ln is nil) and blocks
// until ctx is cancelled or the server fails. On cancellation it shuts down
// gracefully and returns nil.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.Config().Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	a.mu.Lock()
	a.srv = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	srv := a.srv
	a.mu.Unlock()

	slog.Info("http server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, waits for in-flight ones to finish, and
// runs the closers. It respects the context deadline: if ctx expires first,
// remaining closers are skipped and the context error is returned.
// Subsequent calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.mu.Lock()
		srv := a.srv
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown incomplete", "err", err)
				shutdownErr = err
			}
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
