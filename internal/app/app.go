// Package app wires all callrelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the tenant source,
// session store, resolver, router and relay from the config, Run serves
// HTTP, Reload applies hot-reloadable config changes, and Shutdown tears
// everything down in order.
//
// For testing, inject implementations via functional options
// (WithTenantSource, WithSessionStore, etc.). When an option is not
// provided, New creates real implementations from the config.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/callrelay/internal/callsession"
	"github.com/MrWong99/callrelay/internal/config"
	"github.com/MrWong99/callrelay/internal/health"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/record"
	"github.com/MrWong99/callrelay/internal/relay"
	"github.com/MrWong99/callrelay/internal/resilience"
	"github.com/MrWong99/callrelay/internal/resolver"
	"github.com/MrWong99/callrelay/internal/router"
	"github.com/MrWong99/callrelay/internal/store/postgres"
	"github.com/MrWong99/callrelay/internal/tenant"
	"github.com/MrWong99/callrelay/pkg/provider/s2s"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	speech  s2s.Provider
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	source   resolver.Source
	files    *fileTenants
	sink     record.Sink
	sessions callsession.Store
	resolver *resolver.Resolver
	router   *router.Router
	relay    *relay.Relay
	health   *health.Handler
	handler  http.Handler
	checkers []health.Checker

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTenantSource injects the tenant lookup instead of opening PostgreSQL
// or the tenant file.
func WithTenantSource(s resolver.Source) Option {
	return func(a *App) { a.source = s }
}

// WithRecordSink injects the call record sink.
func WithRecordSink(s record.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s callsession.Store) Option {
	return func(a *App) { a.sessions = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The speech provider
// comes from main.go (built via the config registry).
//
// New performs all initialisation synchronously: database connection and
// migrations, tenant file loading, session store construction, and router
// and relay assembly.
func New(ctx context.Context, cfg *config.Config, speech s2s.Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		speech: speech,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Tenant source and record sink ─────────────────────────────────
	if err := a.initTenants(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init tenants: %w", err)
	}

	// ── 2. Session store ─────────────────────────────────────────────────
	a.initSessions()

	// ── 3. Routing and relay ─────────────────────────────────────────────
	loc := time.UTC
	if tz := cfg.Routing.DefaultTimezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: routing.default_timezone: %w", err)
		}
		loc = l
	}

	a.resolver = resolver.New(a.source, resolver.WithMetrics(a.metrics))
	a.relay = relay.New(a.speech, a.sessions, a.sink,
		relay.WithGreetingDelay(cfg.Relay.GreetingDelay),
		relay.WithGreetingDirective(cfg.Relay.GreetingDirective),
		relay.WithMetrics(a.metrics),
	)
	a.router = router.New(a.resolver, a.sessions,
		router.WithCallCounter(a.relay),
		router.WithDefaultLocation(loc),
		router.WithMetrics(a.metrics),
	)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(a.checkers...)

	mux := http.NewServeMux()
	mux.Handle(cfg.Relay.MediaPath, a.relay)
	router.NewHandler(a.router).Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	slog.Info("app initialised",
		"tenant_source", a.sourceName(),
		"media_path", cfg.Relay.MediaPath,
		"checkers", len(a.checkers),
	)
	return a, nil
}

// initTenants opens PostgreSQL when a DSN is configured, otherwise loads the
// tenant file. Injected sources and sinks are left alone.
func (a *App) initTenants(ctx context.Context) error {
	if dsn := a.cfg.Database.PostgresDSN; dsn != "" && (a.source == nil || a.sink == nil) {
		pg, err := postgres.Open(ctx, dsn, a.cfg.Database.Migrate)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		a.checkers = append(a.checkers, health.PingCheck("postgres", pg))
		if a.source == nil {
			a.source = pg
		}
		if a.sink == nil {
			a.sink = pg
		}
	}

	if a.source == nil {
		if a.cfg.Tenants.File == "" {
			return errors.New("no tenant source: set database.postgres_dsn or tenants.file")
		}
		src, err := tenant.LoadFile(a.cfg.Tenants.File)
		if err != nil {
			return err
		}
		a.files = &fileTenants{}
		a.files.cur.Store(src)
		a.source = a.files
	}

	if a.sink == nil {
		slog.Warn("no database configured, call records and usage are kept in memory only")
		a.sink = record.NewMemorySink()
	}
	return nil
}

// initSessions builds the in-memory store and, when redis is configured,
// layers it under a redis store behind a circuit breaker.
func (a *App) initSessions() {
	if a.sessions != nil {
		return
	}
	retention := a.cfg.Sessions.Retention
	mem := callsession.NewMemoryStore(retention)
	if a.cfg.Redis.Addr == "" {
		a.sessions = mem
		return
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	durable := callsession.NewRedisStore(client, a.cfg.Redis.KeyPrefix, retention)
	a.sessions = callsession.NewFallbackStore(durable, mem, resilience.CircuitBreakerConfig{
		Name: "redis",
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("session store breaker changed state", "store", name, "from", from, "to", to)
		},
	}, a.metrics)
	a.checkers = append(a.checkers, health.PingCheck("redis", durable))
	a.closers = append(a.closers, client.Close)
}

func (a *App) sourceName() string {
	switch {
	case a.files != nil:
		return "file"
	case a.cfg.Database.PostgresDSN != "":
		return "postgres"
	default:
		return "injected"
	}
}

// Handler returns the root HTTP handler. Exposed for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Relay returns the media relay.
func (a *App) Relay() *relay.Relay { return a.relay }

// Addr returns the listener address once Run has started, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled or
// the server is shut down. It returns ctx.Err() on cancellation and nil after
// a [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	a.mu.Lock()
	a.server = srv
	a.addr = ln.Addr()
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

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

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change. Log level
// changes are handled by the caller, which owns the logger.
func (a *App) Reload(d config.ConfigDiff, cfg *config.Config) {
	if d.TenantsChanged {
		a.reloadTenants(cfg.Tenants.File)
	}
	if d.GreetingChanged {
		a.relay.SetGreeting(cfg.Relay.GreetingDelay, cfg.Relay.GreetingDirective)
		slog.Info("greeting settings updated", "delay", cfg.Relay.GreetingDelay)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "sections", d.RestartRequired)
	}
}

func (a *App) reloadTenants(path string) {
	if a.files == nil {
		slog.Info("tenant file change ignored, tenants are not loaded from a file")
		return
	}
	if err := a.files.reload(path); err != nil {
		slog.Error("tenant reload failed, keeping previous tenants", "path", path, "err", err)
		return
	}
	a.resolver.Purge()
	slog.Info("tenants reloaded", "path", path)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops accepting connections, ends
// every live call and finally runs the closers. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "live_calls", a.relay.Len(), "closers", len(a.closers))
		a.health.SetDraining()

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		// Media streams are hijacked connections that srv.Shutdown does not
		// track; the relay finalizes them itself.
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = a.relay.Close()
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while closing calls", "live_calls", a.relay.Len())
			shutdownErr = ctx.Err()
			return
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

// closeAll runs the closers collected so far. Used when New fails halfway.
func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// fileTenants is a [resolver.Source] over a tenant file that can be swapped
// for another file on reload.
type fileTenants struct {
	cur atomic.Pointer[tenant.FileSource]
}

func (f *fileTenants) LookupNumber(ctx context.Context, number string) (*tenant.Config, error) {
	return f.cur.Load().LookupNumber(ctx, number)
}

// reload re-reads the current file, or loads path when it names another one.
func (f *fileTenants) reload(path string) error {
	cur := f.cur.Load()
	if path == "" || path == cur.Path() {
		return cur.Reload()
	}
	next, err := tenant.LoadFile(path)
	if err != nil {
		return err
	}
	f.cur.Store(next)
	return nil
}
