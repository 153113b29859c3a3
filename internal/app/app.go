// Package app wires the voicecoach backend subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the store, loads the
// scenario catalog and builds the credential minter and the optional recall
// indexer; Run serves HTTP and runs the background workers; Shutdown tears
// everything down in order.
//
// For testing, inject a session store via [WithStore]. When it is not
// provided, New opens PostgreSQL from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicecoach/internal/api"
	"github.com/MrWong99/voicecoach/internal/config"
	"github.com/MrWong99/voicecoach/internal/credential"
	"github.com/MrWong99/voicecoach/internal/health"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/provider"
	"github.com/MrWong99/voicecoach/internal/recall"
	"github.com/MrWong99/voicecoach/internal/resilience"
	"github.com/MrWong99/voicecoach/internal/scenario"
	"github.com/MrWong99/voicecoach/internal/store"
)

// Store is the persistence the backend needs.
type Store interface {
	api.SessionStore
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes of the backend.
type App struct {
	cfg   *config.Config
	level *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	store          Store
	catalog        *scenario.Catalog
	catalogWatcher *config.Watcher[*scenario.File]
	minter         *credential.Minter
	index          *recall.Index
	handler        http.Handler
	metricsHandler http.Handler

	// mu guards cfg after Reload.
	mu sync.Mutex

	// listener is set by Run; Addr reads it.
	lnMu     sync.Mutex
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects a session store instead of opening one from config.
// Recall needs the PostgreSQL pool and is disabled with an injected store.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithLevelVar lets a config reload change the log level of the logger that
// was built around lvl.
func WithLevelVar(lvl *slog.LevelVar) Option {
	return func(a *App) { a.level = lvl }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. On error every
// subsystem opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(observe.ParseLevel(string(cfg.Server.LogLevel)))
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.Background())
		}
	}()

	// ── 1. Scenario catalog ─────────────────────────────────────────────
	if err := a.initCatalog(); err != nil {
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 2. Session store ────────────────────────────────────────────────
	var pg *store.Store
	if a.store == nil {
		pg, err = store.Open(ctx, cfg.Database.DSN, store.Options{
			MaxConns:    cfg.Database.MaxConns,
			AutoMigrate: cfg.Database.AutoMigrate == nil || *cfg.Database.AutoMigrate,
			Vector:      cfg.Recall.Enabled,
		})
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
		a.store = pg
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
	}

	// ── 3. Credential minter ────────────────────────────────────────────
	client := provider.NewOpenAI(provider.Options{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		Timeout:    cfg.OpenAI.Timeout,
		MaxRetries: -1,
	})
	credBreaker := newBreaker("openai-realtime", cfg.OpenAI.Breaker)
	a.minter = credential.New(client, cfg.OpenAI.APIKey != "", policyFrom(cfg), a.catalog,
		credential.WithBreaker(credBreaker))

	// ── 4. Recall (optional) ────────────────────────────────────────────
	if cfg.Recall.Enabled {
		if pg == nil {
			slog.Warn("recall is enabled but the store is not PostgreSQL-backed; recall disabled")
		} else if err := a.initRecall(ctx, pg, client, cfg); err != nil {
			return nil, fmt.Errorf("app: init recall: %w", err)
		}
	}

	// ── 5. HTTP surface ─────────────────────────────────────────────────
	checks := health.New(
		health.Checker{Name: "database", Check: a.store.Ping},
		health.Checker{Name: "openai", Check: credBreaker.Check},
	)
	deps := api.Deps{
		Store:          a.store,
		Minter:         a.minter,
		Catalog:        a.catalog,
		Health:         checks,
		MetricsHandler: a.metricsHandler,
	}
	if a.index != nil {
		deps.Recall = a.index
	}
	a.handler = api.NewRouter(deps, api.Config{AllowedOrigins: cfg.Server.AllowedOrigins})

	return a, nil
}

func (a *App) initCatalog() error {
	path := a.cfg.Catalog.Path
	if path == "" {
		f, err := scenario.Default()
		if err != nil {
			return err
		}
		a.catalog = scenario.NewCatalog(f)
		return nil
	}

	if a.cfg.Catalog.ReloadInterval <= 0 {
		f, err := scenario.LoadFile(path)
		if err != nil {
			return err
		}
		a.catalog = scenario.NewCatalog(f)
		return nil
	}

	// Watch fills the catalog on its initial load.
	f, err := scenario.Default()
	if err != nil {
		return err
	}
	a.catalog = scenario.NewCatalog(f)
	w, err := scenario.Watch(path, a.catalog, config.WithInterval(a.cfg.Catalog.ReloadInterval))
	if err != nil {
		return err
	}
	a.catalogWatcher = w
	a.closers = append(a.closers, func() error { w.Stop(); return nil })
	return nil
}

func (a *App) initRecall(ctx context.Context, pg *store.Store, client oai.Client, cfg *config.Config) error {
	vs := recall.NewPGVectorStore(pg.Pool(), cfg.Recall.Dimensions)
	if err := vs.Migrate(ctx); err != nil {
		return err
	}
	emb := recall.NewOpenAIEmbedder(client, cfg.Recall.EmbeddingModel, cfg.Recall.Dimensions,
		newBreaker("openai-embeddings", cfg.OpenAI.Breaker), nil)
	a.index = recall.NewIndex(emb, vs, recall.Options{
		QueueSize: cfg.Recall.QueueSize,
		Workers:   cfg.Recall.Workers,
	})
	return nil
}

func newBreaker(name string, bc config.BreakerConfig) *resilience.CircuitBreaker {
	return provider.NewBreaker(name, bc.MaxFailures, bc.ResetTimeout)
}

// policyFrom derives the minter policy from cfg.
func policyFrom(cfg *config.Config) credential.Policy {
	return credential.Policy{
		Models:             cfg.OpenAI.Models,
		Voices:             cfg.OpenAI.Voices,
		DefaultModel:       cfg.OpenAI.RealtimeModel,
		DefaultVoice:       cfg.OpenAI.DefaultVoice,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.handler }

// Catalog returns the scenario catalog.
func (a *App) Catalog() *scenario.Catalog { return a.catalog }

// Minter returns the credential minter.
func (a *App) Minter() *credential.Minter { return a.minter }

// RecallEnabled reports whether transcripts are indexed for search.
func (a *App) RecallEnabled() bool { return a.index != nil }

// Addr returns the address Run listens on, or nil before Run bound it.
func (a *App) Addr() net.Addr {
	a.lnMu.Lock()
	defer a.lnMu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next: the log level, the model
// and voice allow-lists and the defaults. Changed keys that need a restart
// are logged and otherwise ignored.
func (a *App) Reload(next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.LogLevelChanged {
		a.level.Set(observe.ParseLevel(string(d.NewLogLevel)))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AllowListsChanged || d.DefaultsChanged {
		a.minter.SetPolicy(policyFrom(next))
		slog.Info("credential policy updated",
			"models", next.OpenAI.Models,
			"voices", next.OpenAI.Voices,
			"default_model", next.OpenAI.RealtimeModel,
			"default_voice", next.OpenAI.DefaultVoice,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "keys", d.RestartRequired)
	}
	a.cfg = next
	return d
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the recall workers until ctx is cancelled, then
// drains in-flight requests within the configured shutdown timeout. A clean
// shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	srvCfg := a.cfg.Server
	a.mu.Unlock()

	ln, err := net.Listen("tcp", srvCfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", srvCfg.ListenAddr, err)
	}
	a.lnMu.Lock()
	a.listener = ln
	a.lnMu.Unlock()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       srvCfg.ReadTimeout,
		WriteTimeout:      srvCfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", srvCfg.TLS != nil)
		var err error
		if srvCfg.TLS != nil {
			err = srv.ServeTLS(ln, srvCfg.TLS.CertFile, srvCfg.TLS.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	if a.index != nil {
		g.Go(func() error { return a.index.Run(gctx) })
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
