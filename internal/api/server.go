// Package api serves the voicecoach HTTP surface: credential minting,
// transcript persistence, the scenario catalog, the transcript viewer and
// recall search, plus the health and metrics endpoints.
//
// Every JSON error response has the shape {"error": "..."}; the status code
// is derived from the error's [types.Kind].
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/voicecoach/internal/credential"
	"github.com/MrWong99/voicecoach/internal/health"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/recall"
	"github.com/MrWong99/voicecoach/internal/scenario"
	"github.com/MrWong99/voicecoach/internal/store"
	"github.com/MrWong99/voicecoach/pkg/types"
)

// maxBodyBytes caps request bodies. A long transcript is well below it.
const maxBodyBytes = 4 << 20

// SessionStore is the persistence the API needs. [*store.Store] implements
// it.
type SessionStore interface {
	CreateSession(ctx context.Context, scenarioID string, durationSeconds int, msgs []types.Message) (store.CreateResult, error)
	CreatePending(ctx context.Context, p store.PendingSession) (string, error)
	AppendMessages(ctx context.Context, sessionID string, durationSeconds int, msgs []types.Message) (int, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	ListSessions(ctx context.Context, scenarioID string, limit int) ([]store.Session, error)
}

// Minter mints ephemeral credentials. [*credential.Minter] implements it.
type Minter interface {
	Mint(ctx context.Context, req credential.Request) (credential.Credential, error)
	Policy() credential.Policy
}

// Recall indexes and searches transcripts. [*recall.Index] implements it.
type Recall interface {
	Enqueue(ctx context.Context, sessionID string, msgs []types.Message) error
	Search(ctx context.Context, query string, limit int) ([]recall.Hit, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Store   SessionStore
	Minter  Minter
	Catalog *scenario.Catalog

	// Recall is optional; without it /api/recall answers 404 and saves are
	// not indexed.
	Recall Recall

	// Health serves /healthz and /readyz. Nil mounts a handler with no
	// readiness checks.
	Health *health.Handler

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	// Metrics records request and save metrics. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Config tunes the router.
type Config struct {
	// AllowedOrigins lists origins allowed to call the API from a browser,
	// e.g. a page embedding the coach in an iframe. "*" allows any origin.
	AllowedOrigins []string
}

type server struct {
	Deps
}

// NewRouter wires the routes onto a chi router.
func NewRouter(d Deps, cfg Config) http.Handler {
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	if d.Health == nil {
		d.Health = health.New()
	}
	s := &server{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors(cfg.AllowedOrigins))
	r.Use(observe.Middleware(d.Metrics))

	d.Health.Register(r)
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.RequestSize(maxBodyBytes))

		api.Post("/realtime-credential", s.handleMintCredential)
		api.Post("/realtime-session", s.handleMintCredential)

		api.Post("/save-session", s.handleSaveSession)
		api.Post("/update-session", s.handleUpdateSession)
		api.Post("/embedded-sessions", s.handleCreateEmbedded)

		api.Get("/scenarios", s.handleListScenarios)
		api.Get("/sessions", s.handleListSessions)
		api.Get("/sessions/{sessionID}", s.handleGetSession)
		api.Get("/recall", s.handleRecall)
	})

	return r
}
