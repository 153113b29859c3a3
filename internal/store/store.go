// Package store persists coaching sessions and their transcripts in
// PostgreSQL.
//
// Two tables hold the data: sessions (one row per conversation) and messages
// (the finalized transcript lines, in conversational order). The schema is
// managed by goose migrations embedded in the binary.
//
// Writes are not transactional across the two tables. A session
// row is created or updated first and the messages are inserted second; when
// the second step fails the first one stays, and the failure is reported to
// the caller instead of being rolled back.
//
// Usage:
//
//	st, err := store.Open(ctx, dsn, store.Options{AutoMigrate: true})
//	if err != nil { … }
//	defer st.Close()
//
//	res, err := st.CreateSession(ctx, scenarioID, 42, msgs)
package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/pressly/goose/v3"

	"github.com/MrWong99/voicecoach/internal/observe"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Options configures [Open].
type Options struct {
	// MaxConns caps the pool size. Zero keeps the pgx default.
	MaxConns int32

	// AutoMigrate applies pending schema migrations on open.
	AutoMigrate bool

	// Vector installs the pgvector extension and registers its types on
	// every pooled connection. Needed by the recall index.
	Vector bool

	// Metrics records store latencies. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Store is the PostgreSQL-backed session store. All methods are safe for
// concurrent use.
type Store struct {
	pool    *pgxpool.Pool
	metrics *observe.Metrics
	now     func() time.Time
}

// Open connects to the database at dsn, verifies the connection, and applies
// migrations when requested.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	if opts.Vector {
		// The extension has to exist before any pooled connection registers
		// its types.
		if err := createVectorExtension(ctx, cfg.ConnConfig); err != nil {
			return nil, err
		}
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := New(pool, opts.Metrics)
	if opts.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an existing pool. The caller keeps ownership of schema
// migrations.
func New(pool *pgxpool.Pool, m *observe.Metrics) *Store {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Store{pool: pool, metrics: m, now: time.Now}
}

func createVectorExtension(ctx context.Context, cc *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cc.Copy())
	if err != nil {
		return fmt.Errorf("store: connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("store: create vector extension: %w", err)
	}
	return nil
}

// Migrate applies every pending migration.
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrations fs: %w", err)
	}
	// The *sql.DB borrows connections from the pool and keeps none idle, so
	// it is not closed here: the pool owns the connections.
	db := stdlib.OpenDBFromPool(s.pool)

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("store: migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	for _, r := range results {
		slog.Info("store: applied migration", "version", r.Source.Version, "path", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

// Pool returns the underlying connection pool. The recall index shares it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies the database is reachable. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// observe records how long op took.
func (s *Store) observe(ctx context.Context, op string, start time.Time) {
	s.metrics.RecordStoreOp(ctx, op, time.Since(start))
}
