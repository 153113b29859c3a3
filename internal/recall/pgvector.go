package recall

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// Entry is one embedded transcript line.
type Entry struct {
	SessionID string
	Role      string
	Content   string
	Timestamp time.Time
	Embedding []float32
}

// Hit is a search result. Lower Distance means more similar.
type Hit struct {
	SessionID  string    `json:"session_id"`
	ScenarioID string    `json:"scenario_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Distance   float64   `json:"distance"`
}

// VectorStore persists embedded entries and answers nearest-neighbour
// queries.
type VectorStore interface {
	Insert(ctx context.Context, entries []Entry) error
	Nearest(ctx context.Context, query []float32, limit int) ([]Hit, error)
}

// PGVectorStore implements [VectorStore] on a message_embeddings table with
// a pgvector HNSW index. The pool must have the pgvector types registered.
type PGVectorStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewPGVectorStore returns a store for vectors of dims dimensions.
func NewPGVectorStore(pool *pgxpool.Pool, dims int) *PGVectorStore {
	return &PGVectorStore{pool: pool, dims: dims}
}

// Migrate creates the embeddings table and its index. The column width
// depends on the configured dimension, so the DDL is built at runtime;
// changing the dimension later needs a manual schema change.
func (s *PGVectorStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS message_embeddings (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  UUID         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL,
    embedding   vector(%d)   NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_embeddings_hnsw
    ON message_embeddings USING hnsw (embedding vector_cosine_ops);
`, s.dims)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("recall: migrate: %w", err)
	}
	return nil
}

// Insert implements [VectorStore].
func (s *PGVectorStore) Insert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	const q = `
		INSERT INTO message_embeddings (session_id, role, content, timestamp, embedding)
		VALUES ($1, $2, $3, $4, $5)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		id, err := uuid.Parse(e.SessionID)
		if err != nil {
			return fmt.Errorf("recall: insert: session id %q: %w", e.SessionID, err)
		}
		batch.Queue(q, id, e.Role, e.Content, e.Timestamp, pgvector.NewVector(e.Embedding))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("recall: insert: %w", err)
	}
	return nil
}

// Nearest implements [VectorStore]. Results are ordered by ascending cosine
// distance.
func (s *PGVectorStore) Nearest(ctx context.Context, query []float32, limit int) ([]Hit, error) {
	const q = `
		SELECT e.session_id, s.scenario_id, e.role, e.content, e.timestamp,
		       e.embedding <=> $1 AS distance
		FROM   message_embeddings e
		JOIN   sessions s ON s.id = e.session_id
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("recall: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Hit, error) {
		var (
			h  Hit
			id uuid.UUID
		)
		if err := row.Scan(&id, &h.ScenarioID, &h.Role, &h.Content, &h.Timestamp, &h.Distance); err != nil {
			return Hit{}, err
		}
		h.SessionID = id.String()
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("recall: scan rows: %w", err)
	}
	if hits == nil {
		hits = []Hit{}
	}
	return hits, nil
}
