// Package recall indexes saved transcripts for semantic search.
//
// After a session is persisted its messages are queued to an [Index]. A
// fixed pool of workers embeds each batch and stores the vectors; a search
// embeds the query and returns the closest transcript lines across all
// sessions. Indexing runs off the request path: a full queue drops the batch
// and a failed batch is logged, and neither affects the save that queued it.
package recall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/pkg/types"
)

// ErrQueueFull is returned by [Index.Enqueue] when the batch was dropped.
var ErrQueueFull = errors.New("recall: index queue is full")

// Options configures an [Index].
type Options struct {
	// QueueSize is the number of batches that may wait. Default: 64.
	QueueSize int

	// Workers is the number of concurrent indexing goroutines. Default: 2.
	Workers int

	// Metrics records indexing outcomes. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

type batch struct {
	sessionID string
	msgs      []types.Message
}

// Index embeds transcripts in the background and answers similarity
// queries. Enqueue and Search are safe for concurrent use; Run must be
// called exactly once.
type Index struct {
	emb     Embedder
	store   VectorStore
	queue   chan batch
	workers int
	metrics *observe.Metrics
}

// NewIndex returns an index that embeds with emb and stores into vs.
func NewIndex(emb Embedder, vs VectorStore, opts Options) *Index {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	return &Index{
		emb:     emb,
		store:   vs,
		queue:   make(chan batch, opts.QueueSize),
		workers: opts.Workers,
		metrics: opts.Metrics,
	}
}

// Enqueue schedules msgs of sessionID for indexing without blocking. It
// returns [ErrQueueFull] when the batch was dropped.
func (ix *Index) Enqueue(ctx context.Context, sessionID string, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	select {
	case ix.queue <- batch{sessionID: sessionID, msgs: msgs}:
		ix.metrics.RecallQueueDepth.Add(ctx, 1)
		return nil
	default:
		slog.Warn("recall: queue full, dropping batch", "session_id", sessionID, "messages", len(msgs))
		ix.metrics.RecordRecallIndexed(ctx, observe.OutcomeError, len(msgs))
		return ErrQueueFull
	}
}

// Run processes queued batches until ctx is cancelled. Batches still queued
// at that point are abandoned.
func (ix *Index) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range ix.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case b := <-ix.queue:
					ix.metrics.RecallQueueDepth.Add(ctx, -1)
					ix.index(ctx, b)
				}
			}
		})
	}
	return g.Wait()
}

func (ix *Index) index(ctx context.Context, b batch) {
	texts := make([]string, len(b.msgs))
	for i, m := range b.msgs {
		texts[i] = m.Content
	}

	vecs, err := ix.emb.EmbedBatch(ctx, texts)
	if err != nil {
		slog.Warn("recall: embedding failed", "session_id", b.sessionID, "err", err)
		ix.metrics.RecordRecallIndexed(ctx, observe.OutcomeError, len(b.msgs))
		return
	}

	entries := make([]Entry, len(b.msgs))
	for i, m := range b.msgs {
		entries[i] = Entry{
			SessionID: b.sessionID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Embedding: vecs[i],
		}
	}
	if err := ix.store.Insert(ctx, entries); err != nil {
		slog.Warn("recall: storing embeddings failed", "session_id", b.sessionID, "err", err)
		ix.metrics.RecordRecallIndexed(ctx, observe.OutcomeError, len(b.msgs))
		return
	}
	slog.Debug("recall: indexed session", "session_id", b.sessionID, "messages", len(b.msgs))
	ix.metrics.RecordRecallIndexed(ctx, observe.OutcomeOK, len(b.msgs))
}

// Search returns up to limit transcript lines closest to query. limit <= 0
// means 10; values above 100 are capped.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	const op = "recall search"
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, types.Validation(op, "query must not be empty")
	}
	switch {
	case limit <= 0:
		limit = 10
	case limit > 100:
		limit = 100
	}

	vecs, err := ix.emb.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, types.Wrap(types.KindUpstreamAuth, op, err)
	}
	if len(vecs) != 1 {
		return nil, types.Wrap(types.KindUpstreamAuth, op, fmt.Errorf("expected 1 embedding, got %d", len(vecs)))
	}
	hits, err := ix.store.Nearest(ctx, vecs[0], limit)
	if err != nil {
		return nil, types.Wrap(types.KindPersistence, op, err)
	}
	return hits, nil
}
