package recall

import (
	"context"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/resilience"
)

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// OpenAIEmbedder implements [Embedder] with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client  oai.Client
	model   string
	dims    int
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

// NewOpenAIEmbedder returns an embedder for model that asks the API for
// vectors of dims dimensions. cb may be nil.
func NewOpenAIEmbedder(client oai.Client, model string, dims int, cb *resilience.CircuitBreaker, m *observe.Metrics) *OpenAIEmbedder {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &OpenAIEmbedder{client: client, model: model, dims: dims, breaker: cb, metrics: m}
}

// Dimensions implements [Embedder].
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

// EmbedBatch implements [Embedder].
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp *oai.CreateEmbeddingResponse
	call := func(ctx context.Context) error {
		var err error
		resp, err = e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
			Model:      e.model,
			Input:      oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
			Dimensions: oai.Int(int64(e.dims)),
		})
		return err
	}

	start := time.Now()
	var err error
	if e.breaker != nil {
		err = e.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	e.metrics.EmbeddingDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("recall: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("recall: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("recall: unexpected embedding index %d", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}
