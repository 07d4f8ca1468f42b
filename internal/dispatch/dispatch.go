// Package dispatch is the rate-limited submission path to the external
// embedding and rerank services. It keeps one logical queue per request
// category: submissions within a category are strictly serialized, FIFO
// across all knowledge bases, with a configurable minimum interval between
// dispatches. Chunk texts are grouped into bounded batches, instruction
// prefixes are prepended where the target model requires them, and usage
// accounting falls back to a local estimate when the service omits it.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tmswan/kbindex/internal/config"
	"github.com/tmswan/kbindex/pkg/types"
)

// Dispatcher owns the embedding and rerank queues. It is process-wide
// shared state: all knowledge bases submit through the same instance.
type Dispatcher struct {
	embedCfg  config.Service
	rerankCfg config.Service

	embedClient  *client
	rerankClient *client

	embedQueue  *queue
	rerankQueue *queue

	stats  *Stats
	logger *zap.Logger
}

// New creates a dispatcher from the two service configurations. The rerank
// service is optional; calling Rerank without one configured is an error
// (the retriever degrades before reaching that point).
func New(embedCfg, rerankCfg config.Service, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Guard against configs built without config.Validate: the batching
	// loop needs a positive step.
	if embedCfg.MaxBatch <= 0 {
		embedCfg.MaxBatch = config.DefaultMaxBatch
	}
	if rerankCfg.MaxBatch <= 0 {
		rerankCfg.MaxBatch = config.DefaultMaxBatch
	}
	d := &Dispatcher{
		embedCfg:  embedCfg,
		rerankCfg: rerankCfg,
		stats:     &Stats{},
		logger:    logger,
	}
	if embedCfg.Configured() {
		d.embedClient = newClient(embedCfg)
		d.embedQueue = newQueue("embedding", embedCfg.MinInterval, logger)
	}
	if rerankCfg.Configured() {
		d.rerankClient = newClient(rerankCfg)
		d.rerankQueue = newQueue("rerank", rerankCfg.MinInterval, logger)
	}
	return d
}

// EmbedConfigured reports whether an embedding service is available.
func (d *Dispatcher) EmbedConfigured() bool { return d.embedClient != nil }

// RerankConfigured reports whether a rerank service is available.
func (d *Dispatcher) RerankConfigured() bool { return d.rerankClient != nil }

// EmbedDocuments returns a vector per text, in order. The document-side
// instruction prefix is prepended before sending, and texts are split into
// batches of at most the configured maximum, each dispatched as one
// serialized request. A failing batch fails the whole call so the caller
// can leave its manifest entries stale for retry.
func (d *Dispatcher) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return d.embedTexts(ctx, texts, d.embedCfg.DocumentPrefix)
}

// EmbedQuery embeds a single query string with the query-side prefix.
func (d *Dispatcher) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := d.embedTexts(ctx, []string{text}, d.embedCfg.QueryPrefix)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (d *Dispatcher) embedTexts(ctx context.Context, texts []string, prefix string) ([][]float32, error) {
	if d.embedClient == nil {
		return nil, fmt.Errorf("%w: no embedding service configured", types.ErrEmbeddingService)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	prefixed := applyPrefix(prefix, texts)
	vectors := make([][]float32, 0, len(texts))

	for start := 0; start < len(prefixed); start += d.embedCfg.MaxBatch {
		end := start + d.embedCfg.MaxBatch
		if end > len(prefixed) {
			end = len(prefixed)
		}
		batch := prefixed[start:end]

		err := d.embedQueue.submit(ctx, func(ctx context.Context) error {
			batchVectors, tokens, err := d.embedClient.embed(ctx, batch)
			if err != nil {
				return err
			}
			d.stats.recordEmbed(batch, tokens)
			vectors = append(vectors, batchVectors...)
			return nil
		})
		if err != nil {
			d.stats.recordFailure()
			return nil, fmt.Errorf("%w: %v", types.ErrEmbeddingService, err)
		}
	}
	return vectors, nil
}

// Ranked is one rerank result: the original candidate index and the
// service's relevance score, ordered best first.
type Ranked struct {
	Index int
	Score float64
}

// Rerank scores documents against query through the rerank category. The
// rerank service's query-side prefix is applied to the query and its
// document-side prefix to each candidate.
func (d *Dispatcher) Rerank(ctx context.Context, query string, documents []string, topN int) ([]Ranked, error) {
	if d.rerankClient == nil {
		return nil, fmt.Errorf("%w: no rerank service configured", types.ErrRerankService)
	}
	if len(documents) == 0 {
		return nil, nil
	}

	prefixedQuery := d.rerankCfg.QueryPrefix + query
	prefixedDocs := applyPrefix(d.rerankCfg.DocumentPrefix, documents)

	var results []Ranked
	err := d.rerankQueue.submit(ctx, func(ctx context.Context) error {
		scored, tokens, err := d.rerankClient.rerank(ctx, prefixedQuery, prefixedDocs, topN)
		if err != nil {
			return err
		}
		d.stats.recordRerank(prefixedQuery, prefixedDocs, tokens)
		results = make([]Ranked, len(scored))
		for i, r := range scored {
			results[i] = Ranked{Index: r.Index, Score: r.Score}
		}
		return nil
	})
	if err != nil {
		d.stats.recordFailure()
		return nil, fmt.Errorf("%w: %v", types.ErrRerankService, err)
	}
	return results, nil
}

// Stats returns a snapshot of the usage counters.
func (d *Dispatcher) Stats() Snapshot {
	return d.stats.Snapshot()
}

// Close stops both category workers.
func (d *Dispatcher) Close() {
	if d.embedQueue != nil {
		d.embedQueue.close()
	}
	if d.rerankQueue != nil {
		d.rerankQueue.close()
	}
}

func applyPrefix(prefix string, texts []string) []string {
	if prefix == "" {
		return texts
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = prefix + t
	}
	return out
}
