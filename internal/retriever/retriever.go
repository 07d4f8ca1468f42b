// Package retriever answers queries against indexed knowledge bases. It
// offers two independent paths: keyword search over the raw corpus lines,
// and two-stage semantic search (vector recall, then an optional rerank
// pass). Cross-parameter constraints degrade with a diagnostic instead of
// failing the call.
package retriever

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tmswan/kbindex/internal/config"
	"github.com/tmswan/kbindex/internal/dispatch"
	"github.com/tmswan/kbindex/internal/kb"
	"github.com/tmswan/kbindex/pkg/types"
)

const queryCacheSize = 256

// Retriever coordinates keyword and semantic retrieval for all knowledge
// bases in a library.
type Retriever struct {
	library    *kb.Library
	dispatcher *dispatch.Dispatcher
	defaults   config.Retrieval

	// queryCache memoizes query embeddings so repeated searches skip the
	// embedding round-trip.
	queryCache *lru.Cache[string, []float32]

	logger *zap.Logger
}

// New creates a retriever. defaults supplies the per-call fallbacks for
// top_k, rerank, and result limits.
func New(library *kb.Library, dispatcher *dispatch.Dispatcher, defaults config.Retrieval, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[string, []float32](queryCacheSize)
	if err != nil {
		// Only possible with a non-positive size.
		panic(fmt.Sprintf("create query cache: %v", err))
	}
	return &Retriever{
		library:    library,
		dispatcher: dispatcher,
		defaults:   defaults,
		queryCache: cache,
		logger:     logger,
	}
}

// Semantic runs the two-stage semantic pipeline against the named
// knowledge base. Stage-1 recall always runs; the rerank stage runs only
// when requested, configured, and valid, degrading otherwise. Results are
// ordered by similarity descending, or by rerank score descending when the
// rerank stage ran (the rerank ordering is authoritative).
func (r *Retriever) Semantic(ctx context.Context, kbName, query string, opts types.RetrievalOptions) ([]types.SemanticResult, error) {
	if query == "" {
		return nil, errors.New("query cannot be empty")
	}

	base, err := r.library.Get(kbName)
	if err != nil {
		return nil, err
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = r.defaults.TopK
	}
	minRelevance := opts.MinRelevance
	if minRelevance <= 0 {
		minRelevance = r.defaults.MinRelevance
	}
	if minRelevance > 1 {
		minRelevance = 1
	}

	vector, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	recalled, err := base.Store().Query(ctx, vector, topK, opts.SourceKeyword)
	if err != nil {
		return nil, fmt.Errorf("vector recall: %w", err)
	}

	results := make([]types.SemanticResult, len(recalled))
	for i, hit := range recalled {
		results[i] = types.SemanticResult{
			Source:    hit.Chunk.Source,
			StartLine: hit.Chunk.StartLine,
			Text:      hit.Chunk.Content,
			Relevance: hit.Similarity,
		}
	}

	results = r.maybeRerank(ctx, query, results, opts, topK)
	results = applyRelevanceFloor(results, minRelevance)
	if opts.Deduplicate {
		results = deduplicate(results)
	}
	return results, nil
}

// maybeRerank applies the stage-2 rerank pass when all preconditions hold.
// Constraint violations and service failures degrade to the stage-1
// ordering with a warning diagnostic; they never fail the search.
func (r *Retriever) maybeRerank(ctx context.Context, query string, stage1 []types.SemanticResult, opts types.RetrievalOptions, topK int) []types.SemanticResult {
	enabled := r.defaults.EnableRerank
	if opts.EnableRerank != nil {
		enabled = *opts.EnableRerank
	}
	if !enabled || len(stage1) == 0 {
		return stage1
	}

	if !r.dispatcher.RerankConfigured() {
		r.logger.Warn("rerank requested but no rerank service is configured, returning recall order",
			zap.String("query", query))
		return stage1
	}

	rerankTopK := opts.RerankTopK
	if rerankTopK <= 0 {
		rerankTopK = r.defaults.RerankTopK
	}
	if rerankTopK >= topK {
		// rerank_top_k must stay strictly below top_k; shrink it when
		// possible, otherwise skip the rerank stage for this call.
		if topK <= 1 {
			r.logger.Warn("rerank disabled: top_k leaves no room for a smaller rerank_top_k",
				zap.Int("top_k", topK), zap.Int("rerank_top_k", rerankTopK))
			return stage1
		}
		r.logger.Warn("rerank_top_k must be smaller than top_k, shrinking",
			zap.Int("top_k", topK), zap.Int("rerank_top_k", rerankTopK),
			zap.Int("adjusted", topK-1))
		rerankTopK = topK - 1
	}

	documents := make([]string, len(stage1))
	for i, res := range stage1 {
		documents[i] = res.Text
	}

	scored, err := r.dispatcher.Rerank(ctx, query, documents, rerankTopK)
	if err != nil {
		r.logger.Warn("rerank failed, returning recall order", zap.Error(err))
		return stage1
	}

	if len(scored) > rerankTopK {
		scored = scored[:rerankTopK]
	}
	reranked := make([]types.SemanticResult, 0, len(scored))
	for _, rank := range scored {
		res := stage1[rank.Index]
		score := rank.Score
		res.RerankScore = &score
		reranked = append(reranked, res)
	}
	return reranked
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if vector, ok := r.queryCache.Get(query); ok {
		return vector, nil
	}
	vector, err := r.dispatcher.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	r.queryCache.Add(query, vector)
	return vector, nil
}

// applyRelevanceFloor drops results whose stage-1 similarity is below the
// configured floor.
func applyRelevanceFloor(results []types.SemanticResult, floor float64) []types.SemanticResult {
	if floor <= 0 {
		return results
	}
	kept := results[:0]
	for _, res := range results {
		if res.Relevance >= floor {
			kept = append(kept, res)
		}
	}
	return kept
}

// deduplicate collapses results sharing an identical (source, text) pair,
// keeping the highest-ranked instance.
func deduplicate(results []types.SemanticResult) []types.SemanticResult {
	type key struct {
		source string
		text   string
	}
	seen := make(map[key]bool, len(results))
	kept := results[:0]
	for _, res := range results {
		k := key{source: res.Source, text: res.Text}
		if seen[k] {
			continue
		}
		seen[k] = true
		kept = append(kept, res)
	}
	return kept
}
