package retriever

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tmswan/kbindex/internal/config"
	"github.com/tmswan/kbindex/internal/dispatch"
	"github.com/tmswan/kbindex/internal/kb"
	"github.com/tmswan/kbindex/pkg/types"
)

// testEnv wires a retriever over one on-disk knowledge base with fake
// embedding and rerank services. The embedding service returns a fixed
// query-axis vector, so stage-1 similarity is controlled entirely by the
// vectors tests upsert into the store.
type testEnv struct {
	retriever *Retriever
	base      *kb.KnowledgeBase
	root      string

	mu            sync.Mutex
	embedRequests int
	rerankScores  map[string]float64
	rerankFail    bool
}

func newTestEnv(t *testing.T, withRerank bool, files map[string]string) *testEnv {
	t.Helper()
	env := &testEnv{rerankScores: map[string]float64{}}

	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		env.mu.Lock()
		env.embedRequests++
		env.mu.Unlock()

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"index": i, "embedding": []float32{1, 0, 0}}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
	}))
	t.Cleanup(embedSrv.Close)

	rerankSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/rerank", r.URL.Path)
		var req struct {
			Documents []string `json:"documents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		env.mu.Lock()
		fail := env.rerankFail
		scores := env.rerankScores
		env.mu.Unlock()

		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}

		results := make([]map[string]any, len(req.Documents))
		for i, doc := range req.Documents {
			results[i] = map[string]any{"index": i, "relevance_score": scores[doc]}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"results": results}))
	}))
	t.Cleanup(rerankSrv.Close)

	env.root = t.TempDir()
	dir := filepath.Join(env.root, "docs")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, kb.TextsDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, kb.IntroFileName), []byte("test corpus"), 0o644))
	for rel, content := range files {
		path := filepath.Join(dir, kb.TextsDirName, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	cfg := &config.Config{
		KnowledgeRoot: env.root,
		Embedding: config.Service{
			BaseURL: embedSrv.URL + "/v1",
			Model:   "test-embed",
			Timeout: 5 * time.Second,
		},
	}
	if withRerank {
		cfg.Rerank = config.Service{
			BaseURL: rerankSrv.URL + "/v1",
			Model:   "test-rerank",
			Timeout: 5 * time.Second,
		}
	}
	cfg.Validate()
	cfg.Embedding.MinInterval = 0
	cfg.Rerank.MinInterval = 0

	d := dispatch.New(cfg.Embedding, cfg.Rerank, zap.NewNop())
	t.Cleanup(d.Close)

	library := kb.NewLibrary(cfg, d, zap.NewNop())
	t.Cleanup(library.Close)
	require.NoError(t, library.Refresh())

	base, err := library.Get("docs")
	require.NoError(t, err)
	env.base = base
	env.retriever = New(library, d, cfg.Retrieval, zap.NewNop())
	return env
}

func (env *testEnv) upsert(t *testing.T, source string, startLine int, text string, vector []float32) {
	t.Helper()
	chunk := &types.Chunk{
		ID:        types.ChunkID(text),
		Source:    source,
		StartLine: startLine,
		Content:   text,
		Vector:    vector,
	}
	require.NoError(t, env.base.Store().Upsert(context.Background(), chunk))
}

func (env *testEnv) embedRequestCount() int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.embedRequests
}

func (env *testEnv) setRerankScores(scores map[string]float64) {
	env.mu.Lock()
	env.rerankScores = scores
	env.mu.Unlock()
}

// seedThree loads three chunks whose similarity to the fixed query vector
// descends: alpha 1.0, bravo 0.8, charlie 0.0.
func (env *testEnv) seedThree(t *testing.T) {
	env.upsert(t, "a.txt", 1, "alpha", []float32{1, 0, 0})
	env.upsert(t, "a.txt", 9, "bravo", []float32{0.8, 0.6, 0})
	env.upsert(t, "b.txt", 1, "charlie", []float32{0, 1, 0})
}

func boolPtr(b bool) *bool { return &b }

func TestSemanticOrdersBySimilarity(t *testing.T) {
	env := newTestEnv(t, false, nil)
	env.seedThree(t)

	results, err := env.retriever.Semantic(context.Background(), "docs", "query", types.RetrievalOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "alpha", results[0].Text)
	assert.Equal(t, "bravo", results[1].Text)
	assert.Equal(t, "charlie", results[2].Text)
	assert.InDelta(t, 1.0, results[0].Relevance, 1e-6)
	assert.InDelta(t, 0.8, results[1].Relevance, 1e-6)
	assert.Nil(t, results[0].RerankScore)
	assert.Equal(t, "a.txt", results[0].Source)
	assert.Equal(t, 9, results[1].StartLine)
}

func TestSemanticTopKLimit(t *testing.T) {
	env := newTestEnv(t, false, nil)
	env.seedThree(t)

	results, err := env.retriever.Semantic(context.Background(), "docs", "query",
		types.RetrievalOptions{TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].Text)
	assert.Equal(t, "bravo", results[1].Text)
}

func TestSemanticRelevanceFloor(t *testing.T) {
	env := newTestEnv(t, false, nil)
	env.seedThree(t)

	results, err := env.retriever.Semantic(context.Background(), "docs", "query",
		types.RetrievalOptions{MinRelevance: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.GreaterOrEqual(t, res.Relevance, 0.5)
	}
}

func TestSemanticSourceFilter(t *testing.T) {
	env := newTestEnv(t, false, nil)
	env.upsert(t, "guide/setup.md", 1, "install it", []float32{1, 0, 0})
	env.upsert(t, "notes/todo.md", 1, "ship it", []float32{1, 0, 0})

	results, err := env.retriever.Semantic(context.Background(), "docs", "query",
		types.RetrievalOptions{SourceKeyword: "guide"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "guide/setup.md", results[0].Source)
}

func TestSemanticRerankReorders(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.seedThree(t)
	// The rerank model disagrees with vector similarity.
	env.setRerankScores(map[string]float64{"alpha": 0.1, "bravo": 0.9, "charlie": 0.5})

	results, err := env.retriever.Semantic(context.Background(), "docs", "query",
		types.RetrievalOptions{TopK: 3, EnableRerank: boolPtr(true), RerankTopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "bravo", results[0].Text)
	assert.Equal(t, "charlie", results[1].Text)
	require.NotNil(t, results[0].RerankScore)
	assert.InDelta(t, 0.9, *results[0].RerankScore, 1e-6)
	// Stage-1 similarity is preserved alongside the rerank score.
	assert.InDelta(t, 0.8, results[0].Relevance, 1e-6)
}

func TestSemanticRerankTopKShrinksToFit(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.seedThree(t)
	env.setRerankScores(map[string]float64{"alpha": 0.2, "bravo": 0.9, "charlie": 0.1})

	// rerank_top_k exceeding top_k is corrected, not rejected.
	results, err := env.retriever.Semantic(context.Background(), "docs", "query",
		types.RetrievalOptions{TopK: 2, EnableRerank: boolPtr(true), RerankTopK: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "bravo", results[0].Text)
}

func TestSemanticRerankSkippedForSingleResult(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.seedThree(t)

	results, err := env.retriever.Semantic(context.Background(), "docs", "query",
		types.RetrievalOptions{TopK: 1, EnableRerank: boolPtr(true)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alpha", results[0].Text)
	assert.Nil(t, results[0].RerankScore)
}

func TestSemanticRerankUnconfiguredFallsBack(t *testing.T) {
	env := newTestEnv(t, false, nil)
	env.seedThree(t)

	results, err := env.retriever.Semantic(context.Background(), "docs", "query",
		types.RetrievalOptions{EnableRerank: boolPtr(true)})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "alpha", results[0].Text)
	assert.Nil(t, results[0].RerankScore)
}

func TestSemanticRerankFailureFallsBack(t *testing.T) {
	env := newTestEnv(t, true, nil)
	env.seedThree(t)
	env.mu.Lock()
	env.rerankFail = true
	env.mu.Unlock()

	results, err := env.retriever.Semantic(context.Background(), "docs", "query",
		types.RetrievalOptions{TopK: 3, EnableRerank: boolPtr(true), RerankTopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "alpha", results[0].Text)
	assert.Nil(t, results[0].RerankScore)
}

func TestSemanticQueryEmbeddingCached(t *testing.T) {
	env := newTestEnv(t, false, nil)
	env.seedThree(t)

	_, err := env.retriever.Semantic(context.Background(), "docs", "same query", types.RetrievalOptions{})
	require.NoError(t, err)
	_, err = env.retriever.Semantic(context.Background(), "docs", "same query", types.RetrievalOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, env.embedRequestCount())

	_, err = env.retriever.Semantic(context.Background(), "docs", "different query", types.RetrievalOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, env.embedRequestCount())
}

func TestSemanticUnknownKnowledgeBase(t *testing.T) {
	env := newTestEnv(t, false, nil)

	_, err := env.retriever.Semantic(context.Background(), "nope", "query", types.RetrievalOptions{})
	assert.ErrorIs(t, err, types.ErrKnowledgeBaseNotFound)
}

func TestSemanticEmptyQuery(t *testing.T) {
	env := newTestEnv(t, false, nil)

	_, err := env.retriever.Semantic(context.Background(), "docs", "", types.RetrievalOptions{})
	assert.Error(t, err)
}

func TestDeduplicateKeepsHighestRanked(t *testing.T) {
	score := 0.4
	results := []types.SemanticResult{
		{Source: "a.txt", Text: "same", Relevance: 0.9},
		{Source: "a.txt", Text: "same", Relevance: 0.7, RerankScore: &score},
		{Source: "b.txt", Text: "same", Relevance: 0.6},
		{Source: "a.txt", Text: "other", Relevance: 0.5},
	}

	deduped := deduplicate(results)
	require.Len(t, deduped, 3)
	assert.InDelta(t, 0.9, deduped[0].Relevance, 1e-9)
	assert.Equal(t, "b.txt", deduped[1].Source)
	assert.Equal(t, "other", deduped[2].Text)
}

func TestApplyRelevanceFloorZeroKeepsAll(t *testing.T) {
	results := []types.SemanticResult{{Relevance: 0.0}, {Relevance: -0.2}}
	assert.Len(t, applyRelevanceFloor(results, 0), 2)
	assert.Empty(t, applyRelevanceFloor(results, 0.1))
}
