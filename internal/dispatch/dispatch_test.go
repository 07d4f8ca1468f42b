package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tmswan/kbindex/internal/config"
	"github.com/tmswan/kbindex/pkg/types"
)

func zapNop() *zap.Logger { return zap.NewNop() }

// fakeEmbedServer answers the embeddings contract with per-text vectors
// derived from the input length, recording every request body it sees.
type fakeEmbedServer struct {
	mu        sync.Mutex
	requests  []embedRequest
	times     []time.Time
	omitUsage bool
	failNext  int
	server    *httptest.Server
}

func newFakeEmbedServer(t *testing.T) *fakeEmbedServer {
	t.Helper()
	f := &fakeEmbedServer{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.times = append(f.times, time.Now())
		fail := f.failNext > 0
		if fail {
			f.failNext--
		}
		omitUsage := f.omitUsage
		f.mu.Unlock()

		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}

		resp := map[string]any{}
		data := make([]map[string]any, len(req.Input))
		tokens := 0
		for i, text := range req.Input {
			data[i] = map[string]any{
				"index":     i,
				"embedding": []float32{float32(len(text)), 1, 0},
			}
			tokens += len(text)
		}
		resp["data"] = data
		if !omitUsage {
			resp["usage"] = map[string]int{"total_tokens": tokens}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeEmbedServer) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func embedConfig(baseURL string) config.Service {
	cfg := config.Service{
		BaseURL:  baseURL + "/v1",
		Model:    "test-embed",
		MaxBatch: 2,
		Timeout:  5 * time.Second,
	}
	return cfg
}

func TestEmbedDocumentsBatching(t *testing.T) {
	f := newFakeEmbedServer(t)
	d := New(embedConfig(f.server.URL), config.Service{}, nil)
	defer d.Close()

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := d.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)

	require.Len(t, vectors, 5)
	// Batches of 2: 2+2+1 requests, inputs in submission order.
	assert.Equal(t, 3, f.requestCount())
	assert.Equal(t, []string{"a", "bb"}, f.requests[0].Input)
	assert.Equal(t, []string{"eeeee"}, f.requests[2].Input)
	// Vector order matches text order (length encoded in first component).
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(5), vectors[4][0])
}

func TestEmbedDocumentsDefaultsMaxBatch(t *testing.T) {
	f := newFakeEmbedServer(t)
	cfg := embedConfig(f.server.URL)
	cfg.MaxBatch = 0 // config built by hand, no Validate pass
	d := New(cfg, config.Service{}, nil)
	defer d.Close()

	vectors, err := d.EmbedDocuments(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	// All three fit one default-sized batch.
	assert.Equal(t, 1, f.requestCount())
}

func TestEmbedDocumentsAppliesDocumentPrefix(t *testing.T) {
	f := newFakeEmbedServer(t)
	cfg := embedConfig(f.server.URL)
	cfg.DocumentPrefix = "passage: "
	d := New(cfg, config.Service{}, nil)
	defer d.Close()

	_, err := d.EmbedDocuments(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, []string{"passage: hello"}, f.requests[0].Input)
}

func TestEmbedQueryAppliesQueryPrefix(t *testing.T) {
	f := newFakeEmbedServer(t)
	cfg := embedConfig(f.server.URL)
	cfg.QueryPrefix = "query: "
	cfg.DocumentPrefix = "passage: "
	d := New(cfg, config.Service{}, nil)
	defer d.Close()

	vec, err := d.EmbedQuery(context.Background(), "find me")
	require.NoError(t, err)
	require.NotEmpty(t, vec)
	// Query side gets the query prefix, not the document prefix.
	assert.Equal(t, []string{"query: find me"}, f.requests[0].Input)
}

func TestEmbedUsageReportedAndEstimated(t *testing.T) {
	f := newFakeEmbedServer(t)
	d := New(embedConfig(f.server.URL), config.Service{}, nil)
	defer d.Close()

	_, err := d.EmbedDocuments(context.Background(), []string{"four"})
	require.NoError(t, err)

	snap := d.Stats()
	assert.Equal(t, int64(1), snap.EmbedRequests)
	assert.Equal(t, int64(4), snap.EmbedTokens)
	assert.Zero(t, snap.EstimatedTokens)

	// When the service omits usage, the local estimate keeps statistics
	// continuous.
	f.mu.Lock()
	f.omitUsage = true
	f.mu.Unlock()

	_, err = d.EmbedDocuments(context.Background(), []string{"a longer text to estimate"})
	require.NoError(t, err)

	snap = d.Stats()
	assert.Equal(t, int64(2), snap.EmbedRequests)
	assert.Positive(t, snap.EstimatedTokens)
	assert.Greater(t, snap.EmbedTokens, int64(4))
}

func TestEmbedFailureDoesNotPoisonQueue(t *testing.T) {
	f := newFakeEmbedServer(t)
	f.failNext = retryAttempts // exhaust all retries
	d := New(embedConfig(f.server.URL), config.Service{}, nil)
	defer d.Close()

	_, err := d.EmbedDocuments(context.Background(), []string{"doomed"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrEmbeddingService)
	assert.Equal(t, int64(1), d.Stats().Failures)

	// The next batch goes through untouched.
	vectors, err := d.EmbedDocuments(context.Background(), []string{"fine"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
}

func TestEmbedMinIntervalEnforced(t *testing.T) {
	f := newFakeEmbedServer(t)
	cfg := embedConfig(f.server.URL)
	cfg.MaxBatch = 1
	cfg.MinInterval = 40 * time.Millisecond
	d := New(cfg, config.Service{}, nil)
	defer d.Close()

	start := time.Now()
	_, err := d.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	// Three serialized dispatches with two enforced gaps between them.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Equal(t, 3, f.requestCount())
	assert.GreaterOrEqual(t, f.times[1].Sub(f.times[0]), 35*time.Millisecond)
	assert.GreaterOrEqual(t, f.times[2].Sub(f.times[1]), 35*time.Millisecond)
}

func TestEmbedNotConfigured(t *testing.T) {
	d := New(config.Service{}, config.Service{}, nil)
	defer d.Close()

	_, err := d.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, types.ErrEmbeddingService)
	assert.False(t, d.EmbedConfigured())
}

func newFakeRerankServer(t *testing.T, scores []float64) (*httptest.Server, *[]rerankRequest) {
	t.Helper()
	var mu sync.Mutex
	requests := &[]rerankRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/rerank", r.URL.Path)

		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		*requests = append(*requests, req)
		mu.Unlock()

		results := make([]map[string]any, 0, len(req.Documents))
		for i := range req.Documents {
			score := 0.0
			if i < len(scores) {
				score = scores[i]
			}
			results = append(results, map[string]any{
				"index":           i,
				"relevance_score": score,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"results": results,
			"usage":   map[string]int{"total_tokens": 12},
		}))
	}))
	t.Cleanup(server.Close)
	return server, requests
}

func TestRerankOrdersByScore(t *testing.T) {
	server, requests := newFakeRerankServer(t, []float64{0.2, 0.9, 0.5})
	cfg := config.Service{
		BaseURL:     server.URL + "/v1",
		Model:       "test-rerank",
		QueryPrefix: "q: ",
		MaxBatch:    16,
		Timeout:     5 * time.Second,
	}
	d := New(config.Service{}, cfg, nil)
	defer d.Close()

	require.True(t, d.RerankConfigured())

	results, err := d.Rerank(context.Background(), "question", []string{"d0", "d1", "d2"}, 3)
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 0.9, results[0].Score)
	assert.Equal(t, 2, results[1].Index)
	assert.Equal(t, 0, results[2].Index)

	require.Len(t, *requests, 1)
	assert.Equal(t, "q: question", (*requests)[0].Query)
	assert.Equal(t, 3, (*requests)[0].TopN)

	snap := d.Stats()
	assert.Equal(t, int64(1), snap.RerankRequests)
	assert.Equal(t, int64(12), snap.RerankTokens)
}

func TestRerankNotConfigured(t *testing.T) {
	d := New(config.Service{}, config.Service{}, nil)
	defer d.Close()

	_, err := d.Rerank(context.Background(), "q", []string{"d"}, 1)
	assert.ErrorIs(t, err, types.ErrRerankService)
	assert.False(t, d.RerankConfigured())
}

func TestQueueSubmitAfterClose(t *testing.T) {
	q := newQueue("test", 0, zapNop())
	q.close()

	err := q.submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueCancelledWhileWaiting(t *testing.T) {
	q := newQueue("test", time.Hour, zapNop())
	defer q.close()

	// First job resets the interval clock.
	require.NoError(t, q.submit(context.Background(), func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
