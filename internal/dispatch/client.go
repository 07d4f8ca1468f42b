package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/tmswan/kbindex/internal/config"
)

// Retry policy for service calls. Failures after the last attempt fail the
// batch; the caller's manifest entries stay stale and are retried on the
// next scan cycle.
const (
	retryAttempts = 3
	retryBaseWait = 100 * time.Millisecond
	retryMaxWait  = 2 * time.Second
)

// client speaks the fixed request/response contract of one external
// service: an OpenAI-style embeddings endpoint and a Jina-style rerank
// endpoint under a common base URL.
type client struct {
	cfg        config.Service
	httpClient *http.Client
}

func newClient(cfg config.Service) *client {
	return &client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage *usage `json:"usage"`
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Usage *usage `json:"usage"`
}

// embed requests vectors for texts, returned in input order. tokens is the
// usage reported by the service, or 0 when the response omitted it.
func (c *client) embed(ctx context.Context, texts []string) (vectors [][]float32, tokens int, err error) {
	req := embedRequest{
		Model:      c.cfg.Model,
		Input:      texts,
		Dimensions: c.cfg.Dimensions,
	}

	var resp embedResponse
	if err := c.post(ctx, "/embeddings", req, &resp); err != nil {
		return nil, 0, err
	}
	if len(resp.Data) != len(texts) {
		return nil, 0, fmt.Errorf("embeddings response has %d vectors for %d inputs",
			len(resp.Data), len(texts))
	}

	// Services are allowed to reorder; the index field is authoritative.
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	vectors = make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	return vectors, tokens, nil
}

// ranked is one rerank result: the candidate's original index plus its
// relevance score, higher is better.
type ranked struct {
	Index int
	Score float64
}

func (c *client) rerank(ctx context.Context, query string, documents []string, topN int) (results []ranked, tokens int, err error) {
	req := rerankRequest{
		Model:     c.cfg.Model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	}

	var resp rerankResponse
	if err := c.post(ctx, "/rerank", req, &resp); err != nil {
		return nil, 0, err
	}

	results = make([]ranked, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, 0, fmt.Errorf("rerank response index %d out of range", r.Index)
		}
		results = append(results, ranked{Index: r.Index, Score: r.RelevanceScore})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}
	return results, tokens, nil
}

// post sends one JSON request with retry and a per-attempt timeout.
func (c *client) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path

	return retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			if c.cfg.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				err := fmt.Errorf("service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(err)
				}
				return err
			}

			if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseWait),
		retry.MaxDelay(retryMaxWait),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
