package dispatch

import "sync/atomic"

// charsPerToken is the local-estimate heuristic (roughly four characters
// per token) used when a service response omits usage data, keeping the
// statistics continuous.
const charsPerToken = 4

// Stats accumulates request and token accounting across both categories.
type Stats struct {
	embedRequests   atomic.Int64
	embedTokens     atomic.Int64
	rerankRequests  atomic.Int64
	rerankTokens    atomic.Int64
	estimatedTokens atomic.Int64
	failures        atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	EmbedRequests  int64 `json:"embed_requests"`
	EmbedTokens    int64 `json:"embed_tokens"`
	RerankRequests int64 `json:"rerank_requests"`
	RerankTokens   int64 `json:"rerank_tokens"`

	// EstimatedTokens is the share of the token totals that came from the
	// local estimate rather than service-reported usage.
	EstimatedTokens int64 `json:"estimated_tokens"`

	Failures int64 `json:"failures"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		EmbedRequests:   s.embedRequests.Load(),
		EmbedTokens:     s.embedTokens.Load(),
		RerankRequests:  s.rerankRequests.Load(),
		RerankTokens:    s.rerankTokens.Load(),
		EstimatedTokens: s.estimatedTokens.Load(),
		Failures:        s.failures.Load(),
	}
}

// recordEmbed books one embedding request. When reported is 0 the token
// count falls back to a length-proportional estimate over texts.
func (s *Stats) recordEmbed(texts []string, reported int) {
	s.embedRequests.Add(1)
	s.embedTokens.Add(s.tokensOrEstimate(texts, reported))
}

func (s *Stats) recordRerank(query string, documents []string, reported int) {
	s.rerankRequests.Add(1)
	all := append([]string{query}, documents...)
	s.rerankTokens.Add(s.tokensOrEstimate(all, reported))
}

func (s *Stats) recordFailure() {
	s.failures.Add(1)
}

func (s *Stats) tokensOrEstimate(texts []string, reported int) int64 {
	if reported > 0 {
		return int64(reported)
	}
	est := estimateTokens(texts)
	s.estimatedTokens.Add(est)
	return est
}

func estimateTokens(texts []string) int64 {
	var chars int
	for _, t := range texts {
		chars += len(t)
	}
	est := chars / charsPerToken
	if est == 0 && chars > 0 {
		est = 1
	}
	return int64(est)
}
