package types

// KnowledgeBaseInfo describes a discovered knowledge base.
type KnowledgeBaseInfo struct {
	Name  string `json:"name"`
	Intro string `json:"intro,omitempty"`
}

// KeywordResult is one matching line from a keyword search.
type KeywordResult struct {
	Source string `json:"source"`
	Line   int    `json:"line"`
	Text   string `json:"text"`
}

// SemanticResult is one chunk returned by semantic search. Relevance is the
// cosine similarity from vector recall; RerankScore is set only when a
// rerank pass reordered the results, in which case it is authoritative.
type SemanticResult struct {
	Source      string   `json:"source"`
	StartLine   int      `json:"start_line"`
	Text        string   `json:"text"`
	Relevance   float64  `json:"relevance"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// RetrievalOptions carries the per-call configuration for semantic search.
// Zero values mean "use the knowledge base default". EnableRerank is a
// pointer so an explicit false can be told apart from unset.
type RetrievalOptions struct {
	TopK          int
	EnableRerank  *bool
	RerankTopK    int
	MinRelevance  float64
	SourceKeyword string
	Deduplicate   bool
}

// KeywordOptions carries limits and filters for keyword search.
type KeywordOptions struct {
	MaxLines      int
	MaxChars      int
	SourceKeyword string
	CaseSensitive bool
}
