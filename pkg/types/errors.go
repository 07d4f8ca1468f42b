package types

import "errors"

// Error taxonomy. Indexing-time errors are local to one file or batch and
// never abort a scan cycle; query-time rerank errors degrade to stage-1
// results; query-time recall errors surface to the caller.
var (
	// ErrScanIO marks an unreadable source file. The file keeps its prior
	// manifest entry and is retried on the next cycle.
	ErrScanIO = errors.New("scan: file read failed")

	// ErrEmbeddingService marks a failed embedding batch (network, timeout,
	// or non-success status).
	ErrEmbeddingService = errors.New("embedding service request failed")

	// ErrRerankService marks a failed rerank call.
	ErrRerankService = errors.New("rerank service request failed")

	// ErrVectorStore marks a vector store read or write failure.
	ErrVectorStore = errors.New("vector store operation failed")

	// ErrKnowledgeBaseNotFound is returned for queries against an unknown
	// knowledge base name.
	ErrKnowledgeBaseNotFound = errors.New("knowledge base not found")
)
