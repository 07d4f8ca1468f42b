// Package types contains the shared data structures exchanged between the
// kbindex components: chunks produced by the chunker, retrieval options and
// results returned by the retriever, and the error taxonomy used across the
// indexing and query paths.
package types
