package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// ChunkIDLength is the number of hex characters kept from the content hash
// when deriving a chunk identifier.
const ChunkIDLength = 16

// Chunk is the unit of embedding and retrieval: an overlapping window of
// non-empty lines from one source file.
type Chunk struct {
	// ID is derived from the chunk content (see ChunkID), so identical
	// windows always collapse to the same identifier.
	ID string

	// Source is the file path relative to the knowledge base texts root.
	Source string

	// StartLine is the 1-based line number, in the source file, of the
	// first line covered by the window.
	StartLine int

	// Content is the concatenated text of the covered lines.
	Content string

	// Vector is populated after embedding.
	Vector []float32
}

// ChunkID derives the deterministic identifier for a chunk's content:
// the first ChunkIDLength hex characters of the content's SHA-256.
func ChunkID(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])[:ChunkIDLength]
}
