// Package chunker converts a file's non-empty lines into overlapping
// fixed-size windows, the unit of embedding and retrieval. Identifiers are
// derived from the window content, so identical windows always map to the
// same chunk and upserts never duplicate storage.
package chunker

import (
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/tmswan/kbindex/pkg/types"
)

// Chunker builds sliding windows of size lines advancing by size-overlap.
type Chunker struct {
	size    int
	overlap int
}

// New creates a chunker. Invalid parameters are corrected rather than
// rejected: a non-positive size falls back to 10 lines, and an overlap that
// would make the step non-positive is clamped to size-1, each with a
// warning diagnostic.
func New(size, overlap int, logger *zap.Logger) *Chunker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		logger.Warn("chunk size must be positive, using default",
			zap.Int("size", size), zap.Int("default", 10))
		size = 10
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		logger.Warn("chunk overlap must be smaller than chunk size, clamping",
			zap.Int("overlap", overlap), zap.Int("size", size))
		overlap = size - 1
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk splits text into windows. Lines consisting solely of whitespace are
// dropped before windowing. The final window may be shorter than the
// configured size; no content is lost, and text with fewer non-empty lines
// than one window yields a single undersized chunk.
func (c *Chunker) Chunk(source, text string) []*types.Chunk {
	type line struct {
		no   int // 1-based line number in the source file
		text string
	}

	var lines []line
	for i, raw := range strings.Split(text, "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		lines = append(lines, line{no: i + 1, text: raw})
	}
	if len(lines) == 0 {
		return nil
	}

	step := c.size - c.overlap
	chunks := make([]*types.Chunk, 0, (len(lines)+step-1)/step)
	for start := 0; start < len(lines); start += step {
		end := start + c.size
		if end > len(lines) {
			end = len(lines)
		}

		parts := make([]string, 0, end-start)
		for _, l := range lines[start:end] {
			parts = append(parts, l.text)
		}
		content := strings.Join(parts, "\n")

		chunks = append(chunks, &types.Chunk{
			ID:        types.ChunkID(content),
			Source:    source,
			StartLine: lines[start].no,
			Content:   content,
		})

		// The trailing window already covered the remaining lines.
		if end == len(lines) {
			break
		}
	}
	return chunks
}

// ChunkFile reads path and chunks its content, attributing chunks to source.
func (c *Chunker) ChunkFile(source, path string) ([]*types.Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.Chunk(source, string(data)), nil
}
