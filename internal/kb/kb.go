// Package kb ties the engine together: it discovers knowledge bases under
// the knowledge root, owns each one's manifest and vector store, and drives
// the incremental sync pipeline (scan, chunk, embed, upsert, manifest
// save) plus the background scan loop.
package kb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/tmswan/kbindex/internal/chunker"
	"github.com/tmswan/kbindex/internal/config"
	"github.com/tmswan/kbindex/internal/manifest"
	"github.com/tmswan/kbindex/internal/scanner"
	"github.com/tmswan/kbindex/internal/store"
)

// Expected layout inside a knowledge base directory.
const (
	IntroFileName  = "intro"
	TextsDirName   = "texts"
	VectorsDirName = "vectors"

	lockFileName = ".sync.lock"
)

// KnowledgeBase is one named corpus plus its derived index. Each instance
// exclusively owns its manifest and vector store; nothing is shared across
// knowledge bases except the process-wide dispatcher.
type KnowledgeBase struct {
	Name  string
	Dir   string
	Intro string

	store    *store.Store
	manifest *manifest.Store
	scanner  *scanner.Scanner
	chunker  *chunker.Chunker

	gate     syncGate     // in-process: same-KB scans never overlap
	fileLock *flock.Flock // cross-process: second kbindex instance skips

	logger *zap.Logger
}

// openKnowledgeBase opens the knowledge base at dir, which must contain an
// intro file and a texts/ directory.
func openKnowledgeBase(dir string, cfg *config.Config, logger *zap.Logger) (*KnowledgeBase, error) {
	name := filepath.Base(dir)

	introBytes, err := os.ReadFile(filepath.Join(dir, IntroFileName))
	if err != nil {
		return nil, fmt.Errorf("knowledge base %s: read intro: %w", name, err)
	}

	textsDir := filepath.Join(dir, TextsDirName)
	if info, err := os.Stat(textsDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("knowledge base %s: missing texts directory", name)
	}

	vectorsDir := filepath.Join(dir, VectorsDirName)
	st, err := store.Open(vectorsDir)
	if err != nil {
		return nil, fmt.Errorf("knowledge base %s: %w", name, err)
	}

	kbLogger := logger.With(zap.String("kb", name))
	return &KnowledgeBase{
		Name:     name,
		Dir:      dir,
		Intro:    strings.TrimSpace(string(introBytes)),
		store:    st,
		manifest: manifest.NewStore(dir),
		scanner:  scanner.New(textsDir, kbLogger),
		chunker:  chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap, kbLogger),
		fileLock: flock.New(filepath.Join(vectorsDir, lockFileName)),
		logger:   kbLogger,
	}, nil
}

// TextsDir returns the corpus directory scanned for this knowledge base.
func (kb *KnowledgeBase) TextsDir() string {
	return filepath.Join(kb.Dir, TextsDirName)
}

// Store exposes the vector store for queries.
func (kb *KnowledgeBase) Store() *store.Store {
	return kb.store
}

// Close releases the vector store.
func (kb *KnowledgeBase) Close() error {
	return kb.store.Close()
}

// IsKnowledgeBaseDir reports whether dir matches the expected layout.
func IsKnowledgeBaseDir(dir string) bool {
	if info, err := os.Stat(filepath.Join(dir, IntroFileName)); err != nil || info.IsDir() {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, TextsDirName))
	return err == nil && info.IsDir()
}
