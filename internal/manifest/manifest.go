// Package manifest persists, per knowledge base, the mapping from relative
// file path to the content hash recorded at the last successful index. The
// manifest is the ground truth for "has this file changed since last index":
// entries are written only after a file's chunks have been embedded and
// upserted, so a crash between embedding and manifest-write causes at worst
// a redundant, idempotent re-embed on the next scan.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the manifest file name inside a knowledge base directory.
const FileName = "manifest"

// Manifest maps relative file paths to hex-encoded SHA-256 content hashes.
type Manifest map[string]string

// Store reads and writes manifests rooted at a knowledge base directory.
type Store struct {
	dir string
}

// NewStore creates a store for the knowledge base at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the manifest file location.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Load returns the persisted manifest, or an empty one when the file does
// not exist yet.
func (s *Store) Load() (Manifest, error) {
	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if doc.Files == nil {
		doc.Files = Manifest{}
	}
	return doc.Files, nil
}

// Save persists the manifest atomically: it writes a temp file in the same
// directory and renames it over the target.
func (s *Store) Save(m Manifest) error {
	data, err := json.MarshalIndent(manifestDoc{Files: m}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

type manifestDoc struct {
	Files Manifest `json:"files"`
}
