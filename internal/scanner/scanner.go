// Package scanner walks a knowledge base's texts directory, hashes the
// plain-text files it recognizes, and diffs the result against the persisted
// manifest to decide what needs (re-)indexing.
package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/tmswan/kbindex/internal/manifest"
)

// allowedExtensions lists the plain-text and markup formats worth indexing.
var allowedExtensions = map[string]bool{
	".txt":      true,
	".text":     true,
	".md":       true,
	".markdown": true,
	".rst":      true,
	".log":      true,
	".csv":      true,
	".tsv":      true,
	".json":     true,
	".yaml":     true,
	".yml":      true,
}

// AllowedFile reports whether the file name carries an indexable
// plain-text extension.
func AllowedFile(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

// FileHash pairs a relative path with its current content hash.
type FileHash struct {
	Path string
	Hash string
}

// Failure records a file that could not be read during a scan.
type Failure struct {
	Path string
	Err  error
}

// Changes is the diff between the current tree and the manifest.
type Changes struct {
	// Added and Changed files need chunking and embedding.
	Added   []FileHash
	Changed []FileHash

	// Unchanged files match their manifest entry.
	Unchanged []string

	// Removed lists manifest entries whose file disappeared from the tree.
	Removed []string

	// Failures lists files that could not be read this cycle. They keep
	// their prior manifest entry and are retried next cycle.
	Failures []Failure
}

// Dirty reports whether the scan found anything to do.
func (c *Changes) Dirty() bool {
	return len(c.Added) > 0 || len(c.Changed) > 0 || len(c.Removed) > 0
}

// Scanner enumerates and hashes the corpus of one knowledge base.
type Scanner struct {
	textsDir string
	logger   *zap.Logger
}

// New creates a scanner rooted at the knowledge base's texts directory.
func New(textsDir string, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{textsDir: textsDir, logger: logger}
}

// Scan walks the texts tree and diffs it against prev. Per-file read
// failures are reported in Changes.Failures and do not abort the scan; a
// failed file that has a manifest entry is treated as unchanged until it
// becomes readable again.
func (s *Scanner) Scan(prev manifest.Manifest) (*Changes, error) {
	seen := make(map[string]bool, len(prev))
	changes := &Changes{}

	err := filepath.WalkDir(s.textsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.textsDir {
				return err
			}
			rel, relErr := filepath.Rel(s.textsDir, path)
			if relErr != nil {
				rel = path
			}
			rel = filepath.ToSlash(rel)
			s.logger.Warn("unreadable entry, keeping prior index state",
				zap.String("path", rel), zap.Error(err))
			changes.Failures = append(changes.Failures, Failure{Path: rel, Err: err})
			// The failed entry may be a directory whose files could not be
			// enumerated. Everything indexed under it stays unchanged until
			// the subtree is readable again.
			for p := range prev {
				if p == rel || strings.HasPrefix(p, rel+"/") {
					seen[p] = true
				}
			}
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.textsDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if !allowedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		rel, err := filepath.Rel(s.textsDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		hash, err := HashFile(path)
		if err != nil {
			s.logger.Warn("unreadable file, keeping prior index state",
				zap.String("path", rel), zap.Error(err))
			changes.Failures = append(changes.Failures, Failure{Path: rel, Err: err})
			if _, ok := prev[rel]; ok {
				seen[rel] = true
			}
			return nil
		}

		seen[rel] = true
		old, ok := prev[rel]
		switch {
		case !ok:
			changes.Added = append(changes.Added, FileHash{Path: rel, Hash: hash})
		case old != hash:
			changes.Changed = append(changes.Changed, FileHash{Path: rel, Hash: hash})
		default:
			changes.Unchanged = append(changes.Unchanged, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for path := range prev {
		if !seen[path] {
			changes.Removed = append(changes.Removed, path)
		}
	}
	return changes, nil
}

// HashFile computes the hex-encoded SHA-256 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
