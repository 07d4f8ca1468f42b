package retriever

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/tmswan/kbindex/internal/scanner"
	"github.com/tmswan/kbindex/pkg/types"
)

// errBudgetExhausted stops the corpus walk once the result caps are hit.
var errBudgetExhausted = errors.New("keyword budget exhausted")

// Keyword scans the raw, non-embedded lines of a knowledge base for a
// substring match (case-insensitive unless opts.CaseSensitive). Results
// are capped by both a line count and a character budget, and can be
// restricted to sources whose path contains opts.SourceKeyword.
func (r *Retriever) Keyword(ctx context.Context, kbName, keyword string, opts types.KeywordOptions) ([]types.KeywordResult, error) {
	if keyword == "" {
		return nil, errors.New("keyword cannot be empty")
	}

	base, err := r.library.Get(kbName)
	if err != nil {
		return nil, err
	}

	maxLines := opts.MaxLines
	if maxLines <= 0 {
		maxLines = r.defaults.MaxLines
	}
	maxChars := opts.MaxChars
	if maxChars <= 0 {
		maxChars = r.defaults.MaxChars
	}

	needle := keyword
	if !opts.CaseSensitive {
		needle = strings.ToLower(keyword)
	}

	textsDir := base.TextsDir()
	var (
		results []types.KeywordResult
		chars   int
	)

	err = filepath.WalkDir(textsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == textsDir {
				return err
			}
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != textsDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !scanner.AllowedFile(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(textsDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if opts.SourceKeyword != "" && !strings.Contains(strings.ToLower(rel), strings.ToLower(opts.SourceKeyword)) {
			return nil
		}

		matches, used, scanErr := scanFile(path, rel, needle, opts.CaseSensitive, maxLines-len(results), maxChars-chars)
		// A mid-file failure (unreadable file, oversized line) skips the
		// rest of that file but keeps what it already matched.
		results = append(results, matches...)
		chars += used
		if len(results) >= maxLines || chars >= maxChars {
			return errBudgetExhausted
		}
		if scanErr != nil {
			r.logger.Debug("keyword scan truncated", zap.String("source", rel), zap.Error(scanErr))
		}
		return nil
	})
	if err != nil && !errors.Is(err, errBudgetExhausted) {
		return nil, err
	}
	return results, nil
}

// scanFile collects up to lineBudget matching lines from one file without
// exceeding charBudget characters of matched text.
func scanFile(path, rel, needle string, caseSensitive bool, lineBudget, charBudget int) ([]types.KeywordResult, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var (
		matches []types.KeywordResult
		used    int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		haystack := line
		if !caseSensitive {
			haystack = strings.ToLower(line)
		}
		if !strings.Contains(haystack, needle) {
			continue
		}

		matches = append(matches, types.KeywordResult{Source: rel, Line: lineNo, Text: line})
		used += len(line)
		if len(matches) >= lineBudget || used >= charBudget {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return matches, used, err
	}
	return matches, used, nil
}
