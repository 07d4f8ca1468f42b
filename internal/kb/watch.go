package kb

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// corpusWatcher turns filesystem events on the knowledge bases' texts
// directories into scan-loop nudges, so edits are picked up ahead of the
// periodic interval. fsnotify does not watch recursively; rearm re-walks
// the trees after each sync cycle to cover directories created since.
type corpusWatcher struct {
	watcher *fsnotify.Watcher
	library *Library
	logger  *zap.Logger

	watched map[string]bool
}

func newCorpusWatcher(library *Library, logger *zap.Logger) (*corpusWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &corpusWatcher{
		watcher: fsWatcher,
		library: library,
		logger:  logger,
		watched: make(map[string]bool),
	}
	go w.loop()
	return w, nil
}

// rearm ensures every directory under the given roots is watched.
func (w *corpusWatcher) rearm(roots []string) {
	for _, root := range roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			if w.watched[path] {
				return nil
			}
			if err := w.watcher.Add(path); err != nil {
				w.logger.Debug("watch failed", zap.String("dir", path), zap.Error(err))
				return nil
			}
			w.watched[path] = true
			return nil
		})
	}
}

func (w *corpusWatcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.library.Nudge()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watch error", zap.Error(err))
		}
	}
}

func (w *corpusWatcher) Close() {
	_ = w.watcher.Close()
}
