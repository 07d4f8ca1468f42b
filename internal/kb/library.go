package kb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tmswan/kbindex/internal/config"
	"github.com/tmswan/kbindex/internal/dispatch"
	"github.com/tmswan/kbindex/pkg/types"
)

// Library manages all knowledge bases under the knowledge root and drives
// the periodic background sync loop.
type Library struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger

	mu  sync.RWMutex
	kbs map[string]*KnowledgeBase

	// nudge wakes the scan loop early, e.g. on a file-watch event.
	nudge chan struct{}
}

// NewLibrary creates a library over cfg.KnowledgeRoot. Call Refresh (or
// Run, which refreshes each cycle) to discover knowledge bases.
func NewLibrary(cfg *config.Config, dispatcher *dispatch.Dispatcher, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		kbs:        make(map[string]*KnowledgeBase),
		nudge:      make(chan struct{}, 1),
	}
}

// Refresh reconciles the in-memory set with the directories on disk: a new
// directory matching the expected layout becomes a knowledge base, a
// removed directory logically destroys one.
func (l *Library) Refresh() error {
	entries, err := os.ReadDir(l.cfg.KnowledgeRoot)
	if err != nil {
		return fmt.Errorf("read knowledge root: %w", err)
	}

	present := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.cfg.KnowledgeRoot, entry.Name())
		if !IsKnowledgeBaseDir(dir) {
			continue
		}
		present[entry.Name()] = true

		l.mu.RLock()
		_, known := l.kbs[entry.Name()]
		l.mu.RUnlock()
		if known {
			continue
		}

		opened, err := openKnowledgeBase(dir, l.cfg, l.logger)
		if err != nil {
			l.logger.Warn("skipping knowledge base", zap.String("dir", dir), zap.Error(err))
			continue
		}
		l.mu.Lock()
		l.kbs[entry.Name()] = opened
		l.mu.Unlock()
		l.logger.Info("discovered knowledge base", zap.String("name", entry.Name()))
	}

	l.mu.Lock()
	for name, known := range l.kbs {
		if !present[name] {
			_ = known.Close()
			delete(l.kbs, name)
			l.logger.Info("knowledge base removed", zap.String("name", name))
		}
	}
	l.mu.Unlock()
	return nil
}

// List returns the known knowledge bases sorted by name.
func (l *Library) List() []types.KnowledgeBaseInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	infos := make([]types.KnowledgeBaseInfo, 0, len(l.kbs))
	for _, known := range l.kbs {
		infos = append(infos, types.KnowledgeBaseInfo{Name: known.Name, Intro: known.Intro})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Get returns the knowledge base with the given name.
func (l *Library) Get(name string) (*KnowledgeBase, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	known, ok := l.kbs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrKnowledgeBaseNotFound, name)
	}
	return known, nil
}

// SyncAll refreshes discovery and syncs every knowledge base. Different
// knowledge bases are independent and sync in parallel; an error in one
// does not stop the others.
func (l *Library) SyncAll(ctx context.Context) error {
	if err := l.Refresh(); err != nil {
		return err
	}

	l.mu.RLock()
	bases := make([]*KnowledgeBase, 0, len(l.kbs))
	for _, known := range l.kbs {
		bases = append(bases, known)
	}
	l.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, base := range bases {
		g.Go(func() error {
			if _, err := base.Sync(gctx, l.dispatcher); err != nil {
				// Indexing errors are local to one knowledge base.
				l.logger.Warn("sync failed", zap.String("kb", base.Name), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Nudge asks the scan loop to run a cycle ahead of schedule. Multiple
// nudges before the loop wakes coalesce into one cycle.
func (l *Library) Nudge() {
	select {
	case l.nudge <- struct{}{}:
	default:
	}
}

// Run executes the background scan loop until ctx is cancelled: an initial
// cycle, then one per ScanInterval, plus early cycles on Nudge. A file
// watcher over the knowledge root feeds Nudge when available; the loop
// works without it.
func (l *Library) Run(ctx context.Context) error {
	watcher, err := newCorpusWatcher(l, l.logger)
	if err != nil {
		l.logger.Warn("file watcher unavailable, relying on periodic scans", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	if err := l.SyncAll(ctx); err != nil {
		l.logger.Warn("initial sync failed", zap.Error(err))
	}
	if watcher != nil {
		watcher.rearm(l.TextsDirs())
	}

	ticker := time.NewTicker(l.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-l.nudge:
			// Let a burst of watch events settle before scanning.
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := l.SyncAll(ctx); err != nil {
			l.logger.Warn("sync cycle failed", zap.Error(err))
		}
		if watcher != nil {
			watcher.rearm(l.TextsDirs())
		}
	}
}

// TextsDirs lists the corpus directories of all known knowledge bases.
func (l *Library) TextsDirs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	dirs := make([]string, 0, len(l.kbs))
	for _, known := range l.kbs {
		dirs = append(dirs, known.TextsDir())
	}
	return dirs
}

// Stats reports the dispatcher usage counters.
func (l *Library) Stats() dispatch.Snapshot {
	return l.dispatcher.Stats()
}

// Close closes every knowledge base.
func (l *Library) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, known := range l.kbs {
		_ = known.Close()
		delete(l.kbs, name)
	}
}
