package kb

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tmswan/kbindex/internal/dispatch"
	"github.com/tmswan/kbindex/internal/scanner"
)

// SyncStats summarizes one sync cycle.
type SyncStats struct {
	// Skipped is set when another cycle holds the knowledge base lock.
	Skipped bool

	FilesIndexed   int
	FilesFailed    int
	FilesRemoved   int
	ChunksUpserted int
	ChunksPurged   int64
}

// Sync runs one incremental index cycle: scan the corpus, purge chunks of
// removed files, then chunk, embed, and upsert every added or changed file.
// A file's manifest entry is updated only after its chunks are stored, so
// an embedding failure leaves the entry stale and the file is retried next
// cycle. Re-running with no file changes issues no service requests.
func (kb *KnowledgeBase) Sync(ctx context.Context, d *dispatch.Dispatcher) (*SyncStats, error) {
	stats := &SyncStats{}

	if !kb.gate.tryAcquire() {
		kb.logger.Debug("sync already running, skipping cycle")
		stats.Skipped = true
		return stats, nil
	}
	defer kb.gate.release()

	locked, err := kb.fileLock.TryLock()
	if err == nil && !locked {
		kb.logger.Debug("another process is syncing, skipping cycle")
		stats.Skipped = true
		return stats, nil
	}
	if err == nil {
		defer func() { _ = kb.fileLock.Unlock() }()
	}

	m, err := kb.manifest.Load()
	if err != nil {
		return nil, err
	}

	changes, err := kb.scanner.Scan(m)
	if err != nil {
		return nil, err
	}
	stats.FilesFailed = len(changes.Failures)
	if !changes.Dirty() {
		return stats, nil
	}

	// Removed files: their chunks are purged immediately rather than kept
	// as orphans until a full rebuild.
	if len(changes.Removed) > 0 {
		purged, err := kb.store.DeleteBySource(ctx, changes.Removed)
		if err != nil {
			return nil, err
		}
		for _, path := range changes.Removed {
			delete(m, path)
		}
		stats.FilesRemoved = len(changes.Removed)
		stats.ChunksPurged = purged
		kb.logger.Info("purged removed files",
			zap.Int("files", stats.FilesRemoved), zap.Int64("chunks", purged))
	}

	pending := make([]scanner.FileHash, 0, len(changes.Added)+len(changes.Changed))
	pending = append(pending, changes.Added...)
	pending = append(pending, changes.Changed...)

	for _, file := range pending {
		if ctx.Err() != nil {
			break
		}
		upserted, err := kb.indexFile(ctx, d, file)
		if err != nil {
			// Batch failure is local to this file: its manifest entry stays
			// stale and the next scan retries it.
			kb.logger.Warn("indexing failed, will retry next cycle",
				zap.String("path", file.Path), zap.Error(err))
			stats.FilesFailed++
			continue
		}
		m[file.Path] = file.Hash
		stats.FilesIndexed++
		stats.ChunksUpserted += upserted
	}

	// Persist entries only for files whose chunks made it into the store.
	if err := kb.manifest.Save(m); err != nil {
		return nil, err
	}

	kb.logger.Info("sync cycle complete",
		zap.Int("indexed", stats.FilesIndexed),
		zap.Int("removed", stats.FilesRemoved),
		zap.Int("failed", stats.FilesFailed),
		zap.Int("chunks", stats.ChunksUpserted))
	return stats, nil
}

// indexFile chunks one file, embeds the chunk texts through the dispatcher,
// and upserts the resulting vectors. Chunks of a changed file replace its
// previous set so the stored chunks always mirror current content.
func (kb *KnowledgeBase) indexFile(ctx context.Context, d *dispatch.Dispatcher, file scanner.FileHash) (int, error) {
	chunks, err := kb.chunker.ChunkFile(file.Path, filepath.Join(kb.TextsDir(), filepath.FromSlash(file.Path)))
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		// A file with only blank lines still gets a manifest entry.
		if _, err := kb.store.DeleteBySource(ctx, []string{file.Path}); err != nil {
			return 0, err
		}
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := d.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, err
	}

	// Drop the file's previous chunk set before writing the new one, so a
	// changed file never leaves stale windows behind. Upserts below make
	// this idempotent for unchanged window content.
	if _, err := kb.store.DeleteBySource(ctx, []string{file.Path}); err != nil {
		return 0, err
	}

	for i, chunk := range chunks {
		chunk.Vector = vectors[i]
		if err := kb.store.Upsert(ctx, chunk); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}
