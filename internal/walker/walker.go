// Package walker implements the chunk worker: it walks one chunk's subtree,
// checksums and catalogs every file beneath it, and emits the completion
// marker only on a clean finish.
//
// # Concurrency Model
//
// The walker uses the same fan-out/fan-in shape as the rest of scandog:
//
//  1. WALKER GOROUTINES (fan-out)
//     - One goroutine spawned per directory discovered
//     - Concurrency limited by semaphore (one slot per walk thread)
//     - Each walker: lists its directory, stats and checksums the files,
//       sends records, spawns child walkers
//
//  2. FLUSHER GOROUTINE (fan-in)
//     - Single consumer of the record channel
//     - Buffers records and commits a catalog batch every batchSize
//     - Commits the final partial batch when the channel closes
//
//  3. Run() (orchestrator)
//     - Spawns the flusher, seeds the root walker, waits for walkers,
//       closes the record channel, waits for the flusher
//
// # Failure Discipline
//
// A file that cannot be statted or read is skipped and logged; it never
// fails the chunk. An unreadable subdirectory is skipped the same way. A
// catalog write that fails after its own retries, or a canceled context, is
// fatal to the chunk: the walk stops, no completion marker is written, and
// the whole chunk re-runs later. Because record writes are idempotent
// upserts and batches commit atomically, a re-run converges on exactly one
// row per file.
package walker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/ivoronin/scandog/internal/checksum"
	"github.com/ivoronin/scandog/internal/logging"
	"github.com/ivoronin/scandog/internal/types"
)

// Catalog is the slice of the catalog store a worker needs.
type Catalog interface {
	UpsertFiles(ctx context.Context, records []types.FileRecord) error
	MarkScanned(ctx context.Context, path, mount string) error
}

// Stats tracks walk progress with atomic counters so every walker goroutine
// can update them lock-free.
type Stats struct {
	Files     atomic.Int64
	Bytes     atomic.Int64
	Skipped   atomic.Int64
	startTime time.Time
}

func (s *Stats) String() string {
	return fmt.Sprintf("Cataloged %d files (%s), skipped %d in %.1fs",
		s.Files.Load(), humanize.IBytes(uint64(s.Bytes.Load())),
		s.Skipped.Load(), time.Since(s.startTime).Seconds())
}

// Walker catalogs a single chunk.
//
// The walker is designed for single-use: create with New(), call Run() once.
type Walker struct {
	// Config (immutable, set by New)
	chunk     types.Chunk
	catalog   Catalog
	threads   int        // Max concurrent directory walks
	batchSize int        // Records per catalog commit
	errCh     chan error // Non-fatal errors (permission denied, etc.)

	// Runtime (initialized in Run)
	walkerWg sync.WaitGroup
	sem      types.Semaphore
	recordCh chan types.FileRecord
	stats    *Stats
	logger   *log.Logger

	// set by the flusher on the first fatal catalog error
	flushErr  error
	flushDead atomic.Bool
}

// New creates a Walker for one chunk. Pass nil errCh to drop non-fatal
// errors after logging.
func New(chunk types.Chunk, catalog Catalog, threads, batchSize int, errCh chan error) *Walker {
	return &Walker{
		chunk:     chunk,
		catalog:   catalog,
		threads:   threads,
		batchSize: batchSize,
		errCh:     errCh,
		logger:    logging.Get("walker"),
	}
}

// Run walks the chunk and returns its stats. On a nil error the chunk's
// completion marker has been durably written; on any error it has not, and
// the chunk remains eligible for re-dispatch.
func (w *Walker) Run(ctx context.Context) (*Stats, error) {
	w.sem = types.NewSemaphore(w.threads)
	w.stats = &Stats{startTime: time.Now()}
	w.recordCh = make(chan types.FileRecord, 1000) // Buffer smooths producer/consumer rates

	// Flusher: single consumer, batches records into catalog commits.
	var flusherWg sync.WaitGroup
	flusherWg.Add(1)
	go func() {
		defer flusherWg.Done()
		w.flush(ctx)
	}()

	w.walkDirectory(ctx, w.chunk.Path)

	w.walkerWg.Wait()  // All walkers done
	close(w.recordCh)  // Signal flusher: no more records
	flusherWg.Wait()   // Final batch committed (or dropped on error)

	if err := ctx.Err(); err != nil {
		return w.stats, fmt.Errorf("walk canceled: %w", err)
	}
	if w.flushErr != nil {
		return w.stats, fmt.Errorf("catalog write: %w", w.flushErr)
	}

	// Everything beneath the chunk root is durable; the marker makes the
	// subtree authoritative for future resume filtering.
	if err := w.catalog.MarkScanned(ctx, w.chunk.Path, w.chunk.Mount); err != nil {
		return w.stats, err
	}
	return w.stats, nil
}

// flush drains the record channel, committing batches of batchSize. After a
// fatal write error it keeps draining (so producers never block) but
// discards records; the chunk is failed by Run.
func (w *Walker) flush(ctx context.Context) {
	batch := make([]types.FileRecord, 0, w.batchSize)

	commit := func() {
		if len(batch) == 0 || w.flushDead.Load() {
			batch = batch[:0]
			return
		}
		if err := w.catalog.UpsertFiles(ctx, batch); err != nil {
			w.flushErr = err
			w.flushDead.Store(true)
		}
		batch = batch[:0]
	}

	for r := range w.recordCh {
		batch = append(batch, r)
		if len(batch) >= w.batchSize {
			commit()
		}
	}
	commit()
}

// walkDirectory spawns a goroutine to catalog one directory and recursively
// spawn children, semaphore-bounded exactly like the planner-side scan.
func (w *Walker) walkDirectory(ctx context.Context, dir string) {
	if ctx.Err() != nil || w.flushDead.Load() {
		return
	}

	w.walkerWg.Add(1) // Increment BEFORE spawn to prevent race with Wait()
	go func() {
		defer w.walkerWg.Done()

		w.sem.Acquire()
		defer w.sem.Release()

		if ctx.Err() != nil || w.flushDead.Load() {
			return
		}

		subdirs, err := w.processDirectory(ctx, dir)
		if err != nil {
			// Unreadable directory: skip its subtree, keep the chunk.
			w.sendError(fmt.Errorf("%s: %w", dir, err))
			w.logger.Warn("skipping unreadable directory", "path", dir, "err", err)
			return
		}

		for _, sub := range subdirs {
			w.walkDirectory(ctx, sub)
		}
	}()
}

// processDirectory lists one directory, catalogs its regular files, and
// returns its subdirectories. Symlinks, devices and sockets are skipped.
func (w *Walker) processDirectory(ctx context.Context, dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var subdirs []string
	// Batched ReadDir bounds memory on directories with millions of entries.
	for {
		entries, err := f.ReadDir(1000)
		if len(entries) == 0 {
			if err != nil && err != io.EOF {
				return subdirs, err
			}
			break
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return subdirs, nil
			}
			full := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				subdirs = append(subdirs, full)
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}
			w.processFile(ctx, full, entry)
		}
	}
	return subdirs, nil
}

// processFile stats and checksums one file and sends its record. Any
// per-file failure increments the skip counter and never fails the chunk.
func (w *Walker) processFile(ctx context.Context, path string, entry os.DirEntry) {
	info, err := entry.Info()
	if err != nil {
		w.stats.Skipped.Add(1)
		w.sendError(fmt.Errorf("%s: %w", path, err))
		return
	}

	sum, err := checksum.File(path, info.Size())
	if err != nil {
		w.stats.Skipped.Add(1)
		w.sendError(fmt.Errorf("checksum %s: %w", path, err))
		w.logger.Debug("skipping unreadable file", "path", path, "err", err)
		return
	}

	record := types.FileRecord{
		Path:      path,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		Checksum:  sum,
		Mount:     w.chunk.Mount,
		Category:  types.Categorize(path),
		Extension: strings.ToLower(filepath.Ext(path)),
		ScanTime:  time.Now(),
	}

	select {
	case w.recordCh <- record:
		w.stats.Files.Add(1)
		w.stats.Bytes.Add(info.Size())
	case <-ctx.Done():
	}
}

// sendError sends an error to the errors channel if one is attached.
func (w *Walker) sendError(err error) {
	if w.errCh != nil {
		select {
		case w.errCh <- err:
		default: // drop rather than block a walk thread
		}
	}
}
