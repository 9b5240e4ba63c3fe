// Package analyzer measures directory subtree sizes for chunk planning.
//
// Measurements are advisory: every failure mode (timeout, permission error,
// unresponsive mount, pathological file count) degrades to the explicit
// types.SizeUnknown sentinel instead of an error, and no caller is expected
// to block on a measurement beyond the configured timeout. Results are
// cached in memory for the lifetime of the Analyzer and, optionally, across
// runs in a BoltDB file validated by directory mtime.
package analyzer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ivoronin/scandog/internal/logging"
	"github.com/ivoronin/scandog/internal/types"
)

// maxFilesPerMeasure aborts measurement of absurdly large subtrees: a
// directory with more than this many files is oversized for any practical
// chunk threshold, and finishing the count would only delay planning.
const maxFilesPerMeasure = 1_000_000

// errTooLarge aborts a walk early once the file-count ceiling is hit.
var errTooLarge = errors.New("subtree exceeds file-count ceiling")

// Child pairs an immediate subdirectory with its measured size.
type Child struct {
	Path string
	Size int64
}

// Analyzer measures subtree sizes with caching and per-measurement timeouts.
// Safe for concurrent use.
type Analyzer struct {
	timeout time.Duration
	logger  *log.Logger

	mu    sync.Mutex
	memo  map[string]int64
	cache *sizeCache
}

// New creates an Analyzer. cacheFile enables the persistent size cache when
// non-empty. timeout bounds each individual directory measurement.
func New(timeout time.Duration, cacheFile string) (*Analyzer, error) {
	cache, err := openSizeCache(cacheFile)
	if err != nil {
		return nil, err
	}
	return &Analyzer{
		timeout: timeout,
		logger:  logging.Get("analyzer"),
		memo:    make(map[string]int64),
		cache:   cache,
	}, nil
}

// Close releases the persistent cache.
func (a *Analyzer) Close() error {
	return a.cache.close()
}

// Size returns the aggregate size of the subtree at path, or
// types.SizeUnknown when it cannot be measured within the timeout.
// Unknown results are memoized for the run so a dead mount is probed once.
func (a *Analyzer) Size(ctx context.Context, path string) int64 {
	a.mu.Lock()
	if size, ok := a.memo[path]; ok {
		a.mu.Unlock()
		return size
	}
	a.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		a.logger.Warn("cannot stat directory", "path", path, "err", err)
		a.remember(path, types.SizeUnknown)
		return types.SizeUnknown
	}

	if size, ok := a.cache.lookup(path, info.ModTime()); ok {
		a.remember(path, size)
		return size
	}

	mctx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	size, err := measure(mctx, path)
	switch {
	case err == nil:
		a.cache.store(path, info.ModTime(), size)
		a.remember(path, size)
		return size
	case errors.Is(err, context.DeadlineExceeded):
		a.logger.Warn("size analysis timed out, treating as oversized",
			"path", path, "timeout", a.timeout)
	case errors.Is(err, errTooLarge):
		a.logger.Info("large subtree detected, treating as oversized", "path", path)
	default:
		a.logger.Warn("size analysis failed", "path", path,
			"elapsed", time.Since(start).Truncate(time.Millisecond), "err", err)
	}
	a.remember(path, types.SizeUnknown)
	return types.SizeUnknown
}

// SizeAsync measures path in the background and delivers the result on the
// returned channel. Used by the progressive planner so scanning never waits
// on analysis.
func (a *Analyzer) SizeAsync(ctx context.Context, path string) <-chan int64 {
	ch := make(chan int64, 1)
	go func() {
		ch <- a.Size(ctx, path)
		close(ch)
	}()
	return ch
}

// Children returns the immediate subdirectories of path with their measured
// sizes. Listing failure is an error; per-child measurement failures degrade
// to SizeUnknown per child.
func (a *Analyzer) Children(ctx context.Context, path string) ([]Child, error) {
	subdirs, err := ListSubdirs(path)
	if err != nil {
		return nil, err
	}
	children := make([]Child, 0, len(subdirs))
	for _, sub := range subdirs {
		children = append(children, Child{Path: sub, Size: a.Size(ctx, sub)})
	}
	return children, nil
}

func (a *Analyzer) remember(path string, size int64) {
	a.mu.Lock()
	a.memo[path] = size
	a.mu.Unlock()
}

// measure walks the subtree with an explicit work-list, accumulating regular
// file sizes. Symlinks are never followed. Unreadable subdirectories are
// skipped (their contents simply do not count); an unreadable root is an
// error. Returns context errors promptly so timeouts are honored mid-walk.
func measure(ctx context.Context, root string) (int64, error) {
	var total int64
	var files int64

	work := []string{root}
	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		dir := work[len(work)-1]
		work = work[:len(work)-1]

		entries, err := readDirBatched(ctx, dir)
		if err != nil {
			if dir == root {
				return 0, err
			}
			continue
		}

		for _, entry := range entries {
			switch {
			case entry.IsDir():
				work = append(work, filepath.Join(dir, entry.Name()))
			case entry.Type().IsRegular():
				info, err := entry.Info()
				if err != nil {
					continue
				}
				total += info.Size()
				files++
				if files > maxFilesPerMeasure {
					return 0, errTooLarge
				}
			}
		}
	}
	return total, nil
}

// readDirBatched reads directory entries in batches of 1000 so a directory
// with millions of entries cannot pin memory or starve the timeout check.
func readDirBatched(ctx context.Context, dir string) ([]os.DirEntry, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var all []os.DirEntry
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := f.ReadDir(1000)
		all = append(all, batch...)
		if err == io.EOF || len(batch) == 0 {
			return all, nil
		}
		if err != nil {
			return all, err
		}
	}
}

// ListSubdirs returns the immediate subdirectory paths of dir, skipping
// symlinks. Shared by the analyzer and the chunk planners.
func ListSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var subdirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			subdirs = append(subdirs, filepath.Join(dir, entry.Name()))
		}
	}
	return subdirs, nil
}
