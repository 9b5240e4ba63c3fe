// Package planner partitions a directory tree into bounded-size chunks.
//
// # Overview
//
// A planner turns (root, mount, size threshold T) into a stream of chunks
// whose subtrees are each at most T bytes, using the fewest chunks, largest
// first. Three strategies sit behind the common Source interface:
//
//	Planner     - full upfront analysis, optimal chunking (this file)
//	FastStart   - top-level listing only, no measurement (faststart.go)
//	Progressive - immediate coarse chunks refined opportunistically
//	              while scanning runs (progressive.go)
//
// # Algorithm
//
// Measure the candidate directory; if at most T, emit it whole. Otherwise
// recurse into immediate children: each child at most T becomes a chunk,
// each child above T is itself split. A childless (or unlistable) directory
// above T is emitted as a single oversized chunk - the size bound is
// best-effort, not guaranteed, when the filesystem structure leaves no finer
// split. Unmeasurable directories are treated as above-T.
//
// Traversal uses an explicit work-list, never call recursion, so stack depth
// is bounded on pathological trees, and tracks visited canonical paths to
// reject symlink cycles.
//
// # Resume
//
// Before a candidate is emitted the catalog is consulted: a ScannedDir entry
// exactly covering it means the subtree is already authoritative and the
// candidate is dropped. A partially-written chunk has no such entry and is
// re-run in full, which is safe because record writes are idempotent.
package planner

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/ivoronin/scandog/internal/analyzer"
	"github.com/ivoronin/scandog/internal/logging"
	"github.com/ivoronin/scandog/internal/types"
)

// Sizer measures subtree sizes. Implemented by analyzer.Analyzer; tests
// substitute fixed size tables.
type Sizer interface {
	Size(ctx context.Context, path string) int64
}

// Resumer provides the set of already-completed subtrees for a mount.
// Implemented by catalog.Store.
type Resumer interface {
	ScannedSet(ctx context.Context, mount string) (map[string]struct{}, error)
}

// Source streams chunks to the scheduler. The channel closes when the
// source is exhausted or ctx is canceled; each chunk is consumed exactly
// once.
type Source interface {
	Chunks(ctx context.Context) <-chan types.Chunk
}

// Planner is the full-analysis chunk source.
type Planner struct {
	root      string
	mount     string
	chunkSize int64
	sizer     Sizer
	catalog   Resumer
	logger    *log.Logger
}

// New creates a full-analysis Planner for root with size threshold
// chunkSize.
func New(root, mount string, chunkSize int64, sizer Sizer, catalog Resumer) *Planner {
	return &Planner{
		root:      root,
		mount:     mount,
		chunkSize: chunkSize,
		sizer:     sizer,
		catalog:   catalog,
		logger:    logging.Get("planner"),
	}
}

// Plan computes the complete ordered chunk list for the root.
func (p *Planner) Plan(ctx context.Context) ([]types.Chunk, error) {
	scanned, err := p.catalog.ScannedSet(ctx, p.mount)
	if err != nil {
		return nil, fmt.Errorf("load resume state: %w", err)
	}

	visited := make(map[string]struct{})
	var chunks []types.Chunk

	work := []string{p.root}
	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := work[len(work)-1]
		work = work[:len(work)-1]

		if !markVisited(visited, dir) {
			p.logger.Warn("symlink cycle rejected", "path", dir)
			continue
		}
		if _, done := scanned[dir]; done {
			p.logger.Debug("skipping completed subtree", "path", dir)
			continue
		}

		size := p.sizer.Size(ctx, dir)
		if size != types.SizeUnknown && size <= p.chunkSize {
			chunks = append(chunks, types.Chunk{Path: dir, Mount: p.mount, Size: size})
			continue
		}

		// Above threshold or unmeasurable: split if the structure allows.
		subdirs, err := analyzer.ListSubdirs(dir)
		if err != nil || len(subdirs) == 0 {
			chunks = append(chunks, types.Chunk{
				Path: dir, Mount: p.mount, Size: size, Oversized: true,
			})
			p.logger.Warn("emitting oversized chunk, no finer split available",
				"path", dir, "size", size, "listable", err == nil)
			continue
		}
		work = append(work, subdirs...)
	}

	SortBySize(chunks)
	return chunks, nil
}

// Chunks implements Source: the full plan is computed upfront, then
// streamed largest first.
func (p *Planner) Chunks(ctx context.Context) <-chan types.Chunk {
	out := make(chan types.Chunk)
	go func() {
		defer close(out)
		chunks, err := p.Plan(ctx)
		if err != nil {
			p.logger.Error("planning failed", "err", err)
			return
		}
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SortBySize orders chunks by descending estimated size. Unmeasurable
// chunks sort first: they are presumed huge and must not end up as the long
// tail that blocks completion.
func SortBySize(chunks []types.Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return effectiveSize(chunks[i]) > effectiveSize(chunks[j])
	})
}

func effectiveSize(c types.Chunk) int64 {
	if c.Size == types.SizeUnknown {
		return math.MaxInt64
	}
	return c.Size
}

// markVisited canonicalizes path and records it, reporting false when the
// canonical path was seen before (a cycle or a duplicate mount of the same
// directory).
func markVisited(visited map[string]struct{}, path string) bool {
	canon, err := filepath.EvalSymlinks(path)
	if err != nil {
		canon = path
	}
	if _, seen := visited[canon]; seen {
		return false
	}
	visited[canon] = struct{}{}
	return true
}
