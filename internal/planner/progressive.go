// Progressive chunk source: removes full-tree analysis from the critical
// path. Upfront measurement of a multi-terabyte tree can itself take hours
// and is a single point of total failure; this strategy dispatches the
// top-level listing within seconds and refines only what analysis manages
// to measure before dispatch.
package planner

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/ivoronin/scandog/internal/analyzer"
	"github.com/ivoronin/scandog/internal/logging"
	"github.com/ivoronin/scandog/internal/types"
)

// AsyncSizer is a Sizer that can also measure in the background.
// Implemented by analyzer.Analyzer.
type AsyncSizer interface {
	Sizer
	SizeAsync(ctx context.Context, path string) <-chan int64
}

// Progressive produces the same end state as the full Planner but never
// blocks dispatch on measurement. The initial candidates are the root's
// top-level directories; background measurements run concurrently with
// already-dispatched chunks, and a still-queued candidate whose measurement
// arrives in time and exceeds the threshold is subdivided before dispatch.
// A candidate whose measurement has not arrived is dispatched coarse.
type Progressive struct {
	root      string
	mount     string
	chunkSize int64
	sizer     AsyncSizer
	catalog   Resumer
	logger    *log.Logger
}

// NewProgressive creates a Progressive source for root.
func NewProgressive(root, mount string, chunkSize int64, sizer AsyncSizer, catalog Resumer) *Progressive {
	return &Progressive{
		root:      root,
		mount:     mount,
		chunkSize: chunkSize,
		sizer:     sizer,
		catalog:   catalog,
		logger:    logging.Get("planner"),
	}
}

// Chunks implements Source.
func (p *Progressive) Chunks(ctx context.Context) <-chan types.Chunk {
	out := make(chan types.Chunk)
	go func() {
		defer close(out)

		scanned, err := p.catalog.ScannedSet(ctx, p.mount)
		if err != nil {
			p.logger.Error("load resume state failed", "err", err)
			return
		}

		subdirs, err := analyzer.ListSubdirs(p.root)
		if err != nil {
			p.logger.Error("cannot list scan root", "path", p.root, "err", err)
			return
		}

		visited := make(map[string]struct{})
		measurements := make(map[string]<-chan int64)

		// FIFO work queue of candidate directories. Every queued
		// candidate has a background measurement in flight.
		var pending []string
		enqueue := func(dirs []string) {
			for _, dir := range dirs {
				if !markVisited(visited, dir) {
					p.logger.Warn("symlink cycle rejected", "path", dir)
					continue
				}
				if _, done := scanned[dir]; done {
					p.logger.Debug("skipping completed subtree", "path", dir)
					continue
				}
				pending = append(pending, dir)
				measurements[dir] = p.sizer.SizeAsync(ctx, dir)
			}
		}
		enqueue(subdirs)

		for len(pending) > 0 {
			if ctx.Err() != nil {
				return
			}

			dir := pending[0]
			pending = pending[1:]

			// Consume the measurement only if it already finished;
			// dispatch never waits on analysis.
			size := types.SizeUnknown
			measured := false
			select {
			case s, ok := <-measurements[dir]:
				if ok {
					size, measured = s, true
				}
			default:
			}
			delete(measurements, dir)

			if measured && size != types.SizeUnknown && size > p.chunkSize {
				children, err := analyzer.ListSubdirs(dir)
				if err == nil && len(children) > 0 {
					p.logger.Info("subdividing oversized candidate",
						"path", dir, "size", size, "children", len(children))
					enqueue(children)
					continue
				}
				select {
				case out <- types.Chunk{Path: dir, Mount: p.mount, Size: size, Oversized: true}:
				case <-ctx.Done():
					return
				}
				continue
			}

			select {
			case out <- types.Chunk{Path: dir, Mount: p.mount, Size: size}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
