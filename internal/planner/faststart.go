package planner

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/ivoronin/scandog/internal/analyzer"
	"github.com/ivoronin/scandog/internal/logging"
	"github.com/ivoronin/scandog/internal/types"
)

// FastStart is a chunk source that performs no size measurement at all: the
// chunk set is the root's top-level directory listing, in listing order.
// Chunks carry SizeUnknown and may be arbitrarily large; use it when the
// tree is known to be reasonably balanced or when analysis cost is
// unacceptable.
type FastStart struct {
	root    string
	mount   string
	catalog Resumer
	logger  *log.Logger
}

// NewFastStart creates a FastStart source for root.
func NewFastStart(root, mount string, catalog Resumer) *FastStart {
	return &FastStart{
		root:    root,
		mount:   mount,
		catalog: catalog,
		logger:  logging.Get("planner"),
	}
}

// Chunks implements Source.
func (f *FastStart) Chunks(ctx context.Context) <-chan types.Chunk {
	out := make(chan types.Chunk)
	go func() {
		defer close(out)

		scanned, err := f.catalog.ScannedSet(ctx, f.mount)
		if err != nil {
			f.logger.Error("load resume state failed", "err", err)
			return
		}

		subdirs, err := analyzer.ListSubdirs(f.root)
		if err != nil {
			f.logger.Error("cannot list scan root", "path", f.root, "err", err)
			return
		}

		visited := make(map[string]struct{})
		for _, dir := range subdirs {
			if !markVisited(visited, dir) {
				continue
			}
			if _, done := scanned[dir]; done {
				f.logger.Debug("skipping completed subtree", "path", dir)
				continue
			}
			select {
			case out <- types.Chunk{Path: dir, Mount: f.mount, Size: types.SizeUnknown}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
