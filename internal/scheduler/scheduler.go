// Package scheduler drives the scan: it consumes planned chunks from a
// source channel and keeps a bounded pool of workers busy until the plan is
// exhausted or the context is canceled.
//
// # Concurrency Model
//
//  1. DISPATCH LOOP (Run)
//     - Single consumer of the chunk source
//     - Concurrency limited by semaphore (one slot per worker)
//     - Spawns one supervisor goroutine per chunk
//
//  2. SUPERVISOR GOROUTINES (fan-out)
//     - Launch the chunk's worker, wait for its exit
//     - Retry launch failures and nonzero exits with exponential backoff
//       up to the retry limit, then abandon the chunk
//
//  3. HEALTH TICKER
//     - Periodically samples every active worker's resource usage and the
//       catalog's last write under its chunk
//     - Flags workers whose subtree has seen no catalog writes for too
//       long; flagging only warns, it never kills a worker
//
// # Failure Discipline
//
// Chunks are isolated: one chunk's failure never stops the run. An
// abandoned chunk keeps no completion marker, so the next scan picks it up
// again. On cancellation the dispatch loop stops handing out chunks,
// running workers are interrupted, and Run returns once every supervisor
// has finished.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"

	"github.com/ivoronin/scandog/internal/launcher"
	"github.com/ivoronin/scandog/internal/logging"
	"github.com/ivoronin/scandog/internal/planner"
	"github.com/ivoronin/scandog/internal/progress"
	"github.com/ivoronin/scandog/internal/types"
)

// Catalog is the slice of the catalog store the scheduler needs for stall
// detection.
type Catalog interface {
	SubtreeActivity(ctx context.Context, path string) (time.Time, error)
}

// Config carries the pool's tunables.
type Config struct {
	Workers        int
	Threads        int
	BatchSize      int
	Quota          launcher.Quota
	CatalogPath    string
	RetryLimit     int
	HealthInterval time.Duration
	StallAfter     time.Duration
	ShowProgress   bool
}

// Summary reports the outcome of one scheduling run.
type Summary struct {
	Completed int
	Abandoned int
	Retries   int
}

// stats tracks scheduling progress with atomic counters so supervisor
// goroutines can update them without locking.
type stats struct {
	dispatched atomic.Int64
	running    atomic.Int64
	completed  atomic.Int64
	abandoned  atomic.Int64
	retries    atomic.Int64
}

func (s *stats) String() string {
	return fmt.Sprintf("chunks: %d done, %d running, %d abandoned",
		s.completed.Load(), s.running.Load(), s.abandoned.Load())
}

// assignment is one chunk currently held by a worker.
type assignment struct {
	chunk   types.Chunk
	started time.Time
}

// Pool schedules chunks onto workers. Single-use: create with New, call
// Run once.
type Pool struct {
	launcher launcher.Launcher
	catalog  Catalog
	cfg      Config
	logger   *log.Logger
	stats    stats

	mu     sync.Mutex
	active map[launcher.Handle]assignment

	// newBackOff builds the per-chunk retry schedule. Tests shrink it.
	newBackOff func() backoff.BackOff
}

// New creates a scheduling pool.
func New(l launcher.Launcher, catalog Catalog, cfg Config) *Pool {
	return &Pool{
		launcher: l,
		catalog:  catalog,
		cfg:      cfg,
		logger:   logging.Get("scheduler"),
		active:   make(map[launcher.Handle]assignment),
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.MaxInterval = time.Minute
			return bo
		},
	}
}

// Run dispatches every chunk the source yields and blocks until all
// supervisors have finished. It returns the run summary together with the
// context error if the run was canceled.
func (p *Pool) Run(ctx context.Context, source planner.Source) (Summary, error) {
	bar := progress.New(p.cfg.ShowProgress, -1)

	healthDone := make(chan struct{})
	go p.healthLoop(ctx, healthDone)

	sem := types.NewSemaphore(p.cfg.Workers)
	var wg sync.WaitGroup

	for chunk := range source.Chunks(ctx) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		p.stats.dispatched.Add(1)
		if chunk.Oversized {
			p.logger.Warn("chunk exceeds size limit, dispatching whole", "path", chunk.Path)
		}

		wg.Add(1)
		go func(c types.Chunk) {
			defer wg.Done()
			defer sem.Release()
			p.supervise(ctx, c)
			bar.Describe(&p.stats)
			bar.Add(1)
		}(chunk)
	}

	wg.Wait()
	close(healthDone)
	bar.Finish(&p.stats)

	summary := Summary{
		Completed: int(p.stats.completed.Load()),
		Abandoned: int(p.stats.abandoned.Load()),
		Retries:   int(p.stats.retries.Load()),
	}
	return summary, ctx.Err()
}

// supervise runs one chunk to completion or abandonment.
func (p *Pool) supervise(ctx context.Context, chunk types.Chunk) {
	p.stats.running.Add(1)
	defer p.stats.running.Add(-1)

	bo := p.newBackOff()

	for attempt := 0; ; attempt++ {
		err := p.attempt(ctx, chunk)
		if err == nil {
			p.stats.completed.Add(1)
			p.logger.Info("chunk complete", "path", chunk.Path)
			return
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			p.logger.Debug("chunk interrupted", "path", chunk.Path)
			return
		}

		if attempt >= p.cfg.RetryLimit {
			p.stats.abandoned.Add(1)
			p.logger.Error("chunk abandoned", "path", chunk.Path, "attempts", attempt+1, "err", err)
			return
		}

		wait := bo.NextBackOff()
		p.stats.retries.Add(1)
		p.logger.Warn("chunk attempt failed, retrying", "path", chunk.Path, "attempt", attempt+1, "wait", wait, "err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// attempt launches a worker for chunk once and waits for it. Any error,
// including a nonzero exit, counts as one failed attempt.
func (p *Pool) attempt(ctx context.Context, chunk types.Chunk) error {
	spec := launcher.Spec{
		Chunk:       chunk,
		CatalogPath: p.cfg.CatalogPath,
		Threads:     p.cfg.Threads,
		BatchSize:   p.cfg.BatchSize,
		Quota:       p.cfg.Quota,
	}

	h, err := p.launcher.Start(ctx, spec)
	if err != nil {
		return fmt.Errorf("launch worker: %w", err)
	}

	p.track(h, chunk)
	defer p.untrack(h)

	// Cleanup must run even when ctx is already canceled.
	defer func() {
		if err := p.launcher.Stop(context.WithoutCancel(ctx), h); err != nil {
			p.logger.Debug("worker cleanup", "path", chunk.Path, "err", err)
		}
	}()

	code, err := p.launcher.Wait(ctx, h)
	if err != nil {
		return fmt.Errorf("wait worker: %w", err)
	}
	if code != 0 {
		if out, lerr := p.launcher.Logs(ctx, h, 20); lerr == nil && out != "" {
			p.logger.Warn("worker output", "path", chunk.Path, "tail", out)
		}
		return fmt.Errorf("worker exited with code %d", code)
	}
	return nil
}

func (p *Pool) track(h launcher.Handle, chunk types.Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[h] = assignment{chunk: chunk, started: time.Now()}
}

func (p *Pool) untrack(h launcher.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, h)
}

// healthLoop periodically checks every active worker until done closes.
func (p *Pool) healthLoop(ctx context.Context, done <-chan struct{}) {
	if p.cfg.HealthInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkHealth(ctx)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkHealth samples each active worker's usage and flags workers whose
// chunk has seen no catalog writes for longer than the stall threshold.
// Checksumming one huge file can legitimately go quiet for a while, so a
// flag is a warning for the operator, never a kill.
func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.Lock()
	snapshot := make(map[launcher.Handle]assignment, len(p.active))
	for h, a := range p.active {
		snapshot[h] = a
	}
	p.mu.Unlock()

	for h, a := range snapshot {
		usage, err := p.launcher.Stats(ctx, h)
		if err != nil {
			// Worker may have exited between snapshot and sample.
			p.logger.Debug("usage sample failed", "path", a.chunk.Path, "err", err)
			continue
		}
		p.logger.Debug("worker usage", "path", a.chunk.Path,
			"cpu_pct", fmt.Sprintf("%.0f", usage.CPUPercent), "mem", usage.MemoryBytes)

		if p.cfg.StallAfter <= 0 || time.Since(a.started) < p.cfg.StallAfter {
			continue
		}
		lastWrite, err := p.catalog.SubtreeActivity(ctx, a.chunk.Path)
		if err != nil {
			p.logger.Debug("activity check failed", "path", a.chunk.Path, "err", err)
			continue
		}
		if lastWrite.IsZero() || time.Since(lastWrite) > p.cfg.StallAfter {
			p.logger.Warn("worker may be stalled", "path", a.chunk.Path,
				"running", time.Since(a.started).Round(time.Second),
				"last_write", lastWrite)
		}
	}
}
