package launcher

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/ivoronin/scandog/internal/logging"
	"github.com/ivoronin/scandog/internal/walker"
)

// localLogLines bounds how much worker output a run retains for Logs.
const localLogLines = 200

// Local runs workers as goroutines in the current process. Quotas are not
// enforced (that is a container runtime feature); Threads still bounds each
// worker's parallelism. Intended for single-machine scans and tests.
type Local struct {
	catalog walker.Catalog
	logger  *log.Logger

	mu   sync.Mutex
	runs map[Handle]*localRun
	seq  atomic.Int64
}

type localRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	exit   int

	logMu sync.Mutex
	lines []string
}

func (r *localRun) append(line string) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > localLogLines {
		r.lines = r.lines[len(r.lines)-localLogLines:]
	}
}

// NewLocal creates a Local launcher writing records through catalog.
func NewLocal(catalog walker.Catalog) *Local {
	return &Local{
		catalog: catalog,
		logger:  logging.Get("local"),
		runs:    make(map[Handle]*localRun),
	}
}

// Start launches a walker goroutine for spec's chunk.
func (l *Local) Start(ctx context.Context, spec Spec) (Handle, error) {
	if _, err := os.Stat(spec.Chunk.Path); err != nil {
		return "", fmt.Errorf("chunk root: %w", err)
	}

	h := Handle(fmt.Sprintf("local-%d", l.seq.Add(1)))
	runCtx, cancel := context.WithCancel(ctx)
	run := &localRun{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	l.mu.Lock()
	l.runs[h] = run
	l.mu.Unlock()

	errCh := make(chan error, 64)
	go func() {
		for err := range errCh {
			run.append(err.Error())
		}
	}()

	go func() {
		defer close(run.done)
		defer close(errCh)

		w := walker.New(spec.Chunk, l.catalog, spec.Threads, spec.BatchSize, errCh)
		stats, err := w.Run(runCtx)
		if err != nil {
			run.append(err.Error())
			run.exit = 1
			l.logger.Warn("worker failed", "chunk", spec.Chunk.Path, "err", err)
			return
		}
		l.logger.Debug("worker done", "chunk", spec.Chunk.Path, "stats", stats)
	}()

	return h, nil
}

// Wait blocks until the worker exits and returns its exit code.
func (l *Local) Wait(ctx context.Context, h Handle) (int, error) {
	run, err := l.get(h)
	if err != nil {
		return 0, err
	}
	select {
	case <-run.done:
		return run.exit, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stats samples the current process. All local workers share one process,
// so the sample covers the whole pool rather than a single worker.
func (l *Local) Stats(ctx context.Context, h Handle) (Usage, error) {
	if _, err := l.get(h); err != nil {
		return Usage{}, err
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return Usage{}, fmt.Errorf("open process: %w", err)
	}

	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample cpu: %w", err)
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample memory: %w", err)
	}

	return Usage{CPUPercent: cpu, MemoryBytes: mem.RSS}, nil
}

// Logs returns up to tail trailing lines of the worker's retained output.
func (l *Local) Logs(_ context.Context, h Handle, tail int) (string, error) {
	run, err := l.get(h)
	if err != nil {
		return "", err
	}

	run.logMu.Lock()
	defer run.logMu.Unlock()
	lines := run.lines
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n"), nil
}

// Stop cancels the worker's context if it is still running and reaps the
// handle. A chunk interrupted this way is left incomplete.
func (l *Local) Stop(_ context.Context, h Handle) error {
	run, err := l.get(h)
	if err != nil {
		return err
	}
	run.cancel()
	<-run.done

	l.mu.Lock()
	delete(l.runs, h)
	l.mu.Unlock()
	return nil
}

func (l *Local) get(h Handle) (*localRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return run, nil
}
