// Package launcher abstracts the worker runtime behind a narrow surface:
// start a worker with a resource quota, wait for its exit code, sample its
// resource usage, fetch its logs, stop it. The scheduler depends only on
// this interface, never on runtime-specific mechanics.
//
// Two implementations ship: Docker runs each worker in its own container
// with an enforced CPU/memory quota (docker.go); Local runs the walker
// in-process for single-machine and test use (local.go).
package launcher

import (
	"context"
	"errors"

	"github.com/ivoronin/scandog/internal/types"
)

// ErrUnknownHandle is returned for operations on a handle the launcher did
// not issue or has already reaped.
var ErrUnknownHandle = errors.New("unknown worker handle")

// Quota is the per-worker resource ceiling.
type Quota struct {
	CPUs        float64
	MemoryBytes int64
}

// Spec describes one worker invocation: which chunk to walk, where the
// catalog lives, and how much parallelism and memory it may use.
type Spec struct {
	Chunk       types.Chunk
	CatalogPath string
	Threads     int
	BatchSize   int
	Quota       Quota
}

// Usage is a point-in-time resource sample for a running worker.
type Usage struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// Handle identifies a started worker. Opaque to callers.
type Handle string

// Launcher starts and supervises workers.
type Launcher interface {
	// Start launches a worker for spec and returns its handle.
	Start(ctx context.Context, spec Spec) (Handle, error)
	// Wait blocks until the worker exits and returns its exit code.
	Wait(ctx context.Context, h Handle) (int, error)
	// Stats samples the worker's current resource usage.
	Stats(ctx context.Context, h Handle) (Usage, error)
	// Logs returns up to tail trailing log lines from the worker.
	Logs(ctx context.Context, h Handle, tail int) (string, error)
	// Stop terminates the worker. The chunk it was walking stays
	// incomplete and eligible for re-dispatch.
	Stop(ctx context.Context, h Handle) error
}
