// Package types provides shared types used across the scandog codebase.
package types

import "time"

// SizeUnknown marks a directory whose size could not be measured within the
// analysis timeout, or at all. Consumers must treat it as "assume oversized".
const SizeUnknown int64 = -1

// FileRecord holds catalog metadata for a single discovered file.
// Path is the unique key; writing the same path twice is an upsert.
type FileRecord struct {
	Path      string
	Size      int64
	ModTime   time.Time
	Checksum  string
	Mount     string
	Category  string
	Extension string
	ScanTime  time.Time
}

// Chunk is a bounded-size directory subtree assigned to exactly one worker.
// Chunks are ephemeral: created by a planner, consumed once by the scheduler,
// never persisted.
type Chunk struct {
	Path  string
	Mount string
	// Size is the estimated subtree size in bytes, or SizeUnknown.
	Size int64
	// Oversized marks a chunk that could not be split below the size
	// threshold (childless leaf, unreadable, or unmeasurable directory).
	// The size bound is best-effort for such chunks.
	Oversized bool
}

// MountStats is best-effort per-mount telemetry. Not required for
// correctness; losing it never invalidates the catalog.
type MountStats struct {
	Mount        string
	FilesScanned int64
	BytesScanned int64
	StartTime    time.Time
	EndTime      time.Time
}

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit is reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
