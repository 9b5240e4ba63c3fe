//go:build unix

package internal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ivoronin/scandog/internal/analyzer"
	"github.com/ivoronin/scandog/internal/catalog"
	"github.com/ivoronin/scandog/internal/launcher"
	"github.com/ivoronin/scandog/internal/planner"
	"github.com/ivoronin/scandog/internal/scheduler"
	"github.com/ivoronin/scandog/internal/types"
)

// =============================================================================
// Full Pipeline Integration Tests
//
// These wire the real pieces together: analyzer → planner → scheduler →
// local launcher → walker → catalog, on small temp trees.
// =============================================================================

// seedFile writes a file of the given size, creating parent directories.
func seedFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// seedTree builds a root with three subtrees of known sizes. With a 500
// byte chunk limit the root (750 bytes) splits into exactly the chunks
// a (450), b (200) and c (100); no split directory holds direct files.
func seedTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	seedFile(t, filepath.Join(root, "a", "a1.jpg"), 150)
	seedFile(t, filepath.Join(root, "a", "deep", "a2.mp4"), 300)
	seedFile(t, filepath.Join(root, "b", "b1.txt"), 200)
	seedFile(t, filepath.Join(root, "c", "c1.iso"), 100)
	return root
}

func openStore(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// scan runs a complete full-analysis scan of root into store. chunkSize
// controls how finely the tree is split.
func scan(t *testing.T, store *catalog.Store, root string, chunkSize int64) scheduler.Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	an, err := analyzer.New(time.Minute, "")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = an.Close() }()

	source := planner.New(root, root, chunkSize, an, store)
	pool := scheduler.New(launcher.NewLocal(store), store, scheduler.Config{
		Workers:    2,
		Threads:    2,
		BatchSize:  3,
		RetryLimit: 1,
	})

	summary, err := pool.Run(ctx, source)
	if err != nil {
		t.Fatalf("scan run: %v", err)
	}
	return summary
}

func countFiles(t *testing.T, store *catalog.Store) int64 {
	t.Helper()
	sum, err := store.Totals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return sum.TotalFiles
}

func TestPipelineCatalogsWholeTree(t *testing.T) {
	root := seedTree(t)
	store := openStore(t)

	// Tiny chunk size forces a multi-chunk plan.
	summary := scan(t, store, root, 500)

	if summary.Completed == 0 {
		t.Fatal("no chunks completed")
	}
	if summary.Abandoned != 0 {
		t.Fatalf("abandoned %d chunks", summary.Abandoned)
	}
	if got := countFiles(t, store); got != 4 {
		t.Errorf("cataloged %d files, want 4", got)
	}

	// Spot-check one record end to end.
	rec, err := store.Lookup(context.Background(), filepath.Join(root, "a", "deep", "a2.mp4"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if rec.Size != 300 || rec.Category != "videos" || rec.Checksum == "" {
		t.Errorf("record = %+v", rec)
	}
}

func TestPipelineIdempotentRerun(t *testing.T) {
	root := seedTree(t)
	store := openStore(t)

	scan(t, store, root, 500)
	first := countFiles(t, store)

	// Second run: everything already marked, nothing to dispatch.
	summary := scan(t, store, root, 500)
	if summary.Completed != 0 {
		t.Errorf("second run completed %d chunks, want 0", summary.Completed)
	}
	if got := countFiles(t, store); got != first {
		t.Errorf("second run changed row count: %d -> %d", first, got)
	}
}

func TestPipelineResumesUnfinishedSubtrees(t *testing.T) {
	root := seedTree(t)
	store := openStore(t)
	ctx := context.Background()

	// Simulate a previous run that completed only subtree a.
	sub := filepath.Join(root, "a")
	if err := store.MarkScanned(ctx, sub, root); err != nil {
		t.Fatal(err)
	}

	scan(t, store, root, 500)

	// a was skipped: its files never got walked.
	if _, err := store.Lookup(ctx, filepath.Join(sub, "a1.jpg")); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("subtree with completion marker was re-walked (err = %v)", err)
	}
	// b and c were picked up.
	if _, err := store.Lookup(ctx, filepath.Join(root, "b", "b1.txt")); err != nil {
		t.Errorf("unfinished subtree not scanned: %v", err)
	}
	if _, err := store.Lookup(ctx, filepath.Join(root, "c", "c1.iso")); err != nil {
		t.Errorf("unfinished subtree not scanned: %v", err)
	}
}

func TestPipelineConvergesAfterPartialWrite(t *testing.T) {
	root := seedTree(t)
	store := openStore(t)
	ctx := context.Background()

	// Simulate a crashed worker: a stale record exists for one file but the
	// owning subtree carries no completion marker.
	stale := types.FileRecord{
		Path:     filepath.Join(root, "b", "b1.txt"),
		Size:     999999,
		ModTime:  time.Unix(0, 0),
		Checksum: "stale",
		Mount:    root,
		ScanTime: time.Unix(0, 0),
	}
	if err := store.UpsertFiles(ctx, []types.FileRecord{stale}); err != nil {
		t.Fatal(err)
	}

	scan(t, store, root, 500)

	rec, err := store.Lookup(ctx, stale.Path)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Size != 200 || rec.Checksum == "stale" {
		t.Errorf("stale record did not converge: %+v", rec)
	}
	if got := countFiles(t, store); got != 4 {
		t.Errorf("row count = %d, want 4 (one row per file)", got)
	}
}

func TestPipelineFastStartStrategy(t *testing.T) {
	root := seedTree(t)
	store := openStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	source := planner.NewFastStart(root, root, store)
	pool := scheduler.New(launcher.NewLocal(store), store, scheduler.Config{
		Workers:    2,
		Threads:    2,
		BatchSize:  10,
		RetryLimit: 1,
	})

	summary, err := pool.Run(ctx, source)
	if err != nil {
		t.Fatalf("fast scan: %v", err)
	}
	// One chunk per top-level directory.
	if summary.Completed != 3 {
		t.Errorf("completed %d chunks, want 3", summary.Completed)
	}
	if got := countFiles(t, store); got != 4 {
		t.Errorf("cataloged %d files, want 4", got)
	}
}
