package analyzer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ivoronin/scandog/internal/types"
)

// createFile writes size bytes at path, creating parent directories.
func createFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestAnalyzer(t *testing.T, timeout time.Duration, cacheFile string) *Analyzer {
	t.Helper()
	a, err := New(timeout, cacheFile)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSizeAggregatesSubtree(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "a.bin"), 100)
	createFile(t, filepath.Join(root, "sub", "b.bin"), 200)
	createFile(t, filepath.Join(root, "sub", "deep", "c.bin"), 300)

	a := newTestAnalyzer(t, time.Minute, "")
	if size := a.Size(context.Background(), root); size != 600 {
		t.Errorf("Size = %d, want 600", size)
	}
}

func TestSizeMissingDirectory(t *testing.T) {
	a := newTestAnalyzer(t, time.Minute, "")
	size := a.Size(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if size != types.SizeUnknown {
		t.Errorf("Size of missing dir = %d, want SizeUnknown", size)
	}
}

func TestSizeTimeoutReturnsUnknown(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "a.bin"), 10)

	// A timeout that has effectively already expired.
	a := newTestAnalyzer(t, time.Nanosecond, "")
	if size := a.Size(context.Background(), root); size != types.SizeUnknown {
		t.Errorf("Size under expired timeout = %d, want SizeUnknown", size)
	}
}

func TestSizeMemoized(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "a.bin"), 100)

	a := newTestAnalyzer(t, time.Minute, "")
	first := a.Size(context.Background(), root)

	// Grow the tree; the memoized value must be returned unchanged within
	// the same run.
	createFile(t, filepath.Join(root, "b.bin"), 100)
	second := a.Size(context.Background(), root)
	if first != second {
		t.Errorf("memoized Size changed: %d then %d", first, second)
	}
}

func TestPersistentCacheSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "a.bin"), 128)
	cacheFile := filepath.Join(t.TempDir(), "sizes.db")

	a1 := newTestAnalyzer(t, time.Minute, cacheFile)
	if size := a1.Size(context.Background(), root); size != 128 {
		t.Fatalf("first run Size = %d, want 128", size)
	}
	if err := a1.Close(); err != nil {
		t.Fatal(err)
	}

	// Second analyzer must hit the persistent cache.
	a2 := newTestAnalyzer(t, time.Minute, cacheFile)
	if size := a2.Size(context.Background(), root); size != 128 {
		t.Errorf("cached Size = %d, want 128", size)
	}
}

func TestPersistentCacheInvalidatedByMtime(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "a.bin"), 128)
	cacheFile := filepath.Join(t.TempDir(), "sizes.db")

	a1 := newTestAnalyzer(t, time.Minute, cacheFile)
	a1.Size(context.Background(), root)
	if err := a1.Close(); err != nil {
		t.Fatal(err)
	}

	// Touch the directory with a different mtime so the entry is stale.
	createFile(t, filepath.Join(root, "b.bin"), 72)
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(root, future, future); err != nil {
		t.Fatal(err)
	}

	a2 := newTestAnalyzer(t, time.Minute, cacheFile)
	if size := a2.Size(context.Background(), root); size != 200 {
		t.Errorf("Size after invalidation = %d, want 200", size)
	}
}

func TestSizeAsyncDelivers(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "a.bin"), 64)

	a := newTestAnalyzer(t, time.Minute, "")
	select {
	case size := <-a.SizeAsync(context.Background(), root):
		if size != 64 {
			t.Errorf("SizeAsync = %d, want 64", size)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("SizeAsync never delivered")
	}
}

func TestChildren(t *testing.T) {
	root := t.TempDir()
	createFile(t, filepath.Join(root, "x", "a.bin"), 100)
	createFile(t, filepath.Join(root, "y", "b.bin"), 200)
	createFile(t, filepath.Join(root, "loose.bin"), 1) // not a child dir

	a := newTestAnalyzer(t, time.Minute, "")
	children, err := a.Children(context.Background(), root)
	if err != nil {
		t.Fatalf("Children() failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2", len(children))
	}

	sizes := make(map[string]int64)
	for _, c := range children {
		sizes[filepath.Base(c.Path)] = c.Size
	}
	if sizes["x"] != 100 || sizes["y"] != 200 {
		t.Errorf("child sizes = %v, want x:100 y:200", sizes)
	}
}
