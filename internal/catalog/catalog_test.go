package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ivoronin/scandog/internal/types"
)

// openTestStore creates a store in a temp directory and closes it on cleanup.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// record builds a FileRecord with deterministic metadata for path.
func record(path string, size int64) types.FileRecord {
	return types.FileRecord{
		Path:      path,
		Size:      size,
		ModTime:   time.Unix(1700000000, 0),
		Checksum:  "deadbeef",
		Mount:     "nas",
		Category:  types.Categorize(path),
		Extension: filepath.Ext(path),
		ScanTime:  time.Now(),
	}
}

func TestOpenEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("expected error for empty catalog path")
	}
}

func TestUpsertIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []types.FileRecord{
		record("/nas/a.txt", 100),
		record("/nas/b.jpg", 200),
		record("/nas/c.mp4", 300),
	}

	// Writing the same batch twice must not add rows.
	for i := 0; i < 2; i++ {
		if err := s.UpsertFiles(ctx, batch); err != nil {
			t.Fatalf("UpsertFiles() run %d failed: %v", i+1, err)
		}
	}

	sum, err := s.Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalFiles != 3 {
		t.Errorf("TotalFiles = %d, want 3", sum.TotalFiles)
	}
	if sum.TotalBytes != 600 {
		t.Errorf("TotalBytes = %d, want 600", sum.TotalBytes)
	}
}

func TestUpsertReplacesChangedRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := record("/nas/a.txt", 100)
	if err := s.UpsertFiles(ctx, []types.FileRecord{r}); err != nil {
		t.Fatal(err)
	}

	r.Size = 500
	r.Checksum = "cafebabe"
	if err := s.UpsertFiles(ctx, []types.FileRecord{r}); err != nil {
		t.Fatal(err)
	}

	sum, _ := s.Totals(ctx)
	if sum.TotalFiles != 1 || sum.TotalBytes != 500 {
		t.Errorf("after update: files=%d bytes=%d, want 1/500", sum.TotalFiles, sum.TotalBytes)
	}
}

func TestLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := record("/nas/photos/cat.jpg", 1234)
	if err := s.UpsertFiles(ctx, []types.FileRecord{r}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Lookup(ctx, "/nas/photos/cat.jpg")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if got.Size != 1234 || got.Checksum != "deadbeef" || got.Category != "photos" {
		t.Errorf("Lookup() = %+v", got)
	}
	if !got.ModTime.Equal(r.ModTime) {
		t.Errorf("ModTime = %v, want %v", got.ModTime, r.ModTime)
	}

	if _, err := s.Lookup(ctx, "/nas/photos/dog.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMarkScannedAndResume(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.MarkScanned(ctx, "/nas/photos", "nas"); err != nil {
		t.Fatal(err)
	}
	// Marking twice is a no-op, not an error.
	if err := s.MarkScanned(ctx, "/nas/photos", "nas"); err != nil {
		t.Fatal(err)
	}

	done, err := s.IsScanned(ctx, "/nas/photos", "nas")
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("IsScanned = false for marked path")
	}

	done, _ = s.IsScanned(ctx, "/nas/videos", "nas")
	if done {
		t.Error("IsScanned = true for unmarked path")
	}

	// Markers are scoped per mount label.
	done, _ = s.IsScanned(ctx, "/nas/photos", "other")
	if done {
		t.Error("IsScanned leaked across mount labels")
	}

	set, err := s.ScannedSet(ctx, "nas")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 1 {
		t.Errorf("ScannedSet size = %d, want 1", len(set))
	}
	if _, ok := set["/nas/photos"]; !ok {
		t.Error("ScannedSet missing /nas/photos")
	}
}

func TestResetSubtree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"/nas/a", "/nas/a/b", "/nas/a/b/c", "/nas/ab"} {
		if err := s.MarkScanned(ctx, p, "nas"); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ResetSubtree(ctx, "/nas/a", "nas")
	if err != nil {
		t.Fatal(err)
	}
	// /nas/a, /nas/a/b, /nas/a/b/c removed; /nas/ab is a different subtree.
	if n != 3 {
		t.Errorf("ResetSubtree removed %d markers, want 3", n)
	}

	done, _ := s.IsScanned(ctx, "/nas/ab", "nas")
	if !done {
		t.Error("ResetSubtree removed sibling with shared name prefix")
	}
}

func TestConcurrentWriters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]types.FileRecord, 0, perWriter)
			for i := 0; i < perWriter; i++ {
				batch = append(batch, record(fmt.Sprintf("/nas/w%d/f%d.txt", w, i), 10))
			}
			if err := s.UpsertFiles(ctx, batch); err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent writer failed: %v", err)
	}

	sum, _ := s.Totals(ctx)
	if sum.TotalFiles != writers*perWriter {
		t.Errorf("TotalFiles = %d, want %d", sum.TotalFiles, writers*perWriter)
	}
}

func TestSubtreeActivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Nothing written yet.
	ts, err := s.SubtreeActivity(ctx, "/nas/photos")
	if err != nil {
		t.Fatal(err)
	}
	if !ts.IsZero() {
		t.Errorf("activity before writes = %v, want zero", ts)
	}

	r := record("/nas/photos/x.jpg", 1)
	if err := s.UpsertFiles(ctx, []types.FileRecord{r}); err != nil {
		t.Fatal(err)
	}

	ts, err = s.SubtreeActivity(ctx, "/nas/photos")
	if err != nil {
		t.Fatal(err)
	}
	if ts.IsZero() {
		t.Error("activity after write is zero")
	}

	// Unrelated subtree stays quiet.
	ts, _ = s.SubtreeActivity(ctx, "/nas/videos")
	if !ts.IsZero() {
		t.Error("activity leaked into unrelated subtree")
	}
}

func TestReportQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []types.FileRecord{
		record("/nas/a.jpg", 100),
		record("/nas/b.jpg", 200),
		record("/nas/c.mp4", 1000),
		record("/nas/readme", 5),
	}
	if err := s.UpsertFiles(ctx, batch); err != nil {
		t.Fatal(err)
	}

	cats, err := s.ByCategory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]GroupSummary)
	for _, g := range cats {
		got[g.Name] = g
	}
	if g := got["photos"]; g.Files != 2 || g.Bytes != 300 {
		t.Errorf("photos = %+v, want 2 files / 300 bytes", g)
	}
	if g := got["videos"]; g.Files != 1 || g.Bytes != 1000 {
		t.Errorf("videos = %+v, want 1 file / 1000 bytes", g)
	}
	if g := got["other"]; g.Files != 1 {
		t.Errorf("other = %+v, want 1 file", g)
	}
	// Largest category first.
	if len(cats) > 0 && cats[0].Name != "videos" {
		t.Errorf("first category = %s, want videos", cats[0].Name)
	}

	mounts, err := s.ByMount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mounts) != 1 || mounts[0].Name != "nas" || mounts[0].Files != 4 {
		t.Errorf("ByMount = %+v, want single nas entry with 4 files", mounts)
	}
}

func TestMountStatsAccumulate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := types.MountStats{
		Mount: "nas", FilesScanned: 10, BytesScanned: 1000,
		StartTime: time.Now().Add(-time.Minute), EndTime: time.Now(),
	}
	if err := s.RecordMountStats(ctx, st); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordMountStats(ctx, st); err != nil {
		t.Fatal(err)
	}

	var files, bytes int64
	err := s.db.QueryRowContext(ctx,
		`SELECT files_scanned, bytes_scanned FROM scan_stats WHERE mount_point = 'nas'`).
		Scan(&files, &bytes)
	if err != nil {
		t.Fatal(err)
	}
	if files != 20 || bytes != 2000 {
		t.Errorf("accumulated stats = %d/%d, want 20/2000", files, bytes)
	}
}
