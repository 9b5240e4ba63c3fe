package checksum

import (
	"os"
	"path/filepath"
	"testing"
)

// writeFile creates a file with the given content and fails the test on error.
func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

// patterned returns n bytes of a repeating pattern seeded with b.
func patterned(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b + byte(i%251)
	}
	return buf
}

func TestEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	writeFile(t, path, nil)

	sum, err := File(path, 0)
	if err != nil {
		t.Fatalf("File() failed: %v", err)
	}
	if sum != Empty {
		t.Errorf("empty file checksum = %q, want %q", sum, Empty)
	}
}

func TestSmallFilesIdenticalBytesIdenticalChecksum(t *testing.T) {
	dir := t.TempDir()
	content := patterned('a', 4096)
	writeFile(t, filepath.Join(dir, "one"), content)
	writeFile(t, filepath.Join(dir, "two"), content)

	s1, err := File(filepath.Join(dir, "one"), 4096)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := File(filepath.Join(dir, "two"), 4096)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Errorf("identical files produced different checksums: %s vs %s", s1, s2)
	}
}

func TestSmallFilesDifferentBytesDifferentChecksum(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one"), patterned('a', 4096))
	writeFile(t, filepath.Join(dir, "two"), patterned('b', 4096))

	s1, _ := File(filepath.Join(dir, "one"), 4096)
	s2, _ := File(filepath.Join(dir, "two"), 4096)
	if s1 == s2 {
		t.Error("different files produced identical checksums")
	}
}

// Sampled-path tests use a reduced threshold and sample size so fixtures
// stay small. Layout: [head sample][middle][tail sample].

func TestSampledIdenticalSamplesIdenticalChecksum(t *testing.T) {
	dir := t.TempDir()
	const threshold, sample = 1024, 64

	// Same size, same head/middle/tail regions, different bytes elsewhere.
	a := patterned('x', 4096)
	b := make([]byte, 4096)
	copy(b, a)
	b[200] ^= 0xff // outside head sample, before the middle sample

	writeFile(t, filepath.Join(dir, "a"), a)
	writeFile(t, filepath.Join(dir, "b"), b)

	s1, err := file(filepath.Join(dir, "a"), 4096, threshold, sample)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := file(filepath.Join(dir, "b"), 4096, threshold, sample)
	if err != nil {
		t.Fatal(err)
	}

	// Accepted false-positive mode: unsampled regions do not contribute.
	if s1 != s2 {
		t.Errorf("files with identical samples produced different checksums: %s vs %s", s1, s2)
	}
}

func TestSampledSizeDistinguishes(t *testing.T) {
	dir := t.TempDir()
	const threshold, sample = 1024, 64

	// Zero-filled files of different sizes have identical samples; the
	// size folded into the hash must still separate them.
	writeFile(t, filepath.Join(dir, "a"), make([]byte, 4096))
	writeFile(t, filepath.Join(dir, "b"), make([]byte, 8192))

	s1, _ := file(filepath.Join(dir, "a"), 4096, threshold, sample)
	s2, _ := file(filepath.Join(dir, "b"), 8192, threshold, sample)
	if s1 == s2 {
		t.Error("different-size files produced identical sampled checksums")
	}
}

func TestSampledDiffersFromFull(t *testing.T) {
	dir := t.TempDir()
	content := patterned('z', 4096)
	writeFile(t, filepath.Join(dir, "f"), content)

	full, err := file(filepath.Join(dir, "f"), 4096, 1<<20, 64)
	if err != nil {
		t.Fatal(err)
	}
	sampled, err := file(filepath.Join(dir, "f"), 4096, 1024, 64)
	if err != nil {
		t.Fatal(err)
	}
	if full == sampled {
		t.Error("full and sampled checksums unexpectedly equal")
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := File(filepath.Join(t.TempDir(), "nope"), 100); err == nil {
		t.Error("expected error for missing file")
	}
}
