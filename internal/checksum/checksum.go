// Package checksum implements the catalog checksum policy.
//
// Files at or below LargeFileThreshold are hashed in full. Larger files get a
// sampled checksum: SHA-256 over three fixed 64KiB samples (head, middle,
// tail) plus the file size. The sampled checksum deliberately trades
// collision resistance for bounded I/O on huge files - two large files with
// identical size and identical samples hash identically even when bytes in
// between differ. It must not be treated as integrity verification for files
// above the threshold.
package checksum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const (
	// LargeFileThreshold is the size above which files get a sampled
	// checksum instead of a full content hash (10MiB).
	LargeFileThreshold = 10 << 20
	// SampleSize is the size of each sampled region (64KiB).
	SampleSize = 64 * 1024
	// blockSize is the read buffer size for full hashing.
	blockSize = 64 * 1024
)

// Empty is the checksum recorded for zero-byte files. Hashing them would
// yield one shared digest anyway; the literal keeps them trivially queryable.
const Empty = "empty"

// File computes the checksum for a file of known size per the policy above.
func File(path string, size int64) (string, error) {
	return file(path, size, LargeFileThreshold, SampleSize)
}

// file is the policy implementation with tunable bounds, split out so tests
// can exercise the sampled path without multi-megabyte fixtures.
func file(path string, size, threshold, sampleSize int64) (string, error) {
	if size == 0 {
		return Empty, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()

	if size <= threshold {
		buf := make([]byte, blockSize)
		if _, err := io.CopyBuffer(h, f, buf); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	// Sampled: head, middle, tail, then the size itself so same-sample
	// files of different lengths cannot collide.
	offsets := []int64{0, size / 2, size - sampleSize}
	for _, off := range offsets {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return "", err
		}
		if _, err := io.CopyN(h, f, sampleSize); err != nil && err != io.EOF {
			return "", fmt.Errorf("sample at %d: %w", off, err)
		}
	}
	if err := binary.Write(h, binary.BigEndian, size); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
