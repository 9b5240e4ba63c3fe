package analyzer

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "dirsizes"

// sizeCache persists measured directory sizes across runs using BoltDB.
// Entries are keyed by absolute path and validated against the directory's
// mtime on lookup, so a changed directory is simply a cache miss.
type sizeCache struct {
	db      *bolt.DB
	enabled bool
}

// openSizeCache opens or creates the cache database.
// Returns a disabled cache if path is empty.
func openSizeCache(path string) (*sizeCache, error) {
	if path == "" {
		return &sizeCache{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open size cache (locked by another instance?): %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &sizeCache{db: db, enabled: true}, nil
}

func (c *sizeCache) close() error {
	if !c.enabled {
		return nil
	}
	return c.db.Close()
}

// value layout: mtimeUnixNano(8) + size(8), big endian.
func encodeEntry(mtime time.Time, size int64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(mtime.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], uint64(size))
	return buf
}

// lookup returns the cached size for path if the stored mtime still matches.
func (c *sizeCache) lookup(path string, mtime time.Time) (int64, bool) {
	if !c.enabled {
		return 0, false
	}

	var size int64
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(path))
		if len(data) != 16 {
			return nil
		}
		if int64(binary.BigEndian.Uint64(data[:8])) != mtime.UnixNano() {
			return nil
		}
		size = int64(binary.BigEndian.Uint64(data[8:]))
		found = true
		return nil
	})
	return size, found
}

// store saves a measured size. Errors are swallowed: the cache is advisory.
func (c *sizeCache) store(path string, mtime time.Time, size int64) {
	if !c.enabled {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(path), encodeEntry(mtime, size))
	})
}
