// Package catalog provides the durable SQLite store of discovered files and
// completed subtrees.
//
// # Schema Contract
//
// The table shapes below are a stable contract consumed by external
// reporting and merge tooling; scheduler and planner changes must not alter
// them.
//
//	files(path PK, size, mtime, checksum, mount_point, file_type, extension, scan_time)
//	scanned_dirs(path, mount_point, scan_time) PK(path, mount_point)
//	scan_stats(mount_point PK, files_scanned, bytes_scanned, start_time, end_time)
//
// # Concurrency Discipline
//
// The store accepts one writer per active chunk worker. WAL mode keeps
// readers (resume filtering) off the writer lock, and write contention is
// absorbed with bounded exponential backoff instead of surfacing as a chunk
// failure on first occurrence. Writers commit in batches; a crash mid-batch
// loses at most that batch, which is safe because the owning chunk is not
// yet marked complete and will be re-walked in full.
//
// # Idempotence
//
// FileRecord writes are upserts keyed by path: re-walking a subtree rewrites
// the same rows. A scanned_dirs row is written only after every record
// beneath that path is durably committed; its presence means the subtree is
// authoritative and must never be re-walked unless explicitly reset.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"github.com/ivoronin/scandog/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	path TEXT PRIMARY KEY,
	size INTEGER,
	mtime INTEGER,
	checksum TEXT,
	mount_point TEXT,
	file_type TEXT,
	extension TEXT,
	scan_time INTEGER
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS scanned_dirs (
	path TEXT,
	mount_point TEXT,
	scan_time INTEGER,
	PRIMARY KEY (path, mount_point)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS scan_stats (
	mount_point TEXT PRIMARY KEY,
	files_scanned INTEGER,
	bytes_scanned INTEGER,
	start_time INTEGER,
	end_time INTEGER
);

CREATE INDEX IF NOT EXISTS idx_files_mount ON files(mount_point);
`

// ErrNotFound is returned by Lookup for paths absent from the catalog.
var ErrNotFound = errors.New("not in catalog")

// Store is a catalog backed by a single SQLite database file.
// All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open creates or reuses the catalog database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("catalog path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	// WAL keeps resume-filter reads off the writer lock; busy_timeout is a
	// first line of defense before the backoff retry kicks in.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=10000;",
		"PRAGMA cache_size=-64000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertFiles writes one batch of file records in a single transaction.
// The write is idempotent: rows are keyed by path and fully replaced on
// conflict. The transaction either commits whole or not at all, so a crash
// mid-call never leaves a partial batch visible.
func (s *Store) UpsertFiles(ctx context.Context, records []types.FileRecord) error {
	if len(records) == 0 {
		return nil
	}

	err := s.retryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO files (path, size, mtime, checksum, mount_point, file_type, extension, scan_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				size = excluded.size,
				mtime = excluded.mtime,
				checksum = excluded.checksum,
				mount_point = excluded.mount_point,
				file_type = excluded.file_type,
				extension = excluded.extension,
				scan_time = excluded.scan_time`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx, r.Path, r.Size, r.ModTime.Unix(), r.Checksum,
				r.Mount, r.Category, r.Extension, r.ScanTime.Unix()); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("upsert %d records: %w", len(records), err)
	}
	return nil
}

// Lookup fetches the cataloged record for one path. Returns ErrNotFound
// when the path has never been cataloged.
func (s *Store) Lookup(ctx context.Context, path string) (types.FileRecord, error) {
	var (
		r               types.FileRecord
		mtime, scanTime int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT path, size, mtime, checksum, mount_point, file_type, extension, scan_time
		FROM files WHERE path = ?`, path).
		Scan(&r.Path, &r.Size, &mtime, &r.Checksum, &r.Mount, &r.Category, &r.Extension, &scanTime)
	if errors.Is(err, sql.ErrNoRows) {
		return types.FileRecord{}, ErrNotFound
	}
	if err != nil {
		return types.FileRecord{}, fmt.Errorf("lookup %s: %w", path, err)
	}
	r.ModTime = time.Unix(mtime, 0)
	r.ScanTime = time.Unix(scanTime, 0)
	return r, nil
}

// MarkScanned records that the subtree rooted at path is fully cataloged.
// Callers must flush every record beneath path before calling this.
func (s *Store) MarkScanned(ctx context.Context, path, mount string) error {
	err := s.retryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO scanned_dirs (path, mount_point, scan_time) VALUES (?, ?, ?)`,
			path, mount, time.Now().Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("mark scanned %s: %w", path, err)
	}
	return nil
}

// IsScanned reports whether a completion marker exists for exactly this path.
func (s *Store) IsScanned(ctx context.Context, path, mount string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scanned_dirs WHERE path = ? AND mount_point = ?`,
		path, mount).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup scanned %s: %w", path, err)
	}
	return n > 0, nil
}

// ScannedSet returns every completed subtree path for a mount. Planners load
// it once per run to filter out finished chunks.
func (s *Store) ScannedSet(ctx context.Context, mount string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM scanned_dirs WHERE mount_point = ?`, mount)
	if err != nil {
		return nil, fmt.Errorf("load scanned set: %w", err)
	}
	defer func() { _ = rows.Close() }()

	set := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		set[p] = struct{}{}
	}
	return set, rows.Err()
}

// ResetSubtree removes completion markers at and beneath path, making the
// subtree eligible for re-walking. File rows are kept; the next walk
// overwrites them in place.
func (s *Store) ResetSubtree(ctx context.Context, path, mount string) (int64, error) {
	var affected int64
	err := s.retryBusy(ctx, func() error {
		// Bytewise range over path || '/': '0' is the successor of '/'.
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM scanned_dirs WHERE mount_point = ? AND (path = ? OR (path >= ? || '/' AND path < ? || '0'))`,
			mount, path, path, path)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset subtree %s: %w", path, err)
	}
	return affected, nil
}

// SubtreeActivity returns the newest file scan_time recorded beneath path,
// zero time when nothing has been written yet. The scheduler's health
// monitor uses it to detect stalled workers, including out-of-process ones
// whose writes bypass this Store instance.
func (s *Store) SubtreeActivity(ctx context.Context, path string) (time.Time, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(scan_time) FROM files WHERE path >= ? || '/' AND path < ? || '0'`,
		path, path).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("subtree activity %s: %w", path, err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return time.Unix(latest.Int64, 0), nil
}

// RecordMountStats folds one run's telemetry into the per-mount aggregate.
// Best-effort: failures are reported but never invalidate the catalog.
func (s *Store) RecordMountStats(ctx context.Context, st types.MountStats) error {
	err := s.retryBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scan_stats (mount_point, files_scanned, bytes_scanned, start_time, end_time)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(mount_point) DO UPDATE SET
				files_scanned = files_scanned + excluded.files_scanned,
				bytes_scanned = bytes_scanned + excluded.bytes_scanned,
				end_time = excluded.end_time`,
			st.Mount, st.FilesScanned, st.BytesScanned, st.StartTime.Unix(), st.EndTime.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("record stats for %s: %w", st.Mount, err)
	}
	return nil
}

// retryBusy runs op, retrying with exponential backoff while SQLite reports
// lock contention. Non-contention errors abort immediately.
func (s *Store) retryBusy(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// isBusy reports whether err is SQLite lock contention (SQLITE_BUSY or
// SQLITE_LOCKED) as surfaced by the modernc driver.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
