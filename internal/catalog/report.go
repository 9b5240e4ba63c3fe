package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// Summary is the whole-catalog aggregate.
type Summary struct {
	TotalFiles int64
	TotalBytes int64
}

// GroupSummary is an aggregate over one mount or one file category.
type GroupSummary struct {
	Name  string
	Files int64
	Bytes int64
}

// Totals returns file count and byte total across the whole catalog.
func (s *Store) Totals(ctx context.Context) (Summary, error) {
	var files, bytes sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(size) FROM files`).Scan(&files, &bytes)
	if err != nil {
		return Summary{}, fmt.Errorf("catalog totals: %w", err)
	}
	return Summary{TotalFiles: files.Int64, TotalBytes: bytes.Int64}, nil
}

// ByMount returns per-mount aggregates, largest first.
func (s *Store) ByMount(ctx context.Context) ([]GroupSummary, error) {
	return s.grouped(ctx,
		`SELECT mount_point, COUNT(*), SUM(size) FROM files GROUP BY mount_point ORDER BY SUM(size) DESC`)
}

// ByCategory returns per-category aggregates, largest first.
func (s *Store) ByCategory(ctx context.Context) ([]GroupSummary, error) {
	return s.grouped(ctx,
		`SELECT file_type, COUNT(*), SUM(size) FROM files GROUP BY file_type ORDER BY SUM(size) DESC`)
}

func (s *Store) grouped(ctx context.Context, query string) ([]GroupSummary, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("grouped query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []GroupSummary
	for rows.Next() {
		var g GroupSummary
		var bytes sql.NullInt64
		if err := rows.Scan(&g.Name, &g.Files, &bytes); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		g.Bytes = bytes.Int64
		out = append(out, g)
	}
	return out, rows.Err()
}
