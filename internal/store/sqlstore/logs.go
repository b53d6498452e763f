package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

// AppendLog inserts a log row and trims the ring to its capacity.
func (s *Store) AppendLog(ctx context.Context, entry crawl.LogEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	if _, err := s.exec(ctx, `INSERT INTO logs (level, source, message, created_at) VALUES (?, ?, ?, ?)`,
		entry.Level, entry.Source, entry.Message, ts.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if _, err := s.exec(ctx, `DELETE FROM logs
		WHERE id <= (SELECT id FROM logs ORDER BY id DESC LIMIT 1 OFFSET ?)`, s.maxLogs); err != nil {
		return fmt.Errorf("trim logs: %w", err)
	}
	return nil
}

// RecentLogs returns up to limit entries, oldest first.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]crawl.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `SELECT id, level, source, message, created_at FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	defer rows.Close()
	var out []crawl.LogEntry
	for rows.Next() {
		var (
			e  crawl.LogEntry
			ts sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Source, &e.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}
