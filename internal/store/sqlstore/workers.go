package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

// ClearWorkers drops every worker snapshot.
func (s *Store) ClearWorkers(ctx context.Context) error {
	if _, err := s.exec(ctx, `DELETE FROM workers`); err != nil {
		return fmt.Errorf("clear workers: %w", err)
	}
	return nil
}

// UpsertWorker writes the latest snapshot of a worker loop.
func (s *Store) UpsertWorker(ctx context.Context, w crawl.WorkerState) error {
	heartbeat := w.Heartbeat
	if heartbeat.IsZero() {
		heartbeat = s.clock.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO workers
		(worker_id, job_id, status, current_city, current_item, scraped, failed, heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (worker_id) DO UPDATE SET
			job_id = excluded.job_id,
			status = excluded.status,
			current_city = excluded.current_city,
			current_item = excluded.current_item,
			scraped = excluded.scraped,
			failed = excluded.failed,
			heartbeat = excluded.heartbeat`,
		w.WorkerID, w.JobID, w.Status, w.CurrentCity, w.CurrentItem, w.Scraped, w.Failed,
		heartbeat.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.WorkerID, err)
	}
	return nil
}

// ListWorkers returns every worker snapshot ordered by id.
func (s *Store) ListWorkers(ctx context.Context) ([]crawl.WorkerState, error) {
	rows, err := s.query(ctx, `SELECT worker_id, job_id, status, current_city, current_item, scraped, failed, heartbeat
		FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []crawl.WorkerState
	for rows.Next() {
		var (
			w         crawl.WorkerState
			heartbeat sql.NullString
		)
		if err := rows.Scan(&w.WorkerID, &w.JobID, &w.Status, &w.CurrentCity, &w.CurrentItem,
			&w.Scraped, &w.Failed, &heartbeat); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if w.Heartbeat, err = parseTime(heartbeat); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}
