package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

const jobColumns = `id, status, workers_requested, started_at, finished_at, completed_cities`

func scanJob(row scanner) (crawl.Job, error) {
	var (
		j                 crawl.Job
		status            string
		started, finished sql.NullString
	)
	if err := row.Scan(&j.ID, &status, &j.WorkersRequested, &started, &finished, &j.CompletedCities); err != nil {
		return crawl.Job{}, err
	}
	j.Status = crawl.JobStatus(status)
	var err error
	if j.StartedAt, err = parseTime(started); err != nil {
		return crawl.Job{}, err
	}
	if j.FinishedAt, err = parseTimePtr(finished); err != nil {
		return crawl.Job{}, err
	}
	return j, nil
}

// CreateJob inserts a running Job.
func (s *Store) CreateJob(ctx context.Context, workers int) (crawl.Job, error) {
	j, err := scanJob(s.queryRow(ctx, `INSERT INTO jobs (status, workers_requested, started_at, completed_cities)
		VALUES ('running', ?, ?, 0) RETURNING `+jobColumns, workers, s.now()))
	if err != nil {
		return crawl.Job{}, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// SetJobStatus flips a Job between running and paused.
func (s *Store) SetJobStatus(ctx context.Context, jobID int64, status crawl.JobStatus) error {
	n, err := s.exec(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, string(status), jobID)
	if err != nil {
		return fmt.Errorf("set job %d %s: %w", jobID, status, err)
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", jobID, crawl.ErrNoRecord)
	}
	return nil
}

// FinishJob stamps a terminal status and the number of completed Cities.
func (s *Store) FinishJob(ctx context.Context, jobID int64, status crawl.JobStatus) error {
	n, err := s.exec(ctx, `UPDATE jobs SET status = ?, finished_at = ?,
		completed_cities = (SELECT COUNT(*) FROM cities WHERE status = 'completed')
		WHERE id = ?`, string(status), s.now(), jobID)
	if err != nil {
		return fmt.Errorf("finish job %d: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", jobID, crawl.ErrNoRecord)
	}
	return nil
}

// CurrentJob returns the most recent Job, or nil before the first run.
func (s *Store) CurrentJob(ctx context.Context) (*crawl.Job, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current job: %w", err)
	}
	return &j, nil
}

// ListJobs returns the latest Jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]crawl.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []crawl.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
