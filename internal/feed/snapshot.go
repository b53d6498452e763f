// Package feed builds dashboard snapshots from the Work Store and pushes them
// to live subscribers on a fixed interval.
package feed

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/clock/system"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

const defaultLogLimit = 80

// Stats is the dashboard header: store totals plus rates derived from the
// current Job.
type Stats struct {
	crawl.DashboardCounts
	Running        bool       `json:"running"`
	Paused         bool       `json:"paused"`
	Job            *crawl.Job `json:"job,omitempty"`
	ElapsedSeconds int64      `json:"elapsed_seconds"`
	RatePerMinute  float64    `json:"rate_per_minute"`
	ETASeconds     int64      `json:"eta_seconds"`
}

// Snapshot is one frame of the live feed.
type Snapshot struct {
	Stats   Stats               `json:"stats"`
	Workers []crawl.WorkerState `json:"workers"`
	Cities  []crawl.City        `json:"cities"`
	Logs    []crawl.LogEntry    `json:"logs"`
}

// Store is the read surface a snapshot needs.
type Store interface {
	DashboardCounts(ctx context.Context) (crawl.DashboardCounts, error)
	CurrentJob(ctx context.Context) (*crawl.Job, error)
	ListWorkers(ctx context.Context) ([]crawl.WorkerState, error)
	ListCities(ctx context.Context) ([]crawl.City, error)
	RecentLogs(ctx context.Context, limit int) ([]crawl.LogEntry, error)
}

// StatusFunc reports whether a job holds the coordinator and whether it is paused.
type StatusFunc func() (running, paused bool)

// BuilderConfig bounds the snapshot lists. A zero CityLimit keeps every City.
type BuilderConfig struct {
	LogLimit  int
	CityLimit int
}

// Builder assembles Stats and Snapshots.
type Builder struct {
	cfg    BuilderConfig
	store  Store
	status StatusFunc
	clock  crawl.Clock
}

// NewBuilder wires a Builder. status and clock may be nil.
func NewBuilder(cfg BuilderConfig, store Store, status StatusFunc, clock crawl.Clock) *Builder {
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = defaultLogLimit
	}
	if status == nil {
		status = func() (bool, bool) { return false, false }
	}
	if clock == nil {
		clock = system.New()
	}
	return &Builder{cfg: cfg, store: store, status: status, clock: clock}
}

// Stats returns the dashboard header.
func (b *Builder) Stats(ctx context.Context) (Stats, error) {
	counts, err := b.store.DashboardCounts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("dashboard counts: %w", err)
	}
	job, err := b.store.CurrentJob(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("current job: %w", err)
	}
	stats := ComputeStats(counts, job, b.clock.Now())
	stats.Running, stats.Paused = b.status()
	return stats, nil
}

// Snapshot returns a full feed frame.
func (b *Builder) Snapshot(ctx context.Context) (Snapshot, error) {
	stats, err := b.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	workers, err := b.store.ListWorkers(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list workers: %w", err)
	}
	cities, err := b.store.ListCities(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list cities: %w", err)
	}
	if b.cfg.CityLimit > 0 && len(cities) > b.cfg.CityLimit {
		cities = cities[:b.cfg.CityLimit]
	}
	logs, err := b.store.RecentLogs(ctx, b.cfg.LogLimit)
	if err != nil {
		return Snapshot{}, fmt.Errorf("recent logs: %w", err)
	}
	return Snapshot{
		Stats:   stats,
		Workers: orEmpty(workers),
		Cities:  orEmpty(cities),
		Logs:    orEmpty(logs),
	}, nil
}

// ComputeStats derives elapsed time, throughput and ETA. The clock stops at
// the Job's finish time. Undefined rates are zero.
func ComputeStats(counts crawl.DashboardCounts, job *crawl.Job, now time.Time) Stats {
	stats := Stats{DashboardCounts: counts, Job: job}
	if job == nil || job.StartedAt.IsZero() {
		return stats
	}
	end := now
	if job.FinishedAt != nil {
		end = *job.FinishedAt
	}
	elapsed := end.Sub(job.StartedAt).Seconds()
	if elapsed <= 0 {
		return stats
	}
	stats.ElapsedSeconds = int64(elapsed)
	if counts.TotalScraped == 0 {
		return stats
	}
	rate := float64(counts.TotalScraped) / (elapsed / 60)
	stats.RatePerMinute = math.Round(rate*10) / 10
	remaining := counts.TotalProperties - counts.TotalScraped - counts.TotalFailed
	if remaining > 0 {
		stats.ETASeconds = int64(float64(remaining) / (rate / 60))
	}
	return stats
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
