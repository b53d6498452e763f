// Package coordinator owns the job lifecycle: it sweeps interrupted work,
// launches the prefetch and worker fleets, gates them on pause, and tells
// natural completion apart from an operator stop.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/clock/system"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/prefetch"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/worker"
)

const logSource = "coordinator"

// Config sizes the fleets and bounds their shutdown.
type Config struct {
	PrefetchLoops       int
	Prefetch            prefetch.Config
	Worker              worker.Config
	Stagger             time.Duration
	WorkerJoinTimeout   time.Duration
	PrefetchJoinTimeout time.Duration
	MonitorInterval     time.Duration
	CitiesFile          string
}

func (c *Config) applyDefaults() {
	if c.PrefetchLoops <= 0 {
		c.PrefetchLoops = 3
	}
	if c.WorkerJoinTimeout <= 0 {
		c.WorkerJoinTimeout = 30 * time.Second
	}
	if c.PrefetchJoinTimeout <= 0 {
		c.PrefetchJoinTimeout = 10 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 10 * time.Second
	}
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	Running bool       `json:"running"`
	Paused  bool       `json:"paused"`
	Job     *crawl.Job `json:"job,omitempty"`
}

// run is the state of one launched job.
type run struct {
	job      crawl.Job
	cancel   context.CancelFunc
	gate     *crawl.Gate
	stopping bool

	listing atomic.Int32

	prefetchDone chan struct{}
	workersDone  chan struct{}
	monitorDone  chan struct{}
	prefetchErr  error
	workersErr   error
}

// Coordinator enforces a single active job.
type Coordinator struct {
	cfg       Config
	store     crawl.Store
	lister    crawl.Lister
	fetcher   crawl.Fetcher
	publisher crawl.Publisher
	clock     crawl.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	current *run
	// draining is a finished run whose loops outlived the join timeouts.
	draining *run
}

// New constructs a Coordinator.
func New(
	cfg Config,
	store crawl.Store,
	lister crawl.Lister,
	fetcher crawl.Fetcher,
	publisher crawl.Publisher,
	clock crawl.Clock,
	logger *zap.Logger,
) *Coordinator {
	cfg.applyDefaults()
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		lister:    lister,
		fetcher:   fetcher,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// Start sweeps interrupted work and launches a job with workers scrape loops.
// It returns crawl.ErrAlreadyRunning while another job is active.
func (c *Coordinator) Start(ctx context.Context, workers int) (crawl.Job, error) {
	if workers <= 0 {
		return crawl.Job{}, fmt.Errorf("worker count must be positive, got %d", workers)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return crawl.Job{}, crawl.ErrAlreadyRunning
	}
	if d := c.draining; d != nil {
		if !closed(d.prefetchDone) || !closed(d.workersDone) {
			return crawl.Job{}, fmt.Errorf("%w: loops of job %d are still stopping", crawl.ErrAlreadyRunning, d.job.ID)
		}
		c.draining = nil
	}

	report, err := c.store.RecoverInterrupted(ctx)
	if err != nil {
		return crawl.Job{}, fmt.Errorf("recovery sweep: %w", err)
	}
	if report != (crawl.RecoveryReport{}) {
		c.logger.Info("recovered interrupted work",
			zap.String("source", logSource),
			zap.Int("cities", report.Cities),
			zap.Int("listings", report.Listings),
			zap.Int("properties", report.Properties))
	}
	if err := c.store.ClearWorkers(ctx); err != nil {
		return crawl.Job{}, fmt.Errorf("clear workers: %w", err)
	}
	job, err := c.store.CreateJob(ctx, workers)
	if err != nil {
		return crawl.Job{}, err
	}

	// The fleet outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		job:          job,
		cancel:       cancel,
		gate:         crawl.NewGate(),
		prefetchDone: make(chan struct{}),
		workersDone:  make(chan struct{}),
		monitorDone:  make(chan struct{}),
	}
	c.launchPrefetch(runCtx, r)
	c.launchWorkers(runCtx, r, workers)
	go c.monitor(runCtx, r)
	c.current = r

	c.logger.Info("job started",
		zap.String("source", logSource),
		zap.Int64("job_id", job.ID),
		zap.Int("workers", workers),
		zap.Int("prefetch_loops", c.cfg.PrefetchLoops))
	return job, nil
}

func (c *Coordinator) launchPrefetch(ctx context.Context, r *run) {
	var g errgroup.Group
	for i := range c.cfg.PrefetchLoops {
		cfg := c.cfg.Prefetch
		cfg.ID = fmt.Sprintf("prefetch-%d", i+1)
		loop := prefetch.New(cfg, c.store, c.lister, r.gate, c.logger)
		r.listing.Add(1)
		g.Go(func() error {
			defer r.listing.Add(-1)
			return loop.Run(ctx)
		})
	}
	go func() {
		r.prefetchErr = g.Wait()
		close(r.prefetchDone)
	}()
}

func (c *Coordinator) launchWorkers(ctx context.Context, r *run, n int) {
	var g errgroup.Group
	listingActive := func() bool { return r.listing.Load() > 0 }
	for i := range n {
		cfg := c.cfg.Worker
		cfg.ID = fmt.Sprintf("worker-%d", i+1)
		cfg.JobID = r.job.ID
		w := worker.New(cfg, c.store, c.fetcher, r.gate, listingActive, c.publisher, c.clock, c.logger)
		delay := time.Duration(i) * c.cfg.Stagger
		g.Go(func() error {
			if err := crawl.Sleep(ctx, delay); err != nil {
				return nil
			}
			if err := w.Run(ctx); err != nil {
				c.logger.Error("worker exited with error",
					zap.String("source", cfg.ID),
					zap.Error(err))
				return fmt.Errorf("%s: %w", cfg.ID, err)
			}
			return nil
		})
	}
	go func() {
		r.workersErr = g.Wait()
		close(r.workersDone)
	}()
}

// monitor flips a running job to completed once both fleets have drained.
func (c *Coordinator) monitor(ctx context.Context, r *run) {
	defer close(r.monitorDone)
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !closed(r.prefetchDone) || !closed(r.workersDone) {
			continue
		}

		c.mu.Lock()
		if c.current != r || r.stopping {
			c.mu.Unlock()
			return
		}
		r.stopping = true
		c.mu.Unlock()

		c.finish(r, crawl.JobCompleted)
		c.logger.Info("all loops drained, job complete",
			zap.String("source", logSource),
			zap.Int64("job_id", r.job.ID))
		return
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// finish persists the terminal status and releases the single-job slot.
func (c *Coordinator) finish(r *run, status crawl.JobStatus) {
	r.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.FinishJob(ctx, r.job.ID, status); err != nil {
		c.logger.Error("finish job failed", zap.Int64("job_id", r.job.ID), zap.Error(err))
	}
	if closed(r.workersDone) && r.workersErr != nil {
		c.logger.Warn("job finished with worker errors", zap.Int64("job_id", r.job.ID), zap.Error(r.workersErr))
	}
	if closed(r.prefetchDone) && r.prefetchErr != nil {
		c.logger.Warn("job finished with listing errors", zap.Int64("job_id", r.job.ID), zap.Error(r.prefetchErr))
	}
	c.mu.Lock()
	if c.current == r {
		c.current = nil
		if !closed(r.prefetchDone) || !closed(r.workersDone) {
			c.draining = r
		}
	}
	c.mu.Unlock()
}

// Pause closes the gate; in-flight calls finish first.
func (c *Coordinator) Pause(ctx context.Context) error {
	return c.toggle(ctx, crawl.JobPaused)
}

// Resume reopens the gate.
func (c *Coordinator) Resume(ctx context.Context) error {
	return c.toggle(ctx, crawl.JobRunning)
}

func (c *Coordinator) toggle(ctx context.Context, status crawl.JobStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.current
	if r == nil || r.stopping {
		return crawl.ErrNotRunning
	}
	if status == crawl.JobPaused {
		r.gate.Pause()
	} else {
		r.gate.Resume()
	}
	if err := c.store.SetJobStatus(ctx, r.job.ID, status); err != nil {
		return err
	}
	c.logger.Info("job "+string(status), zap.String("source", logSource), zap.Int64("job_id", r.job.ID))
	return nil
}

// Stop cancels the job, releases paused loops, and waits for them within
// the join timeouts before marking the job cancelled.
func (c *Coordinator) Stop(_ context.Context) error {
	c.mu.Lock()
	r := c.current
	if r == nil || r.stopping {
		c.mu.Unlock()
		return crawl.ErrNotRunning
	}
	r.stopping = true
	c.mu.Unlock()

	c.logger.Info("stopping job", zap.String("source", logSource), zap.Int64("job_id", r.job.ID))
	r.cancel()
	r.gate.Resume()

	if !waitFor(r.workersDone, c.cfg.WorkerJoinTimeout) {
		c.logger.Warn("workers did not stop within join timeout", zap.Duration("timeout", c.cfg.WorkerJoinTimeout))
	}
	if !waitFor(r.prefetchDone, c.cfg.PrefetchJoinTimeout) {
		c.logger.Warn("prefetch loops did not stop within join timeout", zap.Duration("timeout", c.cfg.PrefetchJoinTimeout))
	}
	<-r.monitorDone

	c.finish(r, crawl.JobCancelled)
	c.logger.Info("job stopped", zap.String("source", logSource), zap.Int64("job_id", r.job.ID))
	return nil
}

func waitFor(ch <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// Wait blocks until the current job finishes or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.monitorDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	// A stop in progress still owns the slot until finish runs.
	for {
		c.mu.Lock()
		done := c.current != r
		c.mu.Unlock()
		if done {
			return nil
		}
		if err := crawl.Sleep(ctx, 10*time.Millisecond); err != nil {
			return err
		}
	}
}

// Running reports whether a job holds the slot.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Status returns the in-memory state plus the latest persisted Job.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	r := c.current
	var paused bool
	if r != nil {
		paused = r.gate.Paused()
	}
	c.mu.Unlock()

	job, err := c.store.CurrentJob(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Running: r != nil, Paused: paused, Job: job}, nil
}

// ResetCity makes every Property of a City pending again. A City a worker
// is actively scraping is refused while a job runs.
func (c *Coordinator) ResetCity(ctx context.Context, cityID int64) error {
	city, err := c.store.GetCity(ctx, cityID)
	if err != nil {
		return err
	}
	if city.Status == crawl.CityScraping && c.Running() {
		return fmt.Errorf("%w: city %d is being scraped", crawl.ErrInvalidTransition, cityID)
	}
	if err := c.store.ResetCity(ctx, cityID); err != nil {
		return err
	}
	c.logger.Info("city reset", zap.String("source", logSource), zap.Int64("city_id", cityID))
	return nil
}

// RetryFailed requeues the failed Properties of a City.
func (c *Coordinator) RetryFailed(ctx context.Context, cityID int64) (int, error) {
	n, err := c.store.ResetFailedProperties(ctx, cityID)
	if err != nil {
		return 0, err
	}
	c.logger.Info("failed properties requeued",
		zap.String("source", logSource),
		zap.Int64("city_id", cityID),
		zap.Int("count", n))
	return n, nil
}

// RelistCity sends a City whose listing failed back to pending.
func (c *Coordinator) RelistCity(ctx context.Context, cityID int64) error {
	if err := c.store.RelistCity(ctx, cityID); err != nil {
		return err
	}
	c.logger.Info("city relisted", zap.String("source", logSource), zap.Int64("city_id", cityID))
	return nil
}

// ResetAll stops a running job and rewinds every City.
func (c *Coordinator) ResetAll(ctx context.Context) error {
	if err := c.stopIfRunning(ctx); err != nil {
		return err
	}
	if err := c.store.ResetAll(ctx); err != nil {
		return err
	}
	c.logger.Info("all cities reset", zap.String("source", logSource))
	return nil
}

// WipeAll stops a running job, deletes everything and re-imports the city
// file when one is configured.
func (c *Coordinator) WipeAll(ctx context.Context) (crawl.ImportResult, error) {
	if err := c.stopIfRunning(ctx); err != nil {
		return crawl.ImportResult{}, err
	}
	if err := c.store.WipeAll(ctx); err != nil {
		return crawl.ImportResult{}, err
	}
	if c.cfg.CitiesFile == "" {
		return crawl.ImportResult{}, nil
	}
	result, err := c.ImportFile(ctx, c.cfg.CitiesFile)
	if err != nil {
		return crawl.ImportResult{}, err
	}
	c.logger.Info("database wiped and cities re-imported",
		zap.String("source", logSource),
		zap.Int("imported", result.Imported))
	return result, nil
}

func (c *Coordinator) stopIfRunning(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil && !errors.Is(err, crawl.ErrNotRunning) {
		return err
	}
	return nil
}

// Import parses one portal URL per line from r.
func (c *Coordinator) Import(ctx context.Context, r io.Reader) (crawl.ImportResult, error) {
	lines, err := crawl.ReadCityLines(r)
	if err != nil {
		return crawl.ImportResult{}, err
	}
	result, err := c.store.ImportCities(ctx, lines)
	if err != nil {
		return crawl.ImportResult{}, err
	}
	c.logger.Info("cities imported",
		zap.String("source", logSource),
		zap.Int("read", result.Read),
		zap.Int("imported", result.Imported),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// ImportFile imports the city list at path.
func (c *Coordinator) ImportFile(ctx context.Context, path string) (crawl.ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return crawl.ImportResult{}, fmt.Errorf("open city list: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return c.Import(ctx, f)
}

// DefaultCitiesFile is the configured city list path.
func (c *Coordinator) DefaultCitiesFile() string {
	return c.cfg.CitiesFile
}
