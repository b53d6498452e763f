// Package worker implements the scrape loop: claim a listed City, drain its
// pending Properties through a Fetcher session, and finish or interrupt it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/clock/system"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/metrics"
)

// Store is the slice of the Work Store a worker touches.
type Store interface {
	crawl.CityStore
	crawl.PropertyStore
	crawl.WorkerStore
}

// Config controls Worker behavior.
type Config struct {
	ID               string
	JobID            int64
	Backend          string
	BatchSize        int
	FailureThreshold int
	FailureBackoff   time.Duration
	RequestDelay     time.Duration
	WaitForWork      time.Duration
	RecomputeEvery   int
	OpenAttempts     int
	Topic            string
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 20
	}
	if c.RecomputeEvery <= 0 {
		c.RecomputeEvery = 2
	}
	if c.OpenAttempts <= 0 {
		c.OpenAttempts = 3
	}
	if c.WaitForWork <= 0 {
		c.WaitForWork = 3 * time.Second
	}
	if c.Backend == "" {
		c.Backend = "unknown"
	}
}

// Worker owns one Fetcher session and processes one City at a time.
type Worker struct {
	cfg           Config
	store         Store
	fetcher       crawl.Fetcher
	gate          *crawl.Gate
	listingActive func() bool
	publisher     crawl.Publisher
	clock         crawl.Clock
	logger        *zap.Logger

	session     crawl.Session
	consecutive int
	state       crawl.WorkerState
}

// New constructs a Worker. listingActive reports whether any prefetch loop
// may still produce listed Cities; nil means none will.
func New(
	cfg Config,
	store Store,
	fetcher crawl.Fetcher,
	gate *crawl.Gate,
	listingActive func() bool,
	publisher crawl.Publisher,
	clock crawl.Clock,
	logger *zap.Logger,
) *Worker {
	cfg.applyDefaults()
	if gate == nil {
		gate = crawl.NewGate()
	}
	if listingActive == nil {
		listingActive = func() bool { return false }
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:           cfg,
		store:         store,
		fetcher:       fetcher,
		gate:          gate,
		listingActive: listingActive,
		publisher:     publisher,
		clock:         clock,
		logger:        logger.With(zap.String("worker_id", cfg.ID), zap.Int64("job_id", cfg.JobID)),
		state:         crawl.WorkerState{WorkerID: cfg.ID, JobID: cfg.JobID},
	}
}

// Run claims Cities until none remain or ctx ends. Cancellation is not an
// error. A non-nil error means the session could not be recreated.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer w.closeSession()

	w.report(crawl.WorkerIdle)
	w.logger.Info("worker started", zap.String("source", w.cfg.ID))

	for {
		if err := w.checkpoint(ctx); err != nil {
			w.finish(crawl.WorkerStopped)
			return nil
		}

		// Read before claiming: a miss after listing has drained is final.
		listingDone := !w.listingActive()
		city, err := w.store.ClaimCityForScraping(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.finish(crawl.WorkerStopped)
				return nil
			}
			w.logger.Error("claim city failed", zap.Error(err))
			if err := crawl.Sleep(ctx, w.cfg.WaitForWork); err != nil {
				w.finish(crawl.WorkerStopped)
				return nil
			}
			continue
		}
		if city == nil {
			if listingDone || !w.moreWorkExpected(ctx) {
				w.logger.Info("no more cities to scrape", zap.String("source", w.cfg.ID))
				w.finish(crawl.WorkerFinished)
				return nil
			}
			w.report(crawl.WorkerWaiting)
			if err := crawl.Sleep(ctx, w.cfg.WaitForWork); err != nil {
				w.finish(crawl.WorkerStopped)
				return nil
			}
			continue
		}

		if err := w.scrapeCity(ctx, *city); err != nil {
			if ctx.Err() != nil {
				w.finish(crawl.WorkerStopped)
				return nil
			}
			w.finish(crawl.WorkerStopped)
			return err
		}
	}
}

func (w *Worker) moreWorkExpected(ctx context.Context) bool {
	n, err := w.store.CountOutstandingCities(ctx)
	if err != nil {
		w.logger.Warn("count outstanding cities failed", zap.Error(err))
		return true
	}
	return n > 0
}

// checkpoint blocks while paused and reports the paused state.
func (w *Worker) checkpoint(ctx context.Context) error {
	if w.gate.Paused() {
		prev := w.state.Status
		w.report(crawl.WorkerPaused)
		if err := w.gate.Wait(ctx); err != nil {
			return err
		}
		w.report(prev)
		return nil
	}
	return ctx.Err()
}

var tracer = otel.Tracer("github.com/PytechNo/GeoCentralis-Scraper/internal/worker")

func (w *Worker) scrapeCity(ctx context.Context, city crawl.City) error {
	// The span carries through to the completion notification.
	ctx, span := tracer.Start(ctx, "worker.scrape_city", trace.WithAttributes(
		attribute.Int64("city_id", city.ID),
		attribute.String("municipality_id", city.MunicipalityID),
		attribute.String("worker_id", w.cfg.ID),
	))
	defer span.End()

	log := w.logger.With(zap.Int64("city_id", city.ID), zap.String("city", city.Label))
	log.Info("claimed city",
		zap.String("source", w.cfg.ID),
		zap.String("municipality_id", city.MunicipalityID),
		zap.Int("total", city.TotalProperties))
	metrics.ObserveCity(string(crawl.CityScraping))

	w.state.CurrentCity = city.Label + "/" + city.MunicipalityID
	w.state.Scraped, w.state.Failed = 0, 0
	w.report(crawl.WorkerScraping)

	if err := w.ensureSession(ctx); err != nil {
		w.interrupt(city, log)
		return err
	}

	target := crawl.FetchTarget{MunicipalityID: city.MunicipalityID, CityURL: city.URL}
	processed := 0
	for redrain := 0; ; redrain++ {
		if err := w.drain(ctx, city, target, &processed, log); err != nil {
			return err
		}
		done, err := w.complete(ctx, city, log)
		if err != nil || done {
			return err
		}
		if redrain >= maxRedrains {
			w.interrupt(city, log)
			return nil
		}
		log.Info("properties requeued during scrape, draining again", zap.String("source", w.cfg.ID))
	}
}

// maxRedrains bounds how often one claim re-drains a City whose Properties
// were requeued while it was being scraped.
const maxRedrains = 3

// drain processes pending batches until none is left. Any error leaves the
// City interrupted.
func (w *Worker) drain(ctx context.Context, city crawl.City, target crawl.FetchTarget, processed *int, log *zap.Logger) error {
	for {
		if err := w.checkpoint(ctx); err != nil {
			w.interrupt(city, log)
			return err
		}
		batch, err := w.store.ClaimPropertyBatch(ctx, city.ID, w.cfg.BatchSize)
		if err != nil {
			w.interrupt(city, log)
			return fmt.Errorf("claim batch for city %d: %w", city.ID, err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, prop := range batch {
			if err := w.checkpoint(ctx); err != nil {
				w.interrupt(city, log)
				return err
			}
			target.Matricule = prop.Matricule
			if err := w.processProperty(ctx, prop, target, log); err != nil {
				w.interrupt(city, log)
				return err
			}
			*processed++
			if *processed%w.cfg.RecomputeEvery == 0 {
				if err := w.store.RecomputeCityCounts(ctx, city.ID); err != nil && ctx.Err() == nil {
					log.Warn("recompute counts failed", zap.Error(err))
				}
			}
			if err := crawl.Sleep(ctx, w.cfg.RequestDelay); err != nil {
				w.interrupt(city, log)
				return err
			}
		}
	}
}

// complete marks a drained City completed. It reports false when Properties
// reappeared in pending and the City should be drained again.
func (w *Worker) complete(ctx context.Context, city crawl.City, log *zap.Logger) (bool, error) {
	if err := w.store.RecomputeCityCounts(ctx, city.ID); err != nil {
		log.Warn("recompute counts failed", zap.Error(err))
	}
	pending, err := w.store.PendingPropertyCount(ctx, city.ID)
	if err != nil {
		w.interrupt(city, log)
		return true, fmt.Errorf("pending count for city %d: %w", city.ID, err)
	}
	if pending > 0 {
		return false, nil
	}
	if err := w.store.MarkCityCompleted(ctx, city.ID); err != nil {
		if w.stillScraping(ctx, city.ID) {
			log.Warn("mark city completed failed", zap.Error(err))
			return false, nil
		}
		log.Error("mark city completed failed", zap.Error(err))
		w.interrupt(city, log)
		return true, nil
	}
	metrics.ObserveCity(string(crawl.CityCompleted))
	log.Info("city completed",
		zap.String("source", w.cfg.ID),
		zap.Int("scraped", w.state.Scraped),
		zap.Int("failed", w.state.Failed))
	w.publishCompleted(ctx, city.ID, log)
	w.state.CurrentCity, w.state.CurrentItem = "", ""
	w.report(crawl.WorkerIdle)
	return true, nil
}

// stillScraping reports whether the City is still in scraping with pending
// Properties, which happens when failed rows were requeued after the drain.
func (w *Worker) stillScraping(ctx context.Context, cityID int64) bool {
	c, err := w.store.GetCity(ctx, cityID)
	if err != nil || c.Status != crawl.CityScraping {
		return false
	}
	pending, err := w.store.PendingPropertyCount(ctx, cityID)
	return err == nil && pending > 0
}

func (w *Worker) publishCompleted(ctx context.Context, cityID int64, log *zap.Logger) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	c, err := w.store.GetCity(ctx, cityID)
	if err != nil {
		log.Warn("load completed city failed", zap.Error(err))
		return
	}
	msg := crawl.CityCompletedEvent{
		CityID:         c.ID,
		Label:          c.Label,
		MunicipalityID: c.MunicipalityID,
		Scraped:        c.ScrapedCount,
		Failed:         c.FailedCount,
		CompletedAt:    w.clock.Now().UTC(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, msg); err != nil {
		log.Warn("publish city completed failed", zap.Error(err))
	}
}

// interrupt refreshes counts and leaves the City in its scraping marker.
func (w *Worker) interrupt(city crawl.City, log *zap.Logger) {
	// The job context may be gone; the bookkeeping must still land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.MarkCityInterrupted(ctx, city.ID); err != nil {
		log.Warn("mark city interrupted failed", zap.Error(err))
		return
	}
	pending, _ := w.store.PendingPropertyCount(ctx, city.ID)
	log.Info("city interrupted", zap.String("source", w.cfg.ID), zap.Int("remaining", pending))
}

func (w *Worker) ensureSession(ctx context.Context) error {
	if w.session != nil {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < w.cfg.OpenAttempts; attempt++ {
		if attempt > 0 {
			if err := crawl.Sleep(ctx, w.cfg.FailureBackoff); err != nil {
				return err
			}
		}
		s, err := w.fetcher.Open(ctx)
		if err == nil {
			w.session = s
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		w.logger.Warn("open session failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("open session after %d attempts: %w", w.cfg.OpenAttempts, lastErr)
}

// recreateSession backs off, discards the current session and opens a new
// one. The failure counter starts over.
func (w *Worker) recreateSession(ctx context.Context, log *zap.Logger, reason string) error {
	log.Warn("recreating session",
		zap.String("source", w.cfg.ID),
		zap.String("reason", reason),
		zap.Duration("backoff", w.cfg.FailureBackoff))
	w.report(crawl.WorkerRecovering)
	w.consecutive = 0
	metrics.ObserveSessionRecreation()
	if err := crawl.Sleep(ctx, w.cfg.FailureBackoff); err != nil {
		return err
	}
	w.closeSession()
	if err := w.ensureSession(ctx); err != nil {
		return err
	}
	w.report(crawl.WorkerScraping)
	return nil
}

func (w *Worker) closeSession() {
	if w.session == nil {
		return
	}
	if err := w.session.Close(); err != nil {
		w.logger.Debug("close session failed", zap.Error(err))
	}
	w.session = nil
}

func (w *Worker) finish(status string) {
	w.state.CurrentItem = ""
	w.report(status)
	w.logger.Info("worker shut down", zap.String("source", w.cfg.ID), zap.String("status", status))
}

// report upserts the observable state. The row is advisory, so a failed
// write is only logged.
func (w *Worker) report(status string) {
	w.state.Status = status
	w.state.Heartbeat = w.clock.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.UpsertWorker(ctx, w.state); err != nil {
		w.logger.Debug("upsert worker failed", zap.Error(err))
	}
}

// ConsecutiveFailures exposes the self-heal counter.
func (w *Worker) ConsecutiveFailures() int {
	return w.consecutive
}
