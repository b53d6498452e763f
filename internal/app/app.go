// Package app builds and holds the long-lived scraper services, acting as a
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/api"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/clock/system"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/config"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/coordinator"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/export"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/feed"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/fetcher/headless"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/fetcher/portal"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/logging"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/policy/ratelimit"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/prefetch"
	memorypublisher "github.com/PytechNo/GeoCentralis-Scraper/internal/publisher/memory"
	gcppublisher "github.com/PytechNo/GeoCentralis-Scraper/internal/publisher/pubsub"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/schedule"
	gcsstorage "github.com/PytechNo/GeoCentralis-Scraper/internal/storage/gcs"
	localstorage "github.com/PytechNo/GeoCentralis-Scraper/internal/storage/local"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/store/postgres"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/store/sqlite"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/store/sqlstore"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/telemetry"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/wfs"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/worker"
)

// defaultTopic names in-memory notifications when Pub/Sub is not configured.
const defaultTopic = "city-completed"

// Overrides replaces upstream collaborators, mainly for tests.
type Overrides struct {
	Lister    crawl.Lister
	Fetcher   crawl.Fetcher
	Publisher crawl.Publisher
	Clock     crawl.Clock
}

// App holds all the shared, long-lived services for the process.
type App struct {
	cfg    config.Config
	base   *zap.Logger
	logger *zap.Logger
	clock  crawl.Clock

	store       *sqlstore.Store
	coordinator *coordinator.Coordinator
	builder     *feed.Builder
	hub         *feed.Hub
	exporter    *export.Exporter
	scheduler   *schedule.Scheduler
	api         *api.Server

	closers []func(context.Context) error
}

// Build wires every service from cfg. The caller owns the returned App and
// must Close it. On error everything opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, ov Overrides) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, base: logger, logger: logger, clock: ov.Clock}
	if a.clock == nil {
		a.clock = system.New()
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.closers = append(a.closers, tp.Shutdown)

	if err = a.setupStore(ctx); err != nil {
		return nil, err
	}
	// Operator-facing lines also land in the Work Store log ring.
	a.logger = logging.Tee(logger, logging.NewStoreCore(a.store, logging.StoreCoreConfig{Fallback: logger}))

	lister := ov.Lister
	if lister == nil {
		if lister, err = a.setupLister(); err != nil {
			return nil, err
		}
	}
	fetcher := ov.Fetcher
	if fetcher == nil {
		if fetcher, err = a.setupFetcher(); err != nil {
			return nil, err
		}
	}
	publisher := ov.Publisher
	if publisher == nil {
		if publisher, err = a.setupPublisher(ctx); err != nil {
			return nil, err
		}
	}
	topic := cfg.PubSub.TopicName
	if topic == "" {
		topic = defaultTopic
	}

	a.coordinator = coordinator.New(coordinator.Config{
		PrefetchLoops: cfg.Prefetch.Loops,
		Prefetch: prefetch.Config{
			IdleSleep:     cfg.Prefetch.IdleSleep,
			BetweenCities: cfg.Prefetch.BetweenCities,
		},
		Worker: worker.Config{
			Backend:          cfg.Fetcher.Backend,
			BatchSize:        cfg.Workers.BatchSize,
			FailureThreshold: cfg.Workers.FailureThreshold,
			FailureBackoff:   cfg.Workers.FailureBackoff,
			RequestDelay:     cfg.Workers.RequestDelay,
			WaitForWork:      cfg.Workers.WaitForWork,
			RecomputeEvery:   cfg.Workers.RecomputeEvery,
			Topic:            topic,
		},
		Stagger:             cfg.Workers.Stagger,
		WorkerJoinTimeout:   cfg.Coordinator.WorkerJoinTimeout,
		PrefetchJoinTimeout: cfg.Coordinator.PrefetchJoinTimeout,
		MonitorInterval:     cfg.Coordinator.MonitorInterval,
		CitiesFile:          cfg.Cities.File,
	}, a.store, lister, fetcher, publisher, a.clock, a.logger.Named("coordinator"))
	// Registered after the store so it closes first.
	a.closers = append(a.closers, a.stopJob)

	a.builder = feed.NewBuilder(feed.BuilderConfig{
		LogLimit:  cfg.Feed.LogLimit,
		CityLimit: cfg.Feed.CityLimit,
	}, a.store, a.jobStatus, a.clock)
	a.hub = feed.NewHub(feed.Config{
		Interval: cfg.Feed.Interval,
		Logger:   logger.Named("feed"),
	}, a.builder)

	blobs, err := a.setupSink(ctx)
	if err != nil {
		return nil, err
	}
	a.exporter = export.NewExporter(a.store, blobs, cfg.Export.Prefix, a.clock, a.logger.Named("export"))

	a.scheduler, err = schedule.New(schedule.Config{
		Cron:    cfg.Schedule.Cron,
		Workers: cfg.ScheduledWorkers(),
	}, a.coordinator, a.logger.Named("schedule"))
	if err != nil {
		return nil, err
	}

	a.api = api.NewServer(api.Config{
		Auth:           api.AuthConfig{Enabled: cfg.Auth.Enabled, APIKey: cfg.Auth.APIKey},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		DefaultWorkers: cfg.Workers.Default,
	}, a.coordinator, a.store, a.builder, a.hub, a.exporter, logger.Named("api"))

	a.logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("fetcher", cfg.Fetcher.Backend),
		zap.String("export_sink", cfg.Export.Sink),
		zap.Bool("schedule", a.scheduler.Enabled()))
	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	var err error
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		a.logger.Info("connecting to PostgreSQL work store")
		a.store, err = postgres.Open(ctx, postgres.Config{
			DSN:           a.cfg.Store.Postgres.DSN,
			MaxConns:      a.cfg.Store.Postgres.MaxConns,
			MaxLogEntries: a.cfg.Logging.MaxEntries,
			Clock:         a.clock,
		})
	default:
		path := a.cfg.Store.SQLite.Path
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create database directory: %w", err)
			}
		}
		a.logger.Info("opening SQLite work store", zap.String("path", path))
		a.store, err = sqlite.Open(ctx, sqlite.Config{
			Path:          path,
			BusyTimeout:   a.cfg.Store.SQLite.BusyTimeout,
			MaxOpenConns:  a.cfg.Store.SQLite.MaxOpenConns,
			MaxLogEntries: a.cfg.Logging.MaxEntries,
			Clock:         a.clock,
		})
	}
	if err != nil {
		return fmt.Errorf("work store init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.store.Close() })
	return nil
}

func (a *App) setupLister() (crawl.Lister, error) {
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: a.cfg.WFS.RequestsPerSecond, DefaultBurst: 1})
	client, err := wfs.New(wfs.Config{
		URL:            a.cfg.WFS.URL,
		PrimaryLayer:   a.cfg.WFS.PrimaryLayer,
		FallbackLayers: a.cfg.WFS.FallbackLayers,
		PageSize:       a.cfg.WFS.PageSize,
		Timeout:        a.cfg.WFS.Timeout,
		HitsTimeout:    a.cfg.WFS.HitsTimeout,
		MaxRetries:     a.cfg.WFS.MaxRetries,
		UserAgent:      a.cfg.Fetcher.UserAgent,
	}, &http.Client{}, limiter, a.logger.Named("wfs"))
	if err != nil {
		return nil, fmt.Errorf("wfs client init failed: %w", err)
	}
	return client, nil
}

func (a *App) setupFetcher() (crawl.Fetcher, error) {
	if a.cfg.Fetcher.Backend == config.BackendBrowser {
		f, err := headless.NewChromedp(headless.Config{
			BaseURL:           a.cfg.Fetcher.PortalURL,
			UserAgent:         a.cfg.Fetcher.UserAgent,
			Headless:          a.cfg.Fetcher.Browser.Headless,
			NavigationTimeout: a.cfg.Fetcher.Browser.NavTimeout,
			RequestTimeout:    a.cfg.Fetcher.Timeout,
		}, a.clock, a.logger.Named("browser"))
		if err != nil {
			return nil, fmt.Errorf("browser fetcher init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			f.Close()
			return nil
		})
		a.logger.Info("using browser fetcher", zap.Bool("headless", a.cfg.Fetcher.Browser.Headless))
		return f, nil
	}
	var limiter *ratelimit.Limiter
	if a.cfg.Fetcher.RequestsPerSecond > 0 {
		limiter = ratelimit.New(ratelimit.Config{DefaultRPS: a.cfg.Fetcher.RequestsPerSecond, DefaultBurst: 1})
	}
	a.logger.Info("using http fetcher", zap.String("portal", a.cfg.Fetcher.PortalURL))
	return portal.New(portal.Config{
		BaseURL:   a.cfg.Fetcher.PortalURL,
		UserAgent: a.cfg.Fetcher.UserAgent,
		Timeout:   a.cfg.Fetcher.Timeout,
	}, limiter, a.clock), nil
}

func (a *App) setupPublisher(ctx context.Context) (crawl.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return pub, nil
}

func (a *App) setupSink(ctx context.Context) (crawl.BlobStore, error) {
	switch a.cfg.Export.Sink {
	case config.SinkGCS:
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Export.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs export sink init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return blobs.Close() })
		a.logger.Info("using GCS export sink", zap.String("bucket", a.cfg.Export.GCSBucket))
		return blobs, nil
	case config.SinkLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Export.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local export sink init failed: %w", err)
		}
		a.logger.Info("using local export sink", zap.String("dir", a.cfg.Export.LocalDir))
		return blobs, nil
	default:
		return nil, nil
	}
}

func (a *App) jobStatus() (running, paused bool) {
	st, err := a.coordinator.Status(context.Background())
	if err != nil {
		return a.coordinator.Running(), false
	}
	return st.Running, st.Paused
}

func (a *App) stopJob(ctx context.Context) error {
	if a.coordinator == nil {
		return nil
	}
	if err := a.coordinator.Stop(ctx); err != nil && !errors.Is(err, crawl.ErrNotRunning) {
		return err
	}
	return nil
}

// Logger returns the teed logger used by the services.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store exposes the Work Store.
func (a *App) Store() *sqlstore.Store { return a.store }

// Coordinator exposes the job coordinator.
func (a *App) Coordinator() *coordinator.Coordinator { return a.coordinator }

// Exporter exposes the GeoJSON exporter.
func (a *App) Exporter() *export.Exporter { return a.exporter }

// Handler returns the HTTP API router.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Serve listens on the configured address and blocks until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener runs the API, the live feed and the scheduler on ln until
// ctx ends or one of them fails, then stops a running job.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })

	err := g.Wait()
	if stopErr := a.stopJob(context.Background()); stopErr != nil {
		a.logger.Warn("job stop on shutdown failed", zap.Error(stopErr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunJob starts a job and blocks until it completes. When ctx ends first
// the job is stopped and ctx's error is returned.
func (a *App) RunJob(ctx context.Context, workers int) (crawl.Job, error) {
	if workers <= 0 {
		workers = a.cfg.Workers.Default
	}
	job, err := a.coordinator.Start(ctx, workers)
	if err != nil {
		return crawl.Job{}, err
	}
	if err := a.coordinator.Wait(ctx); err != nil {
		stopErr := a.stopJob(context.Background())
		return job, errors.Join(err, stopErr)
	}
	if current, err := a.store.CurrentJob(context.Background()); err == nil && current != nil && current.ID == job.ID {
		job = *current
	}
	return job, nil
}

// Import loads the city list at path, or the configured file when path is
// empty.
func (a *App) Import(ctx context.Context, path string) (crawl.ImportResult, error) {
	if path == "" {
		path = a.cfg.Cities.File
	}
	return a.coordinator.ImportFile(ctx, path)
}

// ExportTo streams the GeoJSON of cityID (0 = all) into w.
func (a *App) ExportTo(ctx context.Context, w io.Writer, cityID int64) (export.Summary, error) {
	if cityID > 0 {
		if _, err := a.store.GetCity(ctx, cityID); err != nil {
			return export.Summary{}, err
		}
	}
	return export.Encode(ctx, w, a.store, cityID)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close stops a running job and releases services in reverse build order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := a.base.Sync(); err != nil && !isSyncNoise(err) {
		a.base.Warn("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

// isSyncNoise reports the error zap returns when syncing a terminal.
func isSyncNoise(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}
