// Package schedule starts crawl jobs on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

const logSource = "scheduler"

// Starter launches a job with the given fleet size.
type Starter interface {
	Start(ctx context.Context, workers int) (crawl.Job, error)
}

// Config holds the cron spec and the fleet size of scheduled jobs.
type Config struct {
	// Cron is a standard five-field spec or a descriptor such as
	// "@daily". Empty disables scheduling.
	Cron     string
	Workers  int
	Location *time.Location
}

// Scheduler triggers Starter.Start on every tick of the schedule.
type Scheduler struct {
	cfg      Config
	starter  Starter
	logger   *zap.Logger
	cron     *cron.Cron
	schedule cron.Schedule
}

// New validates the spec. A Scheduler with an empty spec runs idle.
func New(cfg Config, starter Starter, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	s := &Scheduler{cfg: cfg, starter: starter, logger: logger}
	if cfg.Cron == "" {
		return s, nil
	}
	sched, err := cron.ParseStandard(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
	}
	s.schedule = sched
	clog := cronLogger{logger.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	return s, nil
}

// Enabled reports whether a schedule is configured.
func (s *Scheduler) Enabled() bool {
	return s.cron != nil
}

// Next returns the next activation after now, or the zero time when
// disabled.
func (s *Scheduler) Next(now time.Time) time.Time {
	if s.schedule == nil {
		return time.Time{}
	}
	return s.schedule.Next(now.In(s.cfg.Location))
}

// Run blocks until ctx ends, triggering jobs on schedule. A running
// trigger is allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cron == nil {
		s.logger.Info("no schedule configured")
		<-ctx.Done()
		return nil
	}
	s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.Trigger(ctx) }))
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("source", logSource),
		zap.String("cron", s.cfg.Cron),
		zap.Int("workers", s.cfg.Workers),
		zap.Time("next", s.Next(time.Now())))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Trigger starts one job now. A job that is already running is not an
// error.
func (s *Scheduler) Trigger(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	job, err := s.starter.Start(ctx, s.cfg.Workers)
	switch {
	case err == nil:
		s.logger.Info("scheduled job started",
			zap.String("source", logSource),
			zap.Int64("job_id", job.ID),
			zap.Int("workers", job.WorkersRequested))
	case errors.Is(err, crawl.ErrAlreadyRunning):
		s.logger.Info("scheduled start skipped, job already running", zap.String("source", logSource))
	default:
		s.logger.Error("scheduled start failed", zap.String("source", logSource), zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
