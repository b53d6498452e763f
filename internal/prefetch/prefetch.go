// Package prefetch runs the listing loops that turn pending Cities into
// listed ones with materialized Property rows.
package prefetch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/metrics"
)

// ReasonEmpty is recorded when every layer answered with zero parcels.
const ReasonEmpty = "no properties found on any WFS layer"

const logSource = "wfs"

// Store is the slice of the Work Store a listing loop touches.
type Store interface {
	ClaimNextPendingCityForListing(ctx context.Context) (*crawl.City, error)
	InsertProperties(ctx context.Context, cityID int64, items []crawl.ListedProperty) (int, error)
	MarkCityListed(ctx context.Context, cityID int64, count int) error
	MarkCityListingFailed(ctx context.Context, cityID int64, reason string) error
	CountListableCities(ctx context.Context) (int, error)
}

// Config controls loop pacing.
type Config struct {
	ID            string
	IdleSleep     time.Duration
	BetweenCities time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleSleep <= 0 {
		c.IdleSleep = 5 * time.Second
	}
	if c.BetweenCities <= 0 {
		c.BetweenCities = time.Second
	}
}

// Loop claims pending Cities one at a time and lists them.
type Loop struct {
	cfg    Config
	store  Store
	lister crawl.Lister
	gate   *crawl.Gate
	logger *zap.Logger
}

// New constructs a Loop.
func New(cfg Config, store Store, lister crawl.Lister, gate *crawl.Gate, logger *zap.Logger) *Loop {
	cfg.applyDefaults()
	if gate == nil {
		gate = crawl.NewGate()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		cfg:    cfg,
		store:  store,
		lister: lister,
		gate:   gate,
		logger: logger.With(zap.String("loop_id", cfg.ID)),
	}
}

// Run lists Cities until ctx ends or no City is pending or being listed.
// While another loop still lists a City it polls every IdleSleep, so Cities
// imported or relisted meanwhile are picked up.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := l.gate.Wait(ctx); err != nil {
			return nil
		}
		city, err := l.store.ClaimNextPendingCityForListing(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("claim city for listing failed", zap.String("source", logSource), zap.Error(err))
			if err := crawl.Sleep(ctx, l.cfg.IdleSleep); err != nil {
				return nil
			}
			continue
		}
		if city == nil {
			n, err := l.store.CountListableCities(ctx)
			if err == nil && n == 0 {
				l.logger.Debug("nothing left to list")
				return nil
			}
			if err := crawl.Sleep(ctx, l.cfg.IdleSleep); err != nil {
				return nil
			}
			continue
		}

		l.listCity(ctx, *city)
		if err := crawl.Sleep(ctx, l.cfg.BetweenCities); err != nil {
			return nil
		}
	}
}

// listCity lists one claimed City. On cancellation the City stays in
// fetching_wfs and the next startup sweep returns it to pending.
func (l *Loop) listCity(ctx context.Context, city crawl.City) {
	log := l.logger.With(
		zap.String("source", logSource),
		zap.Int64("city_id", city.ID),
		zap.String("city", city.Label+"/"+city.MunicipalityID))
	log.Info("listing city")

	items, err := l.lister.List(ctx, city.MunicipalityID)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("listing interrupted")
			return
		}
		l.fail(ctx, city, fmt.Sprintf("listing failed: %v", err), log)
		return
	}
	if len(items) == 0 {
		l.fail(ctx, city, ReasonEmpty, log)
		return
	}

	inserted, err := l.store.InsertProperties(ctx, city.ID, items)
	if err != nil {
		l.fail(ctx, city, fmt.Sprintf("store properties: %v", err), log)
		return
	}
	if err := l.store.MarkCityListed(ctx, city.ID, len(items)); err != nil {
		log.Error("mark city listed failed", zap.Error(err))
		return
	}
	metrics.ObserveCity(string(crawl.CityListed))
	log.Info("city listed", zap.Int("listed", len(items)), zap.Int("inserted", inserted))
}

func (l *Loop) fail(ctx context.Context, city crawl.City, reason string, log *zap.Logger) {
	if err := l.store.MarkCityListingFailed(ctx, city.ID, reason); err != nil {
		log.Error("mark city listing failed", zap.Error(err))
		return
	}
	metrics.ObserveCity(string(crawl.CityListingFailed))
	log.Warn("city listing failed", zap.String("reason", reason))
}
