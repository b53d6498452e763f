package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

const cityColumns = `id, url, municipality_id, label, status, total_properties, scraped_count,
	failed_count, error_message, wfs_fetched_at, created_at, updated_at`

const recountCity = `scraped_count = (SELECT COUNT(*) FROM properties WHERE city_id = ? AND status = 'scraped'),
	failed_count = (SELECT COUNT(*) FROM properties WHERE city_id = ? AND status = 'failed')`

func scanCity(row scanner) (crawl.City, error) {
	var (
		c                   crawl.City
		status              string
		listed, created, up sql.NullString
	)
	if err := row.Scan(
		&c.ID, &c.URL, &c.MunicipalityID, &c.Label, &status, &c.TotalProperties, &c.ScrapedCount,
		&c.FailedCount, &c.ErrorMessage, &listed, &created, &up,
	); err != nil {
		return crawl.City{}, err
	}
	c.Status = crawl.CityStatus(status)
	var err error
	if c.ListedAt, err = parseTimePtr(listed); err != nil {
		return crawl.City{}, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return crawl.City{}, err
	}
	if c.UpdatedAt, err = parseTime(up); err != nil {
		return crawl.City{}, err
	}
	return c, nil
}

// ImportCities inserts one pending City per parseable URL, ignoring URLs
// already present.
func (s *Store) ImportCities(ctx context.Context, urls []string) (crawl.ImportResult, error) {
	result := crawl.ImportResult{Read: len(urls)}
	now := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(`
			INSERT INTO cities (url, municipality_id, label, status, created_at, updated_at)
			VALUES (?, ?, ?, 'pending', ?, ?)
			ON CONFLICT (url) DO NOTHING`))
		if err != nil {
			return fmt.Errorf("prepare city insert: %w", err)
		}
		defer stmt.Close()
		for _, raw := range urls {
			ref, err := crawl.ParseCityURL(raw)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			res, err := stmt.ExecContext(ctx, ref.URL, ref.MunicipalityID, ref.Label, now, now)
			if err != nil {
				return fmt.Errorf("insert city %s: %w", ref.URL, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n == 0 {
				result.Skipped++
				continue
			}
			result.Imported++
		}
		return nil
	})
	if err != nil {
		return crawl.ImportResult{}, err
	}
	return result, nil
}

// claim atomically moves the lowest-id City in from to to and returns it.
func (s *Store) claim(ctx context.Context, from, to crawl.CityStatus) (*crawl.City, error) {
	query := `UPDATE cities SET status = ?, updated_at = ?
		WHERE id = (SELECT id FROM cities WHERE status = ? ORDER BY id LIMIT 1` + s.dialect.ClaimLock + `)
		AND status = ?
		RETURNING ` + cityColumns
	c, err := scanCity(s.queryRow(ctx, query, string(to), s.now(), string(from), string(from)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s city: %w", from, err)
	}
	return &c, nil
}

// ClaimNextPendingCityForListing moves one pending City to fetching_wfs.
// It returns nil when nothing is pending.
func (s *Store) ClaimNextPendingCityForListing(ctx context.Context) (*crawl.City, error) {
	return s.claim(ctx, crawl.CityPending, crawl.CityFetchingList)
}

// ClaimCityForScraping moves one listed City to scraping.
func (s *Store) ClaimCityForScraping(ctx context.Context) (*crawl.City, error) {
	return s.claim(ctx, crawl.CityListed, crawl.CityScraping)
}

// transition applies set to a City only when its current status has a
// forward edge into to.
func (s *Store) transition(ctx context.Context, cityID int64, to crawl.CityStatus, set string, args ...any) error {
	from := crawl.AllowedFrom(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing leads to %s", crawl.ErrInvalidTransition, to)
	}
	query := `UPDATE cities SET status = ?, updated_at = ?` + set +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	params := make([]any, 0, len(args)+len(from)+3)
	params = append(params, string(to), s.now())
	params = append(params, args...)
	params = append(params, cityID)
	for _, f := range from {
		params = append(params, string(f))
	}
	n, err := s.exec(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("move city %d to %s: %w", cityID, to, err)
	}
	if n == 0 {
		return s.explainMiss(ctx, cityID, to)
	}
	return nil
}

func (s *Store) explainMiss(ctx context.Context, cityID int64, to crawl.CityStatus) error {
	c, err := s.GetCity(ctx, cityID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: city %d is %s, cannot move to %s", crawl.ErrInvalidTransition, cityID, c.Status, to)
}

// MarkCityListed records the listing total and makes the City claimable.
func (s *Store) MarkCityListed(ctx context.Context, cityID int64, count int) error {
	now := s.now()
	return s.transition(ctx, cityID, crawl.CityListed,
		`, total_properties = ?, wfs_fetched_at = ?, error_message = ''`, count, now)
}

// MarkCityListingFailed parks the City until an operator relists it.
func (s *Store) MarkCityListingFailed(ctx context.Context, cityID int64, reason string) error {
	return s.transition(ctx, cityID, crawl.CityListingFailed, `, error_message = ?`, reason)
}

// RecomputeCityCounts rewrites the cached scraped and failed counts from
// Property rows. It is idempotent and safe from any goroutine.
func (s *Store) RecomputeCityCounts(ctx context.Context, cityID int64) error {
	n, err := s.exec(ctx, `UPDATE cities SET `+recountCity+` WHERE id = ?`, cityID, cityID, cityID)
	if err != nil {
		return fmt.Errorf("recompute city %d: %w", cityID, err)
	}
	if n == 0 {
		return fmt.Errorf("city %d: %w", cityID, crawl.ErrNoRecord)
	}
	return nil
}

// MarkCityCompleted finishes a scraping City with no pending Properties.
func (s *Store) MarkCityCompleted(ctx context.Context, cityID int64) error {
	n, err := s.exec(ctx, `UPDATE cities SET status = 'completed', updated_at = ?, `+recountCity+`
		WHERE id = ? AND status = 'scraping'
		AND NOT EXISTS (SELECT 1 FROM properties WHERE city_id = ? AND status = 'pending')`,
		s.now(), cityID, cityID, cityID, cityID)
	if err != nil {
		return fmt.Errorf("complete city %d: %w", cityID, err)
	}
	if n > 0 {
		return nil
	}
	c, err := s.GetCity(ctx, cityID)
	if err != nil {
		return err
	}
	if c.Status != crawl.CityScraping {
		return fmt.Errorf("%w: city %d is %s, cannot complete", crawl.ErrInvalidTransition, cityID, c.Status)
	}
	return fmt.Errorf("%w: city %d still has pending properties", crawl.ErrInvalidTransition, cityID)
}

// MarkCityInterrupted leaves an abandoned City in its scraping marker with
// fresh counts. Only the startup sweep moves it back to wfs_done.
func (s *Store) MarkCityInterrupted(ctx context.Context, cityID int64) error {
	n, err := s.exec(ctx, `UPDATE cities SET updated_at = ?, `+recountCity+`
		WHERE id = ? AND status = 'scraping'`, s.now(), cityID, cityID, cityID)
	if err != nil {
		return fmt.Errorf("interrupt city %d: %w", cityID, err)
	}
	if n == 0 {
		return s.explainMiss(ctx, cityID, crawl.CityScraping)
	}
	return nil
}

// ResetCity discards scraped data and makes every Property pending again.
func (s *Store) ResetCity(ctx context.Context, cityID int64) error {
	if _, err := s.GetCity(ctx, cityID); err != nil {
		return err
	}
	now := s.now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.txExec(ctx, tx, `UPDATE properties
			SET status = 'pending', attempts = 0, fields = NULL, error_message = '', scraped_at = NULL
			WHERE city_id = ?`, cityID); err != nil {
			return fmt.Errorf("reset properties of city %d: %w", cityID, err)
		}
		if _, err := s.txExec(ctx, tx, `UPDATE cities
			SET status = 'wfs_done', scraped_count = 0, failed_count = 0, error_message = '', updated_at = ?
			WHERE id = ?`, now, cityID); err != nil {
			return fmt.Errorf("reset city %d: %w", cityID, err)
		}
		return nil
	})
}

// ResetFailedProperties requeues failed Properties and keeps their attempt
// counts. A completed City is reopened so a worker drains it again.
func (s *Store) ResetFailedProperties(ctx context.Context, cityID int64) (int, error) {
	if _, err := s.GetCity(ctx, cityID); err != nil {
		return 0, err
	}
	var count int64
	now := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		n, err := s.txExec(ctx, tx, `UPDATE properties SET status = 'pending', error_message = ''
			WHERE city_id = ? AND status = 'failed'`, cityID)
		if err != nil {
			return fmt.Errorf("requeue failed properties of city %d: %w", cityID, err)
		}
		count = n
		if n == 0 {
			return nil
		}
		if _, err := s.txExec(ctx, tx, `UPDATE cities SET status = 'wfs_done', updated_at = ?
			WHERE id = ? AND status = 'completed'`, now, cityID); err != nil {
			return fmt.Errorf("reopen city %d: %w", cityID, err)
		}
		if _, err := s.txExec(ctx, tx, `UPDATE cities SET `+recountCity+` WHERE id = ?`,
			cityID, cityID, cityID); err != nil {
			return fmt.Errorf("recount city %d: %w", cityID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// RelistCity sends a City whose listing failed back to pending.
func (s *Store) RelistCity(ctx context.Context, cityID int64) error {
	n, err := s.exec(ctx, `UPDATE cities SET status = 'pending', error_message = '', updated_at = ?
		WHERE id = ? AND status = 'wfs_failed'`, s.now(), cityID)
	if err != nil {
		return fmt.Errorf("relist city %d: %w", cityID, err)
	}
	if n == 0 {
		return s.explainMiss(ctx, cityID, crawl.CityPending)
	}
	return nil
}

// RecoverInterrupted undoes work left mid-flight by an ungraceful shutdown.
func (s *Store) RecoverInterrupted(ctx context.Context) (crawl.RecoveryReport, error) {
	var report crawl.RecoveryReport
	now := s.now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		n, err := s.txExec(ctx, tx, `UPDATE cities SET status = 'wfs_done', updated_at = ? WHERE status = 'scraping'`, now)
		if err != nil {
			return fmt.Errorf("recover scraping cities: %w", err)
		}
		report.Cities = int(n)
		if n, err = s.txExec(ctx, tx, `UPDATE cities SET status = 'pending', updated_at = ? WHERE status = 'fetching_wfs'`, now); err != nil {
			return fmt.Errorf("recover listing cities: %w", err)
		}
		report.Listings = int(n)
		if n, err = s.txExec(ctx, tx, `UPDATE properties SET status = 'pending' WHERE status = 'scraping'`); err != nil {
			return fmt.Errorf("recover scraping properties: %w", err)
		}
		report.Properties = int(n)
		return nil
	})
	if err != nil {
		return crawl.RecoveryReport{}, err
	}
	return report, nil
}

// ResetAll returns every City to the start of its pipeline stage: listed
// cities to wfs_done with fresh Properties, the rest to pending.
func (s *Store) ResetAll(ctx context.Context) error {
	now := s.now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmts := []struct {
			what  string
			query string
			args  []any
		}{
			{"properties", `UPDATE properties
				SET status = 'pending', attempts = 0, fields = NULL, error_message = '', scraped_at = NULL`, nil},
			{"listed cities", `UPDATE cities
				SET status = 'wfs_done', scraped_count = 0, failed_count = 0, error_message = '', updated_at = ?
				WHERE status IN ('wfs_done', 'scraping', 'completed')`, []any{now}},
			{"unlisted cities", `UPDATE cities
				SET status = 'pending', total_properties = 0, scraped_count = 0, failed_count = 0,
				error_message = '', wfs_fetched_at = NULL, updated_at = ?
				WHERE status IN ('fetching_wfs', 'wfs_failed')`, []any{now}},
			{"workers", `DELETE FROM workers`, nil},
		}
		for _, st := range stmts {
			if _, err := s.txExec(ctx, tx, st.query, st.args...); err != nil {
				return fmt.Errorf("reset %s: %w", st.what, err)
			}
		}
		return nil
	})
}

// WipeAll deletes every row of every table.
func (s *Store) WipeAll(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"properties", "workers", "logs", "jobs", "cities"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("wipe %s: %w", table, err)
			}
		}
		return nil
	})
}

// GetCity loads one City.
func (s *Store) GetCity(ctx context.Context, cityID int64) (crawl.City, error) {
	c, err := scanCity(s.queryRow(ctx, `SELECT `+cityColumns+` FROM cities WHERE id = ?`, cityID))
	if errors.Is(err, sql.ErrNoRows) {
		return crawl.City{}, fmt.Errorf("city %d: %w", cityID, crawl.ErrNoRecord)
	}
	if err != nil {
		return crawl.City{}, fmt.Errorf("get city %d: %w", cityID, err)
	}
	return c, nil
}

// ListCities returns every City ordered by id.
func (s *Store) ListCities(ctx context.Context) ([]crawl.City, error) {
	rows, err := s.query(ctx, `SELECT `+cityColumns+` FROM cities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	defer rows.Close()
	var out []crawl.City
	for rows.Next() {
		c, err := scanCity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan city: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cities: %w", err)
	}
	return out, nil
}

// CountOutstandingCities counts Cities that may still produce scraping work:
// pending, being listed, or listed and unclaimed.
func (s *Store) CountOutstandingCities(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM cities WHERE status IN (?, ?, ?)`,
		string(crawl.CityPending), string(crawl.CityFetchingList), string(crawl.CityListed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outstanding cities: %w", err)
	}
	return n, nil
}

// CountListableCities counts Cities a listing loop may still touch: pending
// or being listed.
func (s *Store) CountListableCities(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM cities WHERE status IN (?, ?)`,
		string(crawl.CityPending), string(crawl.CityFetchingList)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count listable cities: %w", err)
	}
	return n, nil
}

// DashboardCounts aggregates City totals for the dashboard.
func (s *Store) DashboardCounts(ctx context.Context) (crawl.DashboardCounts, error) {
	var d crawl.DashboardCounts
	err := s.queryRow(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'scraping' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status IN ('pending', 'fetching_wfs') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'wfs_done' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'wfs_failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(total_properties), 0),
		COALESCE(SUM(scraped_count), 0),
		COALESCE(SUM(failed_count), 0)
		FROM cities`).Scan(
		&d.TotalCities, &d.CompletedCities, &d.ScrapingCities, &d.PendingCities, &d.ReadyCities,
		&d.FailedCities, &d.TotalProperties, &d.TotalScraped, &d.TotalFailed,
	)
	if err != nil {
		return crawl.DashboardCounts{}, fmt.Errorf("dashboard counts: %w", err)
	}
	return d, nil
}
