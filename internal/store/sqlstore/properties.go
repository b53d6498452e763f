package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

const propertyColumns = `id, city_id, matricule, address, geometry, status, fields, error_message, attempts, scraped_at`

func scanProperty(row scanner) (crawl.Property, error) {
	var (
		p                           crawl.Property
		status                      string
		geometry, fields, scrapedAt sql.NullString
	)
	if err := row.Scan(&p.ID, &p.CityID, &p.Matricule, &p.Address, &geometry, &status, &fields,
		&p.ErrorMessage, &p.Attempts, &scrapedAt); err != nil {
		return crawl.Property{}, err
	}
	p.Status = crawl.PropertyStatus(status)
	if geometry.Valid && geometry.String != "" {
		p.Geometry = json.RawMessage(geometry.String)
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &p.Fields); err != nil {
			return crawl.Property{}, fmt.Errorf("decode fields of property %d: %w", p.ID, err)
		}
	}
	var err error
	if p.ScrapedAt, err = parseTimePtr(scrapedAt); err != nil {
		return crawl.Property{}, err
	}
	return p, nil
}

// InsertProperties bulk-inserts listed Properties, ignoring matricules the
// City already has. It returns the number of new rows.
func (s *Store) InsertProperties(ctx context.Context, cityID int64, items []crawl.ListedProperty) (int, error) {
	inserted := 0
	for start := 0; start < len(items); start += insertChunk {
		end := min(start+insertChunk, len(items))
		n, err := s.insertChunk(ctx, cityID, items[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) insertChunk(ctx context.Context, cityID int64, items []crawl.ListedProperty) (int, error) {
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(`
			INSERT INTO properties (city_id, matricule, address, geometry, status)
			VALUES (?, ?, ?, ?, 'pending')
			ON CONFLICT (city_id, matricule) DO NOTHING`))
		if err != nil {
			return fmt.Errorf("prepare property insert: %w", err)
		}
		defer stmt.Close()
		for _, item := range items {
			var geometry any
			if len(item.Geometry) > 0 {
				geometry = string(item.Geometry)
			}
			res, err := stmt.ExecContext(ctx, cityID, item.Matricule, item.Address, geometry)
			if err != nil {
				return fmt.Errorf("insert property %s: %w", item.Matricule, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimPropertyBatch returns up to limit pending Properties of a City. Only
// the worker holding the City calls it, so no state changes here.
func (s *Store) ClaimPropertyBatch(ctx context.Context, cityID int64, limit int) ([]crawl.Property, error) {
	rows, err := s.query(ctx, `SELECT `+propertyColumns+` FROM properties
		WHERE city_id = ? AND status = 'pending' ORDER BY id LIMIT ?`, cityID, limit)
	if err != nil {
		return nil, fmt.Errorf("pending batch of city %d: %w", cityID, err)
	}
	return collectProperties(rows)
}

func collectProperties(rows *sql.Rows) ([]crawl.Property, error) {
	defer rows.Close()
	var out []crawl.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate properties: %w", err)
	}
	return out, nil
}

func (s *Store) propertyMiss(ctx context.Context, propertyID int64, want crawl.PropertyStatus) error {
	var status string
	err := s.queryRow(ctx, `SELECT status FROM properties WHERE id = ?`, propertyID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("property %d: %w", propertyID, crawl.ErrNoRecord)
	}
	if err != nil {
		return fmt.Errorf("get property %d: %w", propertyID, err)
	}
	return fmt.Errorf("%w: property %d is %s, cannot move to %s", crawl.ErrInvalidTransition, propertyID, status, want)
}

// MarkPropertyScraping starts an attempt on a pending Property.
func (s *Store) MarkPropertyScraping(ctx context.Context, propertyID int64) error {
	n, err := s.exec(ctx, `UPDATE properties SET status = 'scraping', attempts = attempts + 1
		WHERE id = ? AND status = 'pending'`, propertyID)
	if err != nil {
		return fmt.Errorf("mark property %d scraping: %w", propertyID, err)
	}
	if n == 0 {
		return s.propertyMiss(ctx, propertyID, crawl.PropertyScraping)
	}
	return nil
}

// MarkPropertyScraped stores the extracted fields.
func (s *Store) MarkPropertyScraped(ctx context.Context, propertyID int64, fields crawl.Fields) error {
	if fields == nil {
		fields = crawl.Fields{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	n, err := s.exec(ctx, `UPDATE properties SET status = 'scraped', fields = ?, error_message = '', scraped_at = ?
		WHERE id = ? AND status = 'scraping'`, string(raw), s.now(), propertyID)
	if err != nil {
		return fmt.Errorf("mark property %d scraped: %w", propertyID, err)
	}
	if n == 0 {
		return s.propertyMiss(ctx, propertyID, crawl.PropertyScraped)
	}
	return nil
}

// MarkPropertyFailed records the failure message.
func (s *Store) MarkPropertyFailed(ctx context.Context, propertyID int64, message string) error {
	n, err := s.exec(ctx, `UPDATE properties SET status = 'failed', error_message = ?
		WHERE id = ? AND status = 'scraping'`, message, propertyID)
	if err != nil {
		return fmt.Errorf("mark property %d failed: %w", propertyID, err)
	}
	if n == 0 {
		return s.propertyMiss(ctx, propertyID, crawl.PropertyFailed)
	}
	return nil
}

// PendingPropertyCount counts pending Properties of a City.
func (s *Store) PendingPropertyCount(ctx context.Context, cityID int64) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM properties WHERE city_id = ? AND status = 'pending'`,
		cityID).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending count of city %d: %w", cityID, err)
	}
	return n, nil
}

// ListProperties pages through one City's Properties.
func (s *Store) ListProperties(ctx context.Context, cityID int64, filter crawl.PropertyFilter) ([]crawl.Property, error) {
	query := `SELECT ` + propertyColumns + ` FROM properties WHERE city_id = ?`
	args := []any{cityID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list properties of city %d: %w", cityID, err)
	}
	return collectProperties(rows)
}

// EachScrapedProperty streams scraped Properties to fn. A cityID of zero
// covers every City.
func (s *Store) EachScrapedProperty(ctx context.Context, cityID int64, fn func(crawl.Property) error) error {
	query := `SELECT ` + propertyColumns + ` FROM properties WHERE status = 'scraped'`
	var args []any
	if cityID > 0 {
		query += ` AND city_id = ?`
		args = append(args, cityID)
	}
	rows, err := s.query(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return fmt.Errorf("scraped properties: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return fmt.Errorf("scan property: %w", err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate scraped properties: %w", err)
	}
	return nil
}
