package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between supported engines.
type Dialect struct {
	Name string
	// Numbered rewrites ? placeholders to $1..$n.
	Numbered bool
	// ClaimLock is appended to the claim sub-select. Engines with row locks
	// use it to skip rows another transaction is claiming.
	ClaimLock string
	Schema    []string
}

var commonIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_cities_status ON cities (status)`,
	`CREATE INDEX IF NOT EXISTS idx_properties_city_status ON properties (city_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_properties_status ON properties (status)`,
}

// SQLite targets modernc.org/sqlite. Writers are serialized by the engine,
// so a single UPDATE with a sub-select is already an atomic claim.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: append([]string{
		`CREATE TABLE IF NOT EXISTS cities (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			url              TEXT NOT NULL UNIQUE,
			municipality_id  TEXT NOT NULL,
			label            TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'pending',
			total_properties INTEGER NOT NULL DEFAULT 0,
			scraped_count    INTEGER NOT NULL DEFAULT 0,
			failed_count     INTEGER NOT NULL DEFAULT 0,
			error_message    TEXT NOT NULL DEFAULT '',
			wfs_fetched_at   TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS properties (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			city_id       INTEGER NOT NULL REFERENCES cities(id) ON DELETE CASCADE,
			matricule     TEXT NOT NULL,
			address       TEXT NOT NULL DEFAULT '',
			geometry      TEXT,
			status        TEXT NOT NULL DEFAULT 'pending',
			fields        TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			attempts      INTEGER NOT NULL DEFAULT 0,
			scraped_at    TEXT,
			UNIQUE (city_id, matricule)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			status            TEXT NOT NULL,
			workers_requested INTEGER NOT NULL DEFAULT 0,
			started_at        TEXT NOT NULL,
			finished_at       TEXT,
			completed_cities  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			worker_id    TEXT PRIMARY KEY,
			job_id       INTEGER NOT NULL,
			status       TEXT NOT NULL,
			current_city TEXT NOT NULL DEFAULT '',
			current_item TEXT NOT NULL DEFAULT '',
			scraped      INTEGER NOT NULL DEFAULT 0,
			failed       INTEGER NOT NULL DEFAULT 0,
			heartbeat    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			level      TEXT NOT NULL,
			source     TEXT NOT NULL,
			message    TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}, commonIndexes...),
}

// Postgres targets pgx through its database/sql bridge.
var Postgres = Dialect{
	Name:      "postgres",
	Numbered:  true,
	ClaimLock: " FOR UPDATE SKIP LOCKED",
	Schema: append([]string{
		`CREATE TABLE IF NOT EXISTS cities (
			id               BIGSERIAL PRIMARY KEY,
			url              TEXT NOT NULL UNIQUE,
			municipality_id  TEXT NOT NULL,
			label            TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'pending',
			total_properties INTEGER NOT NULL DEFAULT 0,
			scraped_count    INTEGER NOT NULL DEFAULT 0,
			failed_count     INTEGER NOT NULL DEFAULT 0,
			error_message    TEXT NOT NULL DEFAULT '',
			wfs_fetched_at   TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS properties (
			id            BIGSERIAL PRIMARY KEY,
			city_id       BIGINT NOT NULL REFERENCES cities(id) ON DELETE CASCADE,
			matricule     TEXT NOT NULL,
			address       TEXT NOT NULL DEFAULT '',
			geometry      TEXT,
			status        TEXT NOT NULL DEFAULT 'pending',
			fields        TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			attempts      INTEGER NOT NULL DEFAULT 0,
			scraped_at    TEXT,
			UNIQUE (city_id, matricule)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id                BIGSERIAL PRIMARY KEY,
			status            TEXT NOT NULL,
			workers_requested INTEGER NOT NULL DEFAULT 0,
			started_at        TEXT NOT NULL,
			finished_at       TEXT,
			completed_cities  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			worker_id    TEXT PRIMARY KEY,
			job_id       BIGINT NOT NULL,
			status       TEXT NOT NULL,
			current_city TEXT NOT NULL DEFAULT '',
			current_item TEXT NOT NULL DEFAULT '',
			scraped      INTEGER NOT NULL DEFAULT 0,
			failed       INTEGER NOT NULL DEFAULT 0,
			heartbeat    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id         BIGSERIAL PRIMARY KEY,
			level      TEXT NOT NULL,
			source     TEXT NOT NULL,
			message    TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}, commonIndexes...),
}

// Rebind rewrites ? placeholders for numbered dialects. Queries in this
// package never carry a literal question mark.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
