package crawl

import (
	"encoding/json"
	"time"
)

// CityStatus is the lifecycle marker of a City row.
type CityStatus string

// City statuses.
const (
	CityPending       CityStatus = "pending"
	CityFetchingList  CityStatus = "fetching_wfs"
	CityListed        CityStatus = "wfs_done"
	CityScraping      CityStatus = "scraping"
	CityCompleted     CityStatus = "completed"
	CityListingFailed CityStatus = "wfs_failed"
)

// PropertyStatus is the lifecycle marker of a Property row.
type PropertyStatus string

// Property statuses.
const (
	PropertyPending  PropertyStatus = "pending"
	PropertyScraping PropertyStatus = "scraping"
	PropertyScraped  PropertyStatus = "scraped"
	PropertyFailed   PropertyStatus = "failed"
)

// JobStatus tracks the coordinator state persisted for a job run.
type JobStatus string

// Job statuses.
const (
	JobIdle      JobStatus = "idle"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
)

// Worker statuses reported for observability.
const (
	WorkerStarting   = "starting"
	WorkerIdle       = "idle"
	WorkerWaiting    = "waiting"
	WorkerScraping   = "scraping"
	WorkerPaused     = "paused"
	WorkerRecovering = "recovering"
	WorkerStopped    = "stopped"
	WorkerFinished   = "finished"
)

// City is one municipality portal and its work partition.
type City struct {
	ID              int64      `json:"id"`
	URL             string     `json:"url"`
	MunicipalityID  string     `json:"municipality_id"`
	Label           string     `json:"label"`
	Status          CityStatus `json:"status"`
	TotalProperties int        `json:"total_properties"`
	ScrapedCount    int        `json:"scraped_count"`
	FailedCount     int        `json:"failed_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ListedAt        *time.Time `json:"wfs_fetched_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Fields is the flat set of values extracted for one property.
type Fields map[string]string

// Property is a single parcel record inside a City.
type Property struct {
	ID           int64           `json:"id"`
	CityID       int64           `json:"city_id"`
	Matricule    string          `json:"matricule"`
	Address      string          `json:"address"`
	Geometry     json.RawMessage `json:"geometry,omitempty"`
	Status       PropertyStatus  `json:"status"`
	Fields       Fields          `json:"fields,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	ScrapedAt    *time.Time      `json:"scraped_at,omitempty"`
}

// ListedProperty is what the listing service returns for one parcel.
type ListedProperty struct {
	Matricule string
	Address   string
	Geometry  json.RawMessage
}

// Job is one run of the worker fleet.
type Job struct {
	ID               int64      `json:"id"`
	Status           JobStatus  `json:"status"`
	WorkersRequested int        `json:"workers_requested"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	CompletedCities  int        `json:"completed_cities"`
}

// WorkerState is the observable snapshot of a worker loop.
type WorkerState struct {
	WorkerID    string    `json:"worker_id"`
	JobID       int64     `json:"job_id"`
	Status      string    `json:"status"`
	CurrentCity string    `json:"current_city"`
	CurrentItem string    `json:"current_item"`
	Scraped     int       `json:"scraped"`
	Failed      int       `json:"failed"`
	Heartbeat   time.Time `json:"heartbeat"`
}

// LogEntry is one row of the bounded operator log.
type LogEntry struct {
	ID        int64     `json:"id"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PropertyFilter narrows a per-city property listing.
type PropertyFilter struct {
	Status PropertyStatus
	Limit  int
	Offset int
}

// ImportResult summarizes a city import.
type ImportResult struct {
	Read     int      `json:"read"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// RecoveryReport counts the rows moved by the startup sweep.
type RecoveryReport struct {
	Cities     int `json:"cities"`
	Listings   int `json:"listings"`
	Properties int `json:"properties"`
}

// DashboardCounts aggregates City and Property totals.
type DashboardCounts struct {
	TotalCities     int `json:"total_cities"`
	CompletedCities int `json:"completed_cities"`
	ScrapingCities  int `json:"scraping_cities"`
	PendingCities   int `json:"pending_cities"`
	ReadyCities     int `json:"ready_cities"`
	FailedCities    int `json:"failed_cities"`
	TotalProperties int `json:"total_properties"`
	TotalScraped    int `json:"total_scraped"`
	TotalFailed     int `json:"total_failed"`
}

// CityCompletedEvent is published once a City is fully drained.
type CityCompletedEvent struct {
	CityID         int64     `json:"city_id"`
	Label          string    `json:"label"`
	MunicipalityID string    `json:"municipality_id"`
	Scraped        int       `json:"scraped"`
	Failed         int       `json:"failed"`
	CompletedAt    time.Time `json:"completed_at"`
}
