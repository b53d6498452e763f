package crawl

import (
	"context"
	"io"
	"time"
)

// CityStore owns City rows and their atomic claims.
type CityStore interface {
	ImportCities(ctx context.Context, urls []string) (ImportResult, error)
	ClaimNextPendingCityForListing(ctx context.Context) (*City, error)
	MarkCityListed(ctx context.Context, cityID int64, count int) error
	MarkCityListingFailed(ctx context.Context, cityID int64, reason string) error
	ClaimCityForScraping(ctx context.Context) (*City, error)
	RecomputeCityCounts(ctx context.Context, cityID int64) error
	MarkCityCompleted(ctx context.Context, cityID int64) error
	MarkCityInterrupted(ctx context.Context, cityID int64) error
	ResetCity(ctx context.Context, cityID int64) error
	ResetFailedProperties(ctx context.Context, cityID int64) (int, error)
	RelistCity(ctx context.Context, cityID int64) error
	RecoverInterrupted(ctx context.Context) (RecoveryReport, error)
	ResetAll(ctx context.Context) error
	WipeAll(ctx context.Context) error
	GetCity(ctx context.Context, cityID int64) (City, error)
	ListCities(ctx context.Context) ([]City, error)
	CountOutstandingCities(ctx context.Context) (int, error)
	CountListableCities(ctx context.Context) (int, error)
	DashboardCounts(ctx context.Context) (DashboardCounts, error)
}

// PropertyStore owns Property rows.
type PropertyStore interface {
	InsertProperties(ctx context.Context, cityID int64, items []ListedProperty) (int, error)
	ClaimPropertyBatch(ctx context.Context, cityID int64, limit int) ([]Property, error)
	MarkPropertyScraping(ctx context.Context, propertyID int64) error
	MarkPropertyScraped(ctx context.Context, propertyID int64, fields Fields) error
	MarkPropertyFailed(ctx context.Context, propertyID int64, message string) error
	PendingPropertyCount(ctx context.Context, cityID int64) (int, error)
	ListProperties(ctx context.Context, cityID int64, filter PropertyFilter) ([]Property, error)
	EachScrapedProperty(ctx context.Context, cityID int64, fn func(Property) error) error
}

// JobStore persists job runs.
type JobStore interface {
	CreateJob(ctx context.Context, workers int) (Job, error)
	SetJobStatus(ctx context.Context, jobID int64, status JobStatus) error
	FinishJob(ctx context.Context, jobID int64, status JobStatus) error
	CurrentJob(ctx context.Context) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
}

// WorkerStore persists observability snapshots of worker loops.
type WorkerStore interface {
	ClearWorkers(ctx context.Context) error
	UpsertWorker(ctx context.Context, state WorkerState) error
	ListWorkers(ctx context.Context) ([]WorkerState, error)
}

// LogStore is the bounded operator log.
type LogStore interface {
	AppendLog(ctx context.Context, entry LogEntry) error
	RecentLogs(ctx context.Context, limit int) ([]LogEntry, error)
}

// Store is the full Work Store surface.
type Store interface {
	CityStore
	PropertyStore
	JobStore
	WorkerStore
	LogStore
	Close() error
}

// Lister enumerates the properties of one municipality.
type Lister interface {
	List(ctx context.Context, municipalityID string) ([]ListedProperty, error)
}

// FetchTarget identifies one property for a Fetcher session.
type FetchTarget struct {
	Matricule      string
	MunicipalityID string
	CityURL        string
}

// Session is a per-worker execution context. It can become unusable and is
// then discarded and reopened by its owner.
type Session interface {
	Fetch(ctx context.Context, target FetchTarget) (Fields, error)
	Close() error
}

// Fetcher opens execution contexts.
type Fetcher interface {
	Open(ctx context.Context) (Session, error)
}

// Publisher emits notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore persists export artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}
