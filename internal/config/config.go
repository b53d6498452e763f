// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g.
// GEOSCRAPER_STORE_DRIVER=postgres.
const EnvPrefix = "GEOSCRAPER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Store       StoreConfig       `mapstructure:"store"`
	Cities      CitiesConfig      `mapstructure:"cities"`
	WFS         WFSConfig         `mapstructure:"wfs"`
	Prefetch    PrefetchConfig    `mapstructure:"prefetch"`
	Workers     WorkersConfig     `mapstructure:"workers"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Export      ExportConfig      `mapstructure:"export"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the operator log ring.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	MaxEntries  int  `mapstructure:"max_entries"`
}

// StoreConfig selects and tunes the Work Store backend.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig tunes the embedded database.
type SQLiteConfig struct {
	Path         string        `mapstructure:"path"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

// PostgresConfig points at a shared database.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// CitiesConfig locates the default city list.
type CitiesConfig struct {
	File string `mapstructure:"file"`
}

// WFSConfig configures the listing service client.
type WFSConfig struct {
	URL               string        `mapstructure:"url"`
	PrimaryLayer      string        `mapstructure:"primary_layer"`
	FallbackLayers    []string      `mapstructure:"fallback_layers"`
	PageSize          int           `mapstructure:"page_size"`
	Timeout           time.Duration `mapstructure:"timeout"`
	HitsTimeout       time.Duration `mapstructure:"hits_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// PrefetchConfig sizes the listing loops.
type PrefetchConfig struct {
	Loops         int           `mapstructure:"loops"`
	IdleSleep     time.Duration `mapstructure:"idle_sleep"`
	BetweenCities time.Duration `mapstructure:"between_cities"`
}

// WorkersConfig tunes the scrape loops.
type WorkersConfig struct {
	Default          int           `mapstructure:"default"`
	BatchSize        int           `mapstructure:"batch_size"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureBackoff   time.Duration `mapstructure:"failure_backoff"`
	RequestDelay     time.Duration `mapstructure:"request_delay"`
	Stagger          time.Duration `mapstructure:"stagger"`
	WaitForWork      time.Duration `mapstructure:"wait_for_work"`
	RecomputeEvery   int           `mapstructure:"recompute_every"`
}

// CoordinatorConfig bounds shutdown and completion polling.
type CoordinatorConfig struct {
	WorkerJoinTimeout   time.Duration `mapstructure:"worker_join_timeout"`
	PrefetchJoinTimeout time.Duration `mapstructure:"prefetch_join_timeout"`
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
}

// FetcherConfig selects the property-detail backend.
type FetcherConfig struct {
	Backend           string        `mapstructure:"backend"`
	PortalURL         string        `mapstructure:"portal_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Browser           BrowserConfig `mapstructure:"browser"`
}

// BrowserConfig tunes the chromedp backend.
type BrowserConfig struct {
	NavTimeout time.Duration `mapstructure:"nav_timeout"`
	Headless   bool          `mapstructure:"headless"`
}

// FeedConfig controls the live WebSocket snapshot.
type FeedConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	LogLimit  int           `mapstructure:"log_limit"`
	CityLimit int           `mapstructure:"city_limit"`
}

// ExportConfig selects where GeoJSON exports are written.
type ExportConfig struct {
	Sink      string `mapstructure:"sink"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScheduleConfig triggers jobs on a cron spec.
type ScheduleConfig struct {
	Cron    string `mapstructure:"cron"`
	Workers int    `mapstructure:"workers"`
}

// TelemetryConfig names the service for tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Store drivers, fetcher backends and export sinks.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BackendHTTP    = "http"
	BackendBrowser = "browser"

	SinkNone  = "none"
	SinkLocal = "local"
	SinkGCS   = "gcs"
)

// Load builds a Config from an optional file and the environment. Each
// envFile (default ".env") is loaded first when present; variables already
// set in the process win.
func Load(path string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Every key gets a default, even an empty one, so AutomaticEnv can
// override it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_entries", 5000)
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite.path", "data/geocentralis.db")
	v.SetDefault("store.sqlite.busy_timeout", 10*time.Second)
	v.SetDefault("store.sqlite.max_open_conns", 0)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 20)
	v.SetDefault("cities.file", "cities.txt")
	v.SetDefault("wfs.url", "https://geoserver.geocentralis.com/geoserver/ows")
	v.SetDefault("wfs.primary_layer", "mat_uev_cr_s")
	v.SetDefault("wfs.fallback_layers", []string{
		"v_a_residentiel_1",
		"v_a_multiresidentiel_3",
		"v_a_non_residentiel_4",
		"v_a_agricole_2",
	})
	v.SetDefault("wfs.page_size", 2000)
	v.SetDefault("wfs.timeout", 30*time.Second)
	v.SetDefault("wfs.hits_timeout", 15*time.Second)
	v.SetDefault("wfs.max_retries", 3)
	v.SetDefault("wfs.requests_per_second", 5.0)
	v.SetDefault("prefetch.loops", 3)
	v.SetDefault("prefetch.idle_sleep", 5*time.Second)
	v.SetDefault("prefetch.between_cities", time.Second)
	v.SetDefault("workers.default", 20)
	v.SetDefault("workers.batch_size", 200)
	v.SetDefault("workers.failure_threshold", 20)
	v.SetDefault("workers.failure_backoff", 10*time.Second)
	v.SetDefault("workers.request_delay", 50*time.Millisecond)
	v.SetDefault("workers.stagger", time.Second)
	v.SetDefault("workers.wait_for_work", 3*time.Second)
	v.SetDefault("workers.recompute_every", 2)
	v.SetDefault("coordinator.worker_join_timeout", 30*time.Second)
	v.SetDefault("coordinator.prefetch_join_timeout", 10*time.Second)
	v.SetDefault("coordinator.monitor_interval", 10*time.Second)
	v.SetDefault("fetcher.backend", BackendHTTP)
	v.SetDefault("fetcher.portal_url", "https://portail.geocentralis.com")
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetcher.timeout", 20*time.Second)
	v.SetDefault("fetcher.requests_per_second", 0.0)
	v.SetDefault("fetcher.browser.nav_timeout", 60*time.Second)
	v.SetDefault("fetcher.browser.headless", true)
	v.SetDefault("feed.interval", time.Second)
	v.SetDefault("feed.log_limit", 80)
	v.SetDefault("feed.city_limit", 0)
	v.SetDefault("export.sink", SinkNone)
	v.SetDefault("export.local_dir", "exports")
	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("export.prefix", "geojson")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("schedule.cron", "")
	v.SetDefault("schedule.workers", 0)
	v.SetDefault("telemetry.service_name", "geoscraper")
	v.SetDefault("telemetry.sample_ratio", 0.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	positiveDur := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	positiveDur("server.request_timeout", c.Server.RequestTimeout)
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	positive("logging.max_entries", c.Logging.MaxEntries)

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path is required"))
		}
		positiveDur("store.sqlite.busy_timeout", c.Store.SQLite.BusyTimeout)
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres driver"))
		}
		positive("store.postgres.max_conns", int(c.Store.Postgres.MaxConns))
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, postgres", c.Store.Driver))
	}

	if c.WFS.URL == "" {
		errs = append(errs, errors.New("wfs.url is required"))
	}
	positive("wfs.page_size", c.WFS.PageSize)
	positiveDur("wfs.timeout", c.WFS.Timeout)
	positiveDur("wfs.hits_timeout", c.WFS.HitsTimeout)
	positive("wfs.max_retries", c.WFS.MaxRetries)

	positive("prefetch.loops", c.Prefetch.Loops)
	positiveDur("prefetch.idle_sleep", c.Prefetch.IdleSleep)

	positive("workers.default", c.Workers.Default)
	positive("workers.batch_size", c.Workers.BatchSize)
	positive("workers.failure_threshold", c.Workers.FailureThreshold)
	positiveDur("workers.wait_for_work", c.Workers.WaitForWork)
	positive("workers.recompute_every", c.Workers.RecomputeEvery)

	positiveDur("coordinator.worker_join_timeout", c.Coordinator.WorkerJoinTimeout)
	positiveDur("coordinator.prefetch_join_timeout", c.Coordinator.PrefetchJoinTimeout)
	positiveDur("coordinator.monitor_interval", c.Coordinator.MonitorInterval)

	switch c.Fetcher.Backend {
	case BackendHTTP, BackendBrowser:
	default:
		errs = append(errs, fmt.Errorf("fetcher.backend %q is not one of http, browser", c.Fetcher.Backend))
	}
	if c.Fetcher.PortalURL == "" {
		errs = append(errs, errors.New("fetcher.portal_url is required"))
	}
	positiveDur("fetcher.timeout", c.Fetcher.Timeout)
	if c.Fetcher.Backend == BackendBrowser {
		positiveDur("fetcher.browser.nav_timeout", c.Fetcher.Browser.NavTimeout)
	}

	positiveDur("feed.interval", c.Feed.Interval)
	if c.Feed.LogLimit < 0 || c.Feed.CityLimit < 0 {
		errs = append(errs, errors.New("feed limits must be >= 0"))
	}

	switch c.Export.Sink {
	case SinkNone, "":
	case SinkLocal:
		if c.Export.LocalDir == "" {
			errs = append(errs, errors.New("export.local_dir is required for the local sink"))
		}
	case SinkGCS:
		if c.Export.GCSBucket == "" {
			errs = append(errs, errors.New("export.gcs_bucket is required for the gcs sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("export.sink %q is not one of none, local, gcs", c.Export.Sink))
	}

	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	if c.Schedule.Workers < 0 {
		errs = append(errs, errors.New("schedule.workers must be >= 0"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// ScheduledWorkers is the fleet size of cron-triggered jobs.
func (c Config) ScheduledWorkers() int {
	if c.Schedule.Workers > 0 {
		return c.Schedule.Workers
	}
	return c.Workers.Default
}
