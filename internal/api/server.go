package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/coordinator"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/export"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/feed"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/id/uuid"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/metrics"
)

// Controller is the coordinator surface the control routes drive.
type Controller interface {
	Start(ctx context.Context, workers int) (crawl.Job, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (coordinator.Status, error)
	ResetCity(ctx context.Context, cityID int64) error
	RetryFailed(ctx context.Context, cityID int64) (int, error)
	RelistCity(ctx context.Context, cityID int64) error
	ResetAll(ctx context.Context) error
	WipeAll(ctx context.Context) (crawl.ImportResult, error)
	Import(ctx context.Context, r io.Reader) (crawl.ImportResult, error)
	ImportFile(ctx context.Context, path string) (crawl.ImportResult, error)
	DefaultCitiesFile() string
}

// Reader is the Work Store surface the read routes query.
type Reader interface {
	export.Store
	ListCities(ctx context.Context) ([]crawl.City, error)
	ListProperties(ctx context.Context, cityID int64, filter crawl.PropertyFilter) ([]crawl.Property, error)
	ListWorkers(ctx context.Context) ([]crawl.WorkerState, error)
	RecentLogs(ctx context.Context, limit int) ([]crawl.LogEntry, error)
	ListJobs(ctx context.Context, limit int) ([]crawl.Job, error)
	DashboardCounts(ctx context.Context) (crawl.DashboardCounts, error)
}

// StatsSource computes the dashboard header.
type StatsSource interface {
	Stats(ctx context.Context) (feed.Stats, error)
}

// AuthConfig gates every route except /healthz behind a shared key.
type AuthConfig struct {
	Enabled bool
	APIKey  string
}

// Config controls the HTTP surface.
type Config struct {
	Auth           AuthConfig
	AllowedOrigins []string
	RequestTimeout time.Duration
	DefaultWorkers int
}

// Server wires HTTP handlers to the coordinator, the store and the feed.
type Server struct {
	router   chi.Router
	cfg      Config
	ctrl     Controller
	reader   Reader
	stats    StatsSource
	hub      *feed.Hub
	exporter *export.Exporter
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. hub and exporter
// may be nil; their routes then report 503.
func NewServer(
	cfg Config,
	ctrl Controller,
	reader Reader,
	stats StatsSource,
	hub *feed.Hub,
	exporter *export.Exporter,
	logger *zap.Logger,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.DefaultWorkers <= 0 {
		cfg.DefaultWorkers = 20
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		ctrl:     ctrl,
		reader:   reader,
		stats:    stats,
		hub:      hub,
		exporter: exporter,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthz)

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Handle("/metrics", metrics.Handler())
		// Streaming routes stay outside the buffering timeout handler.
		r.Get("/ws", s.serveFeed)

		r.Route("/api", func(r chi.Router) {
			r.Get("/export/all/geojson", s.exportGeoJSON)
			r.Get("/export/{city_id}/geojson", s.exportGeoJSON)

			r.Group(func(r chi.Router) {
				r.Use(timeoutMiddleware(cfg.RequestTimeout))
				r.Get("/dashboard", s.dashboard)
				r.Get("/workers", s.listWorkers)
				r.Get("/logs", s.listLogs)

				r.Route("/cities", func(r chi.Router) {
					r.Get("/", s.listCities)
					r.Post("/import", s.importCities)
					r.Route("/{city_id}", func(r chi.Router) {
						r.Get("/", s.getCity)
						r.Get("/properties", s.listProperties)
						r.Post("/reset", s.resetCity)
						r.Post("/retry-failed", s.retryFailed)
						r.Post("/relist", s.relistCity)
					})
				})

				r.Route("/jobs", func(r chi.Router) {
					r.Get("/", s.listJobs)
					r.Post("/start", s.startJob)
					r.Post("/pause", s.pauseJob)
					r.Post("/resume", s.resumeJob)
					r.Post("/stop", s.stopJob)
					r.Post("/reset_all", s.resetAll)
					r.Post("/wipe", s.wipe)
				})

				r.Post("/export/{city_id}", s.exportToSink)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, crawl.ErrNoRecord):
		return http.StatusNotFound
	case errors.Is(err, crawl.ErrInvalidTransition),
		errors.Is(err, crawl.ErrAlreadyRunning),
		errors.Is(err, crawl.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, export.ErrNoSink):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server errors are logged and their
// detail kept out of the response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error(msg,
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
