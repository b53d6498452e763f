package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

const (
	defaultPropertyLimit = 100
	maxPropertyLimit     = 1000
	defaultLogLimit      = 200
	maxLogLimit          = 1000
	recentJobs           = 20
	maxImportBytes       = 4 << 20
)

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		s.fail(w, r, "failed to compute dashboard", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listCities(w http.ResponseWriter, r *http.Request) {
	cities, err := s.reader.ListCities(r.Context())
	if err != nil {
		s.fail(w, r, "failed to list cities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cities": orEmpty(cities)})
}

func (s *Server) getCity(w http.ResponseWriter, r *http.Request) {
	cityID, err := parseCityID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	city, err := s.reader.GetCity(r.Context(), cityID)
	if err != nil {
		s.fail(w, r, "failed to load city", err)
		return
	}
	writeJSON(w, http.StatusOK, city)
}

// listProperties handles GET /api/cities/{city_id}/properties?status=&limit=&offset=.
func (s *Server) listProperties(w http.ResponseWriter, r *http.Request) {
	cityID, err := parseCityID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultPropertyLimit, maxPropertyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parsePropertyStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.reader.GetCity(r.Context(), cityID); err != nil {
		s.fail(w, r, "failed to load city", err)
		return
	}
	props, err := s.reader.ListProperties(r.Context(), cityID, crawl.PropertyFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.fail(w, r, "failed to list properties", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"properties": orEmpty(props),
		"limit":      limit,
		"offset":     offset,
	})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.reader.ListWorkers(r.Context())
	if err != nil {
		s.fail(w, r, "failed to list workers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": orEmpty(workers)})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultLogLimit, maxLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.reader.RecentLogs(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "failed to list logs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": orEmpty(logs)})
}

// listJobs reports the coordinator state, the latest Job and recent history.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status, err := s.ctrl.Status(r.Context())
	if err != nil {
		s.fail(w, r, "failed to load job status", err)
		return
	}
	jobs, err := s.reader.ListJobs(r.Context(), recentJobs)
	if err != nil {
		s.fail(w, r, "failed to list jobs", err)
		return
	}
	state := string(crawl.JobIdle)
	if status.Job != nil {
		state = string(status.Job.Status)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  state,
		"running": status.Running,
		"paused":  status.Paused,
		"current": status.Job,
		"recent":  orEmpty(jobs),
	})
}

// importCities imports newline-separated portal URLs from the body, or the
// configured city file when the body is empty.
func (s *Server) importCities(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var result crawl.ImportResult
	if len(bytes.TrimSpace(body)) == 0 {
		path := s.ctrl.DefaultCitiesFile()
		if path == "" {
			writeError(w, http.StatusBadRequest, "empty body and no cities file configured")
			return
		}
		result, err = s.ctrl.ImportFile(r.Context(), path)
	} else {
		result, err = s.ctrl.Import(r.Context(), bytes.NewReader(body))
	}
	if err != nil {
		s.fail(w, r, "failed to import cities", err)
		return
	}
	counts, err := s.reader.DashboardCounts(r.Context())
	if err != nil {
		s.fail(w, r, "failed to count cities", err)
		return
	}
	writeJSON(w, http.StatusOK, importResponse{ImportResult: result, Total: counts.TotalCities})
}

type importResponse struct {
	crawl.ImportResult
	Total int `json:"total"`
}

func (s *Server) resetCity(w http.ResponseWriter, r *http.Request) {
	cityID, err := parseCityID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ctrl.ResetCity(r.Context(), cityID); err != nil {
		s.fail(w, r, "failed to reset city", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	cityID, err := parseCityID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.ctrl.RetryFailed(r.Context(), cityID)
	if err != nil {
		s.fail(w, r, "failed to requeue failed properties", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (s *Server) relistCity(w http.ResponseWriter, r *http.Request) {
	cityID, err := parseCityID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ctrl.RelistCity(r.Context(), cityID); err != nil {
		s.fail(w, r, "failed to relist city", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// startJob handles POST /api/jobs/start?workers=N.
func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	workers := s.cfg.DefaultWorkers
	if raw := r.URL.Query().Get("workers"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid workers")
			return
		}
		workers = n
	}
	job, err := s.ctrl.Start(r.Context(), workers)
	if err != nil {
		s.fail(w, r, "failed to start job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.ctrl.Pause, "pause", "paused")
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.ctrl.Resume, "resume", "running")
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.ctrl.Stop, "stop", "stopped")
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(context.Context) error, verb, state string) {
	if err := op(r.Context()); err != nil {
		s.fail(w, r, "failed to "+verb+" job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": state})
}

func (s *Server) resetAll(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ResetAll(r.Context()); err != nil {
		s.fail(w, r, "failed to reset cities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) wipe(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctrl.WipeAll(r.Context())
	if err != nil {
		s.fail(w, r, "failed to wipe database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "wiped",
		"imported_cities": result.Imported,
		"import":          result,
	})
}

func parseCityID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "city_id")
	if raw == "" {
		return 0, errors.New("city_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid city_id %q", raw)
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parsePropertyStatus(input string) (crawl.PropertyStatus, error) {
	switch s := crawl.PropertyStatus(strings.ToLower(strings.TrimSpace(input))); s {
	case "":
		return "", nil
	case crawl.PropertyPending, crawl.PropertyScraping, crawl.PropertyScraped, crawl.PropertyFailed:
		return s, nil
	default:
		return "", errors.New("invalid status")
	}
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
