package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/export"
)

// exportGeoJSON streams a FeatureCollection. Without a city_id every City is
// exported.
func (s *Server) exportGeoJSON(w http.ResponseWriter, r *http.Request) {
	var cityID int64
	name := "all"
	if chi.URLParam(r, "city_id") != "" {
		id, err := parseCityID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, err := s.reader.GetCity(r.Context(), id); err != nil {
			s.fail(w, r, "failed to load city", err)
			return
		}
		cityID = id
		name = fmt.Sprintf("city-%d", id)
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.geojson"`, name))
	w.WriteHeader(http.StatusOK)
	sum, err := export.Encode(r.Context(), w, s.reader, cityID)
	if err != nil {
		// Headers are gone; the client sees a truncated body.
		s.logger.Warn("geojson stream aborted",
			zap.String("request_id", requestID(r.Context())),
			zap.Int64("city_id", cityID),
			zap.Int("features", sum.Features),
			zap.Error(err))
	}
}

// exportToSink handles POST /api/export/{city_id}; "all" exports every City.
func (s *Server) exportToSink(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil || !s.exporter.Enabled() {
		s.fail(w, r, "export sink not configured", export.ErrNoSink)
		return
	}
	var cityID int64
	if chi.URLParam(r, "city_id") != "all" {
		id, err := parseCityID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		cityID = id
	}
	uri, sum, err := s.exporter.Write(r.Context(), cityID)
	if err != nil {
		s.fail(w, r, "failed to export", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uri":         uri,
		"features":    sum.Features,
		"no_geometry": sum.NoGeometry,
		"sha256":      sum.SHA256,
	})
}
