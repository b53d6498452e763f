// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for probes, GET /metrics for Prometheus scraping.
//   - GET /api/dashboard, /api/cities, /api/workers, /api/logs, /api/jobs for
//     read access to the Work Store.
//   - POST /api/cities/... and /api/jobs/... for imports and job control.
//   - GET /api/export/{city_id}/geojson streams a FeatureCollection.
//   - GET /ws pushes live feed snapshots over a WebSocket.
package api
