// Package crawl defines the domain types, status graph, error taxonomy and
// collaborator interfaces shared by the listing pipeline, the worker pool and
// the coordinator.
package crawl
