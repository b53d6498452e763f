// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

// Clock implements crawl.Clock with UTC wall time.
type Clock struct{}

var _ crawl.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
