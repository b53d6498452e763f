// Package uuid generates the request ids the API echoes in X-Request-ID.
package uuid

import (
	"github.com/google/uuid"
)

// New returns a time-ordered UUIDv7 string. It falls back to a random v4
// when the v7 generator cannot read the clock sequence.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
