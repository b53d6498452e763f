package crawl

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	ErrTransient         = errors.New("transient upstream error")
	ErrNotFound          = errors.New("not found upstream")
	ErrParse             = errors.New("extraction failed")
	ErrSessionDead       = errors.New("execution context dead")
	ErrListingExhausted  = errors.New("listing retries exhausted")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoRecord          = errors.New("record not found")
	ErrAlreadyRunning    = errors.New("job already running")
	ErrNotRunning        = errors.New("no job running")
)

// FetchKind classifies a Fetcher failure.
type FetchKind string

// Fetcher failure kinds.
const (
	FetchNotFound  FetchKind = "not_found"
	FetchParse     FetchKind = "parse"
	FetchTransient FetchKind = "transient"
	FetchDead      FetchKind = "session_dead"
)

// FetchError is returned by Fetcher sessions for a single business key.
type FetchError struct {
	Kind FetchKind
	Key  string
	Err  error
}

// NewFetchError wraps err with a kind.
func NewFetchError(kind FetchKind, key string, err error) *FetchError {
	return &FetchError{Kind: kind, Key: key, Err: err}
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s", e.Kind, e.Key)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Key, e.Err)
}

// Unwrap exposes both the cause and the sentinel for the kind.
func (e *FetchError) Unwrap() []error {
	errs := []error{e.kindSentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *FetchError) kindSentinel() error {
	switch e.Kind {
	case FetchNotFound:
		return ErrNotFound
	case FetchParse:
		return ErrParse
	case FetchDead:
		return ErrSessionDead
	default:
		return ErrTransient
	}
}

// Classify maps any error into a FetchKind. Errors outside the taxonomy are
// treated as transient so they still fail the property with a message.
func Classify(err error) FetchKind {
	var fe *FetchError
	switch {
	case errors.As(err, &fe):
		return fe.Kind
	case errors.Is(err, ErrNotFound):
		return FetchNotFound
	case errors.Is(err, ErrParse):
		return FetchParse
	case errors.Is(err, ErrSessionDead):
		return FetchDead
	default:
		return FetchTransient
	}
}
