package crawl

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchError_UnwrapsToKindSentinel(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := fmt.Errorf("fetch: %w", NewFetchError(FetchParse, "123", cause))

	require.ErrorIs(t, err, ErrParse)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrTransient)
	require.Equal(t, FetchParse, Classify(err))
	require.Contains(t, err.Error(), "parse 123: boom")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, FetchNotFound, Classify(fmt.Errorf("x: %w", ErrNotFound)))
	require.Equal(t, FetchDead, Classify(ErrSessionDead))
	require.Equal(t, FetchTransient, Classify(errors.New("unclassified")))
}
