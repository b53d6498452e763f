package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIsUniqueV7(t *testing.T) {
	t.Parallel()

	id1, id2 := New(), New()
	require.NotEqual(t, id1, id2)
	for _, id := range []string{id1, id2} {
		parsed, err := goUUID.Parse(id)
		require.NoError(t, err)
		require.Equal(t, goUUID.Version(7), parsed.Version())
	}
	// v7 ids sort by creation time.
	require.Less(t, id1, id2)
}
