package crawl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition_ForwardGraph(t *testing.T) {
	t.Parallel()

	allowed := [][2]CityStatus{
		{CityPending, CityFetchingList},
		{CityFetchingList, CityListed},
		{CityFetchingList, CityListingFailed},
		{CityListed, CityScraping},
		{CityScraping, CityCompleted},
		{CityScraping, CityScraping},
	}
	for _, edge := range allowed {
		require.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	rejected := [][2]CityStatus{
		{CityPending, CityListed},
		{CityPending, CityCompleted},
		{CityListed, CityCompleted},
		{CityCompleted, CityScraping},
		{CityListingFailed, CityListed},
		{CityFetchingList, CityScraping},
		{CityScraping, CityPending},
	}
	for _, edge := range rejected {
		require.False(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestCanRecover(t *testing.T) {
	t.Parallel()

	require.True(t, CanRecover(CityScraping, CityListed))
	require.True(t, CanRecover(CityFetchingList, CityPending))
	require.False(t, CanRecover(CityCompleted, CityListed))
	require.False(t, CanRecover(CityListingFailed, CityPending))
}

func TestAllowedFrom(t *testing.T) {
	t.Parallel()

	require.Equal(t, []CityStatus{CityFetchingList}, AllowedFrom(CityListed))
	require.Equal(t, []CityStatus{CityScraping}, AllowedFrom(CityCompleted))
	require.Empty(t, AllowedFrom(CityPending))
}

func TestParseStatuses(t *testing.T) {
	t.Parallel()

	s, err := ParseCityStatus("wfs_done")
	require.NoError(t, err)
	require.Equal(t, CityListed, s)
	_, err = ParseCityStatus("bogus")
	require.Error(t, err)

	p, err := ParsePropertyStatus("")
	require.NoError(t, err)
	require.Empty(t, p)
	p, err = ParsePropertyStatus("failed")
	require.NoError(t, err)
	require.Equal(t, PropertyFailed, p)
	_, err = ParsePropertyStatus("done")
	require.Error(t, err)
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, CityCompleted.Terminal())
	require.True(t, CityListingFailed.Terminal())
	require.False(t, CityScraping.Terminal())
}
