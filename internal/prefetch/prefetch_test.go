package prefetch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/store/sqlite"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/store/sqlstore"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), sqlite.Config{
		Path:        filepath.Join(t.TempDir(), "work.db"),
		BusyTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeLister answers per municipality id.
type fakeLister struct {
	mu      sync.Mutex
	results map[string][]crawl.ListedProperty
	errs    map[string]error
	block   chan struct{}
	calls   map[string]int
}

func (f *fakeLister) List(ctx context.Context, municipalityID string) ([]crawl.ListedProperty, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[municipalityID]++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[municipalityID]; err != nil {
		return nil, err
	}
	return f.results[municipalityID], nil
}

// fastConfig keeps loop pacing short for tests.
func fastConfig(id string) Config {
	return Config{ID: id, IdleSleep: 5 * time.Millisecond, BetweenCities: time.Millisecond}
}

func items(n int) []crawl.ListedProperty {
	out := make([]crawl.ListedProperty, n)
	for i := range out {
		out[i] = crawl.ListedProperty{Matricule: fmt.Sprintf("M%03d", i), Address: "1 rang Nord"}
	}
	return out
}

func importCities(t *testing.T, store *sqlstore.Store, ids ...string) map[string]int64 {
	t.Helper()
	ctx := context.Background()
	urls := make([]string, len(ids))
	for i, id := range ids {
		urls[i] = "https://portail.geocentralis.com/public/sig-web/mrc-test/" + id
	}
	_, err := store.ImportCities(ctx, urls)
	require.NoError(t, err)
	cities, err := store.ListCities(ctx)
	require.NoError(t, err)
	out := make(map[string]int64, len(cities))
	for _, c := range cities {
		out[c.MunicipalityID] = c.ID
	}
	return out
}

func TestLoop_ListsAndFailsCities(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ids := importCities(t, store, "11111", "22222", "33333")
	lister := &fakeLister{
		results: map[string][]crawl.ListedProperty{"11111": items(4)},
		errs:    map[string]error{"33333": fmt.Errorf("%w: hits: timeout", crawl.ErrListingExhausted)},
	}

	loop := New(fastConfig("prefetch-1"), store, lister, nil, zap.NewNop())
	require.NoError(t, loop.Run(context.Background()))

	ctx := context.Background()
	listed, err := store.GetCity(ctx, ids["11111"])
	require.NoError(t, err)
	require.Equal(t, crawl.CityListed, listed.Status)
	require.Equal(t, 4, listed.TotalProperties)
	require.NotNil(t, listed.ListedAt)
	pending, err := store.PendingPropertyCount(ctx, listed.ID)
	require.NoError(t, err)
	require.Equal(t, 4, pending)

	empty, err := store.GetCity(ctx, ids["22222"])
	require.NoError(t, err)
	require.Equal(t, crawl.CityListingFailed, empty.Status)
	require.Equal(t, ReasonEmpty, empty.ErrorMessage)

	failed, err := store.GetCity(ctx, ids["33333"])
	require.NoError(t, err)
	require.Equal(t, crawl.CityListingFailed, failed.Status)
	require.Contains(t, failed.ErrorMessage, "listing failed")
	require.NotEqual(t, empty.ErrorMessage, failed.ErrorMessage)
}

func TestLoop_NoImplicitRetryOfFailedListing(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	importCities(t, store, "44444")
	lister := &fakeLister{errs: map[string]error{"44444": errors.New("boom")}}

	loop := New(fastConfig("prefetch-1"), store, lister, nil, zap.NewNop())
	require.NoError(t, loop.Run(context.Background()))
	require.NoError(t, loop.Run(context.Background()))
	require.Equal(t, 1, lister.calls["44444"])
}

func TestLoop_ConcurrentLoopsListEachCityOnce(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ids := make([]string, 12)
	results := make(map[string][]crawl.ListedProperty)
	for i := range ids {
		ids[i] = fmt.Sprintf("%05d", 50000+i)
		results[ids[i]] = items(3)
	}
	importCities(t, store, ids...)
	lister := &fakeLister{results: results}

	var wg sync.WaitGroup
	for i := range 3 {
		loop := New(fastConfig(fmt.Sprintf("prefetch-%d", i+1)), store, lister, nil, zap.NewNop())
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, loop.Run(context.Background()))
		}()
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, 1, lister.calls[id], "city %s listed more than once", id)
	}
	counts, err := store.DashboardCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 12, counts.ReadyCities)
	require.Equal(t, 36, counts.TotalProperties)
}

func TestLoop_CancelLeavesCityForSweep(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ids := importCities(t, store, "77777")
	lister := &fakeLister{block: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	loop := New(fastConfig("prefetch-1"), store, lister, nil, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, err := store.GetCity(context.Background(), ids["77777"])
		return err == nil && c.Status == crawl.CityFetchingList
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	c, err := store.GetCity(context.Background(), ids["77777"])
	require.NoError(t, err)
	require.Equal(t, crawl.CityFetchingList, c.Status)

	report, err := store.RecoverInterrupted(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Listings)
}

func TestLoop_PollsWhileAnotherLoopLists(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ids := importCities(t, store, "12121")
	ctx := context.Background()
	// Another loop holds this City in fetching_wfs.
	held, err := store.ClaimNextPendingCityForListing(ctx)
	require.NoError(t, err)
	require.Equal(t, ids["12121"], held.ID)

	lister := &fakeLister{results: map[string][]crawl.ListedProperty{"34343": items(2)}}
	loop := New(fastConfig("prefetch-1"), store, lister, nil, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	importCities(t, store, "34343")

	require.Eventually(t, func() bool {
		cities, err := store.ListCities(ctx)
		if err != nil {
			return false
		}
		for _, c := range cities {
			if c.MunicipalityID == "34343" {
				return c.Status == crawl.CityListed
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("loop exited while a city was still being listed")
	default:
	}

	require.NoError(t, store.MarkCityListed(ctx, held.ID, 0))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit once listing drained")
	}
}

func TestLoop_ExitsWithListedCitiesLeft(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ids := importCities(t, store, "56565")
	ctx := context.Background()
	city, err := store.ClaimNextPendingCityForListing(ctx)
	require.NoError(t, err)
	require.NoError(t, store.MarkCityListed(ctx, city.ID, 0))

	lister := &fakeLister{}
	loop := New(fastConfig("prefetch-1"), store, lister, nil, zap.NewNop())
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, loop.Run(runCtx))
	require.NoError(t, runCtx.Err(), "loop only returned on cancellation")
	require.Zero(t, lister.calls["56565"])
	require.NotZero(t, ids["56565"])
}

func TestNew_AppliesPacingDefaults(t *testing.T) {
	t.Parallel()
	loop := New(Config{ID: "prefetch-1"}, nil, nil, nil, nil)
	require.Equal(t, 5*time.Second, loop.cfg.IdleSleep)
	require.Equal(t, time.Second, loop.cfg.BetweenCities)
}
