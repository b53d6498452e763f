package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	memorypublisher "github.com/PytechNo/GeoCentralis-Scraper/internal/publisher/memory"
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

// listedCity imports one City and lists n Properties so a worker can claim it.
func listedCity(t *testing.T, store *sqlstore.Store, n int) crawl.City {
	t.Helper()
	ctx := context.Background()
	_, err := store.ImportCities(ctx, []string{"https://portail.geocentralis.com/public/sig-web/mrc-abitibi/88022"})
	require.NoError(t, err)
	city, err := store.ClaimNextPendingCityForListing(ctx)
	require.NoError(t, err)
	require.NotNil(t, city)
	items := make([]crawl.ListedProperty, n)
	for i := range items {
		items[i] = crawl.ListedProperty{Matricule: fmt.Sprintf("0001-%02d", i)}
	}
	_, err = store.InsertProperties(ctx, city.ID, items)
	require.NoError(t, err)
	require.NoError(t, store.MarkCityListed(ctx, city.ID, n))
	return *city
}

type fakeSession struct {
	fetcher *fakeFetcher
	closed  bool
}

func (s *fakeSession) Fetch(ctx context.Context, target crawl.FetchTarget) (crawl.Fields, error) {
	return s.fetcher.fetch(ctx, target)
}

func (s *fakeSession) Close() error {
	s.fetcher.mu.Lock()
	defer s.fetcher.mu.Unlock()
	s.closed = true
	s.fetcher.closes++
	return nil
}

// fakeFetcher answers from a scripted outcome list; past its end every call
// succeeds.
type fakeFetcher struct {
	mu       sync.Mutex
	opens    int
	closes   int
	calls    int
	outcomes []error
	onFetch  func(call int)
	seen     []crawl.FetchTarget
}

func (f *fakeFetcher) Open(context.Context) (crawl.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return &fakeSession{fetcher: f}, nil
}

func (f *fakeFetcher) fetch(ctx context.Context, target crawl.FetchTarget) (crawl.Fields, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.seen = append(f.seen, target)
	var err error
	if call <= len(f.outcomes) {
		err = f.outcomes[call-1]
	}
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return crawl.Fields{"matricule": target.Matricule, "Nom": "Gagnon"}, nil
}

func (f *fakeFetcher) counts() (opens, closes, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes, f.calls
}

func testConfig() Config {
	return Config{
		ID:               "worker-1",
		JobID:            1,
		Backend:          "fake",
		BatchSize:        2,
		FailureThreshold: 3,
		WaitForWork:      5 * time.Millisecond,
		Topic:            "city-completed",
	}
}

func repeatErr(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func TestWorker_DrainsCityAndCompletes(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	city := listedCity(t, store, 5)
	fetcher := &fakeFetcher{}
	publisher := memorypublisher.New()

	w := New(testConfig(), store, fetcher, nil, nil, publisher, nil, zap.NewNop())
	require.NoError(t, w.Run(context.Background()))

	got, err := store.GetCity(context.Background(), city.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.CityCompleted, got.Status)
	require.Equal(t, 5, got.ScrapedCount)
	require.Equal(t, 0, got.FailedCount)

	opens, closes, calls := fetcher.counts()
	require.Equal(t, 1, opens)
	require.Equal(t, 1, closes)
	require.Equal(t, 5, calls)
	require.Equal(t, city.MunicipalityID, fetcher.seen[0].MunicipalityID)
	require.Equal(t, city.URL, fetcher.seen[0].CityURL)

	msgs := publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "city-completed", msgs[0].Topic)
	msg, ok := msgs[0].Payload.(crawl.CityCompletedEvent)
	require.True(t, ok)
	require.Equal(t, city.ID, msg.CityID)
	require.Equal(t, 5, msg.Scraped)

	workers, err := store.ListWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, crawl.WorkerFinished, workers[0].Status)
	require.Equal(t, 5, workers[0].Scraped)
}

func TestWorker_SelfHealsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	city := listedCity(t, store, 5)
	transient := crawl.NewFetchError(crawl.FetchTransient, "x", errors.New("connection reset"))
	fetcher := &fakeFetcher{outcomes: repeatErr(transient, 5)}

	w := New(testConfig(), store, fetcher, nil, nil, nil, nil, zap.NewNop())
	require.NoError(t, w.Run(context.Background()))

	opens, closes, _ := fetcher.counts()
	require.Equal(t, 2, opens, "session should be recreated exactly once")
	require.Equal(t, 2, closes)
	require.Equal(t, 2, w.ConsecutiveFailures(), "counter should restart after recreation")

	got, err := store.GetCity(context.Background(), city.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.CityCompleted, got.Status)
	require.Equal(t, 5, got.FailedCount)

	failed, err := store.ListProperties(context.Background(), city.ID, crawl.PropertyFilter{Status: crawl.PropertyFailed})
	require.NoError(t, err)
	require.Len(t, failed, 5)
	require.Contains(t, failed[0].ErrorMessage, "connection reset")
	require.Equal(t, 1, failed[0].Attempts)
}

func TestWorker_SuccessResetsFailureCounter(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	listedCity(t, store, 5)
	boom := crawl.NewFetchError(crawl.FetchParse, "x", errors.New("no sidebar"))
	fetcher := &fakeFetcher{outcomes: []error{boom, boom, nil, boom, boom}}

	w := New(testConfig(), store, fetcher, nil, nil, nil, nil, zap.NewNop())
	require.NoError(t, w.Run(context.Background()))

	opens, _, _ := fetcher.counts()
	require.Equal(t, 1, opens)
	require.Equal(t, 2, w.ConsecutiveFailures())
}

func TestWorker_DeadSessionIsReopenedImmediately(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	listedCity(t, store, 3)
	dead := crawl.NewFetchError(crawl.FetchDead, "x", errors.New("target crashed"))
	fetcher := &fakeFetcher{outcomes: []error{dead}}

	w := New(testConfig(), store, fetcher, nil, nil, nil, nil, zap.NewNop())
	require.NoError(t, w.Run(context.Background()))

	opens, _, calls := fetcher.counts()
	require.Equal(t, 2, opens)
	require.Equal(t, 3, calls)
}

func TestWorker_CancelLeavesWorkResumable(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	city := listedCity(t, store, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &fakeFetcher{onFetch: func(call int) {
		if call == 3 {
			cancel()
		}
	}}

	w := New(testConfig(), store, fetcher, nil, nil, nil, nil, zap.NewNop())
	require.NoError(t, w.Run(ctx))

	bg := context.Background()
	got, err := store.GetCity(bg, city.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.CityScraping, got.Status, "interrupted city keeps its marker")
	require.Equal(t, 2, got.ScrapedCount)

	inFlight, err := store.ListProperties(bg, city.ID, crawl.PropertyFilter{Status: crawl.PropertyScraping})
	require.NoError(t, err)
	require.Len(t, inFlight, 1)

	report, err := store.RecoverInterrupted(bg)
	require.NoError(t, err)
	require.Equal(t, 1, report.Cities)
	require.Equal(t, 1, report.Properties)
	pending, err := store.PendingPropertyCount(bg, city.ID)
	require.NoError(t, err)
	require.Equal(t, 3, pending)

	workers, err := store.ListWorkers(bg)
	require.NoError(t, err)
	require.Equal(t, crawl.WorkerStopped, workers[0].Status)
}

func TestWorker_WaitsWhileListingIsActive(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()
	_, err := store.ImportCities(ctx, []string{"https://portail.geocentralis.com/public/sig-web/mrc-abitibi/88022"})
	require.NoError(t, err)

	var listing atomic.Bool
	listing.Store(true)
	fetcher := &fakeFetcher{}
	w := New(testConfig(), store, fetcher, nil, listing.Load, nil, nil, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	_, _, calls := fetcher.counts()
	require.Zero(t, calls)

	city, err := store.ClaimNextPendingCityForListing(ctx)
	require.NoError(t, err)
	_, err = store.InsertProperties(ctx, city.ID, []crawl.ListedProperty{{Matricule: "A"}, {Matricule: "B"}})
	require.NoError(t, err)
	require.NoError(t, store.MarkCityListed(ctx, city.ID, 2))
	listing.Store(false)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain after listing finished")
	}
	got, err := store.GetCity(ctx, city.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.CityCompleted, got.Status)
}

func TestWorker_ExitsWhenNothingOutstanding(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	fetcher := &fakeFetcher{}
	var listing atomic.Bool
	listing.Store(true)

	w := New(testConfig(), store, fetcher, nil, listing.Load, nil, nil, zap.NewNop())
	require.NoError(t, w.Run(context.Background()))

	opens, _, _ := fetcher.counts()
	require.Zero(t, opens, "no session is opened without work")
}

func TestWorker_PauseGatesNextCheckpoint(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	city := listedCity(t, store, 3)
	gate := crawl.NewGate()
	gate.Pause()
	fetcher := &fakeFetcher{}

	w := New(testConfig(), store, fetcher, gate, nil, nil, nil, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		workers, err := store.ListWorkers(context.Background())
		return err == nil && len(workers) == 1 && workers[0].Status == crawl.WorkerPaused
	}, 2*time.Second, 5*time.Millisecond)
	_, _, calls := fetcher.counts()
	require.Zero(t, calls)

	gate.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not resume")
	}
	got, err := store.GetCity(context.Background(), city.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.CityCompleted, got.Status)
}

type failingFetcher struct{ opens atomic.Int32 }

func (f *failingFetcher) Open(context.Context) (crawl.Session, error) {
	f.opens.Add(1)
	return nil, errors.New("chrome not found")
}

func TestWorker_OpenFailureSurfacesAfterRetries(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	city := listedCity(t, store, 2)
	fetcher := &failingFetcher{}

	w := New(testConfig(), store, fetcher, nil, nil, nil, nil, zap.NewNop())
	err := w.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "chrome not found")
	require.EqualValues(t, 3, fetcher.opens.Load())

	got, err := store.GetCity(context.Background(), city.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.CityScraping, got.Status)
}

func TestWorker_PublishFailureDoesNotFailCity(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	city := listedCity(t, store, 2)
	publisher := memorypublisher.New()
	publisher.FailWith(errors.New("broker down"))

	w := New(testConfig(), store, &fakeFetcher{}, nil, nil, publisher, nil, zap.NewNop())
	require.NoError(t, w.Run(context.Background()))

	got, err := store.GetCity(context.Background(), city.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.CityCompleted, got.Status)
	require.Empty(t, publisher.Messages())
}

// requeueOnCheck requeues failed rows right after the first pending check,
// as an operator retry racing the completion would.
type requeueOnCheck struct {
	*sqlstore.Store
	once sync.Once
}

func (s *requeueOnCheck) PendingPropertyCount(ctx context.Context, cityID int64) (int, error) {
	n, err := s.Store.PendingPropertyCount(ctx, cityID)
	s.once.Do(func() {
		_, err = s.Store.ResetFailedProperties(ctx, cityID)
	})
	return n, err
}

func TestWorker_RedrainsPropertiesRequeuedBeforeCompletion(t *testing.T) {
	t.Parallel()
	base := newStore(t)
	city := listedCity(t, base, 2)
	store := &requeueOnCheck{Store: base}
	transient := crawl.NewFetchError(crawl.FetchTransient, "x", errors.New("connection reset"))
	fetcher := &fakeFetcher{outcomes: []error{transient}}

	w := New(testConfig(), store, fetcher, nil, nil, nil, nil, zap.NewNop())
	require.NoError(t, w.Run(context.Background()))

	got, err := base.GetCity(context.Background(), city.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.CityCompleted, got.Status)
	require.Equal(t, 2, got.ScrapedCount)
	require.Equal(t, 0, got.FailedCount)
	_, _, calls := fetcher.counts()
	require.Equal(t, 3, calls)
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()
	w := New(Config{ID: "worker-1"}, nil, nil, nil, nil, nil, nil, nil)
	require.Equal(t, 3*time.Second, w.cfg.WaitForWork)
	require.Equal(t, 200, w.cfg.BatchSize)
	require.Equal(t, 20, w.cfg.FailureThreshold)
}
