package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// fakePortal serves the three lookup endpoints for a handful of matricules.
type fakePortal struct {
	mu           sync.Mutex
	resolveDates []string
	sidebarPaths []string
	sidebarDates []string
	ficheCalls   int
	cookieSeen   bool
	xhrHeader    bool
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := r.URL.Query()
	switch {
	case strings.HasPrefix(r.URL.Path, "/fiche_role/unite-evaluation.json/"):
		p.resolveDates = append(p.resolveDates, q.Get("dateEvenement"))
		p.xhrHeader = r.Header.Get("X-Requested-With") == "XMLHttpRequest"
		http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "abc", Path: "/"})
		switch q.Get("idFeature") {
		case "BOOM":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "GONE":
			_, _ = w.Write([]byte(`{"properties":{}}`))
		case "JUNK":
			_, _ = w.Write([]byte(`not json`))
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"properties": map[string]any{
				"matricule":         q.Get("idFeature"),
				"matricule_complet": q.Get("idFeature") + "-0-000",
				"lat":               46.1,
				"lng":               -72.5,
				"dateEvenement":     "2025-07-08 23:59:59",
			}})
		}
	case strings.HasPrefix(r.URL.Path, "/georole_web_2/info_ue/"):
		p.sidebarPaths = append(p.sidebarPaths, r.URL.Path)
		p.sidebarDates = append(p.sidebarDates, q.Get("date_evenement"))
		if c, err := r.Cookie("sessionid"); err == nil && c.Value == "abc" {
			p.cookieSeen = true
		}
		if strings.Contains(r.URL.Path, "NOSIDE") {
			_, _ = w.Write([]byte(`{"html":"","ue_exists":false}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"html": sidebarHTML, "ue_exists": true})
	case strings.HasPrefix(r.URL.Path, "/fiche_role/propriete/"):
		p.ficheCalls++
		if q.Get("id_ue") != "778899" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(ficheHTML))
	default:
		http.NotFound(w, r)
	}
}

func newTestFetcher(t *testing.T) (*Fetcher, *fakePortal) {
	t.Helper()
	portal := &fakePortal{}
	srv := httptest.NewServer(portal)
	t.Cleanup(srv.Close)
	clock := fixedClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	return New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, nil, clock), portal
}

func fetch(t *testing.T, f *Fetcher, matricule string) (crawl.Fields, error) {
	t.Helper()
	sess, err := f.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess.Fetch(context.Background(), crawl.FetchTarget{Matricule: matricule, MunicipalityID: "88022"})
}

func TestFetch_FullRecord(t *testing.T) {
	t.Parallel()
	f, portal := newTestFetcher(t)

	fields, err := fetch(t, f, "1234")
	require.NoError(t, err)
	require.Equal(t, "1234", fields["matricule"])
	require.Equal(t, "1234-0-000", fields["matricule_complet"])
	require.Equal(t, "46.1", fields["lat"])
	require.Equal(t, "-72.5", fields["lng"])
	require.Equal(t, "12 rang Nord", fields["Adresse"])
	require.Equal(t, "1978", fields["Année de construction"])
	// The fiche owner list replaces the summary one.
	require.Equal(t, "TREMBLAY, JEAN", fields["Propriétaires"])

	require.Equal(t, []string{"2026-03-14"}, portal.resolveDates)
	require.Equal(t, []string{"2025-07-08"}, portal.sidebarDates)
	require.Equal(t, []string{"/georole_web_2/info_ue/88022/1234-0-000/"}, portal.sidebarPaths)
	require.Equal(t, 1, portal.ficheCalls)
	require.True(t, portal.cookieSeen, "session cookie jar carries the portal cookie")
	require.True(t, portal.xhrHeader)
}

func TestFetch_MinimalRecordWithoutSidebar(t *testing.T) {
	t.Parallel()
	f, portal := newTestFetcher(t)

	fields, err := fetch(t, f, "NOSIDE")
	require.NoError(t, err)
	require.Equal(t, crawl.Fields{
		"matricule":         "NOSIDE",
		"matricule_complet": "NOSIDE-0-000",
		"lat":               "46.1",
		"lng":               "-72.5",
	}, fields)
	require.Len(t, portal.sidebarPaths, 2, "retried with the short matricule")
	require.Zero(t, portal.ficheCalls)
}

func TestFetch_ErrorKinds(t *testing.T) {
	t.Parallel()
	f, _ := newTestFetcher(t)
	tests := []struct {
		matricule string
		kind      crawl.FetchKind
	}{
		{matricule: "GONE", kind: crawl.FetchNotFound},
		{matricule: "BOOM", kind: crawl.FetchTransient},
		{matricule: "JUNK", kind: crawl.FetchParse},
	}
	for _, tc := range tests {
		t.Run(tc.matricule, func(t *testing.T) {
			_, err := fetch(t, f, tc.matricule)
			require.Error(t, err)
			require.Equal(t, tc.kind, crawl.Classify(err))
		})
	}
}

func TestFetch_UnreachablePortalIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	f := New(Config{BaseURL: base, Timeout: time.Second}, nil, nil)
	_, err := fetch(t, f, "1234")
	require.Error(t, err)
	require.Equal(t, crawl.FetchTransient, crawl.Classify(err))
}

func TestSession_ClosedIsDead(t *testing.T) {
	t.Parallel()
	f, _ := newTestFetcher(t)
	sess, err := f.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	_, err = sess.Fetch(context.Background(), crawl.FetchTarget{Matricule: "1234"})
	require.ErrorIs(t, err, crawl.ErrSessionDead)
}

func TestFetch_CancelledContext(t *testing.T) {
	t.Parallel()
	f, _ := newTestFetcher(t)
	sess, err := f.Open(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = sess.Fetch(ctx, crawl.FetchTarget{Matricule: "1234", MunicipalityID: "88022"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	ep := Endpoints{Base: "https://portal.test/"}
	require.Equal(t,
		"https://portal.test/fiche_role/unite-evaluation.json/?dateEvenement=2026-01-02&idFeature=12&idMunicipalite=88022",
		ep.Resolve("12", "88022", "2026-01-02"))
	require.Equal(t,
		"https://portal.test/georole_web_2/info_ue/88022/12-0/?acces_public=None&date_evenement=2026-01-02&id_module=22&matricule_complet=12-0",
		ep.Sidebar("88022", "12-0", "2026-01-02"))
	require.Equal(t,
		"https://portal.test/fiche_role/propriete/?date_evenement=2026-01-02&id_ue=9&matricule=12-0",
		ep.Fiche("9", "2026-01-02", "12-0"))
	require.True(t, strings.HasPrefix(Endpoints{}.Fiche("1", "d", "m"), DefaultBaseURL))
}
