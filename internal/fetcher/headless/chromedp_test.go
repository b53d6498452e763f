package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{LoadBackoff: -time.Second}, nil, nil)
	require.Error(t, err)

	f, err := NewChromedp(Config{Headless: true}, nil, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, 60*time.Second, f.cfg.NavigationTimeout)
	require.Equal(t, 3, f.cfg.LoadAttempts)
	require.NotEmpty(t, f.cfg.UserAgent)
}

func TestFetchScriptQuotesURL(t *testing.T) {
	t.Parallel()
	script, err := fetchScript(`https://portal.test/x/?a=1&b="quoted"&c=<tag>`)
	require.NoError(t, err)
	require.Contains(t, script, `fetch("https://portal.test/x/?a=1&b=\"quoted\"&c=<tag>"`)
	require.NotContains(t, script, `\u0026`)
	require.Contains(t, script, `credentials: "include"`)
	require.Contains(t, script, `.catch(`)
}

func TestSessionDeadStates(t *testing.T) {
	t.Parallel()
	f, err := NewChromedp(Config{}, nil, nil)
	require.NoError(t, err)
	defer f.Close()

	tabCtx, cancel := context.WithCancel(context.Background())
	s := &session{fetcher: f, tabCtx: tabCtx, tabCancel: cancel}
	require.False(t, s.dead())
	require.ErrorIs(t, s.classify(errors.New("timeout")), crawl.ErrTransient)

	s.crashed.Store(true)
	require.True(t, s.dead())
	require.ErrorIs(t, s.classify(errors.New("target closed")), crawl.ErrSessionDead)

	s.crashed.Store(false)
	cancel()
	_, err = s.Fetch(context.Background(), crawl.FetchTarget{Matricule: "1"})
	require.ErrorIs(t, err, crawl.ErrSessionDead)

	require.NoError(t, s.Close())
	_, err = s.Fetch(context.Background(), crawl.FetchTarget{Matricule: "1"})
	require.ErrorIs(t, err, crawl.ErrSessionDead)
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()
	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()
	stop := forwardCancel(parent, cancelChild)
	defer stop()

	cancelParent()
	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("parent cancellation was not forwarded")
	}
}

// TestBrowserFetch drives a real Chrome against a fake portal and is skipped
// where no browser is installed.
func TestBrowserFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/public/sig-web/mrc-test/88022", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<!doctype html><html><body><div id="map"></div></body></html>`)
	})
	mux.HandleFunc("/fiche_role/unite-evaluation.json/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"properties": map[string]any{
			"matricule":         r.URL.Query().Get("idFeature"),
			"matricule_complet": r.URL.Query().Get("idFeature") + "-0",
			"lat":               46.1,
			"lng":               -72.5,
		}})
	})
	mux.HandleFunc("/georole_web_2/info_ue/", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"html":      `<div class='left1'>Adresse:</div><div class='right1'>1 rue Principale</div>`,
			"ue_exists": true,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, err := NewChromedp(Config{BaseURL: srv.URL, Headless: true, NavigationTimeout: 10 * time.Second}, nil, nil)
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess, err := f.Open(ctx)
	if err != nil {
		t.Skipf("chrome unavailable: %v", err)
	}
	defer sess.Close()

	fields, err := sess.Fetch(ctx, crawl.FetchTarget{
		Matricule:      "1234",
		MunicipalityID: "88022",
		CityURL:        srv.URL + "/public/sig-web/mrc-test/88022",
	})
	if err != nil && strings.Contains(err.Error(), "exec") {
		t.Skipf("chrome unavailable: %v", err)
	}
	require.NoError(t, err)
	require.Equal(t, "1 rue Principale", fields["Adresse"])
	require.Equal(t, "1234-0", fields["matricule_complet"])
}
