package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

// DefaultBaseURL is the public portal host.
const DefaultBaseURL = "https://portail.geocentralis.com"

// Response is one portal answer. Non-2xx statuses are responses, not errors.
type Response struct {
	Status int
	Body   []byte
}

// Getter performs a GET against the portal on behalf of one session. It only
// returns an error when no response was received.
type Getter interface {
	Get(ctx context.Context, rawURL string) (Response, error)
}

// Endpoints builds the three portal URLs involved in one property lookup.
type Endpoints struct {
	Base string
}

// Resolve returns the evaluation-unit lookup URL for a short matricule.
func (e Endpoints) Resolve(matricule, municipalityID, date string) string {
	q := url.Values{}
	q.Set("idFeature", matricule)
	q.Set("idMunicipalite", municipalityID)
	q.Set("dateEvenement", date)
	return e.base() + "/fiche_role/unite-evaluation.json/?" + q.Encode()
}

// Sidebar returns the property summary URL.
func (e Endpoints) Sidebar(municipalityID, matricule, date string) string {
	q := url.Values{}
	q.Set("matricule_complet", matricule)
	q.Set("date_evenement", date)
	q.Set("acces_public", "None")
	q.Set("id_module", "22")
	return fmt.Sprintf("%s/georole_web_2/info_ue/%s/%s/?%s",
		e.base(), url.PathEscape(municipalityID), url.PathEscape(matricule), q.Encode())
}

// Fiche returns the detailed record URL.
func (e Endpoints) Fiche(idUe, date, matricule string) string {
	q := url.Values{}
	q.Set("id_ue", idUe)
	q.Set("date_evenement", date)
	q.Set("matricule", matricule)
	return e.base() + "/fiche_role/propriete/?" + q.Encode()
}

func (e Endpoints) base() string {
	if e.Base == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(e.Base, "/")
}

// Scrape runs the resolve, sidebar and fiche lookups for one property through
// g. today is the YYYY-MM-DD fallback when the portal omits an event date.
func Scrape(ctx context.Context, g Getter, ep Endpoints, target crawl.FetchTarget, today string) (crawl.Fields, error) {
	key := target.Matricule
	body, err := get(ctx, g, ep.Resolve(target.Matricule, target.MunicipalityID, today), key, crawl.FetchNotFound)
	if err != nil {
		return nil, err
	}
	resolved, err := ParseResolve(body)
	if err != nil {
		return nil, wrap(key, err)
	}
	date := resolved.Date
	if date == "" {
		date = today
	}

	sidebar, hidden, err := lookupSidebar(ctx, g, ep, target.MunicipalityID, resolved.Complet, date, key)
	if err != nil {
		return nil, err
	}
	if len(sidebar) == 0 && resolved.Complet != target.Matricule {
		sidebar, hidden, err = lookupSidebar(ctx, g, ep, target.MunicipalityID, target.Matricule, date, key)
		if err != nil {
			return nil, err
		}
	}
	if len(sidebar) == 0 {
		return crawl.Fields{
			"matricule":         target.Matricule,
			"matricule_complet": resolved.Complet,
			"lat":               resolved.Lat,
			"lng":               resolved.Lng,
		}, nil
	}

	out := sidebar
	out["lat"] = resolved.Lat
	out["lng"] = resolved.Lng
	out["matricule_complet"] = resolved.Complet
	if _, ok := out["matricule"]; !ok {
		out["matricule"] = target.Matricule
	}

	if idUe := hidden["idUe"]; idUe != "" {
		fiche, err := lookupFiche(ctx, g, ep.Fiche(idUe, date, resolved.Complet), key)
		if err != nil {
			return nil, err
		}
		// Detailed values win over the summary.
		for k, v := range fiche {
			out[k] = v
		}
	}
	return out, nil
}

func lookupSidebar(
	ctx context.Context,
	g Getter,
	ep Endpoints,
	municipalityID, matricule, date, key string,
) (crawl.Fields, map[string]string, error) {
	body, err := get(ctx, g, ep.Sidebar(municipalityID, matricule, date), key, "")
	if err != nil {
		return nil, nil, err
	}
	if body == nil {
		return crawl.Fields{}, nil, nil
	}
	fields, hidden, err := ParseSidebarResponse(body)
	if err != nil {
		return nil, nil, wrap(key, err)
	}
	return fields, hidden, nil
}

// lookupFiche tolerates a missing record: the summary is still a result.
func lookupFiche(ctx context.Context, g Getter, rawURL, key string) (crawl.Fields, error) {
	body, err := get(ctx, g, rawURL, key, "")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return crawl.Fields{}, nil
	}
	fields, err := ParseFiche(string(body))
	if err != nil {
		return nil, wrap(key, err)
	}
	return fields, nil
}

// get classifies the outcome of one GET. Transport failures, 429 and 5xx are
// transient. Other 4xx statuses map to onMissing, or to a nil body when
// onMissing is empty.
func get(ctx context.Context, g Getter, rawURL, key string, onMissing crawl.FetchKind) ([]byte, error) {
	resp, err := g.Get(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrap(key, err)
	}
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return resp.Body, nil
	case resp.Status == http.StatusTooManyRequests || resp.Status >= 500:
		return nil, crawl.NewFetchError(crawl.FetchTransient, key, fmt.Errorf("portal status %d", resp.Status))
	case onMissing != "":
		return nil, crawl.NewFetchError(onMissing, key, fmt.Errorf("portal status %d", resp.Status))
	default:
		return nil, nil
	}
}

// wrap keeps an existing FetchError and classifies anything else.
func wrap(key string, err error) error {
	var fe *crawl.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return crawl.NewFetchError(crawl.Classify(err), key, err)
}
