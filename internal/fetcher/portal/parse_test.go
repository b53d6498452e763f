package portal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

const sidebarHTML = `
<div class='lineContainer1'><div class='left1'>Adresse:</div><div class='right1'>12  rang&nbsp;Nord</div></div>
<div class='lineContainer1'><div class='left1'>Nom :</div><div class='right1'>TREMBLAY, JEAN</div></div>
<div class='lineContainer1'><div class='left1'>Nom :</div><div class='right1'>GAGNON, MARIE</div></div>
<div class='lineContainer1'><div class='left1'>Utilisation</div><div class='right1'>Logement</div></div>
<div class='lineContainer1'><div class='left1'>Vide</div><div class='right1'></div></div>
<input type="hidden" id="idUe" value="778899">
<input type="hidden" id="empty" value="">
`

const ficheHTML = `<html><body>
<h3>Rôle d'évaluation : <span class="evb-ficheData">2024-2026</span></h3>
<div class="row"><div class="col-sm-5"><p>Utilisation prédominante :</p></div><div class="col-sm-7"><p>1000 - Logement</p></div></div>
<div class="row"><div class="col-sm-7"><p>Année de construction</p></div><div class="col-sm-5"><p>1978</p></div></div>
<div class="row"><div class="col-sm-5"><p>Nom</p></div><div class="col-sm-7"><p>TREMBLAY, JEAN</p></div></div>
<div class="row"><div class="col-sm-6"><p>Ignoré</p></div><div class="col-sm-6"><p>x</p></div></div>
</body></html>`

func TestParseSidebar(t *testing.T) {
	t.Parallel()
	fields, hidden, err := ParseSidebar(sidebarHTML)
	require.NoError(t, err)
	require.Equal(t, "12 rang Nord", fields["Adresse"])
	require.Equal(t, "Logement", fields["Utilisation"])
	require.Equal(t, "TREMBLAY, JEAN; GAGNON, MARIE", fields["Propriétaires"])
	require.Equal(t, fields["Propriétaires"], fields["Nom"])
	require.NotContains(t, fields, "Vide")
	require.Equal(t, "778899", hidden["idUe"])
	require.NotContains(t, hidden, "empty")
}

func TestParseSidebarResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr error
	}{
		{name: "unit missing", body: `{"html":"<div class='left1'>A</div><div class='right1'>b</div>","ue_exists":false}`},
		{name: "no match text", body: `{"html":"Aucune correspondance trouvée","ue_exists":true}`},
		{name: "match", body: `{"html":"<div class='left1'>A</div><div class='right1'>b</div>","ue_exists":true}`, want: 1},
		{name: "malformed", body: `{"html":`, wantErr: crawl.ErrParse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fields, _, err := ParseSidebarResponse([]byte(tc.body))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, fields, tc.want)
		})
	}
}

func TestParseFiche(t *testing.T) {
	t.Parallel()
	fields, err := ParseFiche(ficheHTML)
	require.NoError(t, err)
	require.Equal(t, "1000 - Logement", fields["Utilisation prédominante"])
	require.Equal(t, "1978", fields["Année de construction"])
	require.Equal(t, "TREMBLAY, JEAN", fields["Propriétaires"])
	require.Equal(t, "2024-2026", fields["Rôle d'évaluation"])
	require.NotContains(t, fields, "Ignoré")
}

func TestParseFicheShortBody(t *testing.T) {
	t.Parallel()
	fields, err := ParseFiche("<p>none</p>")
	require.NoError(t, err)
	require.Empty(t, fields)
}

func TestParseResolve(t *testing.T) {
	t.Parallel()
	r, err := ParseResolve([]byte(`{"properties":{"matricule":"1234-56-7890","matricule_complet":"1234-56-7890-0-000-0000",
		"lat":46.123456,"lng":-72.5,"dateEvenement":"2025-07-08 23:59:59"}}`))
	require.NoError(t, err)
	require.Equal(t, Resolved{
		Matricule: "1234-56-7890",
		Complet:   "1234-56-7890-0-000-0000",
		Lat:       "46.123456",
		Lng:       "-72.5",
		Date:      "2025-07-08",
	}, r)

	r, err = ParseResolve([]byte(`{"properties":{"matricule":"42"}}`))
	require.NoError(t, err)
	require.Equal(t, "42", r.Complet, "short matricule stands in for the full one")

	_, err = ParseResolve([]byte(`{"properties":{}}`))
	require.ErrorIs(t, err, crawl.ErrNotFound)
	_, err = ParseResolve([]byte(`<html>`))
	require.ErrorIs(t, err, crawl.ErrParse)
}

func TestCleanText(t *testing.T) {
	t.Parallel()
	require.Equal(t, "Adresse", cleanText("  Adresse : "))
	require.Equal(t, "a b", cleanText("a\n\t  b"))
	require.Empty(t, cleanText(" : "))
}
