package portal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

const (
	ownersKey  = "Propriétaires"
	ownerLabel = "Nom"
	noMatch    = "Aucune correspondance"

	// ficheMinLen filters the placeholder bodies the portal returns for
	// evaluation units without a detailed record.
	ficheMinLen = 100
)

// Resolved is the evaluation unit behind a short matricule.
type Resolved struct {
	Matricule string
	Complet   string
	Lat       string
	Lng       string
	Date      string
}

// ParseResolve decodes the unite-evaluation.json payload. A body without a
// matricule means the portal does not know the key.
func ParseResolve(body []byte) (Resolved, error) {
	var payload struct {
		Properties map[string]any `json:"properties"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return Resolved{}, fmt.Errorf("%w: decode evaluation unit: %v", crawl.ErrParse, err)
	}
	props := payload.Properties
	r := Resolved{
		Matricule: stringValue(props["matricule"]),
		Complet:   stringValue(props["matricule_complet"]),
		Lat:       stringValue(props["lat"]),
		Lng:       stringValue(props["lng"]),
		Date:      stringValue(props["dateEvenement"]),
	}
	if r.Matricule == "" {
		return Resolved{}, fmt.Errorf("%w: evaluation unit has no matricule", crawl.ErrNotFound)
	}
	if r.Complet == "" {
		r.Complet = r.Matricule
	}
	// "2025-07-08 23:59:59" -> "2025-07-08"
	if i := strings.IndexByte(r.Date, ' '); i > 0 {
		r.Date = r.Date[:i]
	}
	return r, nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// ParseSidebarResponse decodes the info_ue envelope and parses its HTML.
// An unknown unit yields empty fields and no error.
func ParseSidebarResponse(body []byte) (crawl.Fields, map[string]string, error) {
	var payload struct {
		HTML     string `json:"html"`
		UEExists bool   `json:"ue_exists"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: decode sidebar: %v", crawl.ErrParse, err)
	}
	if !payload.UEExists || strings.Contains(payload.HTML, noMatch) {
		return crawl.Fields{}, map[string]string{}, nil
	}
	return ParseSidebar(payload.HTML)
}

// ParseSidebar reads the left1/right1 label pairs of the property summary
// and the values of identified elements such as the idUe hidden input.
func ParseSidebar(raw string) (crawl.Fields, map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: sidebar html: %v", crawl.ErrParse, err)
	}
	set := newFieldSet()
	doc.Find(".left1").Each(func(_ int, label *goquery.Selection) {
		value := label.NextFiltered(".right1")
		if value.Length() == 0 {
			return
		}
		set.add(cleanText(label.Text()), cleanText(value.Text()))
	})

	hidden := make(map[string]string)
	doc.Find("[id][value]").Each(func(_ int, s *goquery.Selection) {
		id, _ := s.Attr("id")
		val, _ := s.Attr("value")
		if id == "" || val == "" {
			return
		}
		if _, ok := hidden[id]; !ok {
			hidden[id] = val
		}
	})
	return set.fields(), hidden, nil
}

// ParseFiche reads the detailed record. Rows pair a col-sm-5 and a col-sm-7
// column in either order, the first one holding the label.
func ParseFiche(raw string) (crawl.Fields, error) {
	if len(raw) < ficheMinLen {
		return crawl.Fields{}, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: fiche html: %v", crawl.ErrParse, err)
	}
	set := newFieldSet()
	doc.Find("div.row").Each(func(_ int, row *goquery.Selection) {
		cols := row.ChildrenFiltered("div")
		if cols.Length() < 2 {
			return
		}
		first, second := cols.Eq(0), cols.Eq(1)
		normal := first.HasClass("col-sm-5") && second.HasClass("col-sm-7")
		building := first.HasClass("col-sm-7") && second.HasClass("col-sm-5")
		if !normal && !building {
			return
		}
		set.add(
			cleanText(first.ChildrenFiltered("p").First().Text()),
			cleanText(second.ChildrenFiltered("p").First().Text()))
	})

	// Section headers carry their value inline: "Label : <span class=evb-ficheData>v</span>".
	doc.Find(".evb-ficheData").Each(func(_ int, span *goquery.Selection) {
		val := cleanText(span.Text())
		if val == "" {
			return
		}
		full := span.Parent().Text()
		idx := strings.Index(full, span.Text())
		if idx <= 0 {
			return
		}
		label := cleanText(full[:idx])
		if label == "" {
			return
		}
		if _, ok := set.values[label]; !ok {
			set.values[label] = val
		}
	})
	return set.fields(), nil
}

// fieldSet keeps the first value seen per label and collects owners.
type fieldSet struct {
	values crawl.Fields
	owners []string
}

func newFieldSet() *fieldSet {
	return &fieldSet{values: crawl.Fields{}}
}

func (s *fieldSet) add(key, val string) {
	if key == "" || val == "" {
		return
	}
	if key == ownerLabel {
		s.owners = append(s.owners, val)
		return
	}
	if _, ok := s.values[key]; !ok {
		s.values[key] = val
	}
}

func (s *fieldSet) fields() crawl.Fields {
	if len(s.owners) > 0 {
		joined := strings.Join(s.owners, "; ")
		s.values[ownersKey] = joined
		s.values[ownerLabel] = joined
	}
	return s.values
}

func cleanText(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimRight(text, ":\u00a0 ")
}
