// Package export streams scraped Properties as GeoJSON FeatureCollections and
// hands them to a blob sink.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

// ContentType is the media type of an encoded collection.
const ContentType = "application/geo+json"

// Source streams scraped Properties. A cityID of zero covers every City.
type Source interface {
	EachScrapedProperty(ctx context.Context, cityID int64, fn func(crawl.Property) error) error
}

// Summary describes one encoded collection.
type Summary struct {
	Features int `json:"features"`
	// NoGeometry counts features whose stored geometry was missing or
	// unreadable; they are written with a null geometry.
	NoGeometry int `json:"no_geometry"`
	// SHA256 is the hex digest of the bytes handed to a sink. Encode
	// leaves it empty.
	SHA256 string `json:"sha256,omitempty"`
}

type feature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

var nullGeometry = json.RawMessage("null")

// Encode writes the FeatureCollection of cityID to w without holding every
// feature in memory. The collection bbox covers all readable geometries.
func Encode(ctx context.Context, w io.Writer, src Source, cityID int64) (Summary, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(`{"type":"FeatureCollection","features":[`); err != nil {
		return Summary{}, fmt.Errorf("write header: %w", err)
	}
	var (
		sum    Summary
		bounds *geom.Bounds
	)
	err := src.EachScrapedProperty(ctx, cityID, func(p crawl.Property) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, raw := decodeGeometry(p.Geometry)
		if g == nil {
			sum.NoGeometry++
		} else {
			if bounds == nil {
				bounds = geom.NewBounds(g.Layout())
			}
			bounds.Extend(g)
		}
		data, err := json.Marshal(feature{Type: "Feature", Geometry: raw, Properties: properties(p)})
		if err != nil {
			return fmt.Errorf("encode property %d: %w", p.ID, err)
		}
		if sum.Features > 0 {
			if err := bw.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
		sum.Features++
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("export city %d: %w", cityID, err)
	}
	if _, err := bw.WriteString("]"); err != nil {
		return sum, err
	}
	if bounds != nil && !bounds.IsEmpty() {
		box, err := json.Marshal(bbox(bounds))
		if err != nil {
			return sum, err
		}
		if _, err := fmt.Fprintf(bw, `,"bbox":%s`, box); err != nil {
			return sum, err
		}
	}
	if _, err := bw.WriteString("}"); err != nil {
		return sum, err
	}
	if err := bw.Flush(); err != nil {
		return sum, fmt.Errorf("flush collection: %w", err)
	}
	return sum, nil
}

// decodeGeometry parses the stored WFS geometry and re-encodes it so the
// output is normalized GeoJSON.
func decodeGeometry(raw json.RawMessage) (geom.T, json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nullGeometry
	}
	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil || g == nil {
		return nil, nullGeometry
	}
	out, err := geojson.Marshal(g)
	if err != nil {
		return nil, nullGeometry
	}
	return g, out
}

// properties puts the scraped fields over the listing values.
func properties(p crawl.Property) map[string]any {
	props := make(map[string]any, len(p.Fields)+2)
	props["matricule"] = p.Matricule
	props["adresse"] = p.Address
	for k, v := range p.Fields {
		props[k] = v
	}
	return props
}

func bbox(b *geom.Bounds) []float64 {
	out := make([]float64, 0, 2*b.Layout().Stride())
	for i := 0; i < b.Layout().Stride(); i++ {
		out = append(out, b.Min(i))
	}
	for i := 0; i < b.Layout().Stride(); i++ {
		out = append(out, b.Max(i))
	}
	return out
}
