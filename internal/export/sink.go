package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/hash/sha256"
)

// ErrNoSink is returned by Write when no export sink is configured.
var ErrNoSink = errors.New("export sink not configured")

// Store is what a sink export reads.
type Store interface {
	Source
	GetCity(ctx context.Context, cityID int64) (crawl.City, error)
}

// Exporter writes collections to a BlobStore.
type Exporter struct {
	store  Store
	blobs  crawl.BlobStore
	prefix string
	clock  crawl.Clock
	logger *zap.Logger
}

// NewExporter builds an Exporter. blobs may be nil, in which case Write
// returns ErrNoSink.
func NewExporter(store Store, blobs crawl.BlobStore, prefix string, clock crawl.Clock, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, blobs: blobs, prefix: strings.Trim(prefix, "/"), clock: clock, logger: logger}
}

// Enabled reports whether a sink is configured.
func (e *Exporter) Enabled() bool {
	return e.blobs != nil
}

// Write encodes the collection of cityID into the sink and returns its URI.
// A cityID of zero exports every City.
func (e *Exporter) Write(ctx context.Context, cityID int64) (string, Summary, error) {
	if e.blobs == nil {
		return "", Summary{}, ErrNoSink
	}
	name := "all"
	if cityID > 0 {
		city, err := e.store.GetCity(ctx, cityID)
		if err != nil {
			return "", Summary{}, err
		}
		name = objectName(city)
	}
	if e.clock != nil {
		name += "-" + e.clock.Now().Format("20060102T150405Z")
	}
	key := path.Join(e.prefix, name+".geojson")

	pr, pw := io.Pipe()
	sumCh := make(chan Summary, 1)
	go func() {
		digest := sha256.New()
		sum, err := Encode(ctx, io.MultiWriter(pw, digest), e.store, cityID)
		if err == nil {
			sum.SHA256 = digest.Sum()
		}
		sumCh <- sum
		_ = pw.CloseWithError(err)
	}()
	uri, err := e.blobs.PutObject(ctx, key, ContentType, pr)
	_ = pr.CloseWithError(io.ErrClosedPipe)
	sum := <-sumCh
	if err != nil {
		return "", sum, fmt.Errorf("put %s: %w", key, err)
	}
	e.logger.Info("geojson exported",
		zap.Int64("city_id", cityID),
		zap.String("uri", uri),
		zap.Int("features", sum.Features),
		zap.String("sha256", sum.SHA256),
		zap.String("source", "export"),
	)
	return uri, sum, nil
}

var unsafeName = regexp.MustCompile(`[^a-z0-9_-]+`)

func objectName(c crawl.City) string {
	label := unsafeName.ReplaceAllString(strings.ToLower(c.Label), "-")
	label = strings.Trim(label, "-")
	if label == "" {
		return fmt.Sprintf("city-%d-%s", c.ID, c.MunicipalityID)
	}
	return fmt.Sprintf("city-%d-%s-%s", c.ID, label, c.MunicipalityID)
}
