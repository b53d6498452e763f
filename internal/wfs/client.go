// Package wfs lists the parcels of a municipality from the GeoServer WFS
// endpoint, probing a primary layer first and merging fallback layers when
// the primary is empty.
package wfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/metrics"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/policy/ratelimit"
)

// Default layer names published by the GeoCentralis GeoServer.
const (
	DefaultPrimaryLayer = "mat_uev_cr_s"
	DefaultNamespace    = "evb"
)

// DefaultFallbackLayers are probed in order when the primary layer is empty.
var DefaultFallbackLayers = []string{
	"v_a_residentiel_1",
	"v_a_multiresidentiel_3",
	"v_a_non_residentiel_4",
	"v_a_agricole_2",
}

// activeOnlyLayers carry retired rows that must be filtered out by date.
var activeOnlyLayers = map[string]bool{
	"mat_uev_cr_s":   true,
	"v_mat_uev_cr_s": true,
}

const logSource = "wfs"

// Config controls the listing client.
type Config struct {
	URL               string
	Namespace         string
	PrimaryLayer      string
	FallbackLayers    []string
	PageSize          int
	Timeout           time.Duration
	HitsTimeout       time.Duration
	MaxRetries        int
	RetryBase         time.Duration
	PageDelay         time.Duration
	LegacyMaxFeatures int
	UserAgent         string
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.PrimaryLayer == "" {
		c.PrimaryLayer = DefaultPrimaryLayer
	}
	if c.FallbackLayers == nil {
		c.FallbackLayers = DefaultFallbackLayers
	}
	if c.PageSize <= 0 {
		c.PageSize = 2000
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HitsTimeout <= 0 {
		c.HitsTimeout = 15 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.LegacyMaxFeatures <= 0 {
		c.LegacyMaxFeatures = 50000
	}
}

// Client implements crawl.Lister against a WFS endpoint.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	retry   *crawl.ExponentialRetryPolicy
	logger  *zap.Logger
}

var _ crawl.Lister = (*Client)(nil)

// New constructs a Client. A nil httpClient uses http.DefaultClient; a nil
// limiter disables rate limiting.
func New(cfg Config, httpClient *http.Client, limiter *ratelimit.Limiter, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("wfs url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse wfs url: %w", err)
	}
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		retry: &crawl.ExponentialRetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.RetryBase,
			MaxDelay:    time.Minute,
		},
		logger: logger,
	}, nil
}

// List returns the deduplicated parcels of municipalityID. An empty result
// with a nil error means every layer answered and none had parcels. When no
// layer could be queried at all the error wraps crawl.ErrListingExhausted.
func (c *Client) List(ctx context.Context, municipalityID string) ([]crawl.ListedProperty, error) {
	log := c.logger.With(zap.String("source", logSource), zap.String("municipality_id", municipalityID))
	answered := 0
	var lastErr error

	hits, err := c.Hits(ctx, c.cfg.PrimaryLayer, municipalityID)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("primary layer failed", zap.String("layer", c.cfg.PrimaryLayer), zap.Error(err))
		lastErr = err
	case hits > 0:
		answered++
		log.Info("primary layer has parcels", zap.String("layer", c.cfg.PrimaryLayer), zap.Int("hits", hits))
		features, err := c.fetchAll(ctx, c.cfg.PrimaryLayer, municipalityID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("primary layer fetch failed", zap.String("layer", c.cfg.PrimaryLayer), zap.Error(err))
			lastErr = err
		} else if out := c.extract(features, nil); len(out) > 0 {
			return out, nil
		}
	default:
		answered++
	}

	log.Info("probing fallback layers", zap.Strings("layers", c.cfg.FallbackLayers))
	seen := make(map[string]struct{})
	var merged []crawl.ListedProperty
	for _, layer := range c.cfg.FallbackLayers {
		hits, err := c.Hits(ctx, layer, municipalityID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("fallback layer failed", zap.String("layer", layer), zap.Error(err))
			lastErr = err
			continue
		}
		answered++
		if hits == 0 {
			continue
		}
		features, err := c.fetchAll(ctx, layer, municipalityID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("fallback layer fetch failed", zap.String("layer", layer), zap.Error(err))
			lastErr = err
			continue
		}
		before := len(merged)
		merged = append(merged, c.extract(features, seen)...)
		log.Info("fallback layer merged",
			zap.String("layer", layer),
			zap.Int("hits", hits),
			zap.Int("added", len(merged)-before))
	}

	if len(merged) == 0 && answered == 0 && lastErr != nil {
		return nil, fmt.Errorf("%w: %w", crawl.ErrListingExhausted, lastErr)
	}
	return merged, nil
}

// Hits returns the feature count of layer for municipalityID.
func (c *Client) Hits(ctx context.Context, layer, municipalityID string) (int, error) {
	params := c.baseParams("2.0.0", layer, municipalityID)
	params.Set("resultType", "hits")

	var count int
	err := c.withRetry(ctx, layer, func() error {
		body, status, err := c.get(ctx, params, c.cfg.HitsTimeout)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return statusError(status)
		}
		n, err := parseHits(body)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("hits %s: %w", layer, err)
	}
	return count, nil
}

// fetchAll pages through layer until a short or empty page.
func (c *Client) fetchAll(ctx context.Context, layer, municipalityID string) ([]feature, error) {
	var all []feature
	start := 0
	for {
		page, legacy, err := c.fetchPage(ctx, layer, municipalityID, start)
		if err != nil {
			return all, err
		}
		if len(page) == 0 {
			if start == 0 && !legacy {
				// Some layers reject paging silently; ask for everything in one call.
				return c.fetchLegacy(ctx, layer, municipalityID, 2*c.cfg.Timeout)
			}
			return all, nil
		}
		all = append(all, page...)
		if legacy || len(page) < c.cfg.PageSize {
			return all, nil
		}
		start += len(page)
		if err := crawl.Sleep(ctx, c.cfg.PageDelay); err != nil {
			return all, err
		}
	}
}

// fetchPage requests one WFS 2.0.0 page. A 400 answer downgrades the request
// to WFS 1.0.0, which has no paging, so legacy reports the layer is done.
func (c *Client) fetchPage(ctx context.Context, layer, municipalityID string, start int) ([]feature, bool, error) {
	params := c.baseParams("2.0.0", layer, municipalityID)
	params.Set("outputFormat", "application/json")
	params.Set("srsName", "EPSG:4326")
	params.Set("startIndex", strconv.Itoa(start))
	params.Set("count", strconv.Itoa(c.cfg.PageSize))

	var (
		page      []feature
		downgrade bool
	)
	err := c.withRetry(ctx, layer, func() error {
		body, status, err := c.get(ctx, params, c.cfg.Timeout)
		if err != nil {
			return err
		}
		if status == http.StatusBadRequest {
			downgrade = true
			return nil
		}
		if status != http.StatusOK {
			return statusError(status)
		}
		page, err = decodeFeatures(body)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("page %s@%d: %w", layer, start, err)
	}
	if downgrade {
		c.logger.Debug("wfs 2.0.0 rejected, using 1.0.0",
			zap.String("layer", layer),
			zap.Int("start", start))
		features, err := c.fetchLegacy(ctx, layer, municipalityID, c.cfg.Timeout)
		return features, true, err
	}
	return page, false, nil
}

// fetchLegacy issues a single bounded WFS 1.0.0 request.
func (c *Client) fetchLegacy(ctx context.Context, layer, municipalityID string, timeout time.Duration) ([]feature, error) {
	params := c.baseParams("1.0.0", layer, municipalityID)
	params.Set("outputFormat", "application/json")
	params.Set("srsName", "EPSG:4326")
	params.Set("maxFeatures", strconv.Itoa(c.cfg.LegacyMaxFeatures))

	var features []feature
	err := c.withRetry(ctx, layer, func() error {
		body, status, err := c.get(ctx, params, timeout)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return statusError(status)
		}
		features, err = decodeFeatures(body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("legacy %s: %w", layer, err)
	}
	return features, nil
}

func (c *Client) baseParams(version, layer, municipalityID string) url.Values {
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", version)
	params.Set("request", "GetFeature")
	params.Set("typeName", c.cfg.Namespace+":"+layer)
	params.Set("CQL_FILTER", cqlFilter(layer, municipalityID))
	return params
}

func cqlFilter(layer, municipalityID string) string {
	filter := "id_municipalite='" + strings.ReplaceAll(municipalityID, "'", "''") + "'"
	if activeOnlyLayers[layer] {
		filter += " AND date_fin IS NULL"
	}
	return filter
}

// withRetry runs fn until it succeeds, fails permanently, or the attempt
// budget runs out.
func (c *Client) withRetry(ctx context.Context, layer string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			metrics.ObserveWFSRequest(layer, "ok")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.retry.ShouldRetry(err, attempt) {
			metrics.ObserveWFSRequest(layer, "error")
			return err
		}
		metrics.ObserveWFSRequest(layer, "retry")
		delay := c.retry.Backoff(attempt)
		c.logger.Debug("retrying wfs request",
			zap.String("layer", layer),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := crawl.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// get performs one rate-limited request with its own timeout.
func (c *Client) get(ctx context.Context, params url.Values, timeout time.Duration) ([]byte, int, error) {
	target := c.cfg.URL + "?" + params.Encode()
	if err := c.limiter.Wait(ctx, target); err != nil {
		return nil, 0, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", crawl.ErrTransient, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read body: %w", crawl.ErrTransient, err)
	}
	return body, resp.StatusCode, nil
}

func statusError(status int) error {
	err := fmt.Errorf("unexpected status %d", status)
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %w", crawl.ErrTransient, err)
	}
	return err
}

type feature struct {
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

func decodeFeatures(body []byte) ([]feature, error) {
	var fc struct {
		Features []feature `json:"features"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}
	return fc.Features, nil
}

var hitsAttr = regexp.MustCompile(`(?:numberMatched|numberOfFeatures)="(\d+)"`)

// parseHits reads the JSON count fields, falling back to the XML attributes
// GeoServer returns for resultType=hits.
func parseHits(body []byte) (int, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err == nil {
		for _, key := range []string{"numberMatched", "totalFeatures"} {
			if n, ok := doc[key].(json.Number); ok {
				if v, err := n.Int64(); err == nil {
					return int(v), nil
				}
			}
		}
	}
	if m := hitsAttr.FindSubmatch(body); m != nil {
		return strconv.Atoi(string(m[1]))
	}
	return 0, errors.New("no feature count in hits response")
}

// extract turns features into listed parcels, skipping rows without a
// matricule. seen is shared across calls to dedupe merged layers.
func (c *Client) extract(features []feature, seen map[string]struct{}) []crawl.ListedProperty {
	if seen == nil {
		seen = make(map[string]struct{}, len(features))
	}
	out := make([]crawl.ListedProperty, 0, len(features))
	for _, f := range features {
		matricule := stringProp(f.Properties, "matricule")
		if matricule == "" {
			continue
		}
		if _, dup := seen[matricule]; dup {
			continue
		}
		seen[matricule] = struct{}{}
		address := stringProp(f.Properties, "adresse_immeuble")
		if address == "" {
			address = stringProp(f.Properties, "adresse")
		}
		var geometry json.RawMessage
		if trimmed := bytes.TrimSpace(f.Geometry); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			geometry = trimmed
		}
		out = append(out, crawl.ListedProperty{
			Matricule: matricule,
			Address:   address,
			Geometry:  geometry,
		})
	}
	return out
}

func stringProp(props map[string]any, key string) string {
	switch v := props[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
