// Package portal fetches property records from the GeoCentralis portal over
// plain HTTP using gocolly, and parses them with goquery.
package portal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/clock/system"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/policy/ratelimit"
)

// DefaultUserAgent mimics a desktop browser; the portal serves XHR clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/145.0.0.0 Safari/537.36"

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Fetcher opens HTTP sessions against the portal.
type Fetcher struct {
	cfg       Config
	endpoints Endpoints
	transport http.RoundTripper
	limiter   *ratelimit.Limiter
	clock     crawl.Clock
}

var _ crawl.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher. limiter and clock may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, clock crawl.Clock) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if clock == nil {
		clock = system.New()
	}
	return &Fetcher{
		cfg:       cfg,
		endpoints: Endpoints{Base: cfg.BaseURL},
		transport: newHTTPTransport(),
		limiter:   limiter,
		clock:     clock,
	}
}

// Open starts a session with its own cookie jar.
func (f *Fetcher) Open(_ context.Context) (crawl.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &session{fetcher: f, jar: jar}, nil
}

type session struct {
	fetcher *Fetcher
	jar     http.CookieJar

	mu     sync.Mutex
	closed bool
}

func (s *session) Fetch(ctx context.Context, target crawl.FetchTarget) (crawl.Fields, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, crawl.NewFetchError(crawl.FetchDead, target.Matricule, errors.New("session closed"))
	}
	today := s.fetcher.clock.Now().Format(time.DateOnly)
	return Scrape(ctx, s, s.fetcher.endpoints, target, today)
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Get visits rawURL with a collector bound to the session cookie jar.
func (s *session) Get(ctx context.Context, rawURL string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if s.fetcher.limiter != nil {
		if err := s.fetcher.limiter.Wait(ctx, rawURL); err != nil {
			return Response{}, err
		}
	}
	var result Response
	collector := s.buildCollector(&result)
	if err := runCollector(ctx, collector, rawURL); err != nil {
		// The visit may still be running; result is only safe to read once
		// it returned.
		if ctx.Err() != nil || result.Status == 0 {
			return Response{}, err
		}
	}
	return result, nil
}

func (s *session) buildCollector(result *Response) *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.UserAgent = s.fetcher.cfg.UserAgent
	c.IgnoreRobotsTxt = true
	c.WithTransport(s.fetcher.transport)
	c.SetRequestTimeout(s.fetcher.cfg.Timeout)
	c.SetCookieJar(s.jar)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json, text/html, */*; q=0.01")
		r.Headers.Set("Accept-Language", "fr-CA,fr;q=0.9,en;q=0.8")
		r.Headers.Set("X-Requested-With", "XMLHttpRequest")
	})
	c.OnResponse(func(r *colly.Response) {
		*result = Response{Status: r.StatusCode, Body: append([]byte(nil), r.Body...)}
	})
	// Colly reports non-2xx statuses through OnError; keep them as responses.
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil && r.StatusCode != 0 {
			*result = Response{Status: r.StatusCode, Body: append([]byte(nil), r.Body...)}
		}
	})
	return c
}

func runCollector(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
