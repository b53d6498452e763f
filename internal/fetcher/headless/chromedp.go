// Package headless contains the browser-backed Fetcher: each session is a
// chromedp tab parked on a city portal that issues the portal lookups from
// inside the page.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/clock/system"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
	"github.com/PytechNo/GeoCentralis-Scraper/internal/fetcher/portal"
)

// Config controls the browser and portal loading.
type Config struct {
	BaseURL           string
	UserAgent         string
	Headless          bool
	NavigationTimeout time.Duration
	RequestTimeout    time.Duration
	LoadAttempts      int
	// LoadBackoff is multiplied by the attempt number between portal loads.
	LoadBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = portal.DefaultUserAgent
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.LoadAttempts <= 0 {
		c.LoadAttempts = 3
	}
	if c.LoadBackoff < 0 {
		c.LoadBackoff = 0
	}
}

// Fetcher opens browser tabs from one shared exec allocator.
type Fetcher struct {
	cfg         Config
	endpoints   portal.Endpoints
	clock       crawl.Clock
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ crawl.Fetcher = (*Fetcher)(nil)

// NewChromedp creates a browser Fetcher. Chrome is started lazily by the
// first session.
func NewChromedp(cfg Config, clock crawl.Clock, logger *zap.Logger) (*Fetcher, error) {
	if cfg.LoadBackoff < 0 {
		return nil, fmt.Errorf("load backoff must be >= 0")
	}
	cfg.applyDefaults()
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return &Fetcher{
		cfg:         cfg,
		endpoints:   portal.Endpoints{Base: cfg.BaseURL},
		clock:       clock,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	headless := any(false)
	if cfg.Headless {
		headless = "new"
	}
	return append(opts,
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("js-flags", "--max-old-space-size=512"),
		chromedp.WindowSize(1280, 720),
	)
}

// Close stops the browser process.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Open creates a tab. The portal is loaded on the first Fetch of each city.
func (f *Fetcher) Open(ctx context.Context) (crawl.Session, error) {
	s := &session{fetcher: f}
	if err := s.newTab(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type session struct {
	fetcher *Fetcher

	mu        sync.Mutex
	tabCtx    context.Context
	tabCancel context.CancelFunc
	loaded    string
	closed    bool

	crashed atomic.Bool
}

// newTab replaces the current tab. The first Run on a tab context owns its
// lifetime, so it runs on the bare tab context.
func (s *session) newTab(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tabCancel != nil {
		s.tabCancel()
	}
	s.crashed.Store(false)
	s.loaded = ""
	tabCtx, cancel := chromedp.NewContext(s.fetcher.allocator)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if _, ok := ev.(*inspector.EventTargetCrashed); ok {
			s.crashed.Store(true)
		}
	})
	stop := forwardCancel(ctx, cancel)
	err := chromedp.Run(tabCtx, s.setupAction())
	stop()
	if err != nil {
		cancel()
		return fmt.Errorf("open browser tab: %w", err)
	}
	s.tabCtx, s.tabCancel = tabCtx, cancel
	return nil
}

func (s *session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(s.fetcher.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (s *session) Fetch(ctx context.Context, target crawl.FetchTarget) (crawl.Fields, error) {
	s.mu.Lock()
	closed, loaded := s.closed, s.loaded
	s.mu.Unlock()
	if closed {
		return nil, crawl.NewFetchError(crawl.FetchDead, target.Matricule, errors.New("session closed"))
	}
	if s.dead() {
		return nil, crawl.NewFetchError(crawl.FetchDead, target.Matricule, errors.New("browser tab is gone"))
	}
	if target.CityURL != "" && target.CityURL != loaded {
		if err := s.loadPortal(ctx, target.CityURL); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, crawl.NewFetchError(crawl.FetchDead, target.Matricule, err)
		}
	}
	today := s.fetcher.clock.Now().Format(time.DateOnly)
	return portal.Scrape(ctx, s, s.fetcher.endpoints, target, today)
}

// loadPortal navigates to the city portal until the map is ready, opening a
// fresh tab between attempts.
func (s *session) loadPortal(ctx context.Context, cityURL string) error {
	cfg := s.fetcher.cfg
	log := s.fetcher.logger.With(zap.String("portal", cityURL))
	var lastErr error
	for attempt := 1; attempt <= cfg.LoadAttempts; attempt++ {
		if attempt > 1 {
			if err := crawl.Sleep(ctx, time.Duration(attempt-1)*cfg.LoadBackoff); err != nil {
				return err
			}
			if err := s.newTab(ctx); err != nil {
				lastErr = err
				continue
			}
		}
		err := s.run(ctx, cfg.NavigationTimeout,
			chromedp.Navigate(cityURL),
			chromedp.WaitReady("#map", chromedp.ByQuery),
		)
		if err == nil {
			s.mu.Lock()
			s.loaded = cityURL
			s.mu.Unlock()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		log.Warn("portal load failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return fmt.Errorf("load portal after %d attempts: %w", cfg.LoadAttempts, lastErr)
}

// Get issues the request from inside the page so origin and cookies match
// the portal.
func (s *session) Get(ctx context.Context, rawURL string) (portal.Response, error) {
	script, err := fetchScript(rawURL)
	if err != nil {
		return portal.Response{}, err
	}
	var out evalResult
	err = s.run(ctx, s.fetcher.cfg.RequestTimeout,
		chromedp.Evaluate(script, &out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return portal.Response{}, ctx.Err()
		}
		return portal.Response{}, s.classify(err)
	}
	if out.Error != "" {
		return portal.Response{}, fmt.Errorf("in-page fetch: %s", out.Error)
	}
	return portal.Response{Status: out.Status, Body: []byte(out.Body)}, nil
}

func (s *session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	s.mu.Lock()
	tabCtx := s.tabCtx
	s.mu.Unlock()
	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// classify turns a browser failure into a dead session when the tab can no
// longer serve requests.
func (s *session) classify(err error) error {
	if s.dead() {
		return crawl.NewFetchError(crawl.FetchDead, "", err)
	}
	return crawl.NewFetchError(crawl.FetchTransient, "", err)
}

func (s *session) dead() bool {
	if s.crashed.Load() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tabCtx == nil || s.tabCtx.Err() != nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.tabCancel != nil {
		s.tabCancel()
	}
	return nil
}

type evalResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
	Error  string `json:"error"`
}

// fetchScript builds the in-page fetch call. The URL is encoded as a JSON
// string literal without HTML escaping so query separators stay readable.
func fetchScript(rawURL string) (string, error) {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rawURL); err != nil {
		return "", fmt.Errorf("encode fetch url: %w", err)
	}
	quoted := strings.TrimSuffix(buf.String(), "\n")
	return fmt.Sprintf(`fetch(%s, {
	credentials: "include",
	headers: {"X-Requested-With": "XMLHttpRequest", "Accept": "application/json, text/html, */*; q=0.01"}
}).then(async (r) => ({status: r.status, body: await r.text()}))
  .catch((e) => ({status: 0, body: "", error: String(e)}))`, quoted), nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
