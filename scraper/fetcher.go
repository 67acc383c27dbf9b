package scraper

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"
	"github.com/sirupsen/logrus"
	"realty_scrooper/apperr"
	"realty_scrooper/browser"
	"realty_scrooper/logging"
)

// Fetcher returns the HTML of a listing page. Transient failures come back as
// apperr.Retryable after the fetcher's own retries are spent.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// BrowserFetcher loads pages through the authenticated browser session. Each
// fetch holds the session lease, so fetches from several crawl keys are
// serialized.
type BrowserFetcher struct {
	sessions *browser.SessionManager
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewBrowserFetcher(sessions *browser.SessionManager, interval time.Duration) *BrowserFetcher {
	return &BrowserFetcher{sessions: sessions, interval: interval}
}

func (f *BrowserFetcher) Fetch(ctx context.Context, url string) (string, error) {
	lease, err := f.sessions.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer lease.Release()

	if err := f.pace(ctx); err != nil {
		return "", err
	}
	return lease.Fetch(ctx, url)
}

func (f *BrowserFetcher) pace(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.last.IsZero() {
		if wait := f.interval - time.Since(f.last); wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	f.last = time.Now()
	return nil
}

func (f *BrowserFetcher) Close() {
	f.sessions.Close()
}

// HTTPFetcher loads pages with colly. The limit rule is shared by every fetch.
type HTTPFetcher struct {
	collector *colly.Collector
	log       logging.Logger
	retries   int
	backoff   time.Duration
}

type HTTPFetcherOptions struct {
	RateLimit  time.Duration
	MaxRetries int
	Backoff    time.Duration
	Client     *http.Client
}

func NewHTTPFetcher(opts HTTPFetcherOptions, log logging.Logger) (*HTTPFetcher, error) {
	c := colly.NewCollector(colly.AllowURLRevisit())
	if opts.Client != nil {
		c.SetClient(opts.Client)
	}

	err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       opts.RateLimit,
		RandomDelay: opts.RateLimit / 2,
	})
	if err != nil {
		return nil, fmt.Errorf("set limit rule: %w", err)
	}

	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}

	return &HTTPFetcher{
		collector: c,
		log:       log.WithField("component", "http_fetcher"),
		retries:   opts.MaxRetries,
		backoff:   opts.Backoff,
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= f.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if attempt > 1 {
			t := time.NewTimer(f.backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", ctx.Err()
			case <-t.C:
			}
		}

		body, err := f.visit(url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		f.log.WithFields(logrus.Fields{"url": url, "attempt": attempt}).WithError(err).Warn("Request failed")
	}
	return "", apperr.Retryable("http.fetch", fmt.Errorf("%s: giving up after %d attempts: %w", url, f.retries, lastErr))
}

func (f *HTTPFetcher) visit(url string) (string, error) {
	// Clone keeps the backend and its limits but drops callbacks.
	c := f.collector.Clone()
	extensions.RandomUserAgent(c)
	extensions.Referer(c)

	var body []byte
	var respErr error
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		respErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
	})

	if err := c.Visit(url); err != nil && respErr == nil {
		respErr = err
	}
	c.Wait()

	if respErr != nil {
		return "", respErr
	}
	return string(body), nil
}
