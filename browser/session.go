package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"realty_scrooper/apperr"
	"realty_scrooper/logging"
)

// ErrLeaseReleased is returned when a lease is used after Release.
var ErrLeaseReleased = errors.New("browser: lease already released")

type Config struct {
	BaseURL       string
	CookieJarPath string
	UserDataDir   string
	ProxyURL      string
	TTL           time.Duration
	PageTimeout   time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	return c
}

// SessionManager owns one authenticated browser. Only one Lease exists at a
// time; the browser is not safe for concurrent navigation.
//
// Expiry is checked lazily in Acquire. A session idle for longer than TTL, or
// one whose liveness check fails, is torn down and rebuilt before it is handed
// out. Failures in the middle of a session also tear it down; the next attempt
// starts from a fresh browser.
type SessionManager struct {
	cfg      Config
	launcher Launcher
	log      logging.Logger

	// held by the current lease
	lock chan struct{}

	browser    Browser
	home       Page
	instanceID string
	lastUsed   time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSessionManager(cfg Config, launcher Launcher, log logging.Logger) *SessionManager {
	return &SessionManager{
		cfg:      cfg.withDefaults(),
		launcher: launcher,
		log:      log.WithField("component", "browser"),
		lock:     make(chan struct{}, 1),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire waits for exclusive use of the session, rebuilding it first if it has
// expired or died. The lease must be released.
func (m *SessionManager) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case m.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := m.refreshIfExpired(); err != nil {
		<-m.lock
		return nil, err
	}
	return &Lease{m: m}, nil
}

func (m *SessionManager) refreshIfExpired() error {
	if m.browser != nil {
		idle := m.now().Sub(m.lastUsed)
		switch {
		case idle > m.cfg.TTL:
			m.log.WithField("idle", idle.Round(time.Second).String()).Info("Browser session expired, rebuilding")
			m.teardown()
		case !m.isAlive():
			m.log.Warn("Browser session is not alive, rebuilding")
			m.teardown()
		}
	}
	if m.browser == nil {
		return m.setup()
	}
	return nil
}

// setup launches the browser and loads the cookie jar into it. Without a jar
// the browser is started headed so the operator can log in by hand.
func (m *SessionManager) setup() error {
	headless := CookieJarExists(m.cfg.CookieJarPath)
	cookies, err := LoadCookieJar(m.cfg.CookieJarPath)
	if err != nil {
		return apperr.Fatal("browser.setup", fmt.Errorf("%w: %w", apperr.ErrConfig, err))
	}

	b, err := m.launcher.Launch(LaunchOptions{
		Headless:    headless,
		UserDataDir: m.cfg.UserDataDir,
		ProxyURL:    m.cfg.ProxyURL,
		Timeout:     m.cfg.PageTimeout,
	})
	if err != nil {
		return apperr.Retryable("browser.launch", err)
	}

	home, err := b.NewPage()
	if err != nil {
		b.Close()
		return apperr.Retryable("browser.setup", err)
	}
	if err := home.Goto(m.cfg.BaseURL, m.cfg.PageTimeout); err != nil {
		b.Close()
		return apperr.Retryable("browser.setup", fmt.Errorf("open %s: %w", m.cfg.BaseURL, err))
	}
	if err := b.AddCookies(cookies); err != nil {
		b.Close()
		return apperr.Retryable("browser.setup", fmt.Errorf("add cookies: %w", err))
	}
	if err := home.Reload(m.cfg.PageTimeout); err != nil {
		b.Close()
		return apperr.Retryable("browser.setup", fmt.Errorf("reload %s: %w", m.cfg.BaseURL, err))
	}

	m.browser = b
	m.home = home
	m.instanceID = uuid.NewString()
	m.lastUsed = m.now()

	m.log.WithFields(logrus.Fields{
		"instance": m.instanceID,
		"headless": headless,
		"cookies":  len(cookies),
	}).Info("Browser session started")
	return nil
}

func (m *SessionManager) isAlive() bool {
	if m.browser == nil || m.home == nil {
		return false
	}
	_, err := m.home.Location()
	return err == nil
}

func (m *SessionManager) teardown() {
	if m.home != nil {
		m.home.Close()
		m.home = nil
	}
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.log.WithError(err).Warn("Failed to close browser")
		}
		m.browser = nil
	}
	m.instanceID = ""
}

// Close tears the browser down. It waits for any outstanding lease.
func (m *SessionManager) Close() {
	m.lock <- struct{}{}
	defer func() { <-m.lock }()
	m.teardown()
}

// Lease is exclusive use of the session until Release.
type Lease struct {
	m        *SessionManager
	released bool
}

func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	<-l.m.lock
}

func (l *Lease) InstanceID() string { return l.m.instanceID }

func (l *Lease) IsAlive() bool { return l.m.isAlive() }

// Fetch returns the HTML of url, retrying on failure.
func (l *Lease) Fetch(ctx context.Context, url string) (string, error) {
	if l.released {
		return "", ErrLeaseReleased
	}
	var html string
	err := l.m.withRetries(ctx, "browser.fetch", url, l.m.cfg.MaxRetries, func(content string) error {
		html = content
		return nil
	})
	return html, err
}

// ParseURL opens url and extracts fields from it (see ExtractFields). A page
// missing one of the fields counts as a failed attempt.
func (l *Lease) ParseURL(ctx context.Context, url string, fields map[string]string, maxRetries int) (map[string]string, error) {
	if l.released {
		return nil, ErrLeaseReleased
	}
	var out map[string]string
	err := l.m.withRetries(ctx, "browser.parse_url", url, maxRetries, func(content string) error {
		var err error
		out, err = ExtractFields(content, fields)
		return err
	})
	return out, err
}

func (m *SessionManager) withRetries(ctx context.Context, op, url string, maxRetries int, handle func(content string) error) error {
	if maxRetries <= 0 {
		maxRetries = m.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 1 {
			if err := m.sleep(ctx, m.cfg.RetryBackoff); err != nil {
				return err
			}
		}

		lastErr = m.attempt(url, handle)
		if lastErr == nil {
			return nil
		}
		if apperr.IsFatal(lastErr) {
			return lastErr
		}

		fields := logrus.Fields{"url": url, "attempt": attempt, "max": maxRetries}
		var notFound *ElementNotFoundError
		if errors.As(lastErr, &notFound) {
			m.log.WithFields(fields).WithField("selector", notFound.Selector).Warn("Element not found, retrying")
		} else {
			m.log.WithFields(fields).WithError(lastErr).Warn("Page attempt failed")
		}
		if !m.isAlive() {
			m.teardown()
		}
	}
	return apperr.Retryable(op, fmt.Errorf("%s: giving up after %d attempts: %w", url, maxRetries, lastErr))
}

// attempt runs one navigation on a fresh page, rebuilding the session first if
// an earlier attempt tore it down. A failed navigation tears the whole browser
// down; the next attempt starts from a new session.
func (m *SessionManager) attempt(url string, handle func(content string) error) error {
	if m.browser == nil {
		if err := m.setup(); err != nil {
			return err
		}
	}

	page, err := m.browser.NewPage()
	if err != nil {
		m.teardown()
		return err
	}
	defer page.Close()

	if err := page.Goto(url, m.cfg.PageTimeout); err != nil {
		m.teardown()
		return err
	}
	content, err := page.Content()
	if err != nil {
		m.teardown()
		return err
	}
	m.lastUsed = m.now()
	return handle(content)
}
