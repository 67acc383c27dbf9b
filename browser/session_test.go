package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"realty_scrooper/apperr"
	"realty_scrooper/logging"
	"realty_scrooper/models"
)

const listingHTML = `<html><body>
<h1 class="title">2-к. квартира, 54 м²</h1>
<span data-marker="price" content="18500000">18 500 000 ₽</span>
</body></html>`

type fakeLauncher struct {
	events    []string
	launches  []LaunchOptions
	browsers  []*fakeBrowser
	launchErr error

	// gotoFailures makes that many non-home navigations fail.
	gotoFailures int
	// crashOnGoto kills the browser during the next non-home navigation.
	crashOnGoto bool
	html        string
}

func (l *fakeLauncher) Launch(opts LaunchOptions) (Browser, error) {
	l.events = append(l.events, "launch")
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	l.launches = append(l.launches, opts)
	b := &fakeBrowser{l: l}
	l.browsers = append(l.browsers, b)
	return b, nil
}

type fakeBrowser struct {
	l       *fakeLauncher
	pages   []*fakePage
	cookies []models.Cookie
	dead    bool
	closed  bool
}

func (b *fakeBrowser) NewPage() (Page, error) {
	if b.dead || b.closed {
		return nil, errors.New("browser has been closed")
	}
	b.l.events = append(b.l.events, "new_page")
	p := &fakePage{b: b}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *fakeBrowser) AddCookies(cookies []models.Cookie) error {
	b.l.events = append(b.l.events, fmt.Sprintf("cookies %d", len(cookies)))
	b.cookies = append(b.cookies, cookies...)
	return nil
}

func (b *fakeBrowser) Close() error {
	b.closed = true
	return nil
}

type fakePage struct {
	b      *fakeBrowser
	url    string
	closed bool
}

func (p *fakePage) Goto(url string, timeout time.Duration) error {
	p.b.l.events = append(p.b.l.events, "goto "+url)
	if p.b.dead {
		return errors.New("target closed")
	}
	if url != testBaseURL {
		if p.b.l.crashOnGoto {
			p.b.l.crashOnGoto = false
			p.b.dead = true
			return errors.New("target crashed")
		}
		if p.b.l.gotoFailures > 0 {
			p.b.l.gotoFailures--
			return errors.New("net::ERR_TIMED_OUT")
		}
	}
	p.url = url
	return nil
}

func (p *fakePage) Reload(timeout time.Duration) error {
	p.b.l.events = append(p.b.l.events, "reload")
	return nil
}

func (p *fakePage) Content() (string, error) {
	if p.b.dead {
		return "", errors.New("target closed")
	}
	return p.b.l.html, nil
}

func (p *fakePage) Location() (string, error) {
	if p.b.dead || p.closed {
		return "", errors.New("target closed")
	}
	return p.url, nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

const testBaseURL = "https://www.avito.ru/"

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestManager(t *testing.T, jar string) (*SessionManager, *fakeLauncher, *testClock, *[]time.Duration) {
	t.Helper()

	launcher := &fakeLauncher{html: listingHTML}
	m := NewSessionManager(Config{
		BaseURL:       testBaseURL,
		CookieJarPath: jar,
		TTL:           10 * time.Minute,
		MaxRetries:    3,
		RetryBackoff:  2 * time.Second,
	}, launcher, logging.Discard())

	clock := &testClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	var sleeps []time.Duration
	m.now = clock.now
	m.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return m, launcher, clock, &sleeps
}

func writeJar(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cookies.json")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatalf("write jar: %v", err)
	}
	return p
}

func TestSetupInjectsCookiesAndReloads(t *testing.T) {
	jar := writeJar(t, `[{"name":"sessid","value":"abc","domain":".avito.ru","httpOnly":true,"sameSite":"Lax"}]`)
	m, launcher, _, _ := newTestManager(t, jar)

	lease, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	want := []string{"launch", "new_page", "goto " + testBaseURL, "cookies 1", "reload"}
	if strings.Join(launcher.events, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", launcher.events, want)
	}
	if !launcher.launches[0].Headless {
		t.Fatalf("expected headless launch when the cookie jar exists")
	}
	c := launcher.browsers[0].cookies[0]
	if c.Name != "sessid" || c.Path != "/" || c.HTTPOnly == nil || !*c.HTTPOnly {
		t.Fatalf("cookie = %+v", c)
	}
	if lease.InstanceID() == "" || !lease.IsAlive() {
		t.Fatalf("lease not usable: id=%q alive=%v", lease.InstanceID(), lease.IsAlive())
	}
}

func TestSetupWithoutJarIsHeaded(t *testing.T) {
	m, launcher, _, _ := newTestManager(t, filepath.Join(t.TempDir(), "missing.json"))

	lease, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()

	if launcher.launches[0].Headless {
		t.Fatalf("expected a headed browser without a cookie jar")
	}
}

func TestInvalidCookieJarIsFatal(t *testing.T) {
	jar := writeJar(t, `[{"value":"abc"}]`)
	m, launcher, _, _ := newTestManager(t, jar)

	_, err := m.Acquire(context.Background())
	if !apperr.IsFatal(err) || !errors.Is(err, apperr.ErrConfig) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
	if len(launcher.launches) != 0 {
		t.Fatalf("browser launched with an invalid jar")
	}
}

func TestExpiredSessionIsRebuilt(t *testing.T) {
	m, launcher, clock, _ := newTestManager(t, "")
	ctx := context.Background()

	lease, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	first := lease.InstanceID()
	lease.Release()

	clock.t = clock.t.Add(5 * time.Minute)
	lease, _ = m.Acquire(ctx)
	if lease.InstanceID() != first {
		t.Fatalf("session rebuilt before TTL")
	}
	lease.Release()

	clock.t = clock.t.Add(11 * time.Minute)
	lease, err = m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	if lease.InstanceID() == first {
		t.Fatalf("expired session was reused")
	}
	if len(launcher.browsers) != 2 || !launcher.browsers[0].closed {
		t.Fatalf("expected old browser closed and a new one launched")
	}
}

func TestDeadSessionIsRebuilt(t *testing.T) {
	m, launcher, _, _ := newTestManager(t, "")
	ctx := context.Background()

	lease, _ := m.Acquire(ctx)
	first := lease.InstanceID()
	lease.Release()

	launcher.browsers[0].dead = true

	lease, err := m.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()
	if lease.InstanceID() == first || len(launcher.browsers) != 2 {
		t.Fatalf("dead session was not rebuilt")
	}
}

func TestParseURLRebuildsAfterFailedNavigation(t *testing.T) {
	m, launcher, _, sleeps := newTestManager(t, "")
	launcher.gotoFailures = 2

	lease, _ := m.Acquire(context.Background())
	defer lease.Release()

	fields, err := lease.ParseURL(context.Background(), "https://www.avito.ru/moskva/kvartiry/1", map[string]string{
		"title": "h1.title",
		"price": `[data-marker="price"]@content`,
	}, 3)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if fields["title"] != "2-к. квартира, 54 м²" || fields["price"] != "18500000" {
		t.Fatalf("fields = %v", fields)
	}

	// each failed navigation replaces the browser; every browser gets its home
	// page plus one attempt page, and attempt pages are always closed
	if len(launcher.browsers) != 3 {
		t.Fatalf("browsers launched = %d, want 3", len(launcher.browsers))
	}
	for i, b := range launcher.browsers {
		if len(b.pages) != 2 || !b.pages[1].closed {
			t.Fatalf("browser %d: pages = %d, attempt page closed = %v", i, len(b.pages), len(b.pages) > 1 && b.pages[1].closed)
		}
		if i < 2 && !b.closed {
			t.Fatalf("browser %d was not torn down after its failed navigation", i)
		}
	}
	if len(*sleeps) != 2 || (*sleeps)[0] != 2*time.Second {
		t.Fatalf("sleeps = %v", *sleeps)
	}
}

func TestParseURLExhaustedIsRetryable(t *testing.T) {
	m, launcher, _, sleeps := newTestManager(t, "")
	launcher.gotoFailures = 100

	lease, _ := m.Acquire(context.Background())
	defer lease.Release()

	_, err := lease.ParseURL(context.Background(), "https://www.avito.ru/x", map[string]string{"title": "h1"}, 4)
	if !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(*sleeps) != 3 {
		t.Fatalf("sleeps = %d, want 3", len(*sleeps))
	}
}

func TestParseURLMissingElement(t *testing.T) {
	m, _, _, _ := newTestManager(t, "")

	lease, _ := m.Acquire(context.Background())
	defer lease.Release()

	_, err := lease.ParseURL(context.Background(), "https://www.avito.ru/x", map[string]string{"seller": ".seller-info"}, 2)
	if !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if !errors.Is(err, &ElementNotFoundError{}) {
		t.Fatalf("expected ElementNotFoundError in chain, got %v", err)
	}
}

func TestCrashMidSessionRebuilds(t *testing.T) {
	m, launcher, _, _ := newTestManager(t, "")
	launcher.crashOnGoto = true

	lease, _ := m.Acquire(context.Background())
	defer lease.Release()
	first := lease.InstanceID()

	html, err := lease.Fetch(context.Background(), "https://www.avito.ru/x")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if html != listingHTML {
		t.Fatalf("html = %q", html)
	}
	if len(launcher.browsers) != 2 || !launcher.browsers[0].closed {
		t.Fatalf("crashed browser was not replaced")
	}
	if lease.InstanceID() == first {
		t.Fatalf("instance id unchanged after rebuild")
	}
}

func TestLaunchFailureIsRetryable(t *testing.T) {
	m, launcher, _, _ := newTestManager(t, "")
	launcher.launchErr = errors.New("chromium not installed")

	_, err := m.Acquire(context.Background())
	if !apperr.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	// the lock is not held after a failed acquisition
	launcher.launchErr = nil
	lease, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after failure: %v", err)
	}
	lease.Release()
}

func TestAcquireIsExclusive(t *testing.T) {
	m, _, _, _ := newTestManager(t, "")

	lease, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire = %v, want deadline exceeded", err)
	}

	lease.Release()
	lease.Release()

	again, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	again.Release()
	m.Close()
}

func TestReleasedLeaseDoesNotNavigate(t *testing.T) {
	m, launcher, _, _ := newTestManager(t, "")

	lease, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()

	// another holder owns the session now
	holder, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer holder.Release()

	before := len(launcher.events)
	if _, err := lease.Fetch(context.Background(), "https://www.avito.ru/x"); !errors.Is(err, ErrLeaseReleased) {
		t.Fatalf("Fetch after Release = %v, want ErrLeaseReleased", err)
	}
	if _, err := lease.ParseURL(context.Background(), "https://www.avito.ru/x", map[string]string{"title": "h1"}, 1); !errors.Is(err, ErrLeaseReleased) {
		t.Fatalf("ParseURL after Release = %v, want ErrLeaseReleased", err)
	}
	if len(launcher.events) != before {
		t.Fatalf("released lease drove the browser: %v", launcher.events[before:])
	}
}
