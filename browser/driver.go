// Package browser owns the authenticated headless browser used for sources that
// need a logged-in session.
//
// The browser itself sits behind Launcher, Browser and Page so the session logic
// can be tested without a real Chromium. The production implementation is
// playwright-go, see PlaywrightLauncher.
package browser

import (
	"time"

	"realty_scrooper/models"
)

type LaunchOptions struct {
	Headless    bool
	UserDataDir string
	ProxyURL    string
	Timeout     time.Duration
}

type Launcher interface {
	Launch(opts LaunchOptions) (Browser, error)
}

type Browser interface {
	NewPage() (Page, error)
	AddCookies(cookies []models.Cookie) error
	Close() error
}

type Page interface {
	Goto(url string, timeout time.Duration) error
	Reload(timeout time.Duration) error
	Content() (string, error)
	// Location reads the current URL from the page itself, so it fails when the
	// page or its browser has died.
	Location() (string, error)
	Close() error
}
