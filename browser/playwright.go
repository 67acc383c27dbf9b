package browser

import (
	"fmt"
	"net/url"
	"time"

	"github.com/playwright-community/playwright-go"
	"realty_scrooper/models"
)

// PlaywrightLauncher starts Chromium with a persistent profile directory.
type PlaywrightLauncher struct{}

func (PlaywrightLauncher) Launch(opts LaunchOptions) (Browser, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launch := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
		Locale: playwright.String("ru-RU"),
	}
	if opts.Timeout > 0 {
		launch.Timeout = playwright.Float(float64(opts.Timeout.Milliseconds()))
	}
	if opts.ProxyURL != "" {
		proxy, err := proxyFromURL(opts.ProxyURL)
		if err != nil {
			pw.Stop()
			return nil, err
		}
		launch.Proxy = proxy
	}

	ctx, err := pw.Chromium.LaunchPersistentContext(opts.UserDataDir, launch)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &playwrightBrowser{pw: pw, ctx: ctx}, nil
}

func proxyFromURL(raw string) (*playwright.Proxy, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	proxy := &playwright.Proxy{Server: u.Scheme + "://" + u.Host}
	if u.User != nil {
		proxy.Username = playwright.String(u.User.Username())
		if pass, ok := u.User.Password(); ok {
			proxy.Password = playwright.String(pass)
		}
	}
	return proxy, nil
}

type playwrightBrowser struct {
	pw  *playwright.Playwright
	ctx playwright.BrowserContext
}

func (b *playwrightBrowser) NewPage() (Page, error) {
	page, err := b.ctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &playwrightPage{page: page}, nil
}

func (b *playwrightBrowser) AddCookies(cookies []models.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	out := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		switch c.SameSite {
		case "Strict":
			oc.SameSite = playwright.SameSiteAttributeStrict
		case "Lax":
			oc.SameSite = playwright.SameSiteAttributeLax
		case "None":
			oc.SameSite = playwright.SameSiteAttributeNone
		}
		out = append(out, oc)
	}
	return b.ctx.AddCookies(out)
}

func (b *playwrightBrowser) Close() error {
	err := b.ctx.Close()
	if stopErr := b.pw.Stop(); err == nil {
		err = stopErr
	}
	return err
}

type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) Goto(url string, timeout time.Duration) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return err
}

func (p *playwrightPage) Reload(timeout time.Duration) error {
	_, err := p.page.Reload(playwright.PageReloadOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return err
}

func (p *playwrightPage) Content() (string, error) {
	return p.page.Content()
}

func (p *playwrightPage) Location() (string, error) {
	v, err := p.page.Evaluate(`() => window.location.href`)
	if err != nil {
		return "", err
	}
	href, _ := v.(string)
	return href, nil
}

func (p *playwrightPage) Close() error {
	return p.page.Close()
}
