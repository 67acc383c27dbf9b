package httputil

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type Clients struct {
	Scraping *http.Client // proxied when PROXY_URL is set, for target sites
	API      *http.Client // direct, for object storage and other APIs
}

func NewClients(proxyURL string, timeout time.Duration) (*Clients, error) {
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Clients{
		Scraping: &http.Client{Timeout: timeout, Transport: transport},
		API:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}
