package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"realty_scrooper/browser"
	"realty_scrooper/config"
	"realty_scrooper/models"
)

// ListingParser turns one search results page into raw listings. An empty
// result means the page had no listing cards.
type ListingParser interface {
	Parse(html string) ([]models.RawListing, error)
}

// SelectorParser reads listing cards with the goquery selectors of a source
// config. Rooms, area and floors come from the card title via a regexp with
// the named groups rooms, area, floor and total_floors.
type SelectorParser struct {
	sel   config.Selectors
	title *regexp.Regexp
	base  *url.URL
}

var (
	digitsRegex    = regexp.MustCompile(`\d+`)
	numericRegex   = regexp.MustCompile(`^\d+$`)
	idSegmentRegex = regexp.MustCompile(`^(?:.*_)?(\d+)$`)
)

func NewSelectorParser(src *config.SourceConfig) (*SelectorParser, error) {
	p := &SelectorParser{sel: src.Selectors}
	if src.TitlePattern != "" {
		re, err := regexp.Compile(src.TitlePattern)
		if err != nil {
			return nil, fmt.Errorf("%s: title_pattern: %w", src.ID, err)
		}
		p.title = re
	}
	if src.BaseURL != "" {
		base, err := url.Parse(src.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("%s: base_url: %w", src.ID, err)
		}
		p.base = base
	}
	return p, nil
}

func (p *SelectorParser) Parse(html string) ([]models.RawListing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var listings []models.RawListing
	doc.Find(p.sel.Card).Each(func(_ int, card *goquery.Selection) {
		listings = append(listings, p.parseCard(card))
	})
	return listings, nil
}

// parseCard never fails. A card without a usable natural id keeps an empty or
// malformed NaturalID so ingestion drops it with a validation reason.
func (p *SelectorParser) parseCard(card *goquery.Selection) models.RawListing {
	var l models.RawListing

	l.NaturalID = naturalID(p.value(card, p.sel.NaturalID))
	l.URL = p.resolve(p.value(card, p.sel.URL))
	l.Price = parsePrice(p.value(card, p.sel.Price))
	l.ComplexName = p.value(card, p.sel.ComplexName)
	l.MetroExternalID = p.value(card, p.sel.Metro)
	l.GeoLabels = p.texts(card, p.sel.GeoLabels)
	l.SellerText = strings.Join(p.texts(card, p.sel.Seller), "\n")
	l.Tags = p.texts(card, p.sel.Tags)

	if raw := p.value(card, p.sel.CreatedAt); raw != "" {
		l.CreatedAt = parseTime(raw)
	}

	title := p.value(card, p.sel.Title)
	p.parseTitle(title, &l)
	return l
}

func (p *SelectorParser) parseTitle(title string, l *models.RawListing) {
	// studios match no rooms group and stay at 0
	if title == "" || p.title == nil {
		return
	}
	m := p.title.FindStringSubmatch(title)
	if m == nil {
		return
	}
	for i, name := range p.title.SubexpNames() {
		if name == "" || m[i] == "" {
			continue
		}
		switch name {
		case "rooms":
			l.Rooms, _ = strconv.Atoi(m[i])
		case "area":
			l.Area, _ = strconv.ParseFloat(strings.ReplaceAll(m[i], ",", "."), 64)
		case "floor":
			l.Floor, _ = strconv.Atoi(m[i])
		case "total_floors":
			l.TotalFloors, _ = strconv.Atoi(m[i])
		}
	}
}

func (p *SelectorParser) value(card *goquery.Selection, sel string) string {
	if sel == "" {
		return ""
	}
	v, _ := browser.SelectValue(card, sel)
	return collapseSpace(v)
}

func (p *SelectorParser) texts(card *goquery.Selection, sel string) []string {
	if sel == "" {
		return nil
	}
	var out []string
	browser.Select(card, sel).Each(func(_ int, s *goquery.Selection) {
		if t := collapseSpace(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

func (p *SelectorParser) resolve(href string) string {
	if href == "" || p.base == nil {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return p.base.ResolveReference(u).String()
}

// naturalID extracts the site's listing id. Plain numbers pass through, and a
// listing URL yields the number that ends its last path segment ("/301234567/"
// or "..._3456789012"). Anything else is returned as is so ingestion rejects
// it as malformed.
func naturalID(s string) string {
	if s == "" || numericRegex.MatchString(s) {
		return s
	}
	if !strings.Contains(s, "/") {
		return s
	}
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	path := strings.TrimRight(u.Path, "/")
	segment := path[strings.LastIndex(path, "/")+1:]
	if m := idSegmentRegex.FindStringSubmatch(segment); m != nil {
		return m[1]
	}
	return s
}

func parsePrice(s string) int64 {
	digits := strings.Join(digitsRegex.FindAllString(s, -1), "")
	if digits == "" {
		return 0
	}
	n, _ := strconv.ParseInt(digits, 10, 64)
	return n
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
