package scraper

import (
	"os"
	"testing"
	"time"

	"realty_scrooper/config"
	"realty_scrooper/models"
)

func loadSources(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Sources: make(map[string]*config.SourceConfig), Crawl: config.CrawlConfig{Parallelism: 1}}
	if err := cfg.LoadSources("../config/sources"); err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	return cfg
}

func readFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

func TestSelectorParserAvito(t *testing.T) {
	cfg := loadSources(t)
	p, err := NewSelectorParser(cfg.Sources["avito"])
	if err != nil {
		t.Fatalf("NewSelectorParser: %v", err)
	}

	listings, err := p.Parse(readFixture(t, "avito_search.html"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(listings) != 3 {
		t.Fatalf("got %d listings, want 3", len(listings))
	}

	first := listings[0]
	if first.NaturalID != "3456789012" {
		t.Fatalf("NaturalID = %q", first.NaturalID)
	}
	if first.URL != "https://www.avito.ru/moskva/kvartiry/2-k._kvartira_543m_512_et._3456789012" {
		t.Fatalf("URL = %q", first.URL)
	}
	if first.Price != 18500000 || first.Rooms != 2 || first.Area != 54.3 || first.Floor != 5 || first.TotalFloors != 12 {
		t.Fatalf("listing = %+v", first)
	}
	wantLabels := []string{"Россия, Москва", "р-н Хамовники", "Комсомольский пр-т, 24", "м. Фрунзенская, 7 мин."}
	if len(first.GeoLabels) != len(wantLabels) {
		t.Fatalf("GeoLabels = %q", first.GeoLabels)
	}
	for i := range wantLabels {
		if first.GeoLabels[i] != wantLabels[i] {
			t.Fatalf("GeoLabels[%d] = %q, want %q", i, first.GeoLabels[i], wantLabels[i])
		}
	}
	if first.MetroExternalID != "155" {
		t.Fatalf("MetroExternalID = %q", first.MetroExternalID)
	}
	if first.SellerText != "Собственник\nИрина" || len(first.Tags) != 2 {
		t.Fatalf("seller = %q tags = %q", first.SellerText, first.Tags)
	}
	if !first.CreatedAt.Equal(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("CreatedAt = %v", first.CreatedAt)
	}

	studio := listings[1]
	if studio.Rooms != 0 || studio.ComplexName != "ЖК Скандинавский" || studio.URL != "https://www.avito.ru/moskva/kvartiry/studiya_25m_317_et._3456789013" {
		t.Fatalf("studio = %+v", studio)
	}

	if listings[2].NaturalID != "" {
		t.Fatalf("promo card NaturalID = %q, want empty", listings[2].NaturalID)
	}
}

func TestSelectorParserEmptyPage(t *testing.T) {
	cfg := loadSources(t)
	p, _ := NewSelectorParser(cfg.Sources["avito"])

	listings, err := p.Parse(`<html><body><div data-marker="catalog-serp"></div></body></html>`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(listings) != 0 {
		t.Fatalf("listings = %v", listings)
	}
}

func TestSelectorParserKeepsMalformedID(t *testing.T) {
	cfg := loadSources(t)
	p, _ := NewSelectorParser(cfg.Sources["avito"])

	listings, err := p.Parse(`<html><body><div data-marker="item" data-item-id="ad-12x34"></div></body></html>`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(listings) != 1 || listings[0].NaturalID != "ad-12x34" {
		t.Fatalf("listings = %+v, want the raw id kept", listings)
	}
}

func TestUnitURL(t *testing.T) {
	cfg := loadSources(t)
	day := 24 * time.Hour
	unit := models.Unit{ID: 37, Name: "Фрунзенская", ExternalID: "155", Slug: "frunzenskaya"}

	tests := []struct {
		name string
		src  string
		key  models.CrawlKey
		page int
		want string
	}{
		{
			name: "avito resale",
			src:  "avito",
			key:  models.CrawlKey{PropertyType: models.PropertyTypeResale, TimeWindow: &day, Source: models.SourceAvito},
			page: 2,
			want: "https://www.avito.ru/moskva/kvartiry/prodam/vtorichka-ASgBAQICAUSSA8YQAUDmBxSMUg?metro=155&s=104&p=2",
		},
		{
			name: "cian new build",
			src:  "cian",
			key:  models.CrawlKey{PropertyType: models.PropertyTypeNewBuild, Source: models.SourceCian},
			page: 1,
			want: "https://www.cian.ru/cat.php?deal_type=sale&engine_version=2&offer_type=flat&region=1&metro%5B0%5D=155&object_type%5B0%5D=2&p=1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnitURL(cfg.Sources[tt.src], tt.key, unit, tt.page)
			if got != tt.want {
				t.Fatalf("UnitURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNaturalID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"3456789012", "3456789012"},
		{"https://www.cian.ru/sale/flat/301234567/", "301234567"},
		{"/moskva/kvartiry/2-k._kvartira_543m_512_et._3456789012", "3456789012"},
		{"https://www.avito.ru/moskva/kvartiry/2-k._kvartira_543m_512_et._3456789012?context=x", "3456789012"},
		{"", ""},
		// not an id and not a listing URL: left for ingestion to reject
		{"ad-12x34", "ad-12x34"},
		{"promo", "promo"},
		{"https://www.cian.ru/sale/flat/301234567/photos", "https://www.cian.ru/sale/flat/301234567/photos"},
	}
	for _, tt := range tests {
		if got := naturalID(tt.in); got != tt.want {
			t.Errorf("naturalID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
