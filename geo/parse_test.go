package geo

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseBreadcrumb(t *testing.T) {
	got, err := Parse([]string{"Россия, Москва", "р-н Хамовники", "м. Парк культуры, 5 мин."}, DefaultRules())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got.Skip {
		t.Fatalf("unexpected skip")
	}
	if got.Address != "Россия, Москва" {
		t.Fatalf("Address = %q, want %q", got.Address, "Россия, Москва")
	}
	if got.DistrictName != "Хамовники" {
		t.Fatalf("DistrictName = %q, want %q", got.DistrictName, "Хамовники")
	}
	if got.StationName != "Парк культуры" {
		t.Fatalf("StationName = %q, want %q", got.StationName, "Парк культуры")
	}
	if got.WalkMinutes == nil || *got.WalkMinutes != 5 {
		t.Fatalf("WalkMinutes = %v, want 5", got.WalkMinutes)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		labels       []string
		wantAddress  string
		wantDistrict string
		wantStation  string
		wantMinutes  int // 0 means nil
	}{
		{
			name:         "labels after district form the address",
			labels:       []string{"Москва", "Пресненский район", "ул. Красная Пресня", "д. 5"},
			wantAddress:  "ул. Красная Пресня, д. 5",
			wantDistrict: "Пресненский",
		},
		{
			name:        "no district keeps every non-metro label",
			labels:      []string{"Москва", "ул. Льва Толстого, 16", "метро Парк культуры"},
			wantAddress: "Москва, ул. Льва Толстого, 16",
			wantStation: "Парк культуры",
		},
		{
			name:         "first district wins",
			labels:       []string{"р-н Арбат", "р-н Хамовники", "Смоленская ул."},
			wantAddress:  "р-н Хамовники, Смоленская ул.",
			wantDistrict: "Арбат",
		},
		{
			name:         "first metro wins",
			labels:       []string{"р.н. Тверской", "м. Пушкинская, 3 мин.", "м. Чеховская, 7 мин."},
			wantDistrict: "Тверской",
			wantStation:  "Пушкинская",
			wantMinutes:  3,
		},
		{
			name:        "no metro",
			labels:      []string{"Москва", "Ленинградский проспект, 31"},
			wantAddress: "Москва, Ленинградский проспект, 31",
		},
		{
			name:        "marker inside a word is not a district",
			labels:      []string{"Районная ул., 4"},
			wantAddress: "Районная ул., 4",
		},
		{
			name:         "non-breaking space before minutes",
			labels:       []string{"р-он Сокол", "станция Сокол, 12\u00a0мин"},
			wantDistrict: "Сокол",
			wantStation:  "Сокол",
			wantMinutes:  12,
		},
		{
			name:        "station before stop word",
			labels:      []string{"Сокольники", "Сокольники метро"},
			wantAddress: "Сокольники",
			wantStation: "Сокольники",
		},
		{
			name:         "minutes without space",
			labels:       []string{"район Сокол", "м. Войковская,12мин"},
			wantDistrict: "Сокол",
			wantStation:  "Войковская",
			wantMinutes:  12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.labels, DefaultRules())
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got.Address != tt.wantAddress {
				t.Fatalf("Address = %q, want %q", got.Address, tt.wantAddress)
			}
			if got.DistrictName != tt.wantDistrict {
				t.Fatalf("DistrictName = %q, want %q", got.DistrictName, tt.wantDistrict)
			}
			if got.StationName != tt.wantStation {
				t.Fatalf("StationName = %q, want %q", got.StationName, tt.wantStation)
			}
			switch {
			case tt.wantMinutes == 0 && got.WalkMinutes != nil:
				t.Fatalf("WalkMinutes = %d, want nil", *got.WalkMinutes)
			case tt.wantMinutes != 0 && (got.WalkMinutes == nil || *got.WalkMinutes != tt.wantMinutes):
				t.Fatalf("WalkMinutes = %v, want %d", got.WalkMinutes, tt.wantMinutes)
			}
		})
	}
}

func TestParseBlocklist(t *testing.T) {
	got, err := Parse([]string{"Москва", "поселение Сосенское, Новомосковский административный округ"}, DefaultRules())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.Skip {
		t.Fatalf("expected skip")
	}
	if got.Address != "" || got.DistrictName != "" || got.StationName != "" {
		t.Fatalf("skip result should carry no geography: %+v", got)
	}

	got, _ = Parse([]string{"НОВОМОСКОВСКИЙ АО"}, DefaultRules())
	if !got.Skip {
		t.Fatalf("blocklist match should ignore case")
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.yaml")
	if err := os.WriteFile(path, []byte("blocklist:\n  - Зеленоград\nrefresh: 5m\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules.Blocklist) != 1 || rules.Blocklist[0] != "Зеленоград" {
		t.Fatalf("Blocklist = %v", rules.Blocklist)
	}
	if rules.Refresh != 5*time.Minute {
		t.Fatalf("Refresh = %v, want 5m", rules.Refresh)
	}
	if len(rules.DistrictMarkers) == 0 || rules.MinutesPattern == "" {
		t.Fatalf("unset fields should fall back to defaults: %+v", rules)
	}

	rules, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if len(rules.MetroStopWords) != 3 {
		t.Fatalf("expected default stop words, got %v", rules.MetroStopWords)
	}
}
