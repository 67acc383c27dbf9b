package models

import (
	"fmt"
	"strings"
	"time"
)

type PropertyType int

const (
	PropertyTypeResale   PropertyType = 1
	PropertyTypeNewBuild PropertyType = 2
)

func (p PropertyType) String() string {
	switch p {
	case PropertyTypeResale:
		return "resale"
	case PropertyTypeNewBuild:
		return "new_build"
	default:
		return fmt.Sprintf("property_type(%d)", int(p))
	}
}

func ParsePropertyType(s string) (PropertyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "resale", "secondary", "1":
		return PropertyTypeResale, nil
	case "new_build", "newbuild", "new", "2":
		return PropertyTypeNewBuild, nil
	}
	return 0, fmt.Errorf("unknown property type %q", s)
}

type Source int

const (
	SourceAvito    Source = 1
	SourceDomclick Source = 2
	SourceYandex   Source = 3
	SourceCian     Source = 4
)

func (s Source) String() string {
	switch s {
	case SourceAvito:
		return "avito"
	case SourceDomclick:
		return "domclick"
	case SourceYandex:
		return "yandex"
	case SourceCian:
		return "cian"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "avito":
		return SourceAvito, nil
	case "domclick":
		return SourceDomclick, nil
	case "yandex":
		return SourceYandex, nil
	case "cian":
		return SourceCian, nil
	}
	return 0, fmt.Errorf("unknown source %q", s)
}

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

// CrawlKey identifies an independent crawl. Sessions are not unique per key.
type CrawlKey struct {
	PropertyType PropertyType
	TimeWindow   *time.Duration // nil means "no time filter"
	Source       Source
}

func (k CrawlKey) String() string {
	window := "all"
	if k.TimeWindow != nil {
		window = k.TimeWindow.String()
	}
	return fmt.Sprintf("%s/%s/%s", k.Source, k.PropertyType, window)
}

// TimeWindowSeconds is the persisted form of TimeWindow.
func (k CrawlKey) TimeWindowSeconds() *int64 {
	if k.TimeWindow == nil {
		return nil
	}
	sec := int64(k.TimeWindow.Seconds())
	return &sec
}

func DurationFromSeconds(sec *int64) *time.Duration {
	if sec == nil {
		return nil
	}
	d := time.Duration(*sec) * time.Second
	return &d
}

type CrawlSession struct {
	ID             int64          `json:"id" db:"id"`
	PropertyType   PropertyType   `json:"property_type" db:"property_type"`
	TimeWindow     *time.Duration `json:"time_window" db:"time_window_sec"`
	Source         Source         `json:"source" db:"source"`
	Cursor         int            `json:"cursor" db:"cursor_unit_id"`
	TotalUnits     int            `json:"total_units" db:"total_units"`
	ProcessedUnits int            `json:"processed_units" db:"processed_units"`
	Status         SessionStatus  `json:"status" db:"status"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

func (s *CrawlSession) Key() CrawlKey {
	return CrawlKey{PropertyType: s.PropertyType, TimeWindow: s.TimeWindow, Source: s.Source}
}

func (s *CrawlSession) IsActive() bool {
	return s.Status == SessionStatusActive
}

// Unit is a crawl partition (a metro station). Units are visited in ascending ID order.
type Unit struct {
	ID         int    `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	ExternalID string `json:"external_id" db:"external_id"`
	Slug       string `json:"slug" db:"slug"`
}
