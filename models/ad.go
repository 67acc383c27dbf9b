package models

import (
	"time"
)

// SkipDistrictID marks an ad classified as out of primary scope. It is not a real district.
const SkipDistrictID = -1

type PersonType string

const (
	PersonTypeUnknown   PersonType = ""
	PersonTypeOwner     PersonType = "owner"
	PersonTypeAgency    PersonType = "agency"
	PersonTypeDeveloper PersonType = "developer"
)

// RawListing is a scraped record before classification. It only lives for one ingestion call.
type RawListing struct {
	NaturalID       string    `json:"natural_id"`
	Price           int64     `json:"price"`
	Rooms           int       `json:"rooms"`
	Area            float64   `json:"area"`
	Floor           int       `json:"floor"`
	TotalFloors     int       `json:"total_floors"`
	ComplexName     string    `json:"complex_name"`
	GeoLabels       []string  `json:"geo_labels"`
	MetroExternalID string    `json:"metro_external_id"`
	SellerText      string    `json:"seller_text"`
	Tags            []string  `json:"tags"`
	URL             string    `json:"url"`
	CreatedAt       time.Time `json:"created_at"`
}

type Ad struct {
	ID           int64        `json:"id" db:"id"`
	NaturalID    int64        `json:"natural_id" db:"natural_id"`
	Source       Source       `json:"source" db:"source"`
	PropertyType PropertyType `json:"property_type" db:"property_type"`
	Price        int64        `json:"price" db:"price"`
	Rooms        int          `json:"rooms" db:"rooms"`
	Area         float64      `json:"area" db:"area"`
	Floor        int          `json:"floor" db:"floor"`
	TotalFloors  int          `json:"total_floors" db:"total_floors"`
	ComplexName  string       `json:"complex_name" db:"complex_name"`
	GeoLabels    []string     `json:"geo_labels" db:"geo_labels"`
	SellerText   string       `json:"seller_text" db:"seller_text"`
	URL          string       `json:"url" db:"url"`
	ListedAt     *time.Time   `json:"listed_at" db:"listed_at"`
	DistrictID   *int         `json:"district_id" db:"district_id"`
	MetroID      *int         `json:"metro_id" db:"metro_id"`
	Address      *string      `json:"address" db:"address"`
	StationName  string       `json:"station_name" db:"station_name"`
	WalkMinutes  *int         `json:"walk_minutes" db:"walk_minutes"`
	Tags         []string     `json:"tags" db:"tags"`
	Person       string       `json:"person" db:"person"`
	PersonType   PersonType   `json:"person_type" db:"person_type"`
	Processed    bool         `json:"processed" db:"processed"`
	SessionID    *int64       `json:"session_id" db:"session_id"`
	FirstSeenAt  time.Time    `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt   time.Time    `json:"last_seen_at" db:"last_seen_at"`
}

func (a *Ad) IsSkipped() bool {
	return a.DistrictID != nil && *a.DistrictID == SkipDistrictID
}

// District and Metro are read-only reference rows owned by the bootstrap tool.
type District struct {
	ID         int    `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	ExternalID string `json:"external_id" db:"external_id"`
}

type Metro struct {
	ID         int    `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	ExternalID string `json:"external_id" db:"external_id"`
}
