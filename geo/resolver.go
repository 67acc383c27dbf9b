// Package geo turns the free-text location breadcrumb of a listing into an
// address, a reference district and a reference metro station.
//
// Matching against reference data is exact after Unicode case folding. There is
// no fuzzy matching: a label that does not match exactly resolves to nil.
package geo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"realty_scrooper/models"
)

// Lookup reads the reference tables owned by the bootstrap process.
type Lookup interface {
	Districts(ctx context.Context) ([]models.District, error)
	Metros(ctx context.Context) ([]models.Metro, error)
}

type Classification struct {
	Address      *string
	DistrictID   *int
	DistrictName string
	MetroID      *int
	StationName  string
	WalkMinutes  *int
	Skip         bool
}

type Resolver struct {
	lookup  Lookup
	matcher *matcher
	refresh time.Duration
	now     func() time.Time

	mu           sync.Mutex
	loadedAt     time.Time
	districts    map[string]int
	metroByName  map[string]int
	metroByExtID map[string]int
}

func NewResolver(lookup Lookup, rules Rules) (*Resolver, error) {
	m, err := compile(rules)
	if err != nil {
		return nil, err
	}
	refresh := rules.Refresh
	if refresh <= 0 {
		refresh = DefaultRules().Refresh
	}
	return &Resolver{lookup: lookup, matcher: m, refresh: refresh, now: time.Now}, nil
}

// Classify parses labels and resolves the district and metro against the
// reference tables, which are re-read once the refresh interval has passed so
// rows added by the bootstrap tool are picked up. metroExtID is the source's own station id, if it has one.
// Blocklisted labels short-circuit to the skip sentinel before any lookup.
func (r *Resolver) Classify(ctx context.Context, labels []string, metroExtID string) (Classification, error) {
	parsed := r.matcher.parse(labels)
	if parsed.Skip {
		skip := models.SkipDistrictID
		return Classification{Skip: true, DistrictID: &skip}, nil
	}

	c := Classification{
		DistrictName: parsed.DistrictName,
		StationName:  parsed.StationName,
		WalkMinutes:  parsed.WalkMinutes,
	}
	if parsed.Address != "" {
		addr := parsed.Address
		c.Address = &addr
	}

	needDistrict := parsed.DistrictName != ""
	needMetro := parsed.StationName != "" || metroExtID != ""
	if !needDistrict && !needMetro {
		return c, nil
	}

	if err := r.load(ctx); err != nil {
		return Classification{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if needDistrict {
		if id, ok := r.districts[fold(parsed.DistrictName)]; ok {
			c.DistrictID = &id
		}
	}

	if metroExtID != "" {
		if id, ok := r.metroByExtID[strings.TrimSpace(metroExtID)]; ok {
			c.MetroID = &id
		}
	} else if parsed.StationName != "" {
		if id, ok := r.metroByName[fold(parsed.StationName)]; ok {
			c.MetroID = &id
		}
	}

	return c, nil
}

// Blocked reports whether labels hit the blocklist. It never touches reference data.
func (r *Resolver) Blocked(labels []string) bool {
	_, ok := r.matcher.blocked(labels)
	return ok
}

func (r *Resolver) load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loadedAt.IsZero() && r.now().Sub(r.loadedAt) < r.refresh {
		return nil
	}

	districts, err := r.lookup.Districts(ctx)
	if err != nil {
		return fmt.Errorf("load districts: %w", err)
	}
	metros, err := r.lookup.Metros(ctx)
	if err != nil {
		return fmt.Errorf("load metros: %w", err)
	}

	r.districts = make(map[string]int, len(districts))
	for _, d := range districts {
		r.districts[fold(d.Name)] = d.ID
	}

	r.metroByName = make(map[string]int, len(metros))
	r.metroByExtID = make(map[string]int, len(metros))
	for _, m := range metros {
		r.metroByName[fold(m.Name)] = m.ID
		if m.ExternalID != "" {
			r.metroByExtID[m.ExternalID] = m.ID
		}
	}

	r.loadedAt = r.now()
	return nil
}
