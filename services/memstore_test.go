package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"realty_scrooper/apperr"
	"realty_scrooper/models"
)

// memStore is an in-memory SessionStore, AdStore and geo.Lookup used by the service tests.
type memStore struct {
	mu sync.Mutex

	units     []models.Unit
	districts []models.District
	metros    []models.Metro

	sessions  map[int64]*models.CrawlSession
	nextID    int64
	ads       map[int64]*models.Ad
	nextAdID  int64
	clock     time.Time
	lookups   int
	err       error
	insertErr map[int64]error
}

func newMemStore(unitIDs ...int) *memStore {
	s := &memStore{
		sessions:  make(map[int64]*models.CrawlSession),
		ads:       make(map[int64]*models.Ad),
		clock:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		insertErr: make(map[int64]error),
	}
	for _, id := range unitIDs {
		s.units = append(s.units, models.Unit{ID: id, Name: fmt.Sprintf("unit-%d", id)})
	}
	return s
}

func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *memStore) ListUnits(ctx context.Context) ([]models.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	units := append([]models.Unit(nil), s.units...)
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

func (s *memStore) CreateSession(ctx context.Context, cs *models.CrawlSession) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.nextID++
	row := *cs
	row.ID = s.nextID
	row.UpdatedAt = s.tick()
	s.sessions[row.ID] = &row
	return row.ID, nil
}

func (s *memStore) AdvanceSession(ctx context.Context, id int64, cursor int, processed *int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	row, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	if row.Cursor == cursor && (processed == nil || *processed == row.ProcessedUnits) {
		return false, nil
	}
	row.Cursor = cursor
	if processed != nil {
		row.ProcessedUnits = *processed
	}
	row.UpdatedAt = s.tick()
	return true, nil
}

func (s *memStore) CompleteSession(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if row, ok := s.sessions[id]; ok {
		row.Status = models.SessionStatusCompleted
		row.UpdatedAt = s.tick()
	}
	return nil
}

func (s *memStore) LatestSession(ctx context.Context, key models.CrawlKey) (*models.CrawlSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	var best *models.CrawlSession
	for _, row := range s.sessions {
		if !sameKey(row.Key(), key) {
			continue
		}
		if best == nil || row.UpdatedAt.After(best.UpdatedAt) ||
			(row.UpdatedAt.Equal(best.UpdatedAt) && row.ID > best.ID) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func sameKey(a, b models.CrawlKey) bool {
	if a.PropertyType != b.PropertyType || a.Source != b.Source {
		return false
	}
	if a.TimeWindow == nil || b.TimeWindow == nil {
		return a.TimeWindow == nil && b.TimeWindow == nil
	}
	return *a.TimeWindow == *b.TimeWindow
}

func (s *memStore) GetAdByNaturalID(ctx context.Context, naturalID int64) (*models.Ad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ad, ok := s.ads[naturalID]
	if !ok {
		return nil, nil
	}
	out := *ad
	return &out, nil
}

func (s *memStore) InsertAd(ctx context.Context, ad *models.Ad) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if err := s.insertErr[ad.NaturalID]; err != nil {
		return false, err
	}
	if existing, ok := s.ads[ad.NaturalID]; ok {
		existing.Processed = existing.Processed || ad.Processed
		existing.SessionID = ad.SessionID
		existing.LastSeenAt = ad.LastSeenAt
		return false, nil
	}
	s.nextAdID++
	row := *ad
	row.ID = s.nextAdID
	s.ads[ad.NaturalID] = &row
	return true, nil
}

func (s *memStore) RefreshAd(ctx context.Context, naturalID int64, processed bool, sessionID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if row, ok := s.ads[naturalID]; ok {
		row.Processed = processed
		row.SessionID = sessionID
		row.LastSeenAt = s.tick()
	}
	return nil
}

func (s *memStore) Districts(ctx context.Context) ([]models.District, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	return s.districts, s.err
}

func (s *memStore) Metros(ctx context.Context) ([]models.Metro, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	return s.metros, s.err
}

var errConstraint = fmt.Errorf("%w: ads_price_check", apperr.ErrConstraint)
