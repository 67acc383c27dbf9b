package services

import (
	"context"

	"realty_scrooper/models"
)

// SessionStore persists crawl sessions and lists crawl units.
// Both storage.PostgresStore and storage.SQLiteStore implement it.
type SessionStore interface {
	ListUnits(ctx context.Context) ([]models.Unit, error)
	CreateSession(ctx context.Context, s *models.CrawlSession) (int64, error)
	// AdvanceSession reports whether the row changed. A repeated call with the
	// same cursor and processed count changes nothing.
	AdvanceSession(ctx context.Context, id int64, cursor int, processed *int) (bool, error)
	CompleteSession(ctx context.Context, id int64) error
	LatestSession(ctx context.Context, key models.CrawlKey) (*models.CrawlSession, error)
}

// AdStore persists ads keyed by their natural id.
type AdStore interface {
	GetAdByNaturalID(ctx context.Context, naturalID int64) (*models.Ad, error)
	// InsertAd returns false when another writer inserted the natural id first;
	// the existing row is then refreshed instead.
	InsertAd(ctx context.Context, ad *models.Ad) (bool, error)
	RefreshAd(ctx context.Context, naturalID int64, processed bool, sessionID *int64) error
}
