package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"realty_scrooper/apperr"
	"realty_scrooper/logging"
	"realty_scrooper/models"
)

// ProgressTracker records how far each crawl key got through the unit list.
//
// Sessions move Active -> Active on Advance and Active -> Completed on Complete.
// No transition removes a session. Every persistence failure is returned as a
// fatal storage error so the run stops and the next run resumes from the last
// durable cursor.
type ProgressTracker struct {
	store SessionStore
	log   logging.Logger
	now   func() time.Time
}

func NewProgressTracker(store SessionStore, log logging.Logger) *ProgressTracker {
	return &ProgressTracker{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Units returns the crawl units in ascending id order.
func (t *ProgressTracker) Units(ctx context.Context) ([]models.Unit, error) {
	units, err := t.store.ListUnits(ctx)
	if err != nil {
		return nil, apperr.Storage("progress.units", err)
	}
	return units, nil
}

// CreateSession starts a new Active session whose cursor is the lowest unit id.
// totalUnits <= 0 means "all units".
func (t *ProgressTracker) CreateSession(ctx context.Context, key models.CrawlKey, totalUnits int) (int64, error) {
	units, err := t.Units(ctx)
	if err != nil {
		return 0, err
	}
	if len(units) == 0 {
		return 0, apperr.Fatal("progress.create", fmt.Errorf("%w: no crawl units configured", apperr.ErrConfig))
	}
	if totalUnits <= 0 {
		totalUnits = len(units)
	}

	now := t.now()
	session := &models.CrawlSession{
		PropertyType: key.PropertyType,
		TimeWindow:   key.TimeWindow,
		Source:       key.Source,
		Cursor:       units[0].ID,
		TotalUnits:   totalUnits,
		Status:       models.SessionStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	id, err := t.store.CreateSession(ctx, session)
	if err != nil {
		return 0, apperr.Storage("progress.create", err)
	}

	t.log.WithFields(logrus.Fields{
		"session": id,
		"key":     key.String(),
		"cursor":  session.Cursor,
		"total":   totalUnits,
	}).Info("Crawl session created")
	return id, nil
}

// Advance moves the cursor. processed, when non-nil, also records the number of
// units done so far. Advancing to the current cursor is a no-op.
func (t *ProgressTracker) Advance(ctx context.Context, sessionID int64, cursor int, processed *int) error {
	changed, err := t.store.AdvanceSession(ctx, sessionID, cursor, processed)
	if err != nil {
		return apperr.Storage("progress.advance", err)
	}
	if changed {
		t.log.WithFields(logrus.Fields{
			"session": sessionID,
			"cursor":  cursor,
		}).Debug("Cursor advanced")
	}
	return nil
}

// Complete marks the session finished. Callers must not Advance it afterwards.
func (t *ProgressTracker) Complete(ctx context.Context, sessionID int64) error {
	if err := t.store.CompleteSession(ctx, sessionID); err != nil {
		return apperr.Storage("progress.complete", err)
	}
	t.log.WithField("session", sessionID).Info("Crawl session completed")
	return nil
}

// Resume returns the most recently updated session for key in any status, or nil.
func (t *ProgressTracker) Resume(ctx context.Context, key models.CrawlKey) (*models.CrawlSession, error) {
	session, err := t.store.LatestSession(ctx, key)
	if err != nil {
		return nil, apperr.Storage("progress.resume", err)
	}
	return session, nil
}

// ResumeOrCreate continues the latest Active session for key, or starts a new
// one when the latest session is Completed or none exists.
func (t *ProgressTracker) ResumeOrCreate(ctx context.Context, key models.CrawlKey, totalUnits int) (*models.CrawlSession, error) {
	session, err := t.Resume(ctx, key)
	if err != nil {
		return nil, err
	}
	if session != nil && session.IsActive() {
		t.log.WithFields(logrus.Fields{
			"session": session.ID,
			"key":     key.String(),
			"cursor":  session.Cursor,
		}).Info("Resuming crawl session")
		return session, nil
	}

	if _, err := t.CreateSession(ctx, key, totalUnits); err != nil {
		return nil, err
	}
	return t.Resume(ctx, key)
}
