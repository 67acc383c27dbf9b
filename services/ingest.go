package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"realty_scrooper/apperr"
	"realty_scrooper/geo"
	"realty_scrooper/logging"
	"realty_scrooper/models"
)

type Outcome int

const (
	OutcomeInserted Outcome = iota + 1
	OutcomeDuplicateRefreshed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeDuplicateRefreshed:
		return "duplicate_refreshed"
	default:
		return "unknown"
	}
}

// DropKind names why a record did not reach the ads table.
type DropKind string

const (
	DropValidation DropKind = "validation"
	DropStorage    DropKind = "storage"
)

type BatchStats struct {
	Inserted  int
	Refreshed int
	Dropped   map[DropKind]int
}

func (s *BatchStats) drop(kind DropKind) {
	if s.Dropped == nil {
		s.Dropped = make(map[DropKind]int)
	}
	s.Dropped[kind]++
}

func (s *BatchStats) Merge(other BatchStats) {
	s.Inserted += other.Inserted
	s.Refreshed += other.Refreshed
	for kind, n := range other.Dropped {
		if s.Dropped == nil {
			s.Dropped = make(map[DropKind]int)
		}
		s.Dropped[kind] += n
	}
}

func (s BatchStats) DroppedTotal() int {
	total := 0
	for _, n := range s.Dropped {
		total += n
	}
	return total
}

// Classifier resolves geo labels. *geo.Resolver implements it.
type Classifier interface {
	Classify(ctx context.Context, labels []string, metroExtID string) (geo.Classification, error)
	Blocked(labels []string) bool
}

// IngestionStore upserts scraped listings by natural id.
//
// The first ingestion of a natural id decides every field of the ad. Later
// ingestions only refresh the processed flag and the session metadata, so
// re-crawling the same ad never churns price, area or geography.
type IngestionStore struct {
	ads        AdStore
	classifier Classifier
	log        logging.Logger
	now        func() time.Time
}

func NewIngestionStore(ads AdStore, classifier Classifier, log logging.Logger) *IngestionStore {
	return &IngestionStore{
		ads:        ads,
		classifier: classifier,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ingest stores one record. session may be nil when ingesting outside a crawl.
func (s *IngestionStore) Ingest(ctx context.Context, raw *models.RawListing, session *models.CrawlSession) (Outcome, error) {
	naturalID, err := parseNaturalID(raw.NaturalID)
	if err != nil {
		return 0, apperr.Skipped("ingest", err)
	}

	var sessionID *int64
	if session != nil {
		id := session.ID
		sessionID = &id
	}

	existing, err := s.ads.GetAdByNaturalID(ctx, naturalID)
	if err != nil {
		return 0, apperr.Storage("ingest.lookup", err)
	}
	if existing != nil {
		processed := existing.Processed || s.classifier.Blocked(raw.GeoLabels)
		if err := s.ads.RefreshAd(ctx, naturalID, processed, sessionID); err != nil {
			return 0, apperr.Storage("ingest.refresh", err)
		}
		return OutcomeDuplicateRefreshed, nil
	}

	class, err := s.classifier.Classify(ctx, raw.GeoLabels, raw.MetroExternalID)
	if err != nil {
		return 0, apperr.Storage("ingest.classify", err)
	}

	ad := s.buildAd(naturalID, raw, class, session)
	inserted, err := s.ads.InsertAd(ctx, ad)
	if err != nil {
		return 0, apperr.Storage("ingest.insert", err)
	}
	if !inserted {
		return OutcomeDuplicateRefreshed, nil
	}
	return OutcomeInserted, nil
}

// IngestBatch ingests records in order. Validation and per-record storage
// failures are logged with their kind and skipped; a fatal error stops the batch.
func (s *IngestionStore) IngestBatch(ctx context.Context, records []models.RawListing, session *models.CrawlSession) (BatchStats, error) {
	var stats BatchStats

	for i := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		raw := &records[i]
		outcome, err := s.Ingest(ctx, raw, session)
		if err != nil {
			if !apperr.IsSkipped(err) {
				return stats, err
			}
			kind := dropKind(err)
			stats.drop(kind)
			s.log.WithFields(logrus.Fields{
				"DropKind":   kind,
				"natural_id": raw.NaturalID,
				"url":        raw.URL,
			}).WithError(err).Warn("Record dropped")
			continue
		}

		switch outcome {
		case OutcomeInserted:
			stats.Inserted++
		case OutcomeDuplicateRefreshed:
			stats.Refreshed++
		}
	}

	return stats, nil
}

func (s *IngestionStore) buildAd(naturalID int64, raw *models.RawListing, class geo.Classification, session *models.CrawlSession) *models.Ad {
	now := s.now()
	person, personType := classifySeller(raw.SellerText)

	ad := &models.Ad{
		NaturalID:   naturalID,
		Price:       raw.Price,
		Rooms:       raw.Rooms,
		Area:        raw.Area,
		Floor:       raw.Floor,
		TotalFloors: raw.TotalFloors,
		ComplexName: strings.TrimSpace(raw.ComplexName),
		GeoLabels:   raw.GeoLabels,
		SellerText:  raw.SellerText,
		URL:         raw.URL,
		DistrictID:  class.DistrictID,
		MetroID:     class.MetroID,
		Address:     class.Address,
		StationName: class.StationName,
		WalkMinutes: class.WalkMinutes,
		Tags:        normalizeTags(raw.Tags),
		Person:      person,
		PersonType:  personType,
		Processed:   class.Skip,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if !raw.CreatedAt.IsZero() {
		listed := raw.CreatedAt.UTC()
		ad.ListedAt = &listed
	}
	if session != nil {
		id := session.ID
		ad.SessionID = &id
		ad.Source = session.Source
		ad.PropertyType = session.PropertyType
	}
	return ad
}

func parseNaturalID(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: missing natural id", apperr.ErrValidation)
	}
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: malformed natural id %q", apperr.ErrValidation, raw)
	}
	return id, nil
}

func dropKind(err error) DropKind {
	if errors.Is(err, apperr.ErrValidation) {
		return DropValidation
	}
	return DropStorage
}
