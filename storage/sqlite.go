package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"realty_scrooper/models"
)

// SQLiteStore is the single-file store used for local runs and tests.
// Array columns are stored as JSON text.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS districts (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		external_id TEXT
	);

	CREATE TABLE IF NOT EXISTS metro_stations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		external_id TEXT,
		slug TEXT
	);

	CREATE TABLE IF NOT EXISTS crawl_sessions (
		id INTEGER PRIMARY KEY,
		property_type INTEGER NOT NULL CHECK (property_type IN (1, 2)),
		time_window_sec INTEGER,
		source INTEGER NOT NULL,
		cursor_unit_id INTEGER NOT NULL,
		total_units INTEGER NOT NULL DEFAULT 0,
		processed_units INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ads (
		id INTEGER PRIMARY KEY,
		natural_id INTEGER NOT NULL UNIQUE,
		source INTEGER,
		property_type INTEGER,
		price INTEGER CHECK (price >= 0),
		rooms INTEGER,
		area REAL,
		floor INTEGER,
		total_floors INTEGER,
		complex_name TEXT,
		geo_labels JSON,
		seller_text TEXT,
		url TEXT,
		listed_at DATETIME,
		district_id INTEGER,
		metro_id INTEGER,
		address TEXT,
		station_name TEXT,
		walk_minutes INTEGER,
		tags JSON,
		person TEXT,
		person_type TEXT,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		session_id INTEGER REFERENCES crawl_sessions(id),
		first_seen_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS crawl_runs (
		id INTEGER PRIMARY KEY,
		session_id INTEGER,
		source INTEGER,
		property_type INTEGER,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		units_done INTEGER DEFAULT 0,
		units_skipped INTEGER DEFAULT 0,
		ads_inserted INTEGER DEFAULT 0,
		ads_refreshed INTEGER DEFAULT 0,
		records_dropped INTEGER DEFAULT 0,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_crawl_sessions_key ON crawl_sessions(property_type, source, time_window_sec, updated_at);
	CREATE INDEX IF NOT EXISTS idx_ads_processed ON ads(processed) WHERE processed = FALSE;
	CREATE INDEX IF NOT EXISTS idx_crawl_runs_started ON crawl_runs(started_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) ListUnits(ctx context.Context) ([]models.Unit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(external_id, ''), COALESCE(slug, '')
		FROM metro_stations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []models.Unit
	for rows.Next() {
		var u models.Unit
		if err := rows.Scan(&u.ID, &u.Name, &u.ExternalID, &u.Slug); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *SQLiteStore) Districts(ctx context.Context) ([]models.District, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, COALESCE(external_id, '') FROM districts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var districts []models.District
	for rows.Next() {
		var d models.District
		if err := rows.Scan(&d.ID, &d.Name, &d.ExternalID); err != nil {
			return nil, err
		}
		districts = append(districts, d)
	}
	return districts, rows.Err()
}

func (s *SQLiteStore) Metros(ctx context.Context) ([]models.Metro, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, COALESCE(external_id, '') FROM metro_stations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metros []models.Metro
	for rows.Next() {
		var m models.Metro
		if err := rows.Scan(&m.ID, &m.Name, &m.ExternalID); err != nil {
			return nil, err
		}
		metros = append(metros, m)
	}
	return metros, rows.Err()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, cs *models.CrawlSession) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_sessions (property_type, time_window_sec, source, cursor_unit_id,
			total_units, processed_units, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.PropertyType, cs.Key().TimeWindowSeconds(), cs.Source, cs.Cursor,
		cs.TotalUnits, cs.ProcessedUnits, cs.Status, cs.CreatedAt.UTC(), cs.UpdatedAt.UTC())
	if err != nil {
		return 0, classify(err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	cs.ID = id
	return id, nil
}

func (s *SQLiteStore) AdvanceSession(ctx context.Context, id int64, cursor int, processed *int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE crawl_sessions SET
			cursor_unit_id = ?1,
			processed_units = COALESCE(?2, processed_units),
			updated_at = ?3
		WHERE id = ?4
			AND (cursor_unit_id <> ?1 OR (?2 IS NOT NULL AND processed_units <> ?2))`,
		cursor, processed, s.now(), id)
	if err != nil {
		return false, classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) CompleteSession(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE crawl_sessions SET status = ?, updated_at = ? WHERE id = ?`,
		models.SessionStatusCompleted, s.now(), id)
	return classify(err)
}

func (s *SQLiteStore) LatestSession(ctx context.Context, key models.CrawlKey) (*models.CrawlSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, property_type, time_window_sec, source, cursor_unit_id,
			total_units, processed_units, status, created_at, updated_at
		FROM crawl_sessions
		WHERE property_type = ? AND source = ? AND time_window_sec IS ?
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`,
		key.PropertyType, key.Source, key.TimeWindowSeconds())

	var cs models.CrawlSession
	var windowSec sql.NullInt64
	err := row.Scan(&cs.ID, &cs.PropertyType, &windowSec, &cs.Source, &cs.Cursor,
		&cs.TotalUnits, &cs.ProcessedUnits, &cs.Status, &cs.CreatedAt, &cs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if windowSec.Valid {
		cs.TimeWindow = models.DurationFromSeconds(&windowSec.Int64)
	}
	return &cs, nil
}

// ActiveKeys lists the keys whose latest session is still Active.
func (s *SQLiteStore) ActiveKeys(ctx context.Context) ([]models.CrawlKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT property_type, source, time_window_sec, status
		FROM crawl_sessions cs
		WHERE id = (
			SELECT id FROM crawl_sessions o
			WHERE o.property_type = cs.property_type AND o.source = cs.source
				AND o.time_window_sec IS cs.time_window_sec
			ORDER BY o.updated_at DESC, o.id DESC LIMIT 1
		)
		ORDER BY property_type, source, time_window_sec`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.CrawlKey
	for rows.Next() {
		var key models.CrawlKey
		var windowSec sql.NullInt64
		var status models.SessionStatus
		if err := rows.Scan(&key.PropertyType, &key.Source, &windowSec, &status); err != nil {
			return nil, err
		}
		if status != models.SessionStatusActive {
			continue
		}
		if windowSec.Valid {
			key.TimeWindow = models.DurationFromSeconds(&windowSec.Int64)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) GetAdByNaturalID(ctx context.Context, naturalID int64) (*models.Ad, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, natural_id, COALESCE(source, 0), COALESCE(property_type, 0), COALESCE(price, 0),
			COALESCE(rooms, 0), COALESCE(area, 0), COALESCE(floor, 0), COALESCE(total_floors, 0),
			COALESCE(complex_name, ''), geo_labels, COALESCE(seller_text, ''), COALESCE(url, ''), listed_at,
			district_id, metro_id, address, COALESCE(station_name, ''), walk_minutes, tags,
			COALESCE(person, ''), COALESCE(person_type, ''), processed, session_id, first_seen_at, last_seen_at
		FROM ads WHERE natural_id = ?`, naturalID)

	var a models.Ad
	var geoLabels, tags sql.NullString
	var listedAt sql.NullTime
	var districtID, metroID, walkMinutes sql.NullInt64
	var address sql.NullString
	var sessionID sql.NullInt64
	err := row.Scan(&a.ID, &a.NaturalID, &a.Source, &a.PropertyType, &a.Price,
		&a.Rooms, &a.Area, &a.Floor, &a.TotalFloors,
		&a.ComplexName, &geoLabels, &a.SellerText, &a.URL, &listedAt,
		&districtID, &metroID, &address, &a.StationName, &walkMinutes, &tags,
		&a.Person, &a.PersonType, &a.Processed, &sessionID, &a.FirstSeenAt, &a.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := decodeStrings(geoLabels, &a.GeoLabels); err != nil {
		return nil, fmt.Errorf("decode geo_labels: %w", err)
	}
	if err := decodeStrings(tags, &a.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if listedAt.Valid {
		a.ListedAt = &listedAt.Time
	}
	a.DistrictID = nullInt(districtID)
	a.MetroID = nullInt(metroID)
	a.WalkMinutes = nullInt(walkMinutes)
	if address.Valid {
		a.Address = &address.String
	}
	if sessionID.Valid {
		a.SessionID = &sessionID.Int64
	}
	return &a, nil
}

// InsertAd inserts a new ad. If the natural id already exists the row is only
// refreshed, and the returned flag is false.
func (s *SQLiteStore) InsertAd(ctx context.Context, a *models.Ad) (bool, error) {
	geoLabels, err := json.Marshal(a.GeoLabels)
	if err != nil {
		return false, err
	}
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO ads (
			natural_id, source, property_type, price, rooms, area, floor, total_floors,
			complex_name, geo_labels, seller_text, url, listed_at,
			district_id, metro_id, address, station_name, walk_minutes, tags,
			person, person_type, processed, session_id, first_seen_at, last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(natural_id) DO NOTHING`,
		a.NaturalID, a.Source, a.PropertyType, a.Price, a.Rooms, a.Area, a.Floor, a.TotalFloors,
		a.ComplexName, string(geoLabels), a.SellerText, a.URL, a.ListedAt,
		a.DistrictID, a.MetroID, a.Address, a.StationName, a.WalkMinutes, string(tags),
		a.Person, a.PersonType, a.Processed, a.SessionID, a.FirstSeenAt.UTC(), a.LastSeenAt.UTC())
	if err != nil {
		return false, classify(err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ads SET
				processed = processed OR ?,
				session_id = COALESCE(?, session_id),
				last_seen_at = ?
			WHERE natural_id = ?`,
			a.Processed, a.SessionID, a.LastSeenAt.UTC(), a.NaturalID); err != nil {
			return false, classify(err)
		}
		return false, tx.Commit()
	}

	if a.ID, err = result.LastInsertId(); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// RefreshAd updates only the processed flag and session metadata. A processed
// ad stays processed.
func (s *SQLiteStore) RefreshAd(ctx context.Context, naturalID int64, processed bool, sessionID *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ads SET
			processed = processed OR ?,
			session_id = COALESCE(?, session_id),
			last_seen_at = ?
		WHERE natural_id = ?`,
		processed, sessionID, s.now(), naturalID)
	return classify(err)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.CrawlRun) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_runs (session_id, source, property_type, started_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		run.SessionID, run.Source, run.PropertyType, run.StartedAt.UTC(), run.Status)
	if err != nil {
		return err
	}
	run.ID, err = result.LastInsertId()
	return err
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *models.CrawlRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE crawl_runs SET session_id = ?, finished_at = ?, status = ?, units_done = ?, units_skipped = ?,
			ads_inserted = ?, ads_refreshed = ?, records_dropped = ?, error_message = ?
		WHERE id = ?`,
		run.SessionID, run.FinishedAt, run.Status, run.UnitsDone, run.UnitsSkipped,
		run.AdsInserted, run.AdsRefreshed, run.RecordsDropped, run.ErrorMessage, run.ID)
	return err
}

func decodeStrings(raw sql.NullString, dst *[]string) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
