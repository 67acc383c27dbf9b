package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"realty_scrooper/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the crawler tables. The reference tables are created empty;
// the bootstrap tool fills them.
func (s *PostgresStore) Migrate(ctx context.Context) error {
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
		id BIGSERIAL PRIMARY KEY,
		property_type SMALLINT NOT NULL CHECK (property_type IN (1, 2)),
		time_window_sec INTEGER,
		source SMALLINT NOT NULL,
		cursor_unit_id INTEGER NOT NULL,
		total_units INTEGER NOT NULL DEFAULT 0,
		processed_units INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS ads (
		id BIGSERIAL PRIMARY KEY,
		natural_id BIGINT NOT NULL UNIQUE,
		source SMALLINT,
		property_type SMALLINT,
		price BIGINT CHECK (price >= 0),
		rooms INTEGER,
		area DOUBLE PRECISION,
		floor INTEGER,
		total_floors INTEGER,
		complex_name TEXT,
		geo_labels TEXT[],
		seller_text TEXT,
		url TEXT,
		listed_at TIMESTAMPTZ,
		district_id INTEGER,
		metro_id INTEGER,
		address TEXT,
		station_name TEXT,
		walk_minutes INTEGER,
		tags TEXT[],
		person TEXT,
		person_type TEXT,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		session_id BIGINT REFERENCES crawl_sessions(id),
		first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS crawl_runs (
		id BIGSERIAL PRIMARY KEY,
		session_id BIGINT,
		source SMALLINT,
		property_type SMALLINT,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		units_done INTEGER NOT NULL DEFAULT 0,
		units_skipped INTEGER NOT NULL DEFAULT 0,
		ads_inserted INTEGER NOT NULL DEFAULT 0,
		ads_refreshed INTEGER NOT NULL DEFAULT 0,
		records_dropped INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_crawl_sessions_key ON crawl_sessions(property_type, source, time_window_sec, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ads_processed ON ads(processed) WHERE processed = FALSE;
	CREATE INDEX IF NOT EXISTS idx_ads_session ON ads(session_id);
	CREATE INDEX IF NOT EXISTS idx_crawl_runs_started ON crawl_runs(started_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Reference data
// =============================================================================

func (s *PostgresStore) ListUnits(ctx context.Context) ([]models.Unit, error) {
	rows, err := s.pool.Query(ctx, `
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

func (s *PostgresStore) Districts(ctx context.Context) ([]models.District, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, COALESCE(external_id, '') FROM districts ORDER BY id`)
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

func (s *PostgresStore) Metros(ctx context.Context) ([]models.Metro, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, COALESCE(external_id, '') FROM metro_stations ORDER BY id`)
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

// =============================================================================
// Crawl sessions
// =============================================================================

func (s *PostgresStore) CreateSession(ctx context.Context, cs *models.CrawlSession) (int64, error) {
	query := `
		INSERT INTO crawl_sessions (property_type, time_window_sec, source, cursor_unit_id,
			total_units, processed_units, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		cs.PropertyType, cs.Key().TimeWindowSeconds(), cs.Source, cs.Cursor,
		cs.TotalUnits, cs.ProcessedUnits, cs.Status, cs.CreatedAt, cs.UpdatedAt,
	).Scan(&cs.ID)
	if err != nil {
		return 0, classify(err)
	}
	return cs.ID, nil
}

func (s *PostgresStore) AdvanceSession(ctx context.Context, id int64, cursor int, processed *int) (bool, error) {
	query := `
		UPDATE crawl_sessions SET
			cursor_unit_id = $2,
			processed_units = COALESCE($3::integer, processed_units),
			updated_at = $4
		WHERE id = $1
			AND (cursor_unit_id <> $2 OR ($3::integer IS NOT NULL AND processed_units <> $3::integer))`

	tag, err := s.pool.Exec(ctx, query, id, cursor, processed, s.now())
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CompleteSession(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE crawl_sessions SET status = $2, updated_at = $3 WHERE id = $1`,
		id, models.SessionStatusCompleted, s.now())
	return classify(err)
}

func (s *PostgresStore) LatestSession(ctx context.Context, key models.CrawlKey) (*models.CrawlSession, error) {
	query := `
		SELECT id, property_type, time_window_sec, source, cursor_unit_id,
			total_units, processed_units, status, created_at, updated_at
		FROM crawl_sessions
		WHERE property_type = $1 AND source = $2 AND time_window_sec IS NOT DISTINCT FROM $3::integer
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`

	var cs models.CrawlSession
	var windowSec *int64
	err := s.pool.QueryRow(ctx, query, key.PropertyType, key.Source, key.TimeWindowSeconds()).Scan(
		&cs.ID, &cs.PropertyType, &windowSec, &cs.Source, &cs.Cursor,
		&cs.TotalUnits, &cs.ProcessedUnits, &cs.Status, &cs.CreatedAt, &cs.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cs.TimeWindow = models.DurationFromSeconds(windowSec)
	return &cs, nil
}

// ActiveKeys lists the keys whose latest session is still Active.
func (s *PostgresStore) ActiveKeys(ctx context.Context) ([]models.CrawlKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (property_type, source, time_window_sec)
			property_type, source, time_window_sec, status
		FROM crawl_sessions
		ORDER BY property_type, source, time_window_sec, updated_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.CrawlKey
	for rows.Next() {
		var key models.CrawlKey
		var windowSec *int64
		var status models.SessionStatus
		if err := rows.Scan(&key.PropertyType, &key.Source, &windowSec, &status); err != nil {
			return nil, err
		}
		if status != models.SessionStatusActive {
			continue
		}
		key.TimeWindow = models.DurationFromSeconds(windowSec)
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// =============================================================================
// Ads
// =============================================================================

const adColumns = `id, natural_id, COALESCE(source, 0), COALESCE(property_type, 0), COALESCE(price, 0),
	COALESCE(rooms, 0), COALESCE(area, 0), COALESCE(floor, 0), COALESCE(total_floors, 0),
	COALESCE(complex_name, ''), geo_labels, COALESCE(seller_text, ''), COALESCE(url, ''), listed_at,
	district_id, metro_id, address, COALESCE(station_name, ''), walk_minutes, tags,
	COALESCE(person, ''), COALESCE(person_type, ''), processed, session_id, first_seen_at, last_seen_at`

func (s *PostgresStore) GetAdByNaturalID(ctx context.Context, naturalID int64) (*models.Ad, error) {
	var a models.Ad
	err := s.pool.QueryRow(ctx, `SELECT `+adColumns+` FROM ads WHERE natural_id = $1`, naturalID).Scan(
		&a.ID, &a.NaturalID, &a.Source, &a.PropertyType, &a.Price,
		&a.Rooms, &a.Area, &a.Floor, &a.TotalFloors,
		&a.ComplexName, &a.GeoLabels, &a.SellerText, &a.URL, &a.ListedAt,
		&a.DistrictID, &a.MetroID, &a.Address, &a.StationName, &a.WalkMinutes, &a.Tags,
		&a.Person, &a.PersonType, &a.Processed, &a.SessionID, &a.FirstSeenAt, &a.LastSeenAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAd inserts a new ad. If the natural id already exists the row is only
// refreshed, and the returned flag is false.
func (s *PostgresStore) InsertAd(ctx context.Context, a *models.Ad) (bool, error) {
	query := `
		INSERT INTO ads (
			natural_id, source, property_type, price, rooms, area, floor, total_floors,
			complex_name, geo_labels, seller_text, url, listed_at,
			district_id, metro_id, address, station_name, walk_minutes, tags,
			person, person_type, processed, session_id, first_seen_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
		)
		ON CONFLICT (natural_id) DO UPDATE SET
			processed = ads.processed OR EXCLUDED.processed,
			session_id = COALESCE(EXCLUDED.session_id, ads.session_id),
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING id, (xmax = 0)`

	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		a.NaturalID, a.Source, a.PropertyType, a.Price, a.Rooms, a.Area, a.Floor, a.TotalFloors,
		a.ComplexName, a.GeoLabels, a.SellerText, a.URL, a.ListedAt,
		a.DistrictID, a.MetroID, a.Address, a.StationName, a.WalkMinutes, a.Tags,
		a.Person, a.PersonType, a.Processed, a.SessionID, a.FirstSeenAt, a.LastSeenAt,
	).Scan(&a.ID, &inserted)
	if err != nil {
		return false, classify(err)
	}
	return inserted, nil
}

// RefreshAd updates only the processed flag and session metadata. A processed
// ad stays processed.
func (s *PostgresStore) RefreshAd(ctx context.Context, naturalID int64, processed bool, sessionID *int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ads SET
			processed = processed OR $2,
			session_id = COALESCE($3, session_id),
			last_seen_at = $4
		WHERE natural_id = $1`,
		naturalID, processed, sessionID, s.now())
	return classify(err)
}

// =============================================================================
// Crawl runs
// =============================================================================

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.CrawlRun) error {
	query := `
		INSERT INTO crawl_runs (session_id, source, property_type, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return s.pool.QueryRow(ctx, query,
		run.SessionID, run.Source, run.PropertyType, run.StartedAt, run.Status,
	).Scan(&run.ID)
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *models.CrawlRun) error {
	query := `
		UPDATE crawl_runs SET
			session_id = $2, finished_at = $3, status = $4, units_done = $5, units_skipped = $6,
			ads_inserted = $7, ads_refreshed = $8, records_dropped = $9, error_message = $10
		WHERE id = $1`

	_, err := s.pool.Exec(ctx, query,
		run.ID, run.SessionID, run.FinishedAt, run.Status, run.UnitsDone, run.UnitsSkipped,
		run.AdsInserted, run.AdsRefreshed, run.RecordsDropped, run.ErrorMessage,
	)
	return err
}
