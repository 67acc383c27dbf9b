package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// CrawlRun is one invocation of the driver for a crawl key. A session may span
// several runs when a run stops early and a later one resumes it.
type CrawlRun struct {
	ID             int64        `json:"id" db:"id"`
	SessionID      *int64       `json:"session_id" db:"session_id"`
	Source         Source       `json:"source" db:"source"`
	PropertyType   PropertyType `json:"property_type" db:"property_type"`
	StartedAt      time.Time    `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time   `json:"finished_at" db:"finished_at"`
	Status         RunStatus    `json:"status" db:"status"`
	UnitsDone      int          `json:"units_done" db:"units_done"`
	UnitsSkipped   int          `json:"units_skipped" db:"units_skipped"`
	AdsInserted    int          `json:"ads_inserted" db:"ads_inserted"`
	AdsRefreshed   int          `json:"ads_refreshed" db:"ads_refreshed"`
	RecordsDropped int          `json:"records_dropped" db:"records_dropped"`
	ErrorMessage   string       `json:"error_message" db:"error_message"`
}
