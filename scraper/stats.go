package scraper

import (
	"github.com/sirupsen/logrus"
	"realty_scrooper/models"
	"realty_scrooper/services"
)

// RunStats counts what one run of a crawl key did.
type RunStats struct {
	services.BatchStats
	UnitsDone    int
	UnitsSkipped int
}

func (s *RunStats) Fields() logrus.Fields {
	f := logrus.Fields{
		"units_done":    s.UnitsDone,
		"units_skipped": s.UnitsSkipped,
		"inserted":      s.Inserted,
		"refreshed":     s.Refreshed,
	}
	for kind, n := range s.Dropped {
		f["dropped_"+string(kind)] = n
	}
	return f
}

func (s *RunStats) apply(run *models.CrawlRun) {
	run.UnitsDone = s.UnitsDone
	run.UnitsSkipped = s.UnitsSkipped
	run.AdsInserted = s.Inserted
	run.AdsRefreshed = s.Refreshed
	run.RecordsDropped = s.DroppedTotal()
}
