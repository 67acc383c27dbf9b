package scraper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"realty_scrooper/apperr"
	"realty_scrooper/config"
	"realty_scrooper/logging"
	"realty_scrooper/models"
	"realty_scrooper/services"
	"realty_scrooper/storage"
)

// RunStore records one row per run of a crawl key.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.CrawlRun) error
	FinishRun(ctx context.Context, run *models.CrawlRun) error
}

// Orchestrator drives the crawl. For each key it resumes or creates a session,
// walks the units from the cursor in ascending id order, ingests every page of
// each unit and only then advances the cursor.
//
// A unit whose pages cannot be fetched is skipped and the crawl goes on. A
// fatal error stops the key and leaves its session Active for the next run.
type Orchestrator struct {
	cfg       *config.Config
	progress  *services.ProgressTracker
	ingest    *services.IngestionStore
	runs      RunStore
	snapshots storage.SnapshotSink
	log       logging.Logger

	fetchers map[string]Fetcher
	parsers  map[string]ListingParser

	mu      sync.Mutex
	running map[string]bool
}

func NewOrchestrator(cfg *config.Config, progress *services.ProgressTracker, ingest *services.IngestionStore, runs RunStore, log logging.Logger) (*Orchestrator, error) {
	parsers := make(map[string]ListingParser)
	for id, src := range cfg.Sources {
		p, err := NewSelectorParser(src)
		if err != nil {
			return nil, apperr.Fatal("orchestrator.init", fmt.Errorf("%w: %w", apperr.ErrConfig, err))
		}
		parsers[id] = p
	}

	return &Orchestrator{
		cfg:      cfg,
		progress: progress,
		ingest:   ingest,
		runs:     runs,
		log:      log.WithField("component", "orchestrator"),
		fetchers: make(map[string]Fetcher),
		parsers:  parsers,
		running:  make(map[string]bool),
	}, nil
}

// SetFetcher registers the fetcher used for a source id.
func (o *Orchestrator) SetFetcher(sourceID string, f Fetcher) {
	o.fetchers[sourceID] = f
}

// SetParser overrides the selector parser built from the source config.
func (o *Orchestrator) SetParser(sourceID string, p ListingParser) {
	o.parsers[sourceID] = p
}

func (o *Orchestrator) SetSnapshotSink(sink storage.SnapshotSink) {
	o.snapshots = sink
}

type job struct {
	src *config.SourceConfig
	key models.CrawlKey
}

// RunAll crawls every key of every source. Keys run concurrently up to the
// configured parallelism. The first key error is returned after all keys finish.
func (o *Orchestrator) RunAll(ctx context.Context) error {
	ids := make([]string, 0, len(o.cfg.Sources))
	for id := range o.cfg.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var jobs []job
	for _, id := range ids {
		js, err := o.jobsFor(id)
		if err != nil {
			return err
		}
		jobs = append(jobs, js...)
	}
	return o.runJobs(ctx, jobs)
}

// RunSource crawls every key of one source.
func (o *Orchestrator) RunSource(ctx context.Context, sourceID string) error {
	jobs, err := o.jobsFor(sourceID)
	if err != nil {
		return err
	}
	return o.runJobs(ctx, jobs)
}

// RunKeys crawls the given keys, used by the resume poller. Keys whose source
// is not configured are skipped.
func (o *Orchestrator) RunKeys(ctx context.Context, keys []models.CrawlKey) error {
	var jobs []job
	for _, key := range keys {
		src, ok := o.cfg.SourceFor(key.Source)
		if !ok {
			o.log.WithField("key", key.String()).Warn("No source configured for active session, skipping")
			continue
		}
		jobs = append(jobs, job{src: src, key: key})
	}
	return o.runJobs(ctx, jobs)
}

func (o *Orchestrator) jobsFor(sourceID string) ([]job, error) {
	src, ok := o.cfg.Sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("unknown source: %s", sourceID)
	}
	keys, err := src.CrawlKeys()
	if err != nil {
		return nil, err
	}
	jobs := make([]job, 0, len(keys))
	for _, key := range keys {
		jobs = append(jobs, job{src: src, key: key})
	}
	return jobs, nil
}

func (o *Orchestrator) runJobs(ctx context.Context, jobs []job) error {
	var g errgroup.Group
	g.SetLimit(o.cfg.Crawl.Parallelism)

	for _, j := range jobs {
		g.Go(func() error {
			_, err := o.RunKey(ctx, j.src, j.key)
			return err
		})
	}
	return g.Wait()
}

// RunKey crawls one key to the end of the unit list. It returns nil stats when
// the key is already being crawled by this process.
func (o *Orchestrator) RunKey(ctx context.Context, src *config.SourceConfig, key models.CrawlKey) (*RunStats, error) {
	log := o.log.WithFields(logrus.Fields{"source": src.ID, "key": key.String()})

	if !o.claim(key) {
		log.Info("Key is already being crawled, skipping")
		return nil, nil
	}
	defer o.release(key)

	fetcher, ok := o.fetchers[src.ID]
	if !ok {
		return nil, apperr.Fatal("orchestrator.run", fmt.Errorf("%w: no fetcher for source %s", apperr.ErrConfig, src.ID))
	}
	parser := o.parsers[src.ID]

	session, err := o.progress.ResumeOrCreate(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	log = log.WithField("session", session.ID)

	run := &models.CrawlRun{
		SessionID:    &session.ID,
		Source:       key.Source,
		PropertyType: key.PropertyType,
		StartedAt:    time.Now().UTC(),
		Status:       models.RunStatusRunning,
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		log.WithError(err).Warn("Failed to record run start")
		run = nil
	}

	stats := &RunStats{}
	err = o.crawlSession(ctx, log, src, fetcher, parser, session, stats)
	o.finishRun(log, run, stats, err)

	if err != nil {
		log.WithFields(stats.Fields()).WithError(err).Error("Crawl stopped")
		return stats, err
	}
	log.WithFields(stats.Fields()).Info("Crawl completed")
	return stats, nil
}

func (o *Orchestrator) crawlSession(ctx context.Context, log logging.Logger, src *config.SourceConfig, fetcher Fetcher, parser ListingParser, session *models.CrawlSession, stats *RunStats) error {
	units, err := o.progress.Units(ctx)
	if err != nil {
		return err
	}

	processed := session.ProcessedUnits
	for _, unit := range units {
		if unit.ID < session.Cursor {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ulog := log.WithFields(logrus.Fields{"unit": unit.ID, "station": unit.Name})
		batch, err := o.crawlUnit(ctx, ulog, src, fetcher, parser, session, unit)
		stats.Merge(batch)

		if err != nil {
			if apperr.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			stats.UnitsSkipped++
			ulog.WithError(err).Warn("Unit skipped")
			continue
		}

		// The resumed cursor unit was already counted before the restart.
		if unit.ID > session.Cursor || processed == 0 {
			processed++
		}
		if err := o.progress.Advance(ctx, session.ID, unit.ID, &processed); err != nil {
			return err
		}
		stats.UnitsDone++
		ulog.WithFields(logrus.Fields{
			"inserted":  batch.Inserted,
			"refreshed": batch.Refreshed,
			"dropped":   batch.DroppedTotal(),
		}).Info("Unit done")
	}

	return o.progress.Complete(ctx, session.ID)
}

// crawlUnit ingests every page of one unit. Paging stops at the first page with
// no listings or at max_pages.
func (o *Orchestrator) crawlUnit(ctx context.Context, log logging.Logger, src *config.SourceConfig, fetcher Fetcher, parser ListingParser, session *models.CrawlSession, unit models.Unit) (services.BatchStats, error) {
	var total services.BatchStats
	maxPages := src.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	for page := 1; page <= maxPages; page++ {
		pageURL := UnitURL(src, session.Key(), unit, page)
		html, err := fetcher.Fetch(ctx, pageURL)
		if err != nil {
			return total, err
		}

		records, err := parser.Parse(html)
		if err != nil {
			o.snapshot(ctx, log, src, unit, page, html)
			return total, apperr.Retryable("orchestrator.parse", fmt.Errorf("%s: %w", pageURL, err))
		}
		if len(records) == 0 {
			if page == 1 {
				o.snapshot(ctx, log, src, unit, page, html)
				log.Warn("No listings on first page")
			}
			break
		}

		batch, err := o.ingest.IngestBatch(ctx, records, session)
		total.Merge(batch)
		if err != nil {
			return total, err
		}

		log.WithFields(logrus.Fields{"page": page, "records": len(records)}).Debug("Page ingested")
	}

	return total, nil
}

func (o *Orchestrator) snapshot(ctx context.Context, log logging.Logger, src *config.SourceConfig, unit models.Unit, page int, html string) {
	if o.snapshots == nil {
		return
	}
	name := fmt.Sprintf("%s/unit-%d-page-%d-%s.html", src.ID, unit.ID, page, time.Now().UTC().Format("20060102T150405"))
	where, err := o.snapshots.Save(ctx, name, []byte(html))
	if err != nil {
		log.WithError(err).Warn("Failed to save page snapshot")
		return
	}
	log.WithField("snapshot", where).Info("Saved page snapshot")
}

func (o *Orchestrator) finishRun(log logging.Logger, run *models.CrawlRun, stats *RunStats, crawlErr error) {
	if run == nil {
		return
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Status = models.RunStatusCompleted
	if crawlErr != nil {
		run.Status = models.RunStatusFailed
		run.ErrorMessage = crawlErr.Error()
	}
	stats.apply(run)

	// The crawl context may already be cancelled; the run row should still be closed.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.runs.FinishRun(ctx, run); err != nil {
		log.WithError(err).Warn("Failed to record run finish")
	}
}

func (o *Orchestrator) claim(key models.CrawlKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[key.String()] {
		return false
	}
	o.running[key.String()] = true
	return true
}

func (o *Orchestrator) release(key models.CrawlKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, key.String())
}

// UnitURL expands a source's unit_url template for one unit and page.
func UnitURL(src *config.SourceConfig, key models.CrawlKey, unit models.Unit, page int) string {
	windowDays := ""
	if key.TimeWindow != nil {
		windowDays = strconv.Itoa(int(math.Ceil(key.TimeWindow.Hours() / 24)))
	}
	property := src.PropertyPaths[key.PropertyType.String()]

	r := strings.NewReplacer(
		"{unit_id}", strconv.Itoa(unit.ID),
		"{unit_external_id}", url.QueryEscape(unit.ExternalID),
		"{unit_slug}", unit.Slug,
		"{page}", strconv.Itoa(page),
		"{property}", property,
		"{window_days}", windowDays,
	)
	return r.Replace(src.UnitURL)
}
