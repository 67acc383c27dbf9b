package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"realty_scrooper/config"
	"realty_scrooper/logging"
	"realty_scrooper/models"
)

// Crawler is what the scheduler triggers. *scraper.Orchestrator implements it.
type Crawler interface {
	RunAll(ctx context.Context) error
	RunKeys(ctx context.Context, keys []models.CrawlKey) error
}

// SessionSource finds crawl keys left Active by a stopped run.
type SessionSource interface {
	ActiveKeys(ctx context.Context) ([]models.CrawlKey, error)
	LatestSession(ctx context.Context, key models.CrawlKey) (*models.CrawlSession, error)
}

type Scheduler struct {
	cfg      config.SchedulerConfig
	crawler  Crawler
	sessions SessionSource
	log      logging.Logger
	cron     *cron.Cron
	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	pollEvery time.Duration
	now       func() time.Time
}

func New(cfg config.SchedulerConfig, crawler Crawler, sessions SessionSource, log logging.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		crawler:   crawler,
		sessions:  sessions,
		log:       log.WithField("component", "scheduler"),
		cron:      cron.New(),
		stopCh:    make(chan struct{}),
		pollEvery: time.Minute,
		now:       time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.pollResumes(ctx)

	if s.cfg.Cron != "" {
		s.log.WithField("cron", s.cfg.Cron).Info("Starting scheduler with cron")
		_, err := s.cron.AddFunc(s.cfg.Cron, func() {
			if err := s.crawler.RunAll(ctx); err != nil {
				s.log.WithError(err).Error("Scheduled run failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Interval > 0 {
		s.log.WithField("interval", s.cfg.Interval.String()).Info("Starting scheduler with interval")
		s.ticker = time.NewTicker(s.cfg.Interval)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					if err := s.crawler.RunAll(ctx); err != nil {
						s.log.WithError(err).Error("Scheduled run failed")
					}
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		s.log.Info("No schedule configured, only resuming stopped sessions")
	}

	return nil
}

// Stop halts the triggers and waits for the pollers. A crawl already running
// under cron finishes on its own.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cron.Stop()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) pollResumes(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.resumeStale(ctx); err != nil {
				s.log.WithError(err).Error("Resume failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// resumeStale restarts every key whose latest session is still Active and has
// not moved for at least ResumeDelay.
func (s *Scheduler) resumeStale(ctx context.Context) error {
	keys, err := s.sessions.ActiveKeys(ctx)
	if err != nil {
		return fmt.Errorf("list active keys: %w", err)
	}

	var stale []models.CrawlKey
	for _, key := range keys {
		session, err := s.sessions.LatestSession(ctx, key)
		if err != nil {
			s.log.WithField("key", key.String()).WithError(err).Warn("Failed to read session")
			continue
		}
		if session == nil || !session.IsActive() {
			continue
		}
		if idle := s.now().Sub(session.UpdatedAt); idle >= s.cfg.ResumeDelay {
			s.log.WithFields(logrus.Fields{
				"key":     key.String(),
				"session": session.ID,
				"cursor":  session.Cursor,
				"idle":    idle.Round(time.Second).String(),
			}).Info("Resuming stopped crawl")
			stale = append(stale, key)
		}
	}

	if len(stale) == 0 {
		return nil
	}
	return s.crawler.RunKeys(ctx, stale)
}
