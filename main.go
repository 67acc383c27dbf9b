package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"realty_scrooper/browser"
	"realty_scrooper/config"
	"realty_scrooper/geo"
	"realty_scrooper/httputil"
	"realty_scrooper/logging"
	"realty_scrooper/scheduler"
	"realty_scrooper/scraper"
	"realty_scrooper/services"
	"realty_scrooper/storage"
)

var (
	crawlNow    = flag.Bool("crawl", false, "Run every crawl key once and exit")
	sourceOnly  = flag.String("source", "", "Limit -crawl to one source id")
	migrateOnly = flag.Bool("migrate", false, "Apply the database schema and exit")
)

// store is everything the crawler needs from the database. Both
// storage.PostgresStore and storage.SQLiteStore implement it.
type store interface {
	services.SessionStore
	services.AdStore
	geo.Lookup
	scraper.RunStore
	scheduler.SessionSource
	Migrate(ctx context.Context) error
	Close() error
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, logCloser, err := logging.Setup(logging.Options{
		Level:       cfg.Log.Level,
		Environment: cfg.Log.Environment,
		FilePath:    cfg.Log.FilePath,
		SeqURL:      cfg.Log.SeqURL,
		SeqToken:    cfg.Log.SeqToken,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	code := 0
	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("Exiting with error")
		code = 1
	}
	logCloser.Close()
	os.Exit(code)
}

func run(cfg *config.Config, log logging.Logger) error {
	log.Info("Starting realty_scrooper...")
	for id, src := range cfg.Sources {
		log.WithFields(logrus.Fields{"source": id, "handler": src.Handler}).Info("Loaded source config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if *migrateOnly {
		log.Info("Schema is up to date")
		return nil
	}

	rules, err := geo.LoadRules(cfg.GeoPath)
	if err != nil {
		return fmt.Errorf("load geo rules: %w", err)
	}
	resolver, err := geo.NewResolver(db, rules)
	if err != nil {
		return fmt.Errorf("geo rules: %w", err)
	}

	progress := services.NewProgressTracker(db, log)
	ingest := services.NewIngestionStore(db, resolver, log)

	orchestrator, err := scraper.NewOrchestrator(cfg, progress, ingest, db, log)
	if err != nil {
		return err
	}

	clients, err := httputil.NewClients(cfg.ProxyURL, cfg.Browser.PageTimeout)
	if err != nil {
		return err
	}

	closeFetchers, err := wireFetchers(cfg, orchestrator, clients, log)
	if err != nil {
		return err
	}
	defer closeFetchers()

	sink, err := snapshotSink(ctx, cfg, clients, log)
	if err != nil {
		return err
	}
	orchestrator.SetSnapshotSink(sink)

	if *crawlNow {
		log.Info("Running crawl...")
		if *sourceOnly != "" {
			err = orchestrator.RunSource(ctx, *sourceOnly)
		} else {
			err = orchestrator.RunAll(ctx)
		}
		if err != nil {
			return fmt.Errorf("crawl failed: %w", err)
		}
		log.Info("Crawl complete!")
		return nil
	}

	sched := scheduler.New(cfg.Scheduler, orchestrator, db, log)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	log.Info("Daemon running. Press Ctrl+C to stop.")
	<-ctx.Done()

	log.Info("Shutting down...")
	sched.Stop()
	log.Info("Goodbye!")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log logging.Logger) (store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		s, err := storage.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.WithField("path", cfg.Database.Path).Info("SQLite database")
		return s, nil
	case "postgres":
		s, err := storage.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		log.WithField("dsn", maskConnectionString(cfg.Database.URL)).Info("Connected to Postgres")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.Database.Driver)
	}
}

// wireFetchers gives every source its fetcher. Browser sources get their own
// session manager and profile directory.
func wireFetchers(cfg *config.Config, o *scraper.Orchestrator, clients *httputil.Clients, log logging.Logger) (func(), error) {
	var browsers []*scraper.BrowserFetcher

	for id, src := range cfg.Sources {
		rate := time.Duration(src.RateLimitMS) * time.Millisecond

		switch src.Handler {
		case "browser":
			sessions := browser.NewSessionManager(browser.Config{
				BaseURL:       src.BaseURL,
				CookieJarPath: cfg.CookieJarFor(src),
				UserDataDir:   filepath.Join(cfg.Browser.DataDir, id),
				ProxyURL:      cfg.ProxyURL,
				TTL:           cfg.Browser.SessionTTL,
				PageTimeout:   cfg.Browser.PageTimeout,
				MaxRetries:    cfg.Browser.MaxRetries,
				RetryBackoff:  cfg.Browser.RetryBackoff,
			}, browser.PlaywrightLauncher{}, log.WithField("source", id))
			f := scraper.NewBrowserFetcher(sessions, rate)
			browsers = append(browsers, f)
			o.SetFetcher(id, f)
		case "http":
			f, err := scraper.NewHTTPFetcher(scraper.HTTPFetcherOptions{
				RateLimit:  rate,
				MaxRetries: cfg.Browser.MaxRetries,
				Backoff:    cfg.Browser.RetryBackoff,
				Client:     clients.Scraping,
			}, log.WithField("source", id))
			if err != nil {
				return nil, err
			}
			o.SetFetcher(id, f)
		}
	}

	return func() {
		for _, b := range browsers {
			b.Close()
		}
	}, nil
}

func snapshotSink(ctx context.Context, cfg *config.Config, clients *httputil.Clients, log logging.Logger) (storage.SnapshotSink, error) {
	sc := cfg.Snapshots
	if sc.S3Bucket != "" {
		sink, err := storage.NewS3Sink(ctx, storage.S3Config{
			Bucket:          sc.S3Bucket,
			Region:          sc.S3Region,
			Endpoint:        sc.S3Endpoint,
			AccessKeyID:     sc.S3Key,
			SecretAccessKey: sc.S3Secret,
			Prefix:          sc.S3Prefix,
		}, clients.API)
		if err != nil {
			return nil, err
		}
		log.WithField("bucket", sc.S3Bucket).Info("Page snapshots go to S3")
		return sink, nil
	}
	return storage.NewDirSink(sc.Dir)
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
