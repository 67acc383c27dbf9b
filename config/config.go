package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"realty_scrooper/apperr"
	"realty_scrooper/models"
)

type Config struct {
	Database  DatabaseConfig
	Log       LogConfig
	Scheduler SchedulerConfig
	Crawl     CrawlConfig
	Browser   BrowserConfig
	Snapshots SnapshotConfig
	ProxyURL  string
	GeoPath   string
	Sources   map[string]*SourceConfig
}

type DatabaseConfig struct {
	Driver string // postgres or sqlite
	URL    string
	Path   string
}

type LogConfig struct {
	Level       string
	Environment string
	FilePath    string
	SeqURL      string
	SeqToken    string
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
	// ResumeDelay is how long an Active session must sit idle before the
	// resume poller restarts it.
	ResumeDelay time.Duration
}

type CrawlConfig struct {
	Parallelism int
}

type BrowserConfig struct {
	CookieDir    string // one <source id>.json jar per browser source
	DataDir      string
	SessionTTL   time.Duration
	PageTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

type SnapshotConfig struct {
	Dir        string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Key      string
	S3Secret   string
	S3Prefix   string
}

// SourceConfig describes how one site is crawled. Loaded from config/sources/*.yaml.
type SourceConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Source  string `yaml:"source"`
	Handler string `yaml:"handler"` // browser or http
	BaseURL string `yaml:"base_url"`
	// UnitURL is expanded per unit and page. Placeholders: {unit_id},
	// {unit_external_id}, {unit_slug}, {page}, {property}, {window_days}.
	UnitURL       string            `yaml:"unit_url"`
	PropertyPaths map[string]string `yaml:"property_paths"`
	RateLimitMS   int               `yaml:"rate_limit_ms"`
	MaxPages      int               `yaml:"max_pages"`
	Keys          []KeyConfig       `yaml:"keys"`
	Selectors     Selectors         `yaml:"selectors"`
	TitlePattern  string            `yaml:"title_pattern"`
	CookieJar     string            `yaml:"cookie_jar"` // overrides <cookie dir>/<id>.json
}

type KeyConfig struct {
	PropertyType string `yaml:"property_type"`
	TimeWindow   string `yaml:"time_window"` // Go duration, empty for no window
}

// Selectors are goquery selectors relative to one listing card. A value of the
// form "css@attr" reads an attribute instead of the text.
type Selectors struct {
	Card        string `yaml:"card"`
	NaturalID   string `yaml:"natural_id"`
	URL         string `yaml:"url"`
	Title       string `yaml:"title"`
	Price       string `yaml:"price"`
	ComplexName string `yaml:"complex_name"`
	GeoLabels   string `yaml:"geo_labels"`
	Metro       string `yaml:"metro_external_id"`
	Seller      string `yaml:"seller"`
	Tags        string `yaml:"tags"`
	CreatedAt   string `yaml:"created_at"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "postgres"),
			URL:    os.Getenv("DATABASE_URL"),
			Path:   getEnv("DB_PATH", "scraper.db"),
		},
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Environment: getEnv("ENVIRONMENT", "development"),
			FilePath:    getEnv("LOG_FILE", "logs/scraper.log"),
			SeqURL:      os.Getenv("SEQ_URL"),
			SeqToken:    os.Getenv("SEQ_TOKEN"),
		},
		Scheduler: SchedulerConfig{
			Cron:        os.Getenv("SCRAPE_CRON"),
			Interval:    getEnvDuration("SCRAPE_INTERVAL", 0),
			ResumeDelay: getEnvDuration("RESUME_DELAY", 15*time.Minute),
		},
		Crawl: CrawlConfig{
			Parallelism: getEnvInt("CRAWL_PARALLELISM", 1),
		},
		Browser: BrowserConfig{
			CookieDir:    getEnv("BROWSER_COOKIE_DIR", "cookies"),
			DataDir:      getEnv("BROWSER_DATA_DIR", "browser_data"),
			SessionTTL:   getEnvDuration("BROWSER_SESSION_TTL", 30*time.Minute),
			PageTimeout:  getEnvDuration("BROWSER_PAGE_TIMEOUT", 60*time.Second),
			MaxRetries:   getEnvInt("BROWSER_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("BROWSER_RETRY_BACKOFF", 2*time.Second),
		},
		Snapshots: SnapshotConfig{
			Dir:        getEnv("SNAPSHOT_DIR", "snapshots"),
			S3Bucket:   os.Getenv("S3_BUCKET"),
			S3Region:   getEnv("S3_REGION", "ru-central1"),
			S3Endpoint: os.Getenv("S3_ENDPOINT"),
			S3Key:      os.Getenv("S3_ACCESS_KEY_ID"),
			S3Secret:   os.Getenv("S3_SECRET_ACCESS_KEY"),
			S3Prefix:   getEnv("S3_PREFIX", "snapshots"),
		},
		ProxyURL: os.Getenv("PROXY_URL"),
		GeoPath:  getEnv("GEO_RULES", "config/geo.yaml"),
		Sources:  make(map[string]*SourceConfig),
	}

	if cfg.Crawl.Parallelism < 1 {
		cfg.Crawl.Parallelism = 1
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" {
		return nil, apperr.Fatal("config.load", fmt.Errorf("%w: DATABASE_URL is required for the postgres driver", apperr.ErrConfig))
	}

	if err := cfg.LoadSources(getEnv("SOURCES_DIR", "config/sources")); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadSources reads every *.yaml file in dir. A missing directory leaves the
// source list empty.
func (c *Config) LoadSources(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var src SourceConfig
		if err := yaml.Unmarshal(data, &src); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := src.validate(); err != nil {
			return apperr.Fatal("config.sources", fmt.Errorf("%w: %s: %w", apperr.ErrConfig, path, err))
		}

		c.Sources[src.ID] = &src
	}

	return nil
}

func (s *SourceConfig) validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := models.ParseSource(s.Source); err != nil {
		return err
	}
	switch s.Handler {
	case "browser", "http":
	default:
		return fmt.Errorf("unknown handler %q", s.Handler)
	}
	if s.UnitURL == "" || s.Selectors.Card == "" {
		return fmt.Errorf("unit_url and selectors.card are required")
	}
	if _, err := s.CrawlKeys(); err != nil {
		return err
	}
	return nil
}

// CrawlKeys turns the configured keys into models.CrawlKey values. A source
// without keys crawls resale listings with no time window.
func (s *SourceConfig) CrawlKeys() ([]models.CrawlKey, error) {
	source, err := models.ParseSource(s.Source)
	if err != nil {
		return nil, err
	}
	if len(s.Keys) == 0 {
		return []models.CrawlKey{{PropertyType: models.PropertyTypeResale, Source: source}}, nil
	}

	keys := make([]models.CrawlKey, 0, len(s.Keys))
	for _, k := range s.Keys {
		pt, err := models.ParsePropertyType(k.PropertyType)
		if err != nil {
			return nil, err
		}
		key := models.CrawlKey{PropertyType: pt, Source: source}
		if strings.TrimSpace(k.TimeWindow) != "" {
			d, err := time.ParseDuration(k.TimeWindow)
			if err != nil {
				return nil, fmt.Errorf("time_window %q: %w", k.TimeWindow, err)
			}
			key.TimeWindow = &d
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// CookieJarFor returns the cookie jar of a browser source. Each source logs in
// as its own identity, so jars are never shared.
func (c *Config) CookieJarFor(src *SourceConfig) string {
	if src.CookieJar != "" {
		return src.CookieJar
	}
	return filepath.Join(c.Browser.CookieDir, src.ID+".json")
}

func (c *Config) SourceFor(source models.Source) (*SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Source == source.String() {
			return s, true
		}
	}
	return nil, false
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
