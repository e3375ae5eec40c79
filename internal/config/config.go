// Package config loads and validates parser service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Application ApplicationConfig `mapstructure:"application"`
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Session     SessionConfig     `mapstructure:"session"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Source      SourceConfig      `mapstructure:"source"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DB          DBConfig          `mapstructure:"db"`
	Publisher   PublisherConfig   `mapstructure:"publisher"`
	Pace        PaceConfig        `mapstructure:"pace"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ApplicationConfig identifies the service to telemetry backends.
type ApplicationConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	Version       string `mapstructure:"version"`
	ProjectID     string `mapstructure:"project_id"`
	ProjectNumber string `mapstructure:"project_number"`
	Region        string `mapstructure:"region"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SessionConfig governs the parser run loop.
type SessionConfig struct {
	// Name is the parser source code; records and the ledger are scoped by it.
	Name string `mapstructure:"name"`
	// Pages caps the page loop; 0 runs until the source is exhausted.
	Pages int `mapstructure:"pages"`
	// Limit caps the number of distinct items processed; 0 means unlimited.
	Limit int `mapstructure:"limit"`
	// UploadBatchSize is the record buffer size flushed into the pipeline.
	UploadBatchSize int  `mapstructure:"upload_batch_size"`
	SkipDetails     bool `mapstructure:"skip_details"`
	// Resume seeds already-saved record IDs into the duplicate filter.
	Resume bool `mapstructure:"resume"`
}

// DeliveryConfig governs the delivery pipeline and its sink.
type DeliveryConfig struct {
	// Workers is the per-batch delivery concurrency.
	Workers int `mapstructure:"workers"`
	// Sink selects the deliverer implementation: http or memory.
	Sink string `mapstructure:"sink"`
	// Endpoint is the remote ingest URL for the http sink.
	Endpoint string `mapstructure:"endpoint"`
	// APIKey authenticates the http sink against the endpoint.
	APIKey string `mapstructure:"api_key"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// SourceConfig selects and configures the extraction source.
type SourceConfig struct {
	// Kind selects the source implementation: api, web, or browser.
	Kind string          `mapstructure:"kind"`
	API  APISourceConfig `mapstructure:"api"`
	Web  WebSourceConfig `mapstructure:"web"`
}

// APISourceConfig configures the paged JSON API source.
type APISourceConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	PageSize int    `mapstructure:"page_size"`
}

// WebSourceConfig configures the listing scraper sources (web and browser).
type WebSourceConfig struct {
	// PageURLTemplate expands the page number into a listing URL, e.g.
	// "https://example.com/catalog?page=%d".
	PageURLTemplate string   `mapstructure:"page_url_template"`
	AllowedDomains  []string `mapstructure:"allowed_domains"`
	UserAgent       string   `mapstructure:"user_agent"`
	IgnoreRobots    bool     `mapstructure:"ignore_robots"`
	// ItemSelector matches one listing item per element.
	ItemSelector string `mapstructure:"item_selector"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// StorageConfig selects and configures the record store backend.
type StorageConfig struct {
	// Backend selects the record store: local, gcs, or memory.
	Backend string `mapstructure:"backend"`
	// RootDir is the base directory of the local backend.
	RootDir string `mapstructure:"root_dir"`
	// GCSBucket is the bucket of the gcs backend.
	GCSBucket string `mapstructure:"gcs_bucket"`
	// Prefix roots gcs objects under a common prefix.
	Prefix string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database. An empty DSN disables
// the postgres ledger and run store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	LedgerTable  string `mapstructure:"ledger_table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// PublisherConfig selects and configures the lifecycle publisher.
type PublisherConfig struct {
	// Kind selects the publisher: pubsub, nats, memory, or none.
	Kind string `mapstructure:"kind"`
	// Topic is the lifecycle topic or subject.
	Topic  string       `mapstructure:"topic"`
	PubSub PubSubConfig `mapstructure:"pubsub"`
	NATS   NATSConfig   `mapstructure:"nats"`
}

// PubSubConfig holds Google Cloud Pub/Sub connection metadata.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// NATSConfig holds NATS connection metadata.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

// PaceConfig governs the delay between page fetches.
type PaceConfig struct {
	// Kind selects the pacing policy: none, simple, or ratelimit.
	Kind string `mapstructure:"kind"`
	// DelaySeconds is the fixed delay of the simple policy.
	DelaySeconds float64 `mapstructure:"delay_seconds"`
	// PagesPerSecond is the sustained rate of the ratelimit policy.
	PagesPerSecond float64 `mapstructure:"pages_per_second"`
	// Burst is the token bucket size of the ratelimit policy.
	Burst int `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. With an empty path it searches
// the usual config locations and tolerates a missing file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("UNREALON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/unrealon/")
		v.AddConfigPath("$HOME/.unrealon")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("application.service_name", "unrealon-parser")
	v.SetDefault("application.version", "0.1.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("session.pages", 0)
	v.SetDefault("session.limit", 0)
	v.SetDefault("session.upload_batch_size", 20)
	v.SetDefault("session.skip_details", false)
	v.SetDefault("session.resume", false)
	v.SetDefault("delivery.workers", 3)
	v.SetDefault("delivery.sink", "memory")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("source.kind", "api")
	v.SetDefault("source.api.page_size", 50)
	v.SetDefault("source.web.user_agent", "unrealon-bot/0.1")
	v.SetDefault("source.web.ignore_robots", false)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.root_dir", "results")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.ledger_table", "delivered_items")
	v.SetDefault("db.max_open_conns", 4)
	v.SetDefault("db.max_idle_conns", 2)
	v.SetDefault("publisher.kind", "memory")
	v.SetDefault("publisher.topic", "parser.lifecycle")
	v.SetDefault("publisher.nats.stream", "PARSER")
	v.SetDefault("pace.kind", "simple")
	v.SetDefault("pace.delay_seconds", 1)
	v.SetDefault("pace.pages_per_second", 1)
	v.SetDefault("pace.burst", 1)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Session.Name) == "" {
		return fmt.Errorf("session.name is required")
	}
	if c.Session.UploadBatchSize <= 0 {
		return fmt.Errorf("session.upload_batch_size must be > 0")
	}
	if c.Delivery.Workers <= 0 {
		return fmt.Errorf("delivery.workers must be > 0")
	}
	switch c.Delivery.Sink {
	case "http":
		if c.Delivery.Endpoint == "" {
			return fmt.Errorf("delivery.endpoint must be set for the http sink")
		}
	case "memory":
	default:
		return fmt.Errorf("delivery.sink must be one of http, memory")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Source.Kind {
	case "api":
		if c.Source.API.BaseURL == "" {
			return fmt.Errorf("source.api.base_url must be set for the api source")
		}
	case "web", "browser":
		if c.Source.Web.PageURLTemplate == "" {
			return fmt.Errorf("source.web.page_url_template must be set for the %s source", c.Source.Kind)
		}
	default:
		return fmt.Errorf("source.kind must be one of api, web, browser")
	}
	if c.Source.Kind == "browser" && c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "local", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory")
	}
	switch c.Publisher.Kind {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.PubSub.ProjectID == "" {
			return fmt.Errorf("publisher.pubsub.project_id must be set for the pubsub publisher")
		}
	case "nats":
		if c.Publisher.NATS.URL == "" {
			return fmt.Errorf("publisher.nats.url must be set for the nats publisher")
		}
	default:
		return fmt.Errorf("publisher.kind must be one of pubsub, nats, memory, none")
	}
	switch c.Pace.Kind {
	case "none", "simple", "ratelimit":
	default:
		return fmt.Errorf("pace.kind must be one of none, simple, ratelimit")
	}
	return nil
}

// RequestTimeout converts the HTTP timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Delay converts the simple policy delay into a duration.
func (p PaceConfig) Delay() time.Duration {
	return time.Duration(p.DelaySeconds * float64(time.Second))
}
