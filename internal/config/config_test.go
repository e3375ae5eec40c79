package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
session:
  name: books
  pages: 5
  limit: 100
  upload_batch_size: 10
  skip_details: true
  resume: true
delivery:
  workers: 5
  sink: http
  endpoint: https://ingest.example.com/v1/items
  api_key: delivery-key
http:
  timeout_seconds: 45
  max_retries: 4
  backoff_initial_ms: 100
  backoff_max_ms: 500
source:
  kind: web
  web:
    page_url_template: "https://example.com/catalog?page=%d"
    allowed_domains: ["example.com"]
    user_agent: custom-agent
    ignore_robots: true
    item_selector: ".product"
storage:
  backend: gcs
  gcs_bucket: bucket
  prefix: results
db:
  dsn: postgres://localhost/parser
publisher:
  kind: nats
  topic: parser.lifecycle
  nats:
    url: nats://localhost:4222
    stream: PARSER
pace:
  kind: ratelimit
  pages_per_second: 2
  burst: 3
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Session.Name != "books" || cfg.Session.Pages != 5 || cfg.Session.UploadBatchSize != 10 {
		t.Fatalf("expected session overrides to apply: %+v", cfg.Session)
	}
	if !cfg.Session.SkipDetails || !cfg.Session.Resume {
		t.Fatalf("expected session booleans to be preserved: %+v", cfg.Session)
	}
	if cfg.Delivery.Workers != 5 || cfg.Delivery.Sink != "http" || cfg.Delivery.Endpoint == "" {
		t.Fatalf("expected delivery overrides to apply: %+v", cfg.Delivery)
	}
	if cfg.Source.Kind != "web" || !cfg.Source.Web.IgnoreRobots || cfg.Source.Web.ItemSelector != ".product" {
		t.Fatalf("expected source overrides to apply: %+v", cfg.Source)
	}
	if len(cfg.Source.Web.AllowedDomains) != 1 || cfg.Source.Web.AllowedDomains[0] != "example.com" {
		t.Fatalf("expected allowed domains to load: %+v", cfg.Source.Web)
	}
	if cfg.Storage.Backend != "gcs" || cfg.Storage.GCSBucket != "bucket" {
		t.Fatalf("expected storage overrides to apply: %+v", cfg.Storage)
	}
	if cfg.Publisher.Kind != "nats" || cfg.Publisher.NATS.URL != "nats://localhost:4222" {
		t.Fatalf("expected publisher overrides to apply: %+v", cfg.Publisher)
	}
	if cfg.Pace.Kind != "ratelimit" || cfg.Pace.PagesPerSecond != 2 || cfg.Pace.Burst != 3 {
		t.Fatalf("expected pace overrides to apply: %+v", cfg.Pace)
	}
	if cfg.Logging.Development {
		t.Fatal("expected logging.development to be false")
	}
	if got := cfg.RequestTimeout(); got != 45*time.Second {
		t.Fatalf("expected request timeout 45s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
session:
  name: books
source:
  kind: api
  api:
    base_url: https://api.example.com
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
	if cfg.Session.UploadBatchSize != 20 {
		t.Fatalf("expected default upload batch size 20, got %d", cfg.Session.UploadBatchSize)
	}
	if cfg.Delivery.Workers != 3 || cfg.Delivery.Sink != "memory" {
		t.Fatalf("expected delivery defaults, got %+v", cfg.Delivery)
	}
	if cfg.Source.API.PageSize != 50 {
		t.Fatalf("expected default page size 50, got %d", cfg.Source.API.PageSize)
	}
	if cfg.Storage.Backend != "memory" || cfg.Storage.RootDir != "results" {
		t.Fatalf("expected storage defaults, got %+v", cfg.Storage)
	}
	if cfg.Publisher.Kind != "memory" || cfg.Publisher.Topic != "parser.lifecycle" {
		t.Fatalf("expected publisher defaults, got %+v", cfg.Publisher)
	}
	if cfg.Pace.Kind != "simple" || cfg.Pace.Delay() != time.Second {
		t.Fatalf("expected pace defaults, got %+v", cfg.Pace)
	}
	if cfg.DB.LedgerTable != "delivered_items" {
		t.Fatalf("expected default ledger table, got %q", cfg.DB.LedgerTable)
	}
	if !cfg.Logging.Development {
		t.Fatal("expected logging.development default true")
	}
}

func TestLoadMissingSessionName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
source:
  kind: api
  api:
    base_url: https://api.example.com
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "session.name") {
		t.Fatalf("expected session.name error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Session:  SessionConfig{Name: "books", UploadBatchSize: 20},
		Delivery: DeliveryConfig{Workers: 3, Sink: "memory"},
		HTTP:     HTTPConfig{TimeoutSeconds: 10},
		Source:   SourceConfig{Kind: "api", API: APISourceConfig{BaseURL: "https://api.example.com"}},
		Storage:  StorageConfig{Backend: "memory"},
		Publisher: PublisherConfig{
			Kind: "memory",
		},
		Pace: PaceConfig{Kind: "simple"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid upload batch size",
			cfg: func() Config {
				c := base
				c.Session.UploadBatchSize = 0
				return c
			}(),
			want: "session.upload_batch_size",
		},
		{
			name: "invalid workers",
			cfg: func() Config {
				c := base
				c.Delivery.Workers = 0
				return c
			}(),
			want: "delivery.workers",
		},
		{
			name: "http sink missing endpoint",
			cfg: func() Config {
				c := base
				c.Delivery.Sink = "http"
				return c
			}(),
			want: "delivery.endpoint",
		},
		{
			name: "unknown sink",
			cfg: func() Config {
				c := base
				c.Delivery.Sink = "carrier-pigeon"
				return c
			}(),
			want: "delivery.sink",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.HTTP.TimeoutSeconds = 0
				return c
			}(),
			want: "http.timeout_seconds",
		},
		{
			name: "api source missing base url",
			cfg: func() Config {
				c := base
				c.Source.API.BaseURL = ""
				return c
			}(),
			want: "source.api.base_url",
		},
		{
			name: "web source missing template",
			cfg: func() Config {
				c := base
				c.Source.Kind = "web"
				return c
			}(),
			want: "source.web.page_url_template",
		},
		{
			name: "unknown source",
			cfg: func() Config {
				c := base
				c.Source.Kind = "carrier-pigeon"
				return c
			}(),
			want: "source.kind",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "gcs backend missing bucket",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
		{
			name: "unknown storage backend",
			cfg: func() Config {
				c := base
				c.Storage.Backend = "tape"
				return c
			}(),
			want: "storage.backend",
		},
		{
			name: "pubsub missing project",
			cfg: func() Config {
				c := base
				c.Publisher.Kind = "pubsub"
				return c
			}(),
			want: "publisher.pubsub.project_id",
		},
		{
			name: "nats missing url",
			cfg: func() Config {
				c := base
				c.Publisher.Kind = "nats"
				return c
			}(),
			want: "publisher.nats.url",
		},
		{
			name: "unknown publisher",
			cfg: func() Config {
				c := base
				c.Publisher.Kind = "smoke-signals"
				return c
			}(),
			want: "publisher.kind",
		},
		{
			name: "unknown pace",
			cfg: func() Config {
				c := base
				c.Pace.Kind = "vibes"
				return c
			}(),
			want: "pace.kind",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}
