// Package config loads crawl configuration from a YAML file or from an
// actor-style JSON5 input file, each optionally overlaid by a sibling
// <name>.local.<ext> file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the top-level crawl configuration.
type Config struct {
	Search    SearchConfig    `yaml:"search"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Visit     VisitConfig     `yaml:"visit"`
	Browser   BrowserConfig   `yaml:"browser"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Sinks     []SinkConfig    `yaml:"sinks"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Dataset is the SQLite file holding records and snapshots.
	Dataset string `yaml:"dataset"`
	// Queue is the SQLite file holding the work queue. Default: Dataset.
	Queue string `yaml:"queue"`
	// StatusAddr serves /healthz and /stats when set, e.g. ":8080".
	StatusAddr string `yaml:"status_addr"`
}

// SearchConfig describes what to look up.
type SearchConfig struct {
	Terms           []string `yaml:"terms"`
	Geo             string   `yaml:"geo"`
	Category        string   `yaml:"category"`
	TimeRange       string   `yaml:"time_range"`
	CustomTimeRange string   `yaml:"custom_time_range"`
}

// CrawlConfig controls the run controller.
type CrawlConfig struct {
	MaxItems        int           `yaml:"max_items"` // 0 = unlimited
	MaxConcurrency  int           `yaml:"max_concurrency"`
	MaxRetries      int           `yaml:"max_retries"` // -1 = no retries
	MaxErrorScore   int           `yaml:"max_error_score"`
	VisitsPerSecond float64       `yaml:"visits_per_second"` // 0 = unpaced
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	QueueVisibility time.Duration `yaml:"queue_visibility"`
}

// VisitConfig controls one page visit.
type VisitConfig struct {
	PageLoadTimeout    time.Duration `yaml:"page_load_timeout"`
	VisitTimeout       time.Duration `yaml:"visit_timeout"`
	RateLimitDelay     time.Duration `yaml:"rate_limit_delay"`
	RowsTimeout        time.Duration `yaml:"rows_timeout"`
	WidgetTimeout      time.Duration `yaml:"widget_timeout"`
	WidgetErrorTimeout time.Duration `yaml:"widget_error_timeout"`

	RateLimitSelector   string `yaml:"rate_limit_selector"`
	RowsSelector        string `yaml:"rows_selector"`
	HiddenSelector      string `yaml:"hidden_selector"`
	WidgetSelector      string `yaml:"widget_selector"`
	WidgetErrorSelector string `yaml:"widget_error_selector"`

	// BlockedStatusCodes retire the session when the main document
	// returns one of them. Default: 401, 403.
	BlockedStatusCodes []int `yaml:"blocked_status_codes"`

	TitleColumn string `yaml:"title_column"`
	ISODates    bool   `yaml:"iso_dates"`
	Snapshots   bool   `yaml:"snapshots"`
	// Hook is the source of a JS function run in the page as
	// fn(document, {term, url}); its object result is merged into records.
	Hook string `yaml:"hook"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Bin              string        `yaml:"bin"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          string        `yaml:"stealth"` // plain | headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// ProxyConfig chooses egress identities. Template wins over URLs.
type ProxyConfig struct {
	Template string   `yaml:"template"` // must contain {session}
	URLs     []string `yaml:"urls"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type      string            `yaml:"type"` // stdout | webhook | dataset
	URL       string            `yaml:"url"`  // webhook
	Headers   map[string]string `yaml:"headers"`
	Snapshots bool              `yaml:"snapshots"` // webhook: ship PNG bytes
}

// TelemetryConfig enables OpenTelemetry export.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"` // URL; empty = disabled
	Protocol    string            `yaml:"protocol"` // grpc | http
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
}

// LoadFile reads path and its .local overlay. YAML files (.yaml, .yml)
// map onto Config directly; .json and .json5 files are read as Input.
func LoadFile(path string) (*Config, error) {
	var cfg *Config
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		var in Input
		in, err = loadInput(path)
		if err == nil {
			cfg = in.Config()
		}
	default:
		cfg, err = loadYAML(path)
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	local, err := os.ReadFile(LocalPath(path))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		var override Config
		if err := yaml.Unmarshal(local, &override); err != nil {
			return nil, fmt.Errorf("config: %s: %w", LocalPath(path), err)
		}
		if err := mergo.Merge(&cfg, override, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("config: merge overlay: %w", err)
		}
		slog.Info("config: merged local overrides", "local", LocalPath(path))
	}
	return &cfg, nil
}

// LocalPath returns the overlay file name for path:
// trends.yaml -> trends.local.yaml.
func LocalPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

// Retries returns how many times a failed request is retried.
func (c CrawlConfig) Retries() int { return max(c.MaxRetries, 0) }

// ApplyDefaults fills unset fields. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Crawl.MaxConcurrency <= 0 {
		c.Crawl.MaxConcurrency = 10
	}
	if c.Crawl.MaxRetries == 0 {
		c.Crawl.MaxRetries = 3
	}
	if c.Crawl.MaxErrorScore <= 0 {
		c.Crawl.MaxErrorScore = 5
	}
	if c.Crawl.BackoffBase <= 0 {
		c.Crawl.BackoffBase = time.Second
	}
	if c.Crawl.BackoffMax <= 0 {
		c.Crawl.BackoffMax = 30 * time.Second
	}
	if c.Crawl.QueueVisibility <= 0 {
		c.Crawl.QueueVisibility = 30 * time.Minute
	}
	if c.Visit.PageLoadTimeout <= 0 {
		c.Visit.PageLoadTimeout = 180 * time.Second
	}
	if c.Visit.VisitTimeout <= 0 {
		c.Visit.VisitTimeout = 300 * time.Second
	}
	if c.Visit.RateLimitDelay <= 0 {
		c.Visit.RateLimitDelay = 10 * time.Second
	}
	if c.Visit.TitleColumn == "" {
		c.Visit.TitleColumn = "Term / Date"
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.ResourceBlocking == nil {
		c.Browser.ResourceBlocking = []string{"images", "fonts", "media"}
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Dataset == "" {
		c.Dataset = "trends.db"
	}
	if c.Queue == "" {
		c.Queue = c.Dataset
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "dataset"}}
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "grpc"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "trendscrape"
	}
}

// Validate reports configuration errors that would only surface mid-crawl.
func (c *Config) Validate() error {
	switch c.Browser.Stealth {
	case "plain", "headless", "headful":
	default:
		return fmt.Errorf("config: browser.stealth %q: want plain, headless or headful", c.Browser.Stealth)
	}
	if c.Proxy.Template != "" && !strings.Contains(c.Proxy.Template, "{session}") {
		return fmt.Errorf("config: proxy.template must contain {session}")
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout", "dataset":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook needs a url", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	if c.Crawl.QueueVisibility <= c.Visit.VisitTimeout+c.Crawl.BackoffMax {
		return fmt.Errorf("config: crawl.queue_visibility %s must exceed visit.visit_timeout plus crawl.backoff_max (%s)",
			c.Crawl.QueueVisibility, c.Visit.VisitTimeout+c.Crawl.BackoffMax)
	}
	for _, code := range c.Visit.BlockedStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("config: visit.blocked_status_codes: %d is not an HTTP status", code)
		}
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("config: telemetry.protocol %q: want grpc or http", c.Telemetry.Protocol)
	}
	return nil
}
