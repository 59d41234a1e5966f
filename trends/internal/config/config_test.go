package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAMLDefaults(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "trends.yaml", `
search:
  terms: [coffee, "tea,coffee"]
  geo: US
visit:
  rows_timeout: 45s
`)
	cfg, err := LoadFile(p)
	require.NoError(t, err)

	assert.Equal(t, []string{"coffee", "tea,coffee"}, cfg.Search.Terms)
	assert.Equal(t, 45*time.Second, cfg.Visit.RowsTimeout)
	assert.Equal(t, 10, cfg.Crawl.MaxConcurrency)
	assert.Equal(t, 3, cfg.Crawl.MaxRetries)
	assert.Equal(t, 5, cfg.Crawl.MaxErrorScore)
	assert.Equal(t, 180*time.Second, cfg.Visit.PageLoadTimeout)
	assert.Equal(t, 300*time.Second, cfg.Visit.VisitTimeout)
	assert.Equal(t, 10*time.Second, cfg.Visit.RateLimitDelay)
	assert.Equal(t, "Term / Date", cfg.Visit.TitleColumn)
	assert.Equal(t, "trends.db", cfg.Queue)
	assert.Equal(t, []SinkConfig{{Type: "dataset"}}, cfg.Sinks)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLLocalOverlay(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "trends.yaml", `
search:
  terms: [coffee]
  geo: US
crawl:
  max_concurrency: 4
`)
	write(t, dir, "trends.local.yaml", `
search:
  geo: GB
proxy:
  template: "http://u-{session}:p@gw:1"
`)
	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "GB", cfg.Search.Geo)
	assert.Equal(t, []string{"coffee"}, cfg.Search.Terms)
	assert.Equal(t, 4, cfg.Crawl.MaxConcurrency)
	assert.Equal(t, "http://u-{session}:p@gw:1", cfg.Proxy.Template)
}

func TestLoadInputJSON5(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "input.json5", `{
  // actor input
  searchTerms: ["coffee", "tea"],
  timeRange: "today 5-y",
  customTimeRange: "2020-01-01 2020-12-31",
  geo: "DE",
  maxItems: 20,
  pageLoadTimeoutSecs: 60,
  outputAsISODate: true,
  extendOutputFunction: "(document) => ({title: document.title})",
  proxyConfiguration: {proxyUrls: ["http://a:1", "http://b:2"]},
  webhookUrl: "https://hooks.example/in",
}`)
	cfg, err := LoadFile(p)
	require.NoError(t, err)

	assert.Equal(t, []string{"coffee", "tea"}, cfg.Search.Terms)
	assert.Equal(t, "2020-01-01 2020-12-31", cfg.Search.CustomTimeRange)
	assert.Equal(t, 20, cfg.Crawl.MaxItems)
	assert.Equal(t, 60*time.Second, cfg.Visit.PageLoadTimeout)
	assert.True(t, cfg.Visit.ISODates)
	assert.Equal(t, "(document) => ({title: document.title})", cfg.Visit.Hook)
	assert.Equal(t, []string{"http://a:1", "http://b:2"}, cfg.Proxy.URLs)
	require.Len(t, cfg.Sinks, 2)
	assert.Equal(t, "webhook", cfg.Sinks[1].Type)
	require.NoError(t, cfg.Validate())
}

func TestLoadInputLocalOverlay(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "input.json", `{"searchTerms": ["coffee"], "maxConcurrency": 2}`)
	write(t, dir, "input.local.json", `{"maxConcurrency": 8, "geo": "FR"}`)

	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Crawl.MaxConcurrency)
	assert.Equal(t, "FR", cfg.Search.Geo)
	assert.Equal(t, []string{"coffee"}, cfg.Search.Terms)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalPath(t *testing.T) {
	assert.Equal(t, "conf/trends.local.yaml", LocalPath("conf/trends.yaml"))
	assert.Equal(t, "input.local.json5", LocalPath("input.json5"))
}

func TestMaxRetriesDisabled(t *testing.T) {
	cfg := &Config{Crawl: CrawlConfig{MaxRetries: -1}}
	cfg.ApplyDefaults()
	assert.Equal(t, 0, cfg.Crawl.Retries())
	cfg.ApplyDefaults()
	assert.Equal(t, 0, cfg.Crawl.Retries())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"stealth", func(c *Config) { c.Browser.Stealth = "ninja" }},
		{"template", func(c *Config) { c.Proxy.Template = "http://gw:1" }},
		{"webhook url", func(c *Config) { c.Sinks = []SinkConfig{{Type: "webhook"}} }},
		{"sink type", func(c *Config) { c.Sinks = []SinkConfig{{Type: "nats"}} }},
		{"protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }},
		{"visibility shorter than a visit", func(c *Config) {
			c.Crawl.QueueVisibility = c.Visit.VisitTimeout
		}},
		{"blocked status", func(c *Config) { c.Visit.BlockedStatusCodes = []int{4030} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.ApplyDefaults()
			tt.mod(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateVisibilityCoversOneAttempt(t *testing.T) {
	cfg := &Config{
		Crawl: CrawlConfig{BackoffMax: time.Second, QueueVisibility: 12 * time.Second},
		Visit: VisitConfig{VisitTimeout: 10 * time.Second},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	cfg.Crawl.QueueVisibility = 11 * time.Second
	require.Error(t, cfg.Validate())
}
