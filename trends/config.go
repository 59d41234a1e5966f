package trends

import (
	"log/slog"

	"github.com/hazyhaar/trendscrape/trends/internal/browser"
	"github.com/hazyhaar/trendscrape/trends/internal/config"
	"github.com/hazyhaar/trendscrape/trends/internal/hook"
	"github.com/hazyhaar/trendscrape/trends/internal/table"
	"github.com/hazyhaar/trendscrape/trends/internal/visit"
)

// Config is the top-level crawl configuration. Re-exported from internal.
type Config = config.Config

// SearchConfig describes the terms and filters of a crawl.
type SearchConfig = config.SearchConfig

// CrawlConfig controls concurrency, retries and the item ceiling.
type CrawlConfig = config.CrawlConfig

// VisitConfig controls one page visit.
type VisitConfig = config.VisitConfig

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// ProxyConfig chooses egress identities.
type ProxyConfig = config.ProxyConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// TelemetryConfig enables OpenTelemetry export.
type TelemetryConfig = config.TelemetryConfig

// Input is the actor-style JSON input.
type Input = config.Input

// LoadConfigFile reads a YAML configuration or a JSON5 input file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

func visitConfig(cfg *Config, h hook.Hook, logger *slog.Logger) visit.Config {
	v := cfg.Visit
	return visit.Config{
		RateLimitSelector:   v.RateLimitSelector,
		Table:               table.Selectors{Rows: v.RowsSelector, Hidden: v.HiddenSelector},
		WidgetSelector:      v.WidgetSelector,
		WidgetErrorSelector: v.WidgetErrorSelector,
		PageLoadTimeout:     v.PageLoadTimeout,
		VisitTimeout:        v.VisitTimeout,
		RowsTimeout:         v.RowsTimeout,
		WidgetTimeout:       v.WidgetTimeout,
		WidgetErrorTimeout:  v.WidgetErrorTimeout,
		RateLimitDelay:      v.RateLimitDelay,
		BlockedStatusCodes:  v.BlockedStatusCodes,
		TitleColumn:         v.TitleColumn,
		ISODates:            v.ISODates,
		Snapshots:           v.Snapshots,
		Hook:                h,
		Logger:              logger,
	}
}

func browserConfig(cfg *Config, logger *slog.Logger) browser.Config {
	b := cfg.Browser
	level := browser.LevelHeadless
	switch b.Stealth {
	case "plain":
		level = browser.LevelPlain
	case "headful":
		level = browser.LevelHeadful
	}
	return browser.Config{
		RemoteURL:        b.Remote,
		Bin:              b.Bin,
		MemoryLimit:      b.MemoryLimit,
		RecycleInterval:  b.RecycleInterval,
		ResourceBlocking: b.ResourceBlocking,
		Stealth:          level,
		XvfbDisplay:      b.XvfbDisplay,
		Logger:           logger,
	}
}
