package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// Input is the actor-style input document: camelCase keys, timeouts in
// seconds, JSON5 syntax (comments and trailing commas allowed).
type Input struct {
	SearchTerms          []string    `json:"searchTerms"`
	TimeRange            string      `json:"timeRange"`
	CustomTimeRange      string      `json:"customTimeRange"`
	Category             string      `json:"category"`
	Geo                  string      `json:"geo"`
	MaxItems             int         `json:"maxItems"`
	MaxConcurrency       int         `json:"maxConcurrency"`
	PageLoadTimeoutSecs  int         `json:"pageLoadTimeoutSecs"`
	OutputAsISODate      bool        `json:"outputAsISODate"`
	ExtendOutputFunction string      `json:"extendOutputFunction"`
	SaveSnapshots        bool        `json:"saveSnapshots"`
	ProxyConfiguration   *ProxyInput `json:"proxyConfiguration"`
	Dataset              string      `json:"dataset"`
	WebhookURL           string      `json:"webhookUrl"`
}

// ProxyInput lists proxies or a session template.
type ProxyInput struct {
	ProxyURLs []string `json:"proxyUrls"`
	Template  string   `json:"template"`
}

func loadInput(path string) (Input, error) {
	var in Input
	data, err := os.ReadFile(path)
	if err != nil {
		return in, err
	}
	if err := json5.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("config: %s: %w", path, err)
	}

	local, err := os.ReadFile(LocalPath(path))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return in, err
	default:
		var override Input
		if err := json5.Unmarshal(local, &override); err != nil {
			return in, fmt.Errorf("config: %s: %w", LocalPath(path), err)
		}
		if err := mergo.Merge(&in, override, mergo.WithOverride); err != nil {
			return in, fmt.Errorf("config: merge overlay: %w", err)
		}
		slog.Info("config: merged local overrides", "local", LocalPath(path))
	}
	return in, nil
}

// Config maps the input onto a Config. Defaults are not applied.
func (in Input) Config() *Config {
	cfg := &Config{
		Search: SearchConfig{
			Terms:           in.SearchTerms,
			Geo:             in.Geo,
			Category:        in.Category,
			TimeRange:       in.TimeRange,
			CustomTimeRange: in.CustomTimeRange,
		},
		Crawl: CrawlConfig{
			MaxItems:       in.MaxItems,
			MaxConcurrency: in.MaxConcurrency,
		},
		Visit: VisitConfig{
			PageLoadTimeout: time.Duration(in.PageLoadTimeoutSecs) * time.Second,
			ISODates:        in.OutputAsISODate,
			Snapshots:       in.SaveSnapshots,
			Hook:            in.ExtendOutputFunction,
		},
		Dataset: in.Dataset,
	}
	if p := in.ProxyConfiguration; p != nil {
		cfg.Proxy = ProxyConfig{Template: p.Template, URLs: p.ProxyURLs}
	}
	if in.WebhookURL != "" {
		cfg.Sinks = []SinkConfig{{Type: "dataset"}, {Type: "webhook", URL: in.WebhookURL}}
	}
	return cfg
}
