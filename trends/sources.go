package trends

import (
	"context"
	"fmt"
	"io"

	"github.com/hazyhaar/trendscrape/trends/internal/dates"
	"github.com/hazyhaar/trendscrape/trends/internal/sink"
	"github.com/hazyhaar/trendscrape/trends/internal/source"
)

// Request is one page visit of a crawl.
type Request = source.Request

// Geo is a country code the explore page accepts.
type Geo = source.Geo

// Geolocations lists the known country codes.
func Geolocations() []Geo {
	out := make([]Geo, len(source.Geolocations))
	copy(out, source.Geolocations)
	return out
}

// BuildSources returns the SEARCH requests cfg.Search describes, without
// touching any queue or browser.
func BuildSources(cfg *Config) ([]Request, error) {
	reqs, err := source.Build(cfg.Search.Terms, source.Params{
		Geo:             cfg.Search.Geo,
		Category:        cfg.Search.Category,
		TimeRange:       cfg.Search.TimeRange,
		CustomTimeRange: cfg.Search.CustomTimeRange,
	})
	if err != nil {
		return nil, fmt.Errorf("trends: %w", err)
	}
	return reqs, nil
}

// ISODate converts a date label of the explore page to an ISO-8601 UTC
// timestamp.
func ISODate(label string) (string, error) {
	return dates.Normalizer{}.ISO(label)
}

// ExportDataset writes the records stored in the dataset file at path as
// JSON lines and returns how many it wrote.
func ExportDataset(ctx context.Context, path string, w io.Writer, debug bool) (int, error) {
	ds, err := sink.OpenDataset(ctx, path)
	if err != nil {
		return 0, err
	}
	defer ds.Close()
	return ds.Export(ctx, w, debug)
}
