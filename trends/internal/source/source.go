// Package source builds the request descriptors the crawler visits: one
// SEARCH request per query term plus the START warm-up request.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// ExploreURL is the page that renders the interest-over-time widget.
	ExploreURL = "https://trends.google.com/trends/explore"
	// HomeURL is visited once by the START request to warm the session up.
	HomeURL = "https://trends.google.com/trends"
)

// Label tags a request with the handler the crawler dispatches it to.
type Label string

const (
	Start  Label = "START"
	Search Label = "SEARCH"
)

// ErrNoTerms is returned when Build is called without any query term.
var ErrNoTerms = errors.New("source: at least one search term is required")

// Request is an immutable visit descriptor. Retries reuse the same Request.
type Request struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Label     Label  `json:"label"`
	Term      string `json:"term,omitempty"`
	Geo       string `json:"geo,omitempty"`
	Category  string `json:"category,omitempty"`
	TimeRange string `json:"time_range,omitempty"`
}

// Params are the query options shared by every term.
type Params struct {
	Geo      string
	Category string
	// TimeRange is a named preset such as "today 12-m".
	TimeRange string
	// CustomTimeRange, e.g. "2020-01-01 2020-06-30", overrides TimeRange.
	CustomTimeRange string
}

func (p Params) timeRange() string {
	if p.CustomTimeRange != "" {
		return p.CustomTimeRange
	}
	return p.TimeRange
}

// Build returns one SEARCH request per term, in input order.
func Build(terms []string, p Params) ([]Request, error) {
	if len(terms) == 0 {
		return nil, ErrNoTerms
	}
	reqs := make([]Request, 0, len(terms))
	for i, term := range terms {
		if strings.TrimSpace(term) == "" {
			return nil, fmt.Errorf("source: term %d is empty", i)
		}
		u := QueryURL(term, p)
		reqs = append(reqs, Request{
			ID:        requestID(Search, u),
			URL:       u,
			Label:     Search,
			Term:      decodeTerm(term),
			Geo:       p.Geo,
			Category:  p.Category,
			TimeRange: p.timeRange(),
		})
	}
	return reqs, nil
}

// StartRequest returns the warm-up request.
func StartRequest() Request {
	return Request{ID: requestID(Start, HomeURL), URL: HomeURL, Label: Start}
}

// QueryURL formats the explore URL for a single term. Parameters are only
// set when present; without geo the site defaults to worldwide.
func QueryURL(term string, p Params) string {
	// Parameter order follows the site's own links: geo, date, cat, q.
	var parts []string
	add := func(k, v string) {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}
	if p.Geo != "" {
		add("geo", p.Geo)
	}
	if tr := p.timeRange(); tr != "" {
		add("date", tr)
	}
	if p.Category != "" {
		add("cat", p.Category)
	}
	// Decoding once lets callers pass either "a/b" or "a%2Fb".
	add("q", decodeTerm(term))
	return ExploreURL + "?" + strings.Join(parts, "&")
}

func decodeTerm(term string) string {
	dec, err := url.QueryUnescape(strings.ReplaceAll(term, "+", "%2B"))
	if err != nil {
		return term
	}
	return dec
}

// TermOf extracts the decoded q parameter of a query URL.
func TermOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("source: parse %q: %w", rawURL, err)
	}
	return u.Query().Get("q"), nil
}

// Terms splits a comparison query ("coffee,tea") into its terms.
func Terms(q string) []string {
	return strings.Split(q, ",")
}

func requestID(label Label, u string) string {
	sum := sha256.Sum256([]byte(string(label) + " " + u))
	return hex.EncodeToString(sum[:12])
}

// Encode serialises a request for the work queue.
func Encode(r Request) ([]byte, error) {
	return json.Marshal(r)
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return Request{}, fmt.Errorf("source: decode request: %w", err)
	}
	return r, nil
}
