// Package table reads the interest-over-time table out of the rendered
// explore page.
//
// The page also renders a visually hidden copy of the table (and a bar
// chart variant) that mimics the real one. Rows under those decoys are
// dropped.
package table

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Row is one table line: the time-axis label and one value per compared term.
type Row struct {
	Label  string   `json:"label"`
	Values []string `json:"values"`
}

// Selectors locate the rows and the decoy containers.
type Selectors struct {
	Rows   string `yaml:"rows" json:"rows"`
	Hidden string `yaml:"hidden" json:"hidden"`
}

// DefaultSelectors match the current layout of the explore page.
var DefaultSelectors = Selectors{
	Rows:   "svg ~ div > table > tbody tr",
	Hidden: ".hiddenDiv, bar-chart",
}

// WithDefaults fills empty selectors from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	if s.Rows == "" {
		s.Rows = DefaultSelectors.Rows
	}
	if s.Hidden == "" {
		s.Hidden = DefaultSelectors.Hidden
	}
	return s
}

// Extract parses html and returns its visible rows in document order.
func Extract(html string, sel Selectors) ([]Row, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("table: parse html: %w", err)
	}
	return ExtractDocument(doc, sel), nil
}

// ExtractDocument returns the visible rows of an already parsed document.
// Rows are neither reordered nor deduplicated.
func ExtractDocument(doc *goquery.Document, sel Selectors) []Row {
	sel = sel.WithDefaults()
	var rows []Row
	doc.Find(sel.Rows).Each(func(_ int, tr *goquery.Selection) {
		if tr.Closest(sel.Hidden).Length() > 0 {
			return
		}
		cells := tr.Children()
		if cells.Length() == 0 {
			return
		}
		row := Row{
			Label:  string(StripMarker([]byte(strings.TrimSpace(cells.First().Text())))),
			Values: []string{},
		}
		cells.Slice(1, goquery.ToEnd).Each(func(_ int, td *goquery.Selection) {
			row.Values = append(row.Values, strings.TrimSpace(td.Text()))
		})
		rows = append(rows, row)
	})
	return rows
}

// StripMarker removes the invisible 3-byte direction marks the site wraps
// around labels. A label starting with byte 0xE2 loses its first and last
// three bytes; anything else is returned unchanged.
func StripMarker(b []byte) []byte {
	if len(b) == 0 || b[0] != 0xE2 {
		return b
	}
	if len(b) < 6 {
		return b[:0]
	}
	return b[3 : len(b)-3]
}
