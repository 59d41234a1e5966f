// Package dates turns the time-axis labels of the interest-over-time table
// into ISO-8601 UTC timestamps.
//
// The table shows three shapes depending on the requested range:
//
//	"Nov 3, 2020"          daily or weekly points, year present
//	"Nov 13 at 11:00 PM"   hourly points, year missing
//	"11:00 PM"             intraday points, date missing
package dates

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ISOLayout is the millisecond-precision UTC layout of emitted keys.
const ISOLayout = "2006-01-02T15:04:05.000Z"

// maxYearDrift is how far in the past a parsed year may be before it is
// assumed to be a parser default rather than a real year.
const maxYearDrift = 5

// ErrUnparseable is returned for labels matching none of the known shapes.
var ErrUnparseable = errors.New("dates: unparseable label")

var (
	meridiem  = regexp.MustCompile(`(?i)(\d)\s*([ap]m)\b`)
	clockOnly = regexp.MustCompile(`(?i)^\d{1,2}:\d{2} [ap]m$`)
)

// Layouts tried in order on a cleaned label.
var layouts = []string{
	"Jan 2, 2006, 3:04 PM",
	"January 2, 2006, 3:04 PM",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2006",
	"January 2006",
	"Jan 2",
	"January 2",
}

// Normalizer converts labels relative to a clock and a location.
type Normalizer struct {
	// Now defaults to time.Now.
	Now func() time.Time
	// Location the labels are read in. Defaults to UTC.
	Location *time.Location
}

func (n Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now().In(n.loc())
	}
	return time.Now().In(n.loc())
}

func (n Normalizer) loc() *time.Location {
	if n.Location != nil {
		return n.Location
	}
	return time.UTC
}

// Clean applies the textual fixes done before any parsing: compatibility
// normalisation (narrow no-break spaces become spaces) and exactly one space
// between a time and its AM/PM marker.
func Clean(label string) string {
	s := norm.NFKC.String(label)
	s = strings.Join(strings.Fields(s), " ")
	return meridiem.ReplaceAllStringFunc(s, func(m string) string {
		sub := meridiem.FindStringSubmatch(m)
		return sub[1] + " " + strings.ToUpper(sub[2])
	})
}

// Parse returns the instant a label denotes.
func (n Normalizer) Parse(label string) (time.Time, error) {
	key := Clean(label)
	now := n.now()
	year := now.Year()

	if clockOnly.MatchString(key) {
		c, err := time.ParseInLocation("3:04 PM", key, n.loc())
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseable, label)
		}
		return time.Date(now.Year(), now.Month(), now.Day(), c.Hour(), c.Minute(), 0, 0, n.loc()), nil
	}

	if strings.Contains(key, " at ") {
		key = strings.Replace(key, " at ", ", "+strconv.Itoa(year)+", ", 1)
	}

	t, err := n.parseLayouts(key)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseable, label)
	}

	if t.Year() < year-maxYearDrift {
		// No year token: the layout defaulted to year 0.
		if fixed, err := n.parseLayouts(key + ", " + strconv.Itoa(year)); err == nil {
			return fixed, nil
		}
		if t.Year() == 0 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseable, label)
		}
	}
	return t, nil
}

func (n Normalizer) parseLayouts(key string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, key, n.loc()); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrUnparseable
}

// ISO returns the label as an ISO-8601 UTC timestamp with milliseconds.
func (n Normalizer) ISO(label string) (string, error) {
	t, err := n.Parse(label)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(ISOLayout), nil
}
