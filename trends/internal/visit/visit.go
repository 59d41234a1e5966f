// Package visit drives one page visit of the explore page: rate-limit
// check, the data/no-data race, table extraction and record emission.
package visit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hazyhaar/trendscrape/trends/internal/browser"
	"github.com/hazyhaar/trendscrape/trends/internal/dates"
	"github.com/hazyhaar/trendscrape/trends/internal/hook"
	"github.com/hazyhaar/trendscrape/trends/internal/source"
	"github.com/hazyhaar/trendscrape/trends/internal/table"
	"github.com/hazyhaar/trendscrape/trends/record"
)

var (
	// ErrRateLimited means the site served its block page. Retry on the
	// same session.
	ErrRateLimited = errors.New("visit: rate limited")
	// ErrBlocked means the main document came back with a blocked status
	// (401, 403 by default). The egress identity is burnt: retry on a new
	// session.
	ErrBlocked = errors.New("visit: blocked")
	// ErrTimeout covers navigation, selector waits and the visit ceiling.
	ErrTimeout = errors.New("visit: timeout")
	// ErrExtractionMismatch means the table was seen but no visible row
	// could be read.
	ErrExtractionMismatch = errors.New("visit: extraction mismatch")
	// ErrIllegalTransition is a programming error in the state machine.
	ErrIllegalTransition = errors.New("visit: illegal transition")
)

// DefaultNoDataMessage is the message field of a no-data record.
const DefaultNoDataMessage = "The search term displays no data."

// Kind tags an Outcome.
type Kind int

const (
	KindWarmed Kind = iota
	KindRateLimited
	KindNoData
	KindRows
	KindFatal
	KindBlocked
)

func (k Kind) String() string {
	switch k {
	case KindWarmed:
		return "warmed"
	case KindRateLimited:
		return "rate_limited"
	case KindNoData:
		return "no_data"
	case KindRows:
		return "rows"
	case KindFatal:
		return "fatal"
	case KindBlocked:
		return "blocked"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Outcome is the terminal result of a visit.
type Outcome struct {
	Kind   Kind
	Term   string
	Rows   []table.Row
	Reason string
	// Record is the record handed to the emitter, nil when none was.
	Record *record.Record
	// Trail lists the states the visit went through.
	Trail []State
}

// Opener opens a fresh tab on a session.
type Opener interface {
	OpenPage(ctx context.Context) (browser.Page, error)
}

// Emitter receives what a visit produces.
type Emitter interface {
	Push(ctx context.Context, r *record.Record) error
	SaveSnapshot(ctx context.Context, key string, png []byte) error
}

// Config holds the selectors and timeouts of a visit. Zero values take the
// defaults below.
type Config struct {
	RateLimitSelector   string
	Table               table.Selectors
	WidgetSelector      string
	WidgetErrorSelector string

	PageLoadTimeout    time.Duration
	VisitTimeout       time.Duration
	RowsTimeout        time.Duration
	WidgetTimeout      time.Duration
	WidgetErrorTimeout time.Duration
	RateLimitDelay     time.Duration

	// BlockedStatusCodes are main-document statuses that mean the session
	// is blocked. Default: 401, 403.
	BlockedStatusCodes []int

	TitleColumn   string
	NoDataMessage string
	// ISODates rewrites date labels to ISO-8601 UTC keys.
	ISODates bool
	// Snapshots stores a full-page PNG for every no-data term.
	Snapshots bool

	Hook   hook.Hook
	Dates  *dates.Normalizer
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RateLimitSelector == "" {
		c.RateLimitSelector = "div#af-error-container"
	}
	c.Table = c.Table.WithDefaults()
	if c.WidgetSelector == "" {
		c.WidgetSelector = "[widget-name=TIMESERIES]"
	}
	if c.WidgetErrorSelector == "" {
		c.WidgetErrorSelector = "p.widget-error-title"
	}
	if c.PageLoadTimeout <= 0 {
		c.PageLoadTimeout = 180 * time.Second
	}
	if c.VisitTimeout <= 0 {
		c.VisitTimeout = 300 * time.Second
	}
	if c.RowsTimeout <= 0 {
		c.RowsTimeout = 30 * time.Second
	}
	if c.WidgetTimeout <= 0 {
		c.WidgetTimeout = 30 * time.Second
	}
	if c.WidgetErrorTimeout <= 0 {
		c.WidgetErrorTimeout = 120 * time.Second
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = 10 * time.Second
	}
	if c.BlockedStatusCodes == nil {
		c.BlockedStatusCodes = []int{401, 403}
	}
	if c.TitleColumn == "" {
		c.TitleColumn = "Term / Date"
	}
	if c.NoDataMessage == "" {
		c.NoDataMessage = DefaultNoDataMessage
	}
	if c.Dates == nil {
		c.Dates = &dates.Normalizer{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Visitor runs visits. It is safe for concurrent use.
type Visitor struct {
	cfg    Config
	tracer trace.Tracer
	sleep  func(ctx context.Context, d time.Duration) error
}

// New returns a Visitor.
func New(cfg Config) *Visitor {
	cfg.defaults()
	return &Visitor{
		cfg:    cfg,
		tracer: otel.Tracer("github.com/hazyhaar/trendscrape/visit"),
		sleep:  sleep,
	}
}

// Config returns the effective configuration.
func (v *Visitor) Config() Config { return v.cfg }

// Visit opens a tab on sess, runs src through the state machine and closes
// the tab. A nil error comes with a Warmed, NoData or Rows outcome.
func (v *Visitor) Visit(ctx context.Context, sess Opener, src source.Request, out Emitter) (Outcome, error) {
	ctx, span := v.tracer.Start(ctx, "visit",
		trace.WithAttributes(
			attribute.String("visit.label", string(src.Label)),
			attribute.String("visit.term", src.Term),
			attribute.String("visit.url", src.URL),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, v.cfg.VisitTimeout)
	defer cancel()

	m := newMachine()
	oc, err := v.run(ctx, m, sess, src, out)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: visit ceiling %s: %v", ErrTimeout, v.cfg.VisitTimeout, err)
	}
	if err != nil {
		next := Failed
		if errors.Is(err, hook.ErrHookMalformed) {
			next = Fatal
			oc.Kind = KindFatal
			oc.Reason = err.Error()
		}
		if terr := m.to(next); terr != nil {
			err = errors.Join(err, terr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	oc.Trail = m.trail
	span.SetAttributes(attribute.String("visit.outcome", oc.Kind.String()))
	return oc, err
}

func (v *Visitor) run(ctx context.Context, m *machine, sess Opener, src source.Request, out Emitter) (Outcome, error) {
	log := v.cfg.Logger.With("url", src.URL, "label", src.Label)
	oc := Outcome{Term: src.Term}

	page, err := sess.OpenPage(ctx)
	if err != nil {
		return oc, fmt.Errorf("visit: open page: %w", err)
	}
	defer page.Close()

	navCtx, navCancel := context.WithTimeout(ctx, v.cfg.PageLoadTimeout)
	err = page.Navigate(navCtx, src.URL)
	navCancel()
	if err != nil {
		if navCtx.Err() != nil {
			return oc, fmt.Errorf("%w: navigate: %v", ErrTimeout, err)
		}
		return oc, fmt.Errorf("visit: navigate: %w", err)
	}
	if code := page.Status(); slices.Contains(v.cfg.BlockedStatusCodes, code) {
		oc.Kind = KindBlocked
		log.Warn("visit: blocked, the session must be retired", "status", code)
		return oc, fmt.Errorf("%w: status %d", ErrBlocked, code)
	}

	blocked, err := page.Has(ctx, v.cfg.RateLimitSelector)
	if err != nil {
		return oc, fmt.Errorf("visit: rate limit check: %w", err)
	}
	if blocked {
		if err := m.to(RateLimited); err != nil {
			return oc, err
		}
		oc.Kind = KindRateLimited
		log.Warn("visit: rate limited, retrying on the same session", "delay", v.cfg.RateLimitDelay)
		if err := v.sleep(ctx, v.cfg.RateLimitDelay); err != nil {
			return oc, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return oc, ErrRateLimited
	}

	if src.Label == source.Start {
		oc.Kind = KindWarmed
		return oc, m.to(Emitted)
	}

	if err := m.to(AwaitingData); err != nil {
		return oc, err
	}
	hasData, err := v.race(ctx, page)
	if err != nil {
		return oc, err
	}

	var rec *record.Record
	if !hasData {
		if err := m.to(Empty); err != nil {
			return oc, err
		}
		oc.Kind = KindNoData
		log.Info("visit: the search term displays no data", "term", src.Term)
		if v.cfg.Snapshots {
			v.snapshot(ctx, page, src.Term, out, log)
		}
		rec = record.New(v.cfg.TitleColumn, src.Term, "message", v.cfg.NoDataMessage)
	} else {
		if err := m.to(Populated); err != nil {
			return oc, err
		}
		html, err := page.HTML(ctx)
		if err != nil {
			return oc, fmt.Errorf("visit: read html: %w", err)
		}
		rows, err := table.Extract(html, v.cfg.Table)
		if err != nil {
			return oc, fmt.Errorf("visit: %w", err)
		}
		if len(rows) == 0 {
			return oc, fmt.Errorf("%w: no visible rows for %q", ErrExtractionMismatch, src.Term)
		}
		oc.Kind = KindRows
		oc.Rows = rows
		rec = v.buildRecord(src.Term, rows, log)
	}
	if err := m.to(Extracted); err != nil {
		return oc, err
	}

	extra, err := hook.Apply(ctx, v.cfg.Hook, page, hook.Input{Term: src.Term, URL: src.URL}, log)
	if err != nil {
		return oc, err
	}
	rec.Merge(extra)

	if err := out.Push(ctx, rec); err != nil {
		return oc, fmt.Errorf("visit: push: %w", err)
	}
	oc.Record = rec
	if oc.Kind == KindRows {
		log.Info("visit: results pushed", "term", src.Term, "rows", len(oc.Rows))
	}
	return oc, m.to(Emitted)
}

type raceResult struct {
	data bool
	err  error
}

// race waits for the table rows and for the widget's error title at the
// same time. The first branch to succeed wins; the loser is cancelled and
// waited for so no CDP wait outlives the visit.
func (v *Visitor) race(ctx context.Context, page browser.Page) (bool, error) {
	dataCtx, cancelData := context.WithTimeout(ctx, v.cfg.RowsTimeout)
	defer cancelData()
	emptyCtx, cancelEmpty := context.WithCancel(ctx)
	defer cancelEmpty()

	results := make(chan raceResult, 2)
	go func() {
		results <- raceResult{data: true, err: page.WaitElement(dataCtx, v.cfg.Table.Rows)}
	}()
	go func() {
		results <- raceResult{data: false, err: v.waitEmpty(emptyCtx, page)}
	}()

	var errs []error
	for range 2 {
		r := <-results
		if r.err == nil {
			if r.data {
				cancelEmpty()
			} else {
				cancelData()
			}
			if len(errs) == 0 {
				<-results
			}
			return r.data, nil
		}
		errs = append(errs, r.err)
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: waiting for data: %v", ErrTimeout, err)
	}
	return false, fmt.Errorf("%w: neither table nor empty widget appeared: %v", ErrTimeout, errors.Join(errs...))
}

func (v *Visitor) waitEmpty(ctx context.Context, page browser.Page) error {
	wctx, cancel := context.WithTimeout(ctx, v.cfg.WidgetTimeout)
	err := page.WaitElement(wctx, v.cfg.WidgetSelector)
	cancel()
	if err != nil {
		return err
	}
	ectx, cancel := context.WithTimeout(ctx, v.cfg.WidgetErrorTimeout)
	defer cancel()
	return page.WaitElementWithin(ectx, v.cfg.WidgetSelector, v.cfg.WidgetErrorSelector)
}

func (v *Visitor) buildRecord(term string, rows []table.Row, log *slog.Logger) *record.Record {
	terms := len(source.Terms(term))
	rec := record.New(v.cfg.TitleColumn, term)
	for _, row := range rows {
		key := row.Label
		if v.cfg.ISODates {
			iso, err := v.cfg.Dates.ISO(row.Label)
			if err != nil {
				log.Warn("visit: keeping raw date label", "label", row.Label, "error", err)
			} else {
				key = iso
			}
		}
		rec.Set(key, joinValues(row.Values, terms))
	}
	return rec
}

var unsafeKey = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

// SnapshotKey names the screenshot stored for a no-data term.
func SnapshotKey(term string) string {
	return "NO-DATA-" + unsafeKey.ReplaceAllString(term, "-")
}

func (v *Visitor) snapshot(ctx context.Context, page browser.Page, term string, out Emitter, log *slog.Logger) {
	png, err := page.Screenshot(ctx)
	if err != nil {
		log.Warn("visit: snapshot failed", "term", term, "error", err)
		return
	}
	if err := out.SaveSnapshot(ctx, SnapshotKey(term), png); err != nil {
		log.Warn("visit: save snapshot failed", "term", term, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
