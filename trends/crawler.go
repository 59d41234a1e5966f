// Package trends crawls the Google Trends explore page for a list of terms
// and emits one interest-over-time record per term.
//
// A Crawler seeds a persistent work queue with a warm-up request and one
// request per term, then runs a pool of workers. Each worker owns one
// browser session (one egress identity) for its lifetime and retries
// blocked or failed visits on that same session. Records go to the
// configured sinks; the run stops early once max_items records exist.
package trends

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/trendscrape/dbopen"
	"github.com/hazyhaar/trendscrape/trends/internal/browser"
	"github.com/hazyhaar/trendscrape/trends/internal/config"
	"github.com/hazyhaar/trendscrape/trends/internal/hook"
	"github.com/hazyhaar/trendscrape/trends/internal/sink"
	"github.com/hazyhaar/trendscrape/trends/internal/source"
	"github.com/hazyhaar/trendscrape/trends/internal/telemetry"
	"github.com/hazyhaar/trendscrape/trends/internal/visit"
	"github.com/hazyhaar/trendscrape/trends/record"
	"github.com/hazyhaar/trendscrape/vtq"
)

// Session is one egress identity a worker visits pages through.
type Session interface {
	visit.Opener
	ID() string
	// Rotate discards the identity and starts a fresh one.
	Rotate(ctx context.Context) error
	Close() error
}

// SessionFactory starts the session of worker n.
type SessionFactory func(ctx context.Context, worker int) (Session, error)

// Counter reports how many records a sink already holds.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// ShouldStop reports whether the item ceiling is reached. maxItems 0 means
// unlimited.
func ShouldStop(itemCount, maxItems int64) bool {
	return maxItems > 0 && itemCount >= maxItems
}

// Crawler runs one crawl. Create it with New, run it once with Run.
type Crawler struct {
	cfg      *config.Config
	logger   *slog.Logger
	visitor  *visit.Visitor
	hook     hook.Hook
	router   *sink.Router
	queue    *vtq.Q
	dataset  *sink.Dataset
	counter  Counter
	sessions SessionFactory
	limiter  *rate.Limiter
	metrics  *telemetry.Metrics
	sources  []source.Request

	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error

	itemCount atomic.Int64
	stats     counters

	mu      sync.Mutex
	started time.Time
	ended   time.Time
	usage   map[int]func(context.Context) (browser.Usage, error)
	closers []func() error
}

// Option configures a Crawler.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	sinks    []sink.Sink
	hook     hook.Hook
	sessions SessionFactory
	db       *sql.DB
	poll     time.Duration
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithSinks adds sinks next to the configured ones.
func WithSinks(s ...Sink) Option { return func(o *options) { o.sinks = append(o.sinks, s...) } }

// WithHook sets a Go hook. It replaces the configured script hook.
func WithHook(h Hook) Option { return func(o *options) { o.hook = h } }

// WithSessions replaces the browser-backed session factory.
func WithSessions(f SessionFactory) Option { return func(o *options) { o.sessions = f } }

// WithDB stores the queue and the dataset in db instead of the configured
// files. The caller keeps ownership of db.
func WithDB(db *sql.DB) Option { return func(o *options) { o.db = db } }

// WithPollInterval sets how long an idle worker waits before looking for
// work again. Default: 500ms.
func WithPollInterval(d time.Duration) Option { return func(o *options) { o.poll = d } }

// New builds a Crawler: it validates cfg and the hook, builds the request
// list, opens the queue and the sinks.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Crawler, error) {
	o := options{logger: slog.Default(), poll: 500 * time.Millisecond}
	for _, fn := range opts {
		fn(&o)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	srcs, err := BuildSources(cfg)
	if err != nil {
		return nil, err
	}
	if g := cfg.Search.Geo; g != "" && !source.KnownGeo(g) {
		o.logger.Warn("crawler: unknown geo, passing it through", "geo", g)
	}

	h := o.hook
	if h == nil && cfg.Visit.Hook != "" {
		h = hook.Script(cfg.Visit.Hook)
	}
	if err := hook.Validate(h); err != nil {
		return nil, fmt.Errorf("trends: %w", err)
	}

	c := &Crawler{
		cfg:          cfg,
		logger:       o.logger,
		metrics:      telemetry.NewMetrics(),
		sources:      srcs,
		hook:         h,
		pollInterval: o.poll,
		sleep:        sleepCtx,
		usage:        make(map[int]func(context.Context) (browser.Usage, error)),
	}
	c.visitor = visit.New(visitConfig(cfg, h, o.logger))
	if cfg.Crawl.VisitsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Crawl.VisitsPerSecond), 1)
	}

	if err := c.openStores(ctx, o.db); err != nil {
		c.Close()
		return nil, err
	}
	sinks, err := c.buildSinks(o.sinks)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.router = sink.NewRouter(o.logger, sinks...)

	c.sessions = o.sessions
	if c.sessions == nil {
		c.sessions = c.browserSessions()
	}
	return c, nil
}

const queueName = "trends"

// ResetQueue forgets every queued and finished request of cfg's queue so
// the next run starts from START again. Stored records are kept. It
// returns the number of requests removed.
func ResetQueue(ctx context.Context, cfg *Config) (int, error) {
	cfg.ApplyDefaults()
	db, err := dbopen.Open(cfg.Queue, dbopen.WithMkdirAll())
	if err != nil {
		return 0, fmt.Errorf("trends: open %s: %w", cfg.Queue, err)
	}
	defer db.Close()
	return resetQueue(ctx, db)
}

func resetQueue(ctx context.Context, db *sql.DB) (int, error) {
	q := vtq.New(db, vtq.Options{Queue: queueName})
	if err := q.EnsureTable(ctx); err != nil {
		return 0, err
	}
	n, err := q.Counts(ctx)
	if err != nil {
		return 0, err
	}
	if err := q.Purge(ctx); err != nil {
		return 0, err
	}
	return n.Pending + n.Done + n.Failed, nil
}

func (c *Crawler) openStores(ctx context.Context, shared *sql.DB) error {
	open := func(path string) (*sql.DB, error) {
		if shared != nil {
			return shared, nil
		}
		db, err := dbopen.Open(path, dbopen.WithMkdirAll())
		if err != nil {
			return nil, fmt.Errorf("trends: open %s: %w", path, err)
		}
		c.closers = append(c.closers, db.Close)
		return db, nil
	}

	qdb, err := open(c.cfg.Queue)
	if err != nil {
		return err
	}
	c.queue = vtq.New(qdb, vtq.Options{
		Queue:       queueName,
		Visibility:  c.cfg.Crawl.QueueVisibility,
		MaxAttempts: c.cfg.Crawl.Retries() + 2,
		Logger:      c.logger,
	})
	if err := c.queue.EnsureTable(ctx); err != nil {
		return err
	}

	for _, s := range c.cfg.Sinks {
		if s.Type != "dataset" {
			continue
		}
		ddb := qdb
		if shared == nil && c.cfg.Dataset != c.cfg.Queue {
			if ddb, err = open(c.cfg.Dataset); err != nil {
				return err
			}
		}
		ds, err := sink.NewDataset(ctx, ddb)
		if err != nil {
			return err
		}
		c.dataset = ds
		c.counter = ds
		break
	}
	return nil
}

func (c *Crawler) buildSinks(extra []sink.Sink) ([]sink.Sink, error) {
	var out []sink.Sink
	dataset := false
	for _, s := range c.cfg.Sinks {
		switch s.Type {
		case "dataset":
			if !dataset {
				out = append(out, c.dataset)
				dataset = true
			}
		case "stdout":
			out = append(out, sink.NewStdout(nil))
		case "webhook":
			opts := []sink.WebhookOption{
				sink.WithWebhookLogger(c.logger),
				sink.WithWebhookSnapshots(s.Snapshots),
			}
			for k, v := range s.Headers {
				opts = append(opts, sink.WithWebhookHeader(k, v))
			}
			w := sink.NewWebhook(s.URL, opts...)
			telemetry.InstrumentResty(w.Client(), "github.com/hazyhaar/trendscrape/webhook")
			out = append(out, w)
		default:
			return nil, fmt.Errorf("trends: unknown sink %q", s.Type)
		}
	}
	return append(out, extra...), nil
}

func (c *Crawler) browserSessions() SessionFactory {
	provider := browser.NewProxyProvider(c.cfg.Proxy.Template, c.cfg.Proxy.URLs)
	bcfg := browserConfig(c.cfg, c.logger)
	return func(ctx context.Context, worker int) (Session, error) {
		s, err := browser.NewSession(ctx, bcfg, provider)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.usage[worker] = s.Usage
		c.mu.Unlock()
		return s, nil
	}
}

// Sources returns the SEARCH requests of this crawl in term order.
func (c *Crawler) Sources() []source.Request {
	out := make([]source.Request, len(c.sources))
	copy(out, c.sources)
	return out
}

// ItemCount returns the number of records counted toward max_items.
func (c *Crawler) ItemCount() int64 { return c.itemCount.Load() }

// Run crawls until the queue is drained, the item ceiling is reached, ctx
// is cancelled or a fatal error occurs.
func (c *Crawler) Run(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	c.started = time.Now()
	c.mu.Unlock()

	if c.counter != nil {
		n, err := c.counter.Count(ctx)
		if err != nil {
			return c.Stats(), err
		}
		c.itemCount.Store(n)
		if n > 0 {
			c.logger.Info("crawler: resuming", "items", n)
		}
	}

	if n, err := c.queue.Recover(ctx); err != nil {
		return c.Stats(), err
	} else if n > 0 {
		c.logger.Info("crawler: requeued interrupted visits", "count", n)
	}

	first, err := c.checkHook(ctx)
	if err != nil {
		return c.Stats(), err
	}
	if err := c.seed(ctx); err != nil {
		if first != nil {
			first.Close()
		}
		return c.Stats(), err
	}

	if c.cfg.StatusAddr != "" {
		srv := &http.Server{Addr: c.cfg.StatusAddr, Handler: c.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("crawler: status server", "error", err)
			}
		}()
		defer srv.Close()
	}

	if c.cfg.Telemetry.Endpoint != "" {
		pctx, cancel := context.WithCancel(ctx)
		defer cancel()
		telemetry.InstrumentPerfStats(pctx, 30*time.Second, c.chromeRSS)
	}

	c.logger.Info("crawler: starting",
		"terms", len(c.sources), "workers", c.cfg.Crawl.MaxConcurrency, "max_items", c.cfg.Crawl.MaxItems)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Crawl.MaxConcurrency; i++ {
		var sess Session
		if i == 0 {
			sess = first
		}
		g.Go(func() error { return c.worker(gctx, i, sess) })
	}
	err = g.Wait()

	c.mu.Lock()
	c.ended = time.Now()
	c.mu.Unlock()

	st := c.Stats()
	c.logger.Info("crawler: finished",
		"emitted", st.Emitted, "no_data", st.NoData, "failed", st.Failed,
		"rate_limited", st.RateLimited, "items", st.ItemCount)
	if err != nil {
		return st, err
	}
	return st, ctx.Err()
}

// checkHook evaluates a checkable hook on a blank page of worker 0's
// session, so a broken script fails the run before anything is queued.
// The session is handed to worker 0.
func (c *Crawler) checkHook(ctx context.Context) (Session, error) {
	chk, ok := c.hook.(hook.Checker)
	if !ok {
		return nil, nil
	}
	sess, err := c.sessions(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("crawler: start session: %w", err)
	}
	page, err := sess.OpenPage(ctx)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("crawler: open page: %w", err)
	}
	err = chk.Check(ctx, page)
	page.Close()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("trends: %w", err)
	}
	c.logger.Info("crawler: hook script checked", "session", sess.ID())
	return sess, nil
}

// seed publishes the START request. On a resumed run START already exists,
// so the SEARCH requests are published right away; publishing is
// idempotent either way.
func (c *Crawler) seed(ctx context.Context) error {
	start := source.StartRequest()
	payload, err := source.Encode(start)
	if err != nil {
		return err
	}
	inserted, err := c.queue.Publish(ctx, start.ID, payload)
	if err != nil {
		return err
	}
	if !inserted {
		return c.enqueueSources(ctx)
	}
	return nil
}

func (c *Crawler) enqueueSources(ctx context.Context) error {
	msgs := make([]vtq.Message, 0, len(c.sources))
	for _, src := range c.sources {
		payload, err := source.Encode(src)
		if err != nil {
			return err
		}
		msgs = append(msgs, vtq.Message{ID: src.ID, Payload: payload})
	}
	added, err := c.queue.PublishAll(ctx, msgs)
	if err != nil {
		return err
	}
	c.logger.Info("crawler: enqueued search requests", "added", added, "total", len(c.sources))
	return nil
}

var errCeiling = errors.New("crawler: item ceiling reached")

func (c *Crawler) worker(ctx context.Context, n int, sess Session) error {
	log := c.logger.With("worker", n)
	var w *workerState
	if sess != nil {
		w = &workerState{sess: sess}
	}
	defer func() {
		if w != nil {
			w.sess.Close()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if ShouldStop(c.itemCount.Load(), int64(c.cfg.Crawl.MaxItems)) {
			log.Debug("crawler: item ceiling reached, worker exits")
			return nil
		}

		job, err := c.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if job == nil {
			pending, err := c.queue.Pending(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if pending == 0 {
				return nil
			}
			if err := c.sleep(ctx, c.pollInterval); err != nil {
				return nil
			}
			continue
		}

		if w == nil {
			sess, err := c.sessions(ctx, n)
			if err != nil {
				c.queue.Release(context.WithoutCancel(ctx), job.ID)
				return fmt.Errorf("crawler: start session: %w", err)
			}
			w = &workerState{sess: sess}
			log.Info("crawler: session started", "session", sess.ID())
		}

		err = c.process(ctx, log, w, job)
		switch {
		case errors.Is(err, errCeiling):
			return nil
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}
	}
}

type workerState struct {
	sess  Session
	score int
}

// process runs a claimed job to a terminal outcome, retrying on the
// worker's session. It returns errCeiling when the ceiling stopped it and
// a non-nil error only for fatal conditions.
func (c *Crawler) process(ctx context.Context, log *slog.Logger, w *workerState, job *vtq.Job) error {
	src, err := source.Decode(job.Payload)
	if err != nil {
		log.Error("crawler: undecodable job, failing it", "id", job.ID, "error", err)
		return c.queue.Fail(ctx, job.ID, err.Error())
	}
	log = log.With("url", src.URL, "label", src.Label)

	history := append([]string(nil), job.Errors...)
	mismatches := 0

	for {
		if ShouldStop(c.itemCount.Load(), int64(c.cfg.Crawl.MaxItems)) {
			if err := c.queue.Release(context.WithoutCancel(ctx), job.ID); err != nil {
				log.Warn("crawler: release job", "error", err)
			}
			return errCeiling
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				c.queue.Release(context.WithoutCancel(ctx), job.ID)
				return err
			}
		}

		// Each attempt may wait out a full visit plus backoff, so the
		// claim is renewed before it starts.
		if err := c.queue.Extend(ctx, job.ID, c.cfg.Crawl.QueueVisibility); err != nil {
			log.Warn("crawler: extend claim", "id", job.ID, "error", err)
		}

		began := time.Now()
		oc, verr := c.visitor.Visit(ctx, w.sess, src, c.router)
		c.metrics.Visit(ctx, outcomeName(oc, verr), time.Since(began))

		if verr == nil {
			return c.succeed(ctx, log, w, job, src, oc)
		}

		if errors.Is(verr, hook.ErrHookMalformed) {
			c.queue.Release(context.WithoutCancel(ctx), job.ID)
			log.Error("crawler: hook returned a malformed result, stopping", "error", verr)
			return verr
		}
		if ctx.Err() != nil {
			c.queue.Release(context.WithoutCancel(ctx), job.ID)
			return ctx.Err()
		}

		history = append(history, verr.Error())
		if err := c.queue.RecordError(ctx, job.ID, verr.Error()); err != nil {
			log.Warn("crawler: record error", "error", err)
		}

		rateLimited := errors.Is(verr, visit.ErrRateLimited)
		blocked := errors.Is(verr, visit.ErrBlocked)
		switch {
		case rateLimited:
			c.stats.rateLimited.Add(1)
		case blocked:
			c.stats.blocked.Add(1)
		default:
			w.score++
		}
		if errors.Is(verr, visit.ErrExtractionMismatch) {
			mismatches++
		}

		attempts := len(history)
		retry := attempts <= c.cfg.Crawl.Retries()
		if mismatches > 1 {
			retry = false
		}
		if !retry {
			return c.giveUp(ctx, log, job, src, history)
		}

		c.stats.retries.Add(1)
		c.metrics.Retry(ctx, retryReason(verr))

		if blocked || w.score >= c.cfg.Crawl.MaxErrorScore {
			log.Warn("crawler: rotating identity",
				"session", w.sess.ID(), "score", w.score, "blocked", blocked)
			if err := w.sess.Rotate(ctx); err != nil {
				c.queue.Release(context.WithoutCancel(ctx), job.ID)
				return fmt.Errorf("crawler: rotate session: %w", err)
			}
			w.score = 0
			c.stats.rotations.Add(1)
			c.metrics.Rotation(ctx)
		}

		// A rate-limited visit already waited on the page and a blocked
		// one continues on a fresh identity.
		if !rateLimited && !blocked {
			delay := c.backoff(attempts)
			log.Warn("crawler: visit failed, retrying",
				"attempt", attempts, "delay", delay, "error", verr)
			if err := c.sleep(ctx, delay); err != nil {
				c.queue.Release(context.WithoutCancel(ctx), job.ID)
				return err
			}
		} else if rateLimited {
			log.Info("crawler: retrying rate-limited visit on the same session",
				"attempt", attempts, "session", w.sess.ID())
		}
	}
}

func (c *Crawler) succeed(ctx context.Context, log *slog.Logger, w *workerState, job *vtq.Job, src source.Request, oc visit.Outcome) error {
	if w.score > 0 {
		w.score--
	}
	switch oc.Kind {
	case visit.KindRows:
		c.itemCount.Add(1)
		c.stats.emitted.Add(1)
		c.metrics.Record(ctx, "data")
	case visit.KindNoData:
		c.itemCount.Add(1)
		c.stats.noData.Add(1)
		c.metrics.Record(ctx, "no_data")
	}
	// START stays claimed until the searches are queued, so an interrupted
	// run recovers and replays it.
	if src.Label == source.Start {
		log.Info("crawler: session warmed up")
		if err := c.enqueueSources(ctx); err != nil {
			return err
		}
	}
	if err := c.queue.Ack(ctx, job.ID); err != nil {
		log.Warn("crawler: ack", "error", err)
	}
	return nil
}

// giveUp emits the debug record of a permanently failed visit. A failed
// START still enqueues the searches: the warm-up is best effort.
func (c *Crawler) giveUp(ctx context.Context, log *slog.Logger, job *vtq.Job, src source.Request, history []string) error {
	log.Warn("crawler: request failed too many times", "attempts", len(history))
	c.stats.failed.Add(1)
	c.metrics.Record(ctx, "debug")

	dbg := record.Debug{
		URL:           src.URL,
		Label:         string(src.Label),
		Term:          src.Term,
		RetryCount:    max(len(history)-1, 0),
		ErrorMessages: history,
	}
	if err := c.router.PushDebug(ctx, dbg.Record()); err != nil {
		log.Warn("crawler: push debug record", "error", err)
	}
	if src.Label == source.Start {
		if err := c.enqueueSources(ctx); err != nil {
			return err
		}
	}
	if err := c.queue.Fail(ctx, job.ID, "retries exhausted"); err != nil {
		log.Warn("crawler: fail job", "error", err)
	}
	return nil
}

// backoff returns base * 2^(attempt-1), capped.
func (c *Crawler) backoff(attempt int) time.Duration {
	d := c.cfg.Crawl.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.Crawl.BackoffMax {
			return c.cfg.Crawl.BackoffMax
		}
	}
	return min(d, c.cfg.Crawl.BackoffMax)
}

func (c *Crawler) chromeRSS(ctx context.Context) uint64 {
	c.mu.Lock()
	fns := make([]func(context.Context) (browser.Usage, error), 0, len(c.usage))
	for _, fn := range c.usage {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	var total uint64
	for _, fn := range fns {
		if u, err := fn(ctx); err == nil {
			total += u.RSS
		}
	}
	return total
}

// Close releases the sinks and the databases the crawler opened.
func (c *Crawler) Close() error {
	var errs []error
	if c.router != nil {
		errs = append(errs, c.router.Close())
	}
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	c.closers = nil
	return errors.Join(errs...)
}

func outcomeName(oc visit.Outcome, err error) string {
	switch {
	case err == nil:
		return oc.Kind.String()
	case errors.Is(err, visit.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, visit.ErrBlocked):
		return "blocked"
	case errors.Is(err, visit.ErrTimeout):
		return "timeout"
	case errors.Is(err, visit.ErrExtractionMismatch):
		return "extraction_mismatch"
	case errors.Is(err, hook.ErrHookMalformed):
		return "fatal"
	}
	return "error"
}

func retryReason(err error) string {
	return outcomeName(visit.Outcome{}, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
