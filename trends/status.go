package trends

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type counters struct {
	emitted     atomic.Int64
	noData      atomic.Int64
	failed      atomic.Int64
	rateLimited atomic.Int64
	blocked     atomic.Int64
	retries     atomic.Int64
	rotations   atomic.Int64
}

// Stats summarises a crawl. Queue counts include work left by earlier runs.
type Stats struct {
	Terms       int           `json:"terms"`
	ItemCount   int64         `json:"item_count"`
	MaxItems    int           `json:"max_items"`
	Emitted     int64         `json:"emitted"`
	NoData      int64         `json:"no_data"`
	Failed      int64         `json:"failed"`
	RateLimited int64         `json:"rate_limited"`
	Blocked     int64         `json:"blocked"`
	Retries     int64         `json:"retries"`
	Rotations   int64         `json:"rotations"`
	Pending     int           `json:"pending"`
	Done        int           `json:"done"`
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished,omitzero"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// Stats returns a snapshot of the crawl counters.
func (c *Crawler) Stats() Stats {
	st := Stats{
		Terms:       len(c.sources),
		ItemCount:   c.itemCount.Load(),
		MaxItems:    c.cfg.Crawl.MaxItems,
		Emitted:     c.stats.emitted.Load(),
		NoData:      c.stats.noData.Load(),
		Failed:      c.stats.failed.Load(),
		RateLimited: c.stats.rateLimited.Load(),
		Blocked:     c.stats.blocked.Load(),
		Retries:     c.stats.retries.Load(),
		Rotations:   c.stats.rotations.Load(),
	}
	c.mu.Lock()
	st.Started, st.Finished = c.started, c.ended
	switch {
	case c.started.IsZero():
	case c.ended.IsZero():
		st.Elapsed = time.Since(c.started)
	default:
		st.Elapsed = c.ended.Sub(c.started)
	}
	c.mu.Unlock()

	if c.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if qc, err := c.queue.Counts(ctx); err == nil {
			st.Pending = qc.Pending
			st.Done = qc.Done + qc.Failed
		}
	}
	return st
}

// Handler serves /healthz and /stats.
func (c *Crawler) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.Stats())
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
