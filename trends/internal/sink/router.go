package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/trendscrape/trends/record"
)

// Router fans out to all configured sinks. One sink error does not block
// the others. Errors are logged; an operation fails only when no sink
// accepted it, so a record that reached any sink counts as delivered and is
// never pushed again.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router delivering to all sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

// Len returns the number of sinks.
func (r *Router) Len() int { return len(r.sinks) }

func (r *Router) fan(op string, fn func(Sink) error) error {
	var errs []error
	for _, s := range r.sinks {
		if err := fn(s); err != nil {
			r.logger.Warn("sink: "+op+" failed", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) < len(r.sinks) {
		return nil
	}
	return errors.Join(errs...)
}

func (r *Router) Push(ctx context.Context, rec *record.Record) error {
	return r.fan("push", func(s Sink) error { return s.Push(ctx, rec) })
}

func (r *Router) PushDebug(ctx context.Context, rec *record.Record) error {
	return r.fan("push debug", func(s Sink) error { return s.PushDebug(ctx, rec) })
}

func (r *Router) SaveSnapshot(ctx context.Context, key string, png []byte) error {
	return r.fan("save snapshot", func(s Sink) error { return s.SaveSnapshot(ctx, key, png) })
}

// Close closes every sink and joins their errors.
func (r *Router) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
