package trends

import (
	"context"
	"io"
	"log/slog"

	"github.com/hazyhaar/trendscrape/trends/internal/hook"
	"github.com/hazyhaar/trendscrape/trends/internal/sink"
	"github.com/hazyhaar/trendscrape/trends/record"
)

// Sink is the output interface for records and snapshots.
type Sink = sink.Sink

// Hook extends every record with extra fields computed from the page.
type Hook = hook.Hook

// HookFunc adapts a Go function to Hook.
type HookFunc = hook.Func

// HookPage is what a hook can read from the page.
type HookPage = hook.Page

// HookInput identifies the request a hook runs for.
type HookInput = hook.Input

// NewStdoutSink creates a stdout JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry.
func NewWebhookSink(url string, logger *slog.Logger) Sink {
	return sink.NewWebhook(url, sink.WithWebhookLogger(logger))
}

// NewCallbackSink creates an in-process sink. Any func may be nil.
func NewCallbackSink(
	onRecord func(ctx context.Context, r *record.Record) error,
	onDebug func(ctx context.Context, r *record.Record) error,
	onSnapshot func(ctx context.Context, key string, png []byte) error,
) Sink {
	return sink.NewCallback(onRecord, onDebug, onSnapshot)
}
