package sink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hazyhaar/trendscrape/trends/record"
)

// Webhook POSTs JSON envelopes to a URL. Transport errors, 429 and 5xx
// responses are retried with exponential backoff.
type Webhook struct {
	url       string
	client    *resty.Client
	logger    *slog.Logger
	snapshots bool
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithWebhookRetries sets the maximum number of retries. Default: 3.
func WithWebhookRetries(n int) WebhookOption {
	return func(w *Webhook) { w.client.SetRetryCount(n) }
}

// WithWebhookBackoff sets the first and the maximum wait between retries.
func WithWebhookBackoff(first, max time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.client.SetRetryWaitTime(first).SetRetryMaxWaitTime(max)
	}
}

// WithWebhookHeader adds a header to every request, typically auth.
func WithWebhookHeader(key, value string) WebhookOption {
	return func(w *Webhook) { w.client.SetHeader(key, value) }
}

// WithWebhookSnapshots ships snapshot bytes instead of their size.
func WithWebhookSnapshots(on bool) WebhookOption {
	return func(w *Webhook) { w.snapshots = on }
}

// WithWebhookLogger sets a custom logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// NewWebhook creates a Webhook sink targeting url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{url: url, logger: slog.Default()}
	w.client = resty.New().
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(8 * time.Second)
	for _, o := range opts {
		o(w)
	}
	w.client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		code := r.StatusCode()
		retry := code == http.StatusTooManyRequests || code >= 500
		if retry {
			w.logger.Warn("webhook: bad status", "status", code, "attempt", r.Request.Attempt)
		}
		return retry
	})
	return w
}

func (w *Webhook) Push(ctx context.Context, r *record.Record) error {
	return w.post(ctx, envelope{Type: "record", Data: r})
}

func (w *Webhook) PushDebug(ctx context.Context, r *record.Record) error {
	return w.post(ctx, envelope{Type: "debug", Data: r})
}

func (w *Webhook) SaveSnapshot(ctx context.Context, key string, png []byte) error {
	p := snapshotPayload{Key: key, Size: len(png)}
	if w.snapshots {
		p = snapshotPayload{Key: key, PNG: png}
	}
	return w.post(ctx, envelope{Type: "snapshot", Data: p})
}

func (w *Webhook) Close() error { return nil }

// Client exposes the underlying client so callers can add middleware.
func (w *Webhook) Client() *resty.Client { return w.client }

func (w *Webhook) post(ctx context.Context, env envelope) error {
	resp, err := w.client.R().SetContext(ctx).SetBody(env).Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook: post %s: %w", env.Type, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook: post %s: status %d", env.Type, resp.StatusCode())
	}
	return nil
}
