// Package sink defines the output backends of a crawl.
package sink

import (
	"context"

	"github.com/hazyhaar/trendscrape/trends/record"
)

// Sink receives records and snapshots. Implementations must be safe for
// concurrent use; every worker pushes through the same sink.
type Sink interface {
	Push(ctx context.Context, r *record.Record) error
	PushDebug(ctx context.Context, r *record.Record) error
	SaveSnapshot(ctx context.Context, key string, png []byte) error
	Close() error
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type snapshotPayload struct {
	Key string `json:"key"`
	PNG []byte `json:"png,omitempty"`
	// Size is set instead of PNG when the bytes are not shipped.
	Size int `json:"size,omitempty"`
}
