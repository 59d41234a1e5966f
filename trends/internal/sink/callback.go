package sink

import (
	"context"

	"github.com/hazyhaar/trendscrape/trends/record"
)

// RecordFunc is called for each data or debug record.
type RecordFunc func(ctx context.Context, r *record.Record) error

// SnapshotFunc is called for each snapshot.
type SnapshotFunc func(ctx context.Context, key string, png []byte) error

// Callback delivers records as in-process function calls. Used when the
// crawler is embedded as a library.
type Callback struct {
	onRecord   RecordFunc
	onDebug    RecordFunc
	onSnapshot SnapshotFunc
}

// NewCallback creates a Callback sink. Any handler may be nil.
func NewCallback(onRecord, onDebug RecordFunc, onSnapshot SnapshotFunc) *Callback {
	return &Callback{onRecord: onRecord, onDebug: onDebug, onSnapshot: onSnapshot}
}

func (c *Callback) Push(ctx context.Context, r *record.Record) error {
	if c.onRecord != nil {
		return c.onRecord(ctx, r)
	}
	return nil
}

func (c *Callback) PushDebug(ctx context.Context, r *record.Record) error {
	if c.onDebug != nil {
		return c.onDebug(ctx, r)
	}
	return nil
}

func (c *Callback) SaveSnapshot(ctx context.Context, key string, png []byte) error {
	if c.onSnapshot != nil {
		return c.onSnapshot(ctx, key, png)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
