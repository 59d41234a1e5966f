package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/trendscrape/trends/record"
)

// Stdout writes JSON lines to an io.Writer (default os.Stdout). Snapshots
// are announced with their size only.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) encode(v envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(v)
}

func (s *Stdout) Push(_ context.Context, r *record.Record) error {
	return s.encode(envelope{Type: "record", Data: r})
}

func (s *Stdout) PushDebug(_ context.Context, r *record.Record) error {
	return s.encode(envelope{Type: "debug", Data: r})
}

func (s *Stdout) SaveSnapshot(_ context.Context, key string, png []byte) error {
	return s.encode(envelope{Type: "snapshot", Data: snapshotPayload{Key: key, Size: len(png)}})
}

func (s *Stdout) Close() error { return nil }
