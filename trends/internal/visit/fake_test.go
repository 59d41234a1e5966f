package visit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hazyhaar/trendscrape/trends/internal/browser"
	"github.com/hazyhaar/trendscrape/trends/record"
)

// appear describes when a selector shows up; never means it does not.
type appear struct {
	after time.Duration
	never bool
}

type fakePage struct {
	mu        sync.Mutex
	navErr    error
	status    int
	present   map[string]bool
	waits     map[string]appear
	html      string
	evalOut   json.RawMessage
	cancelled map[string]bool
	closed    bool
	shots     int
}

func newFakePage() *fakePage {
	return &fakePage{
		present:   map[string]bool{},
		waits:     map[string]appear{},
		cancelled: map[string]bool{},
	}
}

func (p *fakePage) Navigate(ctx context.Context, url string) error { return p.navErr }

func (p *fakePage) Status() int { return p.status }

func (p *fakePage) Has(_ context.Context, sel string) (bool, error) {
	return p.present[sel], nil
}

func (p *fakePage) wait(ctx context.Context, key string) error {
	a, ok := p.waits[key]
	if !ok {
		a = appear{never: true}
	}
	var ch <-chan time.Time
	if !a.never {
		ch = time.After(a.after)
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.cancelled[key] = true
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *fakePage) WaitElement(ctx context.Context, sel string) error {
	return p.wait(ctx, sel)
}

func (p *fakePage) WaitElementWithin(ctx context.Context, parent, sel string) error {
	return p.wait(ctx, parent+" "+sel)
}

func (p *fakePage) HTML(context.Context) (string, error) { return p.html, nil }

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	p.shots++
	return []byte("\x89PNG"), nil
}

func (p *fakePage) Eval(context.Context, string, ...any) (json.RawMessage, error) {
	if p.evalOut == nil {
		return nil, errors.New("no eval")
	}
	return p.evalOut, nil
}

func (p *fakePage) URL() string { return "" }

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

func (p *fakePage) wasCancelled(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled[key]
}

type fakeSession struct{ page *fakePage }

func (s fakeSession) OpenPage(context.Context) (browser.Page, error) { return s.page, nil }

type memEmitter struct {
	records   []*record.Record
	snapshots map[string][]byte
	pushErr   error
}

func (e *memEmitter) Push(_ context.Context, r *record.Record) error {
	if e.pushErr != nil {
		return e.pushErr
	}
	e.records = append(e.records, r)
	return nil
}

func (e *memEmitter) SaveSnapshot(_ context.Context, key string, png []byte) error {
	if e.snapshots == nil {
		e.snapshots = map[string][]byte{}
	}
	e.snapshots[key] = png
	return nil
}
