package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Page is the slice of a browser tab a visit needs. Every blocking call
// honours ctx.
type Page interface {
	// Navigate loads url and returns once DOMContentLoaded fired and the
	// tab is in front.
	Navigate(ctx context.Context, url string) error
	// Status is the HTTP status of the last main-document response, 0 when
	// none was seen.
	Status() int
	// Has reports whether selector currently matches, without waiting.
	Has(ctx context.Context, selector string) (bool, error)
	// WaitElement blocks until selector matches.
	WaitElement(ctx context.Context, selector string) error
	// WaitElementWithin blocks until selector matches inside the first
	// element matching parent.
	WaitElementWithin(ctx context.Context, parent, selector string) error
	HTML(ctx context.Context) (string, error)
	// Screenshot captures the full page as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Eval runs a JS function expression with args and returns its JSON
	// encoded result.
	Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error)
	URL() string
	Close() error
}

// Tab is a Page backed by a Rod page.
type Tab struct {
	page   *rod.Page
	router *rod.HijackRouter
	url    string
	status int
	log    *slog.Logger
}

var _ Page = (*Tab)(nil)

// OpenTab creates a blank tab in mgr's browser with stealth and resource
// blocking applied.
func OpenTab(mgr *Manager) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	var page *rod.Page
	var err error
	if mgr.cfg.Stealth >= LevelHeadless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	t := &Tab{page: page, log: mgr.cfg.Logger}
	if len(mgr.cfg.ResourceBlocking) > 0 {
		router, err := blockResources(page, mgr.cfg.ResourceBlocking)
		if err != nil {
			mgr.cfg.Logger.Warn("browser: resource blocking failed", "error", err)
		} else {
			t.router = router
		}
	}
	return t, nil
}

func (t *Tab) Navigate(ctx context.Context, url string) error {
	p := t.page.Context(ctx)
	t.status = 0

	statuses := make(chan int, 1)
	waitStatus := p.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument || e.FrameID != p.FrameID {
			return false
		}
		statuses <- e.Response.Status
		return true
	})
	go waitStatus()

	wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	select {
	case t.status = <-statuses:
	default:
	}
	t.url = url
	if _, err := p.Activate(); err != nil {
		t.log.Debug("browser: activate tab", "error", err)
	}
	return nil
}

func (t *Tab) Status() int { return t.status }

func (t *Tab) Has(ctx context.Context, selector string) (bool, error) {
	has, _, err := t.page.Context(ctx).Has(selector)
	if err != nil {
		return false, fmt.Errorf("browser: has %q: %w", selector, err)
	}
	return has, nil
}

func (t *Tab) WaitElement(ctx context.Context, selector string) error {
	if _, err := t.page.Context(ctx).Element(selector); err != nil {
		return fmt.Errorf("browser: wait %q: %w", selector, err)
	}
	return nil
}

func (t *Tab) WaitElementWithin(ctx context.Context, parent, selector string) error {
	el, err := t.page.Context(ctx).Element(parent)
	if err != nil {
		return fmt.Errorf("browser: wait %q: %w", parent, err)
	}
	if _, err := el.Context(ctx).Element(selector); err != nil {
		return fmt.Errorf("browser: wait %q in %q: %w", selector, parent, err)
	}
	return nil
}

func (t *Tab) HTML(ctx context.Context) (string, error) {
	html, err := t.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("browser: html: %w", err)
	}
	return html, nil
}

func (t *Tab) Screenshot(ctx context.Context) ([]byte, error) {
	img, err := t.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return img, nil
}

func (t *Tab) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	res, err := t.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, fmt.Errorf("browser: eval: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("browser: eval result: %w", err)
	}
	return raw, nil
}

func (t *Tab) URL() string {
	if info, err := t.page.Info(); err == nil {
		return info.URL
	}
	return t.url
}

// Close stops request interception and closes the tab.
func (t *Tab) Close() error {
	if t.router != nil {
		if err := t.router.Stop(); err != nil {
			t.log.Debug("browser: stop hijack router", "error", err)
		}
	}
	if t.page != nil {
		return t.page.Close()
	}
	return nil
}
