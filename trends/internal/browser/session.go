package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Session is one egress identity: a Chrome process bound to one proxy URL.
// Pages opened from it share cookies and exit IP.
type Session struct {
	cfg      Config
	provider ProxyProvider

	mu  sync.Mutex
	id  string
	mgr *Manager
}

// NewSession starts Chrome for a fresh identity.
func NewSession(ctx context.Context, cfg Config, provider ProxyProvider) (*Session, error) {
	if provider == nil {
		provider = NoProxy{}
	}
	s := &Session{cfg: cfg, provider: provider}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) start(ctx context.Context) error {
	id := uuid.NewString()
	proxy, err := s.provider.ProxyURL(id)
	if err != nil {
		return fmt.Errorf("browser: session proxy: %w", err)
	}
	cfg := s.cfg
	cfg.Proxy = proxy
	if cfg.Logger != nil {
		cfg.Logger = cfg.Logger.With("session", id)
	}
	mgr := NewManager(cfg)
	if _, err := mgr.Start(ctx); err != nil {
		return err
	}
	s.id = id
	s.mgr = mgr
	return nil
}

// ID identifies the current identity. It changes on Rotate.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// OpenPage opens a fresh tab.
func (s *Session) OpenPage(ctx context.Context) (Page, error) {
	s.mu.Lock()
	mgr := s.mgr
	s.mu.Unlock()
	if mgr == nil {
		return nil, fmt.Errorf("browser: session closed")
	}
	return OpenTab(mgr)
}

// Rotate discards the identity (Chrome, cookies, proxy assignment) and
// starts a new one.
func (s *Session) Rotate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr != nil {
		s.mgr.Close()
		s.mgr = nil
	}
	return s.start(ctx)
}

// Usage reports the Chrome footprint of this session.
func (s *Session) Usage(ctx context.Context) (Usage, error) {
	s.mu.Lock()
	mgr := s.mgr
	s.mu.Unlock()
	if mgr == nil {
		return Usage{}, fmt.Errorf("browser: session closed")
	}
	return mgr.Usage(ctx)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr == nil {
		return nil
	}
	err := s.mgr.Close()
	s.mgr = nil
	return err
}
