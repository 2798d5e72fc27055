// Package browsertest provides an in-memory browser for tests. Pages are
// static HTML documents keyed by URL.
package browsertest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/JakeFAU/realtime-product-stream/internal/browser"
)

// Page is a canned response.
type Page struct {
	HTML   string
	Status int
	// AfterClick replaces HTML once the given xpath was clicked.
	AfterClick map[string]string
	// Scrolled is served after the n-th ScrollBy call, clamped to the last
	// entry.
	Scrolled []string
}

// Factory hands out Sessions over a shared page set and tracks how many
// sessions are open.
type Factory struct {
	mu       sync.Mutex
	pages    map[string]Page
	open     int
	maxOpen  int
	opened   int
	NewErr   error
	sessions []*Session
}

// NewFactory returns a Factory serving pages.
func NewFactory(pages map[string]Page) *Factory {
	if pages == nil {
		pages = map[string]Page{}
	}
	return &Factory{pages: pages}
}

// SetPage adds or replaces a page.
func (f *Factory) SetPage(url string, page Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = page
}

// NewSession opens a session.
func (f *Factory) NewSession(context.Context) (browser.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	f.open++
	f.opened++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	s := &Session{factory: f}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Open returns the number of sessions currently open.
func (f *Factory) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// MaxOpen returns the peak number of concurrently open sessions.
func (f *Factory) MaxOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOpen
}

// Opened returns the number of sessions ever opened.
func (f *Factory) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Visited returns every URL navigated to, across sessions.
func (f *Factory) Visited() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sessions {
		out = append(out, s.visited...)
	}
	return out
}

func (f *Factory) page(url string) (Page, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[url]
	return p, ok
}

// Session is a fake browser tab.
type Session struct {
	factory *Factory
	current string
	page    Page
	clicked map[string]bool
	scrolls int
	visited []string
	closed  bool
}

// Navigate loads url. Unknown URLs fail.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, ok := s.factory.page(url)
	if !ok {
		return fmt.Errorf("navigate %s: no such page", url)
	}
	s.factory.mu.Lock()
	s.visited = append(s.visited, url)
	s.factory.mu.Unlock()
	s.current = url
	s.page = page
	s.clicked = map[string]bool{}
	s.scrolls = 0
	return nil
}

// ClickIfPresent clicks xpath when the page declares it in AfterClick.
func (s *Session) ClickIfPresent(ctx context.Context, xpath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, ok := s.page.AfterClick[xpath]; !ok {
		return false, nil
	}
	s.clicked[xpath] = true
	return true, nil
}

// ScrollBy advances through Page.Scrolled.
func (s *Session) ScrollBy(ctx context.Context, _ int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.scrolls++
	return nil
}

// Clicked reports whether xpath was clicked on the current page.
func (s *Session) Clicked(xpath string) bool {
	return s.clicked[xpath]
}

// Snapshot renders the current page.
func (s *Session) Snapshot(ctx context.Context) (browser.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return browser.Snapshot{}, err
	}
	if s.current == "" {
		return browser.Snapshot{}, fmt.Errorf("snapshot: no page loaded")
	}
	html := s.page.HTML
	for xpath, after := range s.page.AfterClick {
		if s.clicked[xpath] {
			html = after
		}
	}
	if n := len(s.page.Scrolled); n > 0 && s.scrolls > 0 {
		idx := s.scrolls - 1
		if idx >= n {
			idx = n - 1
		}
		html = s.page.Scrolled[idx]
	}
	status := s.page.Status
	if status == 0 {
		status = http.StatusOK
	}
	return browser.Snapshot{URL: s.current, StatusCode: status, Header: http.Header{}, HTML: html}, nil
}

// Close releases the session.
func (s *Session) Close() error {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.factory.open--
	}
	return nil
}
