package browser

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/realtime-product-stream/internal/metrics"
)

// Config controls the headless browser.
type Config struct {
	ExecPath          string
	Headless          bool
	UserAgent         string
	Headers           http.Header
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	SettleDelay       time.Duration
}

// Chromedp starts tabs in one shared Chrome process.
type Chromedp struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a session factory backed by chromedp.
func NewChromedp(cfg Config) *Chromedp {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 5 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Chromedp{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}
}

// Close shuts the browser down.
func (c *Chromedp) Close() {
	c.allocCancel()
}

// NewSession opens a new tab.
func (c *Chromedp) NewSession(ctx context.Context) (Session, error) {
	tab, cancel := chromedp.NewContext(c.allocator)
	s := &chromeSession{cfg: c.cfg, tab: tab, cancel: cancel, meta: newResponseMeta()}
	chromedp.ListenTarget(tab, s.meta.captureEvent)
	if err := s.run(ctx, c.cfg.NavigationTimeout, s.networkSetupAction()); err != nil {
		cancel()
		return nil, fmt.Errorf("open browser tab: %w", err)
	}
	return s, nil
}

type chromeSession struct {
	cfg    Config
	tab    context.Context
	cancel context.CancelFunc
	meta   *responseMeta
}

// run executes actions on the tab, bounded by timeout and by ctx.
func (s *chromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	s.meta.reset()
	err := s.run(ctx, s.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
	)
	if err != nil {
		metrics.ObservePageLoad(url, "error")
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	status, _, _ := s.meta.snapshot()
	metrics.ObservePageLoad(url, strconv.Itoa(statusOrOK(status)))
	return nil
}

func (s *chromeSession) ClickIfPresent(ctx context.Context, xpath string) (bool, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Nodes(xpath, &nodes, chromedp.BySearch, chromedp.AtLeast(0))); err != nil {
		return false, fmt.Errorf("locate %s: %w", xpath, err)
	}
	if len(nodes) == 0 {
		return false, nil
	}
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.MouseClickNode(nodes[0]),
		chromedp.Sleep(s.cfg.SettleDelay),
	); err != nil {
		return false, fmt.Errorf("click %s: %w", xpath, err)
	}
	return true, nil
}

func (s *chromeSession) ScrollBy(ctx context.Context, pixels int) error {
	var offset float64
	expr := fmt.Sprintf("window.scrollBy(0, %d); window.scrollY", pixels)
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Evaluate(expr, &offset),
		chromedp.Sleep(s.cfg.SettleDelay),
	); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

func (s *chromeSession) Snapshot(ctx context.Context) (Snapshot, error) {
	var html, location string
	if err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	status, header, url := s.meta.snapshotWithFallbacks(location)
	return Snapshot{URL: url, StatusCode: status, Header: header, HTML: html}, nil
}

func (s *chromeSession) Close() error {
	s.cancel()
	return nil
}

func (s *chromeSession) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(s.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(s.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// responseMeta records the main document response of the last navigation.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status, m.headers, m.url = 0, http.Header{}, ""
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

// snapshotWithFallbacks prefers the browser location over the recorded
// response URL, which predates client side redirects.
func (m *responseMeta) snapshotWithFallbacks(location string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	if location != "" {
		url = location
	}
	return statusOrOK(status), headers, url
}

func statusOrOK(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
