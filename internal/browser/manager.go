// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/config"
)

// ErrTabNotFound is returned when no controllable page exists or a
// previously resolved page has gone away.
var ErrTabNotFound = errors.New("no controllable browser tab")

// internalPrefixes marks pages the agent must never drive.
var internalPrefixes = []string{"chrome://", "chrome-extension://", "devtools://"}

// Manager owns the browser process and the CDP sessions attached to its tabs.
// It is the agent's environment: it resolves the controlled tab, captures it,
// navigates it, and hands out drivers for the execution surface.
type Manager struct {
	logger     *zap.Logger
	cfg        config.BrowserConfig
	captureCfg config.CaptureConfig

	// allocatorCtx manages the browser process; browserCtx the first session.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	// limiter mirrors the host's screenshot quota.
	limiter *rate.Limiter

	mu   sync.Mutex
	tabs map[target.ID]*tabSession
}

type tabSession struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager launches (or connects to) a browser and opens the start page.
func NewManager(ctx context.Context, cfg config.BrowserConfig, captureCfg config.CaptureConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger:     logger.Named("browser_manager"),
		cfg:        cfg,
		captureCfg: captureCfg,
		limiter:    newCaptureLimiter(captureCfg),
		tabs:       make(map[target.ID]*tabSession),
	}
	if err := m.launchBrowser(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

func newCaptureLimiter(cfg config.CaptureConfig) *rate.Limiter {
	if cfg.QuotaPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(cfg.QuotaPerSecond), 1)
}

func (m *Manager) launchBrowser(ctx context.Context) error {
	if m.cfg.RemoteURL != "" {
		m.logger.Info("Connecting to running browser", zap.String("remote_url", m.cfg.RemoteURL))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(ctx, m.cfg.RemoteURL)
	} else {
		m.logger.Info("Initializing browser allocator...", zap.Bool("headless", m.cfg.Headless))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, buildAllocatorOptions(m.cfg)...)
	}

	var ctxOpts []chromedp.ContextOption
	if m.cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
	}
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx, ctxOpts...)

	// The first Run allocates the browser and must use the session context itself.
	if err := chromedp.Run(m.browserCtx); err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return fmt.Errorf("browser failed to start: %w", err)
	}

	startCtx, cancel := context.WithTimeout(m.browserCtx, m.navigationTimeout())
	defer cancel()
	startURL := m.cfg.StartURL
	if startURL == "" {
		startURL = "about:blank"
	}
	if err := chromedp.Run(startCtx, chromedp.Navigate(startURL)); err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return fmt.Errorf("browser failed to open %s: %w", startURL, err)
	}

	m.logger.Info("Browser launched successfully and is responsive.", zap.String("start_url", startURL))
	return nil
}

// launchFlag is a single browser command line switch.
type launchFlag struct {
	name  string
	value interface{}
}

// launchFlags lists the switches layered over chromedp's defaults. A false
// value removes a default switch.
func launchFlags(cfg config.BrowserConfig) []launchFlag {
	flags := []launchFlag{
		{"enable-automation", false},
		{"headless", cfg.Headless},
		{"ignore-certificate-errors", cfg.IgnoreTLSErrors},
		{"disable-blink-features", "AutomationControlled"},
		{"disable-extensions", true},
		{"disable-gpu", cfg.Headless},
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			flags = append(flags, launchFlag{name, parts[1]})
		} else {
			flags = append(flags, launchFlag{name, true})
		}
	}

	// Needed inside containers.
	if runtime.GOOS == "linux" {
		flags = append(flags,
			launchFlag{"no-sandbox", true},
			launchFlag{"disable-dev-shm-usage", true},
			launchFlag{"disable-setuid-sandbox", true},
		)
	}
	return flags
}

// buildAllocatorOptions assembles the launch options for a local browser.
func buildAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range launchFlags(cfg) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	return opts
}

func (m *Manager) navigationTimeout() time.Duration {
	if m.cfg.NavigationTimeout > 0 {
		return m.cfg.NavigationTimeout
	}
	return 30 * time.Second
}

// -- Tab resolution --

// isControllable reports whether a target is a normal web page.
func isControllable(info *target.Info) bool {
	if info == nil || info.Type != "page" {
		return false
	}
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(info.URL, prefix) {
			return false
		}
	}
	return true
}

func handleFor(info *target.Info) schemas.TabHandle {
	return schemas.TabHandle{ID: string(info.TargetID), URL: info.URL, Title: info.Title}
}

// pickTab returns the first controllable page in infos.
func pickTab(infos []*target.Info) (schemas.TabHandle, bool) {
	for _, info := range infos {
		if isControllable(info) {
			return handleFor(info), true
		}
	}
	return schemas.TabHandle{}, false
}

// Resolve picks the page the agent will drive.
func (m *Manager) Resolve(ctx context.Context) (schemas.TabHandle, error) {
	infos, err := m.targets(ctx)
	if err != nil {
		return schemas.TabHandle{}, err
	}
	tab, ok := pickTab(infos)
	if !ok {
		return schemas.TabHandle{}, ErrTabNotFound
	}
	m.logger.Debug("Resolved tab", zap.String("tab_id", tab.ID), zap.String("url", tab.URL))
	return tab, nil
}

// Validate confirms tab still exists and refreshes its URL and title.
func (m *Manager) Validate(ctx context.Context, tab schemas.TabHandle) (schemas.TabHandle, error) {
	infos, err := m.targets(ctx)
	if err != nil {
		return schemas.TabHandle{}, err
	}
	for _, info := range infos {
		if string(info.TargetID) == tab.ID && info.Type == "page" {
			return handleFor(info), nil
		}
	}
	m.forget(target.ID(tab.ID))
	return schemas.TabHandle{}, fmt.Errorf("%w: %s", ErrTabNotFound, tab.ID)
}

func (m *Manager) targets(ctx context.Context) ([]*target.Info, error) {
	opCtx, cancel := CombineContext(m.browserCtx, ctx)
	defer cancel()
	infos, err := chromedp.Targets(opCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to list browser targets: %w", err)
	}
	return infos, nil
}

// CurrentURL re-reads the page location.
func (m *Manager) CurrentURL(ctx context.Context, tab schemas.TabHandle) (string, error) {
	var location string
	if err := m.run(ctx, tab, 5*time.Second, chromedp.Location(&location)); err != nil {
		return "", err
	}
	return location, nil
}

// -- Sessions --

// tabContext returns the chromedp context attached to tab, attaching on first use.
func (m *Manager) tabContext(tab schemas.TabHandle) (context.Context, error) {
	id := target.ID(tab.ID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.tabs[id]; ok {
		return s.ctx, nil
	}
	ctx, cancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(id))
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to attach to tab %s: %w", tab.ID, err)
	}
	m.tabs[id] = &tabSession{ctx: ctx, cancel: cancel}
	return ctx, nil
}

func (m *Manager) forget(id target.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.tabs[id]; ok {
		s.cancel()
		delete(m.tabs, id)
	}
}

// run executes actions against tab, bounded by both ctx and timeout.
func (m *Manager) run(ctx context.Context, tab schemas.TabHandle, timeout time.Duration, actions ...chromedp.Action) error {
	tabCtx, err := m.tabContext(tab)
	if err != nil {
		return err
	}
	opCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		opCtx, cancelTimeout = context.WithTimeout(opCtx, timeout)
		defer cancelTimeout()
	}
	return chromedp.Run(opCtx, actions...)
}

// -- Navigator --

// Navigate loads url in tab.
func (m *Manager) Navigate(ctx context.Context, tab schemas.TabHandle, url string) error {
	return m.run(ctx, tab, m.navigationTimeout(), chromedp.Navigate(url))
}

// GoBack steps back in tab's session history.
func (m *Manager) GoBack(ctx context.Context, tab schemas.TabHandle) error {
	return m.run(ctx, tab, m.navigationTimeout(), chromedp.NavigateBack())
}

// GoForward steps forward in tab's session history.
func (m *Manager) GoForward(ctx context.Context, tab schemas.TabHandle) error {
	return m.run(ctx, tab, m.navigationTimeout(), chromedp.NavigateForward())
}

// Driver returns the input driver for a tab, used by the execution surface.
func (m *Manager) Driver(tabID string) (Driver, error) {
	tab := schemas.TabHandle{ID: tabID}
	if _, err := m.tabContext(tab); err != nil {
		return nil, err
	}
	return &cdpDriver{manager: m, tab: tab, logger: m.logger.Named("cdp_driver")}, nil
}

// Shutdown detaches all tab sessions and terminates the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated.")
	m.mu.Lock()
	for id, s := range m.tabs {
		s.cancel()
		delete(m.tabs, id)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Cancelling the first session closes the browser for local allocators.
		m.browserCancel()
		m.allocatorCancel()
	}()

	select {
	case <-done:
		m.logger.Info("Browser process terminated.")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Timed out waiting for browser shutdown.", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
