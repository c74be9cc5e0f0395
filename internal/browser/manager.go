// File: internal/browser/manager.go
// Description: Owns the browser process lifecycle and hands out isolated page
// surfaces. A shared headless allocator serves most runs; visible-mode runs
// get a dedicated allocator bound to their virtual display.

package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
	"github.com/formrelay/formrelay-cli/internal/config"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// Manager handles the lifecycle of the browser processes, ensuring efficient
// resource reuse across runs and a graceful shutdown.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig
	netCfg config.NetworkConfig

	// allocatorCtx manages the shared headless browser process. Session
	// contexts for headless runs are derived from this.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	// wg tracks active sessions for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager launches the shared headless browser process and verifies it
// responds before handing the manager to callers.
func NewManager(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig, netCfg config.NetworkConfig) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
		netCfg: netCfg,
	}

	opts := m.allocatorOptions(true, "")
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	m.allocatorCtx = allocCtx
	m.allocatorCancel = cancel

	// Confirm the browser starts and responds before accepting work.
	testCtx, cancelTest := context.WithTimeout(allocCtx, 30*time.Second)
	defer cancelTest()
	tabCtx, cancelTab := chromedp.NewContext(testCtx)
	defer cancelTab()

	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		m.allocatorCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.logger.Info("Browser launched and responsive")
	return m, nil
}

// launchFlags assembles the Chrome flag set for a surface. A false-valued
// boolean flag suppresses the matching chromedp default, which is how the
// automation banner gets stripped.
func launchFlags(cfg config.BrowserConfig, headless bool) map[string]any {
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	flags := map[string]any{
		"enable-automation":         false,
		"headless":                  headless,
		"disable-gpu":               headless,
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
		"disable-blink-features":    "AutomationControlled",
		"disable-extensions":        true,
		"user-agent":                ua,
	}

	// Custom arguments from the config file.
	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}

	return flags
}

// allocatorOptions turns the flag set into allocator options, layered over
// the chromedp defaults.
func (m *Manager) allocatorOptions(headless bool, display string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range launchFlags(m.cfg, headless) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if display != "" {
		opts = append(opts, chromedp.Env("DISPLAY="+display))
	}
	return opts
}

// NewSession creates an isolated page surface. Headless sessions are tabs on
// the shared browser; visible sessions launch a dedicated browser bound to
// the requested display. Unless session persistence is enabled, pooled
// surfaces start with cleared cookies so no state leaks across targets.
func (m *Manager) NewSession(ctx context.Context, opts schemas.SessionOptions) (schemas.PageSession, error) {
	var (
		tabCtx      context.Context
		tabCancel   context.CancelFunc
		allocCancel context.CancelFunc
	)

	if opts.Headless || opts.Display == "" {
		tabCtx, tabCancel = chromedp.NewContext(m.allocatorCtx)
	} else {
		allocCtx, cancel := chromedp.NewExecAllocator(ctx, m.allocatorOptions(false, opts.Display)...)
		allocCancel = cancel
		tabCtx, tabCancel = chromedp.NewContext(allocCtx)
	}

	s := &Session{
		logger:      m.logger.Named("session"),
		netCfg:      m.netCfg,
		ctx:         tabCtx,
		cancel:      tabCancel,
		allocCancel: allocCancel,
	}

	// Materialize the tab so failures surface here, not on first use.
	initCtx, cancelInit := context.WithTimeout(tabCtx, 30*time.Second)
	defer cancelInit()
	if err := chromedp.Run(initCtx, chromedp.Navigate("about:blank")); err != nil {
		s.teardown()
		return nil, fmt.Errorf("failed to initialize browser session: %w", err)
	}

	if !m.cfg.PersistSession {
		resetCtx, cancelReset := context.WithTimeout(tabCtx, 10*time.Second)
		defer cancelReset()
		if err := chromedp.Run(resetCtx, network.ClearBrowserCookies()); err != nil {
			m.logger.Warn("Failed to reset surface state", zap.Error(err))
		}
	}

	m.wg.Add(1)
	s.done = m.wg.Done
	return s, nil
}

// Shutdown waits for active sessions to close and terminates the shared
// browser process, forcing termination once the deadline passes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated; waiting for active sessions")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions completed")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded; forcing browser termination", zap.Error(ctx.Err()))
	}

	if m.allocatorCancel != nil {
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return nil
}
