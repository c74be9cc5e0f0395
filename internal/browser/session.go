// File: internal/browser/session.go
// Description: One isolated page surface. Every operation combines the tab
// context with the caller's context and carries its own timeout, so a hung
// page never wedges the owning run past its bounds.

package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
	"github.com/formrelay/formrelay-cli/internal/config"
)

// Session implements schemas.PageSession over a chromedp tab context.
type Session struct {
	logger *zap.Logger
	netCfg config.NetworkConfig

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc // non-nil only for dedicated visible browsers
	done        func()

	closeOnce sync.Once
}

// combineContext derives an operation context from the tab context that is
// also cancelled when the caller's context ends.
func (s *Session) combineContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() { stop(); cancel() }
}

// Navigate loads the URL with a bounded timeout and classifies hard failures
// into *schemas.NavigationError sub-reasons. Navigation failure is terminal
// for the run; no further steps execute.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating", zap.String("url", url))

	opCtx, opCancel := s.combineContext(ctx)
	defer opCancel()

	navTimeout := s.netCfg.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 45 * time.Second
	}
	navCtx, navCancel := context.WithTimeout(opCtx, navTimeout)
	defer navCancel()

	resp, err := chromedp.RunResponse(navCtx, chromedp.Navigate(url))
	if err != nil {
		reason := schemas.NavNetwork
		if navCtx.Err() == context.DeadlineExceeded {
			reason = schemas.NavTimeout
			err = fmt.Errorf("timed out after %s: %w", navTimeout, err)
		}
		return &schemas.NavigationError{Reason: reason, URL: url, Err: err}
	}
	if resp != nil {
		switch {
		case resp.Status >= 500:
			return &schemas.NavigationError{Reason: schemas.NavHTTP5xx, URL: url,
				Err: fmt.Errorf("server returned HTTP %d", resp.Status)}
		case resp.Status >= 400:
			return &schemas.NavigationError{Reason: schemas.NavHTTP4xx, URL: url,
				Err: fmt.Errorf("server returned HTTP %d", resp.Status)}
		}
	}

	// Give the page a quiet period to settle; non-critical if it doesn't.
	if wait := s.netCfg.PostLoadWait; wait > 0 {
		if err := chromedp.Run(opCtx, chromedp.Sleep(wait)); err != nil && opCtx.Err() != nil {
			return opCtx.Err()
		}
	}
	return nil
}

// Click waits for the element and clicks it.
func (s *Session) Click(ctx context.Context, selector string) error {
	s.logger.Debug("Clicking element", zap.String("selector", selector))

	opCtx, cancel := s.actionContext(ctx)
	defer cancel()

	err := chromedp.Run(opCtx, chromedp.Tasks{
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	})
	if err != nil {
		return fmt.Errorf("click failed for selector %q: %w", selector, err)
	}
	return nil
}

// Fill clears the element and types the value into it.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	s.logger.Debug("Filling element", zap.String("selector", selector), zap.Int("value_len", len(value)))

	opCtx, cancel := s.actionContext(ctx)
	defer cancel()

	err := chromedp.Run(opCtx, chromedp.Tasks{
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	})
	if err != nil {
		return fmt.Errorf("fill failed for selector %q: %w", selector, err)
	}
	return nil
}

// Evaluate runs a script in page context, unmarshaling the result into out.
func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	opCtx, cancel := s.actionContext(ctx)
	defer cancel()

	if err := chromedp.Run(opCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	return nil
}

// WaitVisible blocks until the element is visible or the context ends.
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	opCtx, cancel := s.actionContext(ctx)
	defer cancel()

	if err := chromedp.Run(opCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q failed: %w", selector, err)
	}
	return nil
}

// Content returns the rendered document markup.
func (s *Session) Content(ctx context.Context) (string, error) {
	opCtx, cancel := s.actionContext(ctx)
	defer cancel()

	var html string
	if err := chromedp.Run(opCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("reading page content: %w", err)
	}
	return html, nil
}

// TargetURL returns the page's current location.
func (s *Session) TargetURL(ctx context.Context) (string, error) {
	opCtx, cancel := s.actionContext(ctx)
	defer cancel()

	var loc string
	if err := chromedp.Run(opCtx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("reading page location: %w", err)
	}
	return strings.TrimSpace(loc), nil
}

// actionContext is combineContext plus the configured per-action timeout.
func (s *Session) actionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, opCancel := s.combineContext(ctx)
	timeout := s.netCfg.ActionTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	tCtx, tCancel := context.WithTimeout(opCtx, timeout)
	return tCtx, func() { tCancel(); opCancel() }
}

// Close releases the surface exactly once, including its dedicated browser
// process when one was launched for visible mode.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.teardown()
		if s.done != nil {
			s.done()
		}
	})
	return nil
}

func (s *Session) teardown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}
