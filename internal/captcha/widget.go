// File: internal/captcha/widget.go
// Description: Concrete ChallengeSurface over a page session for
// reCAPTCHA-style widgets: checkbox anchor, interactive sub-challenge frame,
// audio variant, and the hidden response textarea the token lands in.

package captcha

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
)

// Widget selectors. The anchor holds the checkbox; the bframe hosts the
// interactive sub-challenge.
const (
	selAnchorFrame   = `iframe[src*="api2/anchor"], iframe[src*="enterprise/anchor"]`
	selBFrame        = `iframe[src*="api2/bframe"], iframe[src*="enterprise/bframe"]`
	selAudioButton   = `#recaptcha-audio-button, button.rc-button-audio`
	selAudioAnswer   = `#audio-response`
	selVerifyButton  = `#recaptcha-verify-button`
	selResponseField = `textarea[name="g-recaptcha-response"]`
)

// detectJS reports whether a challenge widget exists on the page at all.
const detectJS = `(() => {
	return document.querySelector('.g-recaptcha, [data-sitekey], iframe[src*="recaptcha"]') !== null;
})()`

// tokenJS reads the response token the widget writes once solved.
const tokenJS = `(() => {
	const el = document.querySelector('textarea[name="g-recaptcha-response"]');
	if (el && el.value) return el.value;
	if (typeof grecaptcha !== 'undefined' && grecaptcha.getResponse) {
		try { return grecaptcha.getResponse() || ''; } catch (e) { return ''; }
	}
	return '';
})()`

// subChallengeJS reports whether the interactive sub-challenge frame is
// currently visible.
const subChallengeJS = `(() => {
	const f = document.querySelector('iframe[src*="api2/bframe"], iframe[src*="enterprise/bframe"]');
	if (!f) return false;
	const rect = f.getBoundingClientRect();
	return rect.width > 0 && rect.height > 0 && window.getComputedStyle(f).visibility !== 'hidden';
})()`

// siteKeyJS extracts the widget's site key from the container attribute or,
// failing that, the anchor frame's query string.
const siteKeyJS = `(() => {
	const c = document.querySelector('[data-sitekey]');
	if (c) return c.getAttribute('data-sitekey') || '';
	const f = document.querySelector('iframe[src*="recaptcha"]');
	if (!f) return '';
	const m = f.src.match(/[?&]k=([^&]+)/);
	return m ? m[1] : '';
})()`

// audioURLJS walks the extraction strategies in fixed priority order:
// explicit download link, media element source, embedded source element,
// then any link whose href plausibly contains audio.
const audioURLJS = `(() => {
	const dl = document.querySelector('.rc-audiochallenge-tdownload-link');
	if (dl && dl.href) return dl.href;
	const audio = document.querySelector('audio');
	if (audio && audio.src) return audio.src;
	const src = document.querySelector('audio source, source[type^="audio"]');
	if (src && src.src) return src.src;
	const link = Array.from(document.querySelectorAll('a[href]'))
		.find(a => /\.(mp3|wav|ogg)(\?|$)|audio/i.test(a.href));
	return link ? link.href : '';
})()`

// SurfaceInjector is a challenge surface that can also write a token
// obtained out-of-band back into the page.
type SurfaceInjector interface {
	ChallengeSurface
	InjectToken(ctx context.Context, token string) error
}

// Widget drives a reCAPTCHA-style challenge on one page session.
type Widget struct {
	page schemas.PageSession
	log  *zap.Logger
}

// NewWidget wraps the page's challenge widget.
func NewWidget(page schemas.PageSession, logger *zap.Logger) *Widget {
	return &Widget{page: page, log: logger.Named("widget")}
}

// Present reports whether a challenge widget exists on the page.
func (w *Widget) Present(ctx context.Context) (bool, error) {
	var present bool
	if err := w.page.Evaluate(ctx, detectJS, &present); err != nil {
		return false, fmt.Errorf("challenge detection: %w", err)
	}
	return present, nil
}

// ClickCheckbox clicks the anchor frame's checkbox control.
func (w *Widget) ClickCheckbox(ctx context.Context) error {
	return w.page.Click(ctx, selAnchorFrame)
}

// Token returns the current response token, empty if none issued yet.
func (w *Widget) Token(ctx context.Context) (string, error) {
	var token string
	if err := w.page.Evaluate(ctx, tokenJS, &token); err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// SubChallengeVisible reports whether an interactive sub-challenge is shown.
func (w *Widget) SubChallengeVisible(ctx context.Context) (bool, error) {
	var visible bool
	if err := w.page.Evaluate(ctx, subChallengeJS, &visible); err != nil {
		return false, err
	}
	return visible, nil
}

// SwitchToAudio pivots the sub-challenge to its audio variant. Image
// challenges are never attempted.
func (w *Widget) SwitchToAudio(ctx context.Context) error {
	if err := w.page.Click(ctx, selAudioButton); err != nil {
		return fmt.Errorf("audio variant unavailable: %w", err)
	}
	return nil
}

// AudioURL locates the audio resource via the strategy chain.
func (w *Widget) AudioURL(ctx context.Context) (string, error) {
	var href string
	if err := w.page.Evaluate(ctx, audioURLJS, &href); err != nil {
		return "", err
	}
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("no audio source found by any extraction strategy")
	}
	if _, err := url.Parse(href); err != nil {
		return "", fmt.Errorf("audio source %q is not a valid URL: %w", href, err)
	}
	return href, nil
}

// SubmitAnswer types the transcript into the answer field and verifies.
func (w *Widget) SubmitAnswer(ctx context.Context, transcript string) error {
	if err := w.page.Fill(ctx, selAudioAnswer, transcript); err != nil {
		return fmt.Errorf("typing transcript: %w", err)
	}
	if err := w.page.Click(ctx, selVerifyButton); err != nil {
		return fmt.Errorf("clicking verify: %w", err)
	}
	return nil
}

// SiteKey extracts the widget's site key for the external solver.
func (w *Widget) SiteKey(ctx context.Context) (string, error) {
	var key string
	if err := w.page.Evaluate(ctx, siteKeyJS, &key); err != nil {
		return "", err
	}
	return strings.TrimSpace(key), nil
}

// PageURL returns the page's current location.
func (w *Widget) PageURL(ctx context.Context) (string, error) {
	return w.page.TargetURL(ctx)
}

// InjectToken writes an externally obtained token into the response field
// the target form expects, then fires the events widgets listen for.
func (w *Widget) InjectToken(ctx context.Context, token string) error {
	script := fmt.Sprintf(`(() => {
		let el = document.querySelector('textarea[name="g-recaptcha-response"]');
		if (!el) {
			el = document.createElement('textarea');
			el.name = 'g-recaptcha-response';
			el.style.display = 'none';
			(document.forms[0] || document.body).appendChild(el);
		}
		el.value = %q;
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	})()`, token)

	var ok bool
	if err := w.page.Evaluate(ctx, script, &ok); err != nil {
		return fmt.Errorf("token injection: %w", err)
	}
	w.log.Debug("Injected response token")
	return nil
}
