// File: internal/orchestrator/orchestrator.go
// Description: Drives one end-to-end submission run: acquire a surface,
// navigate, run pre-actions, resolve any challenge, discover and fill the
// form, submit, and classify the outcome. Every failure is folded into the
// returned Result; Run never panics out and never returns an error.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
	"github.com/formrelay/formrelay-cli/internal/captcha"
	"github.com/formrelay/formrelay-cli/internal/config"
	"github.com/formrelay/formrelay-cli/internal/display"
	"github.com/formrelay/formrelay-cli/internal/forms"
	"github.com/formrelay/formrelay-cli/internal/heartbeat"
)

// errorBannerPhrases are generic rejection markers checked on the post-submit
// page when none of the template's success phrases matched.
var errorBannerPhrases = []string{
	"there was an error",
	"an error occurred",
	"submission failed",
	"could not be sent",
	"please correct",
	"is required",
	"invalid email",
	"try again",
}

// DisplayPool hands out virtual display sessions for visible-solve runs.
type DisplayPool interface {
	Acquire(ctx context.Context) (*display.Session, error)
	Release(s *display.Session)
}

// FormDiscoverer locates and classifies the primary form on a loaded page.
type FormDiscoverer interface {
	DiscoverPrimaryForm(ctx context.Context, page schemas.PageSession) (*forms.Form, error)
}

// ChallengeResolver drives a challenge instance to a terminal outcome.
type ChallengeResolver interface {
	Resolve(ctx context.Context, ch captcha.ChallengeSurface, policy schemas.CaptchaPolicy) captcha.Outcome
}

// ChallengeSurfaceFactory builds the page binding for challenge resolution.
type ChallengeSurfaceFactory func(page schemas.PageSession, logger *zap.Logger) captcha.SurfaceInjector

// Orchestrator executes submission runs. It is injected with fully
// configured engine components via interfaces, keeping it testable against
// fakes.
type Orchestrator struct {
	cfg        *config.Config
	log        *zap.Logger
	browsers   schemas.BrowserManager
	displays   DisplayPool
	discovery  FormDiscoverer
	resolver   ChallengeResolver
	store      schemas.RunStore
	heartbeats *heartbeat.Registry

	newSurface ChallengeSurfaceFactory
	clock      func() time.Time
}

// New creates an Orchestrator. store may be nil when persistence is
// disabled; displays may be nil when visible solving is never requested.
func New(
	cfg *config.Config,
	logger *zap.Logger,
	browsers schemas.BrowserManager,
	displays DisplayPool,
	discovery FormDiscoverer,
	resolver ChallengeResolver,
	store schemas.RunStore,
	heartbeats *heartbeat.Registry,
) (*Orchestrator, error) {
	if cfg == nil || logger == nil || browsers == nil || discovery == nil || resolver == nil || heartbeats == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		cfg:        cfg,
		log:        logger.Named("orchestrator"),
		browsers:   browsers,
		displays:   displays,
		discovery:  discovery,
		resolver:   resolver,
		store:      store,
		heartbeats: heartbeats,
		newSurface: func(page schemas.PageSession, logger *zap.Logger) captcha.SurfaceInjector {
			return captcha.NewWidget(page, logger)
		},
		clock: time.Now,
	}, nil
}

// Run executes one submission attempt against targetURL. The run record
// moves pending -> running -> terminal exactly once; the heartbeat record is
// removed whether the run finishes or panics.
func (o *Orchestrator) Run(ctx context.Context, targetURL string, tpl *schemas.SubmissionTemplate) (result schemas.Result) {
	run := schemas.NewSubmissionRun(targetURL, tpl)
	log := o.log.With(zap.String("run_id", run.ID), zap.String("url", targetURL))
	start := o.clock()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Run panicked", zap.Any("panic", r))
			result = schemas.Result{
				RunID:          run.ID,
				URL:            targetURL,
				Status:         schemas.StatusError,
				Message:        fmt.Sprintf("internal panic: %v", r),
				CaptchaOutcome: run.CaptchaOutcome,
				Duration:       o.clock().Sub(start),
			}
		}
		o.heartbeats.Remove(run.HeartbeatKey)
		o.finalize(run, result)
	}()

	o.heartbeats.Beat(run.HeartbeatKey, "starting")
	run.StartedAt = start
	o.persistCreate(ctx, run)
	o.markRunning(ctx, run)

	status, outcome, msg := o.execute(ctx, log, run, targetURL, tpl)
	run.CaptchaOutcome = outcome

	return schemas.Result{
		RunID:          run.ID,
		URL:            targetURL,
		Status:         status,
		Message:        msg,
		CaptchaOutcome: outcome,
		Duration:       o.clock().Sub(start),
	}
}

// execute walks the run pipeline and returns the terminal classification.
func (o *Orchestrator) execute(ctx context.Context, log *zap.Logger, run *schemas.SubmissionRun, targetURL string, tpl *schemas.SubmissionTemplate) (schemas.RunStatus, schemas.CaptchaOutcome, string) {
	outcome := schemas.CaptchaNone
	beat := func(step string) { o.heartbeats.Beat(run.HeartbeatKey, step) }

	// Surface selection. A rendering surface is used when the template asks
	// for one or the operator turned headless mode off; both need a display
	// slot, and slot exhaustion degrades to headless rather than failing the
	// run.
	opts := schemas.SessionOptions{Headless: true}
	if (tpl.VisibleSolve || !o.cfg.Browser.Headless) && o.displays != nil {
		beat("display")
		disp, err := o.displays.Acquire(ctx)
		switch {
		case err == nil:
			defer o.displays.Release(disp)
			opts = schemas.SessionOptions{Headless: false, Display: disp.Display()}
		case errors.Is(err, schemas.ErrDisplayUnavailable):
			log.Warn("No display slot available, degrading to headless")
		default:
			return schemas.StatusError, outcome, fmt.Sprintf("display acquisition: %v", err)
		}
	}

	beat("session")
	page, err := o.browsers.NewSession(ctx, opts)
	if err != nil {
		return schemas.StatusError, outcome, fmt.Sprintf("browser session: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := page.Close(closeCtx); err != nil {
			log.Warn("Session close failed", zap.Error(err))
		}
	}()

	beat("navigate")
	if err := page.Navigate(ctx, targetURL); err != nil {
		var navErr *schemas.NavigationError
		if errors.As(err, &navErr) {
			return schemas.StatusError, outcome, navErr.Error()
		}
		return schemas.StatusError, outcome, fmt.Sprintf("navigation: %v", err)
	}

	beat("pre_actions")
	if msg, err := o.runPreActions(ctx, log, page, tpl.PreActions); err != nil {
		return schemas.StatusFailed, outcome, msg
	}

	beat("discover")
	form, err := o.discovery.DiscoverPrimaryForm(ctx, page)
	if err != nil {
		if errors.Is(err, schemas.ErrNoForm) {
			return schemas.StatusFailed, outcome, schemas.ErrNoForm.Error()
		}
		return schemas.StatusError, outcome, fmt.Sprintf("form discovery: %v", err)
	}

	beat("fill")
	if msg, err := o.fillFields(ctx, log, page, form, tpl.Fields); err != nil {
		if errors.Is(err, errRequiredFieldMissing) {
			return schemas.StatusFailed, outcome, msg
		}
		return schemas.StatusError, outcome, msg
	}

	surface := o.newSurface(page, log)

	beat("captcha")
	outcome, blocked, msg := o.resolveChallenge(ctx, log, surface, tpl.Captcha, outcome)
	if blocked {
		return schemas.StatusFailed, outcome, msg
	}

	beat("submit")
	if err := page.Click(ctx, submitSelector(form, tpl)); err != nil {
		return schemas.StatusError, outcome, fmt.Sprintf("submit click: %v", err)
	}
	o.settle(ctx, tpl.SettleWait)

	// A challenge can appear for the first time, or reappear, after the
	// submit attempt. A widget holding no response token needs solving again
	// regardless of how the earlier instance ended; resolve it and submit
	// once more.
	beat("captcha_recheck")
	if present, err := surface.Present(ctx); err == nil && present {
		if tok, err := surface.Token(ctx); err != nil || tok == "" {
			outcome, blocked, msg = o.resolveChallenge(ctx, log, surface, tpl.Captcha, outcome)
			if blocked {
				return schemas.StatusFailed, outcome, msg
			}
			if err := page.Click(ctx, submitSelector(form, tpl)); err != nil {
				return schemas.StatusError, outcome, fmt.Sprintf("resubmit click: %v", err)
			}
			o.settle(ctx, tpl.SettleWait)
		}
	}

	beat("verify")
	status, msg, err := o.classifyOutcome(ctx, page, tpl)
	if err != nil {
		return schemas.StatusError, outcome, fmt.Sprintf("outcome verification: %v", err)
	}
	beat("done")
	return status, outcome, msg
}

// resolveChallenge probes for a widget and, when present, drives it per
// policy. blocked is true when the policy requires a solution and none was
// obtained.
func (o *Orchestrator) resolveChallenge(ctx context.Context, log *zap.Logger, surface captcha.SurfaceInjector, policy schemas.CaptchaPolicy, prior schemas.CaptchaOutcome) (schemas.CaptchaOutcome, bool, string) {
	present, err := surface.Present(ctx)
	if err != nil || !present {
		return prior, false, ""
	}

	out := o.resolver.Resolve(ctx, surface, policy)
	result := out.CaptchaOutcome()
	if out.Solved() {
		if err := surface.InjectToken(ctx, out.Token); err != nil {
			log.Warn("Token injection failed", zap.Error(err))
		}
		log.Info("Challenge resolved", zap.String("via", string(out.Via)))
		return result, false, ""
	}

	log.Info("Challenge unresolved", zap.String("state", string(out.State)), zap.String("reason", out.Reason))
	if policy.Required {
		return result, true, schemas.ErrCaptchaUnsolved.Error()
	}
	// Best-effort policy: proceed and let the site decide.
	return result, false, ""
}

var errRequiredFieldMissing = errors.New("required field has no matching element")

// fillFields resolves each template mapping to a selector and types the
// value. Resolution order is explicit selector, then discovered role, then
// nothing; a missing non-optional mapping fails the run.
func (o *Orchestrator) fillFields(ctx context.Context, log *zap.Logger, page schemas.PageSession, form *forms.Form, mappings []schemas.FieldMapping) (string, error) {
	byRole := make(map[schemas.FieldRole]string, len(form.Fields))
	for _, f := range form.Fields {
		if _, seen := byRole[f.Role]; !seen {
			byRole[f.Role] = f.Selector
		}
	}

	for _, m := range mappings {
		selector := m.Selector
		if selector == "" {
			selector = byRole[m.Role]
		}
		if selector == "" {
			if m.Optional {
				log.Debug("Skipping optional field with no match", zap.String("role", string(m.Role)))
				continue
			}
			return fmt.Sprintf("no element found for required field role %q", m.Role), errRequiredFieldMissing
		}
		if err := page.Fill(ctx, selector, m.Value); err != nil {
			if m.Optional {
				log.Debug("Optional field fill failed", zap.String("selector", selector), zap.Error(err))
				continue
			}
			return fmt.Sprintf("filling %q: %v", selector, err), err
		}
	}
	return "", nil
}

// runPreActions executes the template's ordered page actions. Each action is
// bounded by its own timeout; only Required actions can fail the run.
func (o *Orchestrator) runPreActions(ctx context.Context, log *zap.Logger, page schemas.PageSession, actions []schemas.PreAction) (string, error) {
	for i, act := range actions {
		timeout := act.Timeout
		if timeout <= 0 {
			timeout = o.cfg.Network.ActionTimeout
		}
		actCtx, cancel := context.WithTimeout(ctx, timeout)
		err := o.runPreAction(actCtx, page, act)
		cancel()

		if err != nil {
			if act.Required {
				return fmt.Sprintf("required pre-action %d (%s) failed: %v", i, act.Kind, err), err
			}
			log.Debug("Pre-action failed, continuing", zap.Int("index", i), zap.String("kind", string(act.Kind)), zap.Error(err))
		}
	}
	return "", nil
}

func (o *Orchestrator) runPreAction(ctx context.Context, page schemas.PageSession, act schemas.PreAction) error {
	switch act.Kind {
	case schemas.PreActionClick:
		return page.Click(ctx, act.Selector)
	case schemas.PreActionWait:
		if act.Selector != "" {
			return page.WaitVisible(ctx, act.Selector)
		}
		select {
		case <-ctx.Done():
		case <-time.After(act.Timeout):
		}
		return nil
	case schemas.PreActionScript:
		return page.Evaluate(ctx, act.Script, nil)
	default:
		return fmt.Errorf("unknown pre-action kind %q", act.Kind)
	}
}

// classifyOutcome reads the settled page and matches it against the
// template's success phrases, then against generic error banners. A page
// matching neither is ambiguous and surfaces as an engine error rather than
// a false positive.
func (o *Orchestrator) classifyOutcome(ctx context.Context, page schemas.PageSession, tpl *schemas.SubmissionTemplate) (schemas.RunStatus, string, error) {
	content, err := page.Content(ctx)
	if err != nil {
		return schemas.StatusError, "", err
	}
	lower := strings.ToLower(content)

	for _, phrase := range tpl.SuccessPhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return schemas.StatusSuccess, fmt.Sprintf("matched success phrase %q", phrase), nil
		}
	}
	for _, phrase := range errorBannerPhrases {
		if strings.Contains(lower, phrase) {
			return schemas.StatusFailed, fmt.Sprintf("matched error banner %q", phrase), nil
		}
	}
	return schemas.StatusError, schemas.ErrSubmitAmbiguous.Error(), nil
}

// settle gives the page time to process the submission before verification.
func (o *Orchestrator) settle(ctx context.Context, wait time.Duration) {
	if wait <= 0 {
		wait = o.cfg.Network.PostLoadWait
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// submitSelector prefers the template's explicit selector and falls back to
// the form's native submit controls.
func submitSelector(form *forms.Form, tpl *schemas.SubmissionTemplate) string {
	if tpl.SubmitSelector != "" {
		return tpl.SubmitSelector
	}
	return fmt.Sprintf(`%s button[type="submit"], %s input[type="submit"], %s button`, form.Selector, form.Selector, form.Selector)
}

// persistCreate records the pending run. Store outages degrade to in-memory
// results only.
func (o *Orchestrator) persistCreate(ctx context.Context, run *schemas.SubmissionRun) {
	if o.store == nil {
		return
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		o.log.Warn("Failed to persist run record", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (o *Orchestrator) markRunning(ctx context.Context, run *schemas.SubmissionRun) {
	run.Status = schemas.StatusRunning
	if o.store == nil {
		return
	}
	if err := o.store.MarkRunning(ctx, run.ID, run.StartedAt); err != nil {
		o.log.Warn("Failed to mark run running", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// finalize stamps the terminal state onto the run record. Called exactly
// once per run, from Run's deferred block.
func (o *Orchestrator) finalize(run *schemas.SubmissionRun, result schemas.Result) {
	run.Status = result.Status
	run.Message = result.Message
	run.CaptchaOutcome = result.CaptchaOutcome
	run.EndedAt = o.clock()
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.FinalizeRun(ctx, run); err != nil {
		o.log.Warn("Failed to finalize run record", zap.String("run_id", run.ID), zap.Error(err))
	}
}
