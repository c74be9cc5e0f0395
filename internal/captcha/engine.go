// File: internal/captcha/engine.go
// Description: State machine that drives one challenge instance to a terminal
// state: local resolution first (checkbox, then audio transcription), a paid
// external fallback second, an interactive manual wait last. The engine holds
// no cross-invocation state; a challenge reappearing later in the same run is
// resolved by calling Resolve again.

package captcha

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
	"github.com/formrelay/formrelay-cli/internal/config"
)

// State names one position in the solving state machine.
type State string

const (
	StateStart            State = "START"
	StateCheckboxClicked  State = "CHECKBOX_CLICKED"
	StateChallengePresent State = "CHALLENGE_PRESENT"
	StateAudioMode        State = "AUDIO_MODE"
	StateAudioDownloaded  State = "AUDIO_DOWNLOADED"
	StateTranscribed      State = "TRANSCRIBED"
	StateAnswerSubmitted  State = "ANSWER_SUBMITTED"
	StateLocalTimeout     State = "LOCAL_TIMEOUT"
	StateExternalFallback State = "EXTERNAL_FALLBACK"
	StateSolved           State = "SOLVED"
	StateUnsolved         State = "UNSOLVED"
)

// Via records which solver tier produced the token.
type Via string

const (
	ViaNone     Via = "none"
	ViaLocal    Via = "local"
	ViaExternal Via = "external"
	ViaManual   Via = "manual"
)

// Outcome is the tagged result of one Resolve call. Failures across solver
// tiers travel through this struct, never through error returns: a timed-out
// local attempt is an expected transition, not an exception.
type Outcome struct {
	State  State
	Token  string
	Via    Via
	Reason string
}

// Solved reports whether a usable token was obtained.
func (o Outcome) Solved() bool { return o.State == StateSolved }

// CaptchaOutcome maps the outcome to the run-level summary value.
func (o Outcome) CaptchaOutcome() schemas.CaptchaOutcome {
	switch {
	case o.Solved() && o.Via == ViaLocal:
		return schemas.CaptchaSolvedLocal
	case o.Solved() && o.Via == ViaExternal:
		return schemas.CaptchaSolvedExternal
	case o.Solved() && o.Via == ViaManual:
		return schemas.CaptchaSolvedManual
	case o.State == StateLocalTimeout:
		return schemas.CaptchaTimedOut
	default:
		return schemas.CaptchaUnsolved
	}
}

// ChallengeSurface exposes the page-level primitives the state machine
// drives. The engine never touches the page directly, which keeps the solver
// testable against fakes and the widget plumbing swappable.
type ChallengeSurface interface {
	// Present reports whether a challenge widget exists on the page.
	Present(ctx context.Context) (bool, error)
	// ClickCheckbox clicks the widget's checkbox control.
	ClickCheckbox(ctx context.Context) error
	// Token returns the issued response token, empty when none yet.
	Token(ctx context.Context) (string, error)
	// SubChallengeVisible reports whether an interactive sub-challenge is up.
	SubChallengeVisible(ctx context.Context) (bool, error)
	// SwitchToAudio moves the sub-challenge to its audio variant.
	SwitchToAudio(ctx context.Context) error
	// AudioURL locates the audio resource via the extraction strategy chain.
	AudioURL(ctx context.Context) (string, error)
	// SubmitAnswer types the transcript and submits it.
	SubmitAnswer(ctx context.Context, transcript string) error
	// SiteKey returns the widget's site key for the external solver.
	SiteKey(ctx context.Context) (string, error)
	// PageURL returns the page's current location.
	PageURL(ctx context.Context) (string, error)
}

// AudioFetcher downloads the challenge audio; injectable for tests.
type AudioFetcher func(ctx context.Context, url string) (data []byte, mimeType string, err error)

// Engine resolves challenge instances per policy.
type Engine struct {
	log      *zap.Logger
	stt      schemas.SpeechToText
	external schemas.ExternalSolver
	fetch    AudioFetcher

	pollInterval time.Duration
}

// NewEngine wires the solver tiers. stt may be nil when local audio solving
// is unavailable; external may be nil when no provider is configured.
func NewEngine(logger *zap.Logger, stt schemas.SpeechToText, external schemas.ExternalSolver, cfg config.CaptchaConfig) *Engine {
	e := &Engine{
		log:          logger.Named("captcha"),
		stt:          stt,
		external:     external,
		fetch:        fetchAudio,
		pollInterval: cfg.PollInterval,
	}
	if e.pollInterval <= 0 {
		e.pollInterval = 2 * time.Second
	}
	return e
}

// Resolve drives one challenge instance to SOLVED or UNSOLVED. The local
// attempt and the external fallback are strictly sequential; both interact
// with the same browser tab, so racing them would corrupt the widget state.
func (e *Engine) Resolve(ctx context.Context, ch ChallengeSurface, policy schemas.CaptchaPolicy) Outcome {
	lastState := StateStart

	if policy.AllowsLocal() {
		localTimeout := policy.LocalTimeout
		if localTimeout <= 0 {
			localTimeout = 50 * time.Second
		}
		localCtx, cancel := context.WithTimeout(ctx, localTimeout)
		out := e.attemptLocal(localCtx, ch)
		cancel()

		if out.Solved() {
			return out
		}
		if localCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// Expected and frequent; the attempt is cancelled cleanly and the
			// cascade moves on.
			lastState = StateLocalTimeout
			e.log.Info("Local solve attempt timed out", zap.Duration("timeout", localTimeout))
		} else {
			lastState = out.State
			if out.Reason != "" {
				e.log.Debug("Local solve attempt failed", zap.String("reason", out.Reason))
			}
		}
		if ctx.Err() != nil {
			return Outcome{State: StateUnsolved, Via: ViaNone, Reason: "run cancelled during local attempt"}
		}
	}

	if policy.AllowsExternal() && e.external != nil {
		out := e.attemptExternal(ctx, ch, policy.ExternalTimeout)
		if out.Solved() {
			return out
		}
		lastState = out.State
	}

	if policy.Mode == schemas.CaptchaModeManualWait {
		if out := e.waitManual(ctx, ch, policy.ManualTimeout); out.Solved() {
			return out
		}
	}

	// A timed-out local attempt with no tier after it stays LOCAL_TIMEOUT so
	// the run records timed_out rather than generic unsolved.
	final := StateUnsolved
	if lastState == StateLocalTimeout {
		final = StateLocalTimeout
	}
	return Outcome{
		State:  final,
		Via:    ViaNone,
		Reason: fmt.Sprintf("all solver tiers exhausted (last state %s)", lastState),
	}
}

// attemptLocal runs the checkbox and audio paths under the caller's
// deadline. Any page interaction error aborts the attempt without leaving
// partial state: the widget simply stays wherever it was.
func (e *Engine) attemptLocal(ctx context.Context, ch ChallengeSurface) Outcome {
	fail := func(state State, reason string) Outcome {
		return Outcome{State: state, Via: ViaNone, Reason: reason}
	}

	if err := ch.ClickCheckbox(ctx); err != nil {
		return fail(StateStart, fmt.Sprintf("checkbox click: %v", err))
	}

	// Some challenges resolve from the click alone; poll briefly for a token
	// before assuming an interactive step is coming.
	if token := e.pollToken(ctx, ch, 3); token != "" {
		return Outcome{State: StateSolved, Token: token, Via: ViaLocal}
	}

	present, err := ch.SubChallengeVisible(ctx)
	if err != nil {
		return fail(StateCheckboxClicked, fmt.Sprintf("sub-challenge probe: %v", err))
	}
	if !present {
		// Solved-or-transient: give the widget one more chance to cough up
		// the token before declaring failure.
		if token := e.pollToken(ctx, ch, 2); token != "" {
			return Outcome{State: StateSolved, Token: token, Via: ViaLocal}
		}
		return fail(StateCheckboxClicked, "no sub-challenge and no token issued")
	}

	if e.stt == nil {
		return fail(StateChallengePresent, "no speech-to-text capability configured")
	}

	// Image challenges are out of scope; always pivot to audio.
	if err := ch.SwitchToAudio(ctx); err != nil {
		return fail(StateChallengePresent, fmt.Sprintf("audio switch: %v", err))
	}

	audioURL, err := ch.AudioURL(ctx)
	if err != nil {
		return fail(StateAudioMode, fmt.Sprintf("audio source: %v", err))
	}

	audio, mimeType, err := e.fetch(ctx, audioURL)
	if err != nil {
		return fail(StateAudioMode, fmt.Sprintf("audio fetch: %v", err))
	}

	transcript, err := e.stt.Transcribe(ctx, audio, mimeType)
	if err != nil {
		return fail(StateAudioDownloaded, fmt.Sprintf("transcription: %v", err))
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		// Garbled or empty output is a solve failure, never a crash.
		return fail(StateAudioDownloaded, "empty transcript")
	}

	if err := ch.SubmitAnswer(ctx, transcript); err != nil {
		return fail(StateTranscribed, fmt.Sprintf("answer submit: %v", err))
	}

	if token := e.pollToken(ctx, ch, 3); token != "" {
		return Outcome{State: StateSolved, Token: token, Via: ViaLocal}
	}
	return fail(StateAnswerSubmitted, "answer submitted but no token issued")
}

// attemptExternal submits the site key and page URL to the paid solver and
// polls its result endpoint until a token arrives or the fallback window
// closes.
func (e *Engine) attemptExternal(ctx context.Context, ch ChallengeSurface, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	extCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(reason string) Outcome {
		return Outcome{State: StateExternalFallback, Via: ViaNone, Reason: reason}
	}

	siteKey, err := ch.SiteKey(extCtx)
	if err != nil || siteKey == "" {
		return fail(fmt.Sprintf("site key unavailable: %v", err))
	}
	pageURL, err := ch.PageURL(extCtx)
	if err != nil {
		return fail(fmt.Sprintf("page url unavailable: %v", err))
	}

	jobID, err := e.external.Submit(extCtx, siteKey, pageURL)
	if err != nil {
		return fail(fmt.Sprintf("solver submit: %v", err))
	}
	e.log.Info("Submitted challenge to external solver", zap.String("job_id", jobID))

	for {
		select {
		case <-extCtx.Done():
			return fail("external fallback window elapsed")
		case <-time.After(e.pollInterval):
		}

		res, err := e.external.Poll(extCtx, jobID)
		if err != nil {
			if extCtx.Err() != nil {
				return fail("external fallback window elapsed")
			}
			e.log.Debug("External solver poll error", zap.Error(err))
			continue
		}
		switch res.State {
		case schemas.PollReady:
			return Outcome{State: StateSolved, Token: res.Token, Via: ViaExternal}
		case schemas.PollFailed:
			return fail("external solver reported failure")
		}
	}
}

// waitManual polls for a token while a human resolves the challenge in the
// same browser surface.
func (e *Engine) waitManual(ctx context.Context, ch ChallengeSurface, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	manCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.log.Info("Waiting for manual challenge resolution", zap.Duration("timeout", timeout))
	for {
		select {
		case <-manCtx.Done():
			return Outcome{State: StateUnsolved, Via: ViaNone, Reason: "manual wait elapsed"}
		case <-time.After(e.pollInterval):
		}
		token, err := ch.Token(manCtx)
		if err == nil && token != "" {
			return Outcome{State: StateSolved, Token: token, Via: ViaManual}
		}
	}
}

// pollToken checks for an issued token up to attempts times, pacing with the
// poll interval. Returns empty when none appears.
func (e *Engine) pollToken(ctx context.Context, ch ChallengeSurface, attempts int) string {
	for i := 0; i < attempts; i++ {
		token, err := ch.Token(ctx)
		if err == nil && token != "" {
			return token
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(e.pollInterval):
		}
	}
	return ""
}

// fetchAudio downloads the challenge audio clip.
func fetchAudio(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("audio fetch returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	return data, mimeType, nil
}
